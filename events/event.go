// Package events defines the forum event catalog and the schema registry that
// validates event payloads on both sides of the outbox.
//
// Every event is a Go struct implementing Event. Its JSON tags define the wire
// shape and its validate tags define the rules, so the registry validator is
// derived from the same type the producer compiles against.
package events

import "errors"

// Name identifies an event in the catalog.
type Name string

// String implements fmt.Stringer.
func (n Name) String() string {
	return string(n)
}

// Event is implemented by every payload type in the catalog.
type Event interface {
	// EventName returns the catalog name of the payload.
	EventName() Name
}

var (
	// ErrUnknownEvent is returned for names that are not registered.
	ErrUnknownEvent = errors.New("events: unknown event name")
	// ErrDuplicateEvent is returned when a name is registered twice.
	ErrDuplicateEvent = errors.New("events: duplicate event name")
	// ErrInvalidPayload matches every *ValidationError.
	ErrInvalidPayload = errors.New("events: invalid payload")
	// ErrNilEvent is returned when a nil payload is validated.
	ErrNilEvent = errors.New("events: nil event")
)
