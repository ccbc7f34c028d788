package eventrelay

import (
	"fmt"
	"reflect"

	"github.com/goccy/go-json"

	"github.com/velmie/eventrelay/events"
)

// Entry is a validated record ready to be inserted by a store.
type Entry struct {
	Name events.Name
	// Payload is the canonical encoding of the validated typed payload.
	Payload json.RawMessage
	// Event is the typed payload.
	Event events.Event
}

// NewEntry validates payload for name and returns its canonical encoding.
// payload may be a typed events.Event, raw JSON ([]byte, json.RawMessage,
// string) or any value that marshals to the payload object.
func NewEntry(registry *events.Registry, name events.Name, payload any) (Entry, error) {
	if registry == nil {
		return Entry{}, fmt.Errorf("%w: nil registry", events.ErrUnknownEvent)
	}

	var (
		event events.Event
		err   error
	)
	if typed, ok := payload.(events.Event); ok {
		if typed.EventName() != name {
			return Entry{}, fmt.Errorf("%w: payload is %s, appended as %s", events.ErrInvalidPayload, typed.EventName(), name)
		}
		if err := registry.ValidateEvent(typed); err != nil {
			return Entry{}, err
		}
		event = typed
		if v := reflect.ValueOf(typed); v.Kind() == reflect.Pointer {
			if elem, ok := v.Elem().Interface().(events.Event); ok {
				event = elem
			}
		}
	} else {
		raw, err := rawPayload(payload)
		if err != nil {
			return Entry{}, err
		}
		event, err = registry.Validate(name, raw)
		if err != nil {
			return Entry{}, err
		}
	}

	canonical, err := json.Marshal(event)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: encode %s: %w", events.ErrInvalidPayload, name, err)
	}

	return Entry{Name: name, Payload: canonical, Event: event}, nil
}

func rawPayload(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return p, nil
	case string:
		return []byte(p), nil
	default:
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("%w: encode payload: %w", events.ErrInvalidPayload, err)
		}

		return raw, nil
	}
}
