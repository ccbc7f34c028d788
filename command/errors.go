package command

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput marks payloads failing validation.
	ErrInvalidInput = errors.New("command: invalid input")
	// ErrInvalidActor marks identity or middleware rejections.
	ErrInvalidActor = errors.New("command: invalid actor")
	// ErrExecution marks failures returned by a command body.
	ErrExecution = errors.New("command: execution failed")
)

// Error is returned by Execute. Kind is one of ErrInvalidInput,
// ErrInvalidActor, ErrExecution, eventrelay.ErrOutboxWrite or
// events.ErrInvalidPayload.
type Error struct {
	Kind    error
	Command string
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Command, e.Kind)
	}

	return fmt.Sprintf("%s: %v: %v", e.Command, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is.
func (e *Error) Unwrap() []error {
	return []error{e.Kind, e.Err}
}
