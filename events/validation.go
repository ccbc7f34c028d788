package events

import (
	"fmt"
	"strings"
)

// FieldError describes one violated rule.
type FieldError struct {
	// Field is the JSON path of the field, empty for document-level errors.
	Field string
	// Rule is the failed validation tag ("required", "oneof", "type", "json").
	Rule string
	// Param is the rule parameter, if any.
	Param string
	// Message carries decoder details for document-level errors.
	Message string
}

func (f FieldError) String() string {
	var b strings.Builder
	if f.Field != "" {
		b.WriteString(f.Field)
		b.WriteString(": ")
	}
	b.WriteString(f.Rule)
	if f.Param != "" {
		b.WriteString("=")
		b.WriteString(f.Param)
	}
	if f.Message != "" {
		b.WriteString(" (")
		b.WriteString(f.Message)
		b.WriteString(")")
	}

	return b.String()
}

// ValidationError lists every field that failed validation for an event.
type ValidationError struct {
	Event  Name
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.String())
	}

	return fmt.Sprintf("events: invalid %s payload: %s", e.Event, strings.Join(parts, "; "))
}

// Unwrap allows errors.Is(err, ErrInvalidPayload).
func (e *ValidationError) Unwrap() error {
	return ErrInvalidPayload
}

// Has reports whether field failed the given rule.
func (e *ValidationError) Has(field, rule string) bool {
	for _, f := range e.Fields {
		if f.Field == field && f.Rule == rule {
			return true
		}
	}

	return false
}
