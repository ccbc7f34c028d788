// Package sqlname validates SQL identifiers supplied through configuration.
package sqlname

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrRequired is returned for an empty identifier.
	ErrRequired = errors.New("sqlname: table name is required")
	// ErrInvalid is returned when the identifier has disallowed characters.
	ErrInvalid = errors.New("sqlname: invalid table name")
)

// Table accepts "table" or "schema.table" made of ASCII letters, digits and
// underscores, and returns it unchanged.
func Table(name string) (string, error) {
	if name == "" {
		return "", ErrRequired
	}
	parts := strings.Split(name, ".")
	if len(parts) > 2 {
		return "", fmt.Errorf("%w: %s", ErrInvalid, name)
	}
	for _, part := range parts {
		if part == "" {
			return "", fmt.Errorf("%w: %s", ErrInvalid, name)
		}
		for _, r := range part {
			if r == '_' || (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
				continue
			}

			return "", fmt.Errorf("%w: %s", ErrInvalid, name)
		}
	}

	return name, nil
}
