package postgres

import "errors"

var (
	// ErrPoolRequired is returned when a nil pool is provided.
	ErrPoolRequired = errors.New("eventrelay postgres: pool is required")
	// ErrRegistryRequired is returned when a nil registry is provided.
	ErrRegistryRequired = errors.New("eventrelay postgres: registry is required")
	// ErrCleanupBeforeRequired is returned when cleanup cutoff is missing.
	ErrCleanupBeforeRequired = errors.New("eventrelay postgres: cleanup before time is required")
	// ErrCleanupLimitInvalid is returned when cleanup limit is negative.
	ErrCleanupLimitInvalid = errors.New("eventrelay postgres: cleanup limit must be non-negative")
	// ErrCleanupRetentionInvalid is returned when cleanup retention is not positive.
	ErrCleanupRetentionInvalid = errors.New("eventrelay postgres: cleanup retention must be positive")
)
