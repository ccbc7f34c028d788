package mysql

import "errors"

var (
	// ErrDBRequired is returned when a nil *sql.DB is provided.
	ErrDBRequired = errors.New("eventrelay mysql: db is required")
	// ErrRegistryRequired is returned when a nil registry is provided.
	ErrRegistryRequired = errors.New("eventrelay mysql: registry is required")
	// ErrExecutorRequired is returned when AppendTx is called with a nil executor.
	ErrExecutorRequired = errors.New("eventrelay mysql: executor is required")
	// ErrCleanupBeforeRequired is returned when cleanup cutoff is missing.
	ErrCleanupBeforeRequired = errors.New("eventrelay mysql: cleanup before time is required")
	// ErrCleanupLimitInvalid is returned when cleanup limit is negative.
	ErrCleanupLimitInvalid = errors.New("eventrelay mysql: cleanup limit must be non-negative")
	// ErrCleanupRetentionInvalid is returned when cleanup retention is not positive.
	ErrCleanupRetentionInvalid = errors.New("eventrelay mysql: cleanup retention must be positive")
)
