package badger

import "github.com/velmie/eventrelay"

const defaultSequenceBandwidth = 128

// Config defines BadgerDB store behavior.
type Config struct {
	Clock  eventrelay.Clock
	Logger eventrelay.Logger
	// InMemory keeps the database in memory, path is ignored.
	InMemory bool
	// SyncWrites fsyncs every commit.
	SyncWrites bool
	// SequenceBandwidth is the number of ids leased from disk at once.
	SequenceBandwidth uint64
	// ConflictRetries bounds re-running MarkRelayed after a write conflict.
	ConflictRetries int
}

func (c Config) withDefaults() Config {
	if c.Clock == nil {
		c.Clock = eventrelay.SystemClock{}
	}
	if c.Logger == nil {
		c.Logger = eventrelay.NopLogger{}
	}
	if c.SequenceBandwidth == 0 {
		c.SequenceBandwidth = defaultSequenceBandwidth
	}
	if c.ConflictRetries <= 0 {
		c.ConflictRetries = 3
	}

	return c
}

// Option configures the BadgerDB store.
type Option func(*Config)

// WithClock sets the time source for record timestamps.
func WithClock(clock eventrelay.Clock) Option {
	return func(c *Config) {
		c.Clock = clock
	}
}

// WithLogger routes store and BadgerDB diagnostics to logger.
func WithLogger(logger eventrelay.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithInMemory opens a non-persistent database.
func WithInMemory() Option {
	return func(c *Config) {
		c.InMemory = true
	}
}

// WithSyncWrites toggles fsync on commit.
func WithSyncWrites(sync bool) Option {
	return func(c *Config) {
		c.SyncWrites = sync
	}
}
