package postgres

import "github.com/velmie/eventrelay"

const defaultTable = "outbox"

// Config defines PostgreSQL store behavior.
type Config struct {
	Table  string
	Logger eventrelay.Logger
}

func (c Config) withDefaults() Config {
	if c.Table == "" {
		c.Table = defaultTable
	}
	if c.Logger == nil {
		c.Logger = eventrelay.NopLogger{}
	}

	return c
}

// Option configures the PostgreSQL store.
type Option func(*Config)

// WithTable sets the outbox table name. Use schema.table for a non-default schema.
func WithTable(name string) Option {
	return func(c *Config) {
		c.Table = name
	}
}

// WithLogger sets the logger used for lease and cleanup diagnostics.
func WithLogger(logger eventrelay.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}
