package mysql

import "github.com/velmie/eventrelay"

const defaultTable = "outbox"

// Config defines MySQL store behavior.
type Config struct {
	Table  string
	Clock  eventrelay.Clock
	Logger eventrelay.Logger
}

func (c Config) withDefaults() Config {
	if c.Table == "" {
		c.Table = defaultTable
	}
	if c.Clock == nil {
		c.Clock = eventrelay.SystemClock{}
	}
	if c.Logger == nil {
		c.Logger = eventrelay.NopLogger{}
	}

	return c
}

// Option configures the MySQL store.
type Option func(*Config)

// WithTable sets the outbox table name.
func WithTable(name string) Option {
	return func(c *Config) {
		c.Table = name
	}
}

// WithClock sets the time source used for updated_at.
func WithClock(clock eventrelay.Clock) Option {
	return func(c *Config) {
		c.Clock = clock
	}
}

// WithLogger sets the logger used for lock diagnostics.
func WithLogger(logger eventrelay.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}
