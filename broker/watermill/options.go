package watermill

import (
	"time"

	wm "github.com/ThreeDotsLabs/watermill"

	"github.com/velmie/eventrelay/broker"
)

// BreakerConfig configures the publish circuit breaker.
type BreakerConfig struct {
	Name             string
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
}

// Config holds broker settings.
type Config struct {
	Logger       wm.LoggerAdapter
	Bindings     broker.Bindings
	PoisonTopic  string
	CloseTimeout time.Duration
	Breaker      BreakerConfig
}

func defaultConfig() Config {
	return Config{
		Logger:       wm.NopLogger{},
		Bindings:     broker.DefaultBindings(),
		PoisonTopic:  DefaultPoisonTopic,
		CloseTimeout: 30 * time.Second,
		Breaker: BreakerConfig{
			Name:             "eventrelay-publish",
			MaxRequests:      1,
			Interval:         time.Minute,
			Timeout:          30 * time.Second,
			FailureThreshold: 5,
		},
	}
}

// Option configures a Broker.
type Option func(*Config)

// WithLogger sets the Watermill logger.
func WithLogger(logger wm.LoggerAdapter) Option {
	return func(c *Config) {
		if logger != nil {
			c.Logger = logger
		}
	}
}

// WithBindings replaces the subscription topology.
func WithBindings(bindings broker.Bindings) Option {
	return func(c *Config) {
		c.Bindings = bindings
	}
}

// WithPoisonTopic sets the topic receiving exhausted deliveries.
func WithPoisonTopic(topic string) Option {
	return func(c *Config) {
		c.PoisonTopic = topic
	}
}

// WithBreaker overrides the circuit breaker settings.
func WithBreaker(cfg BreakerConfig) Option {
	return func(c *Config) {
		c.Breaker = cfg
	}
}
