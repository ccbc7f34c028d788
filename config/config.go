// Package config loads relayd configuration.
//
// Sources are layered with increasing priority: built-in defaults, an
// optional YAML file, then EVENTRELAY_* environment variables. The first
// underscore after the prefix separates the section from the key, so
// EVENTRELAY_RELAY_BATCH_SIZE sets relay.batch_size. List values are
// comma-separated in the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/velmie/eventrelay"
	"github.com/velmie/eventrelay/broker"
	"github.com/velmie/eventrelay/logging"
)

const (
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "EVENTRELAY_"
	// PathEnvVar names the YAML file to load when no path is given.
	PathEnvVar = "EVENTRELAY_CONFIG"
)

// Store drivers.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreMySQL    = "mysql"
	StoreBadger   = "badger"
)

// Broker drivers.
const (
	BrokerMemory    = "memory"
	BrokerGoChannel = "gochannel"
	BrokerJetStream = "jetstream"
	BrokerEmbedded  = "embedded"
	BrokerRabbitMQ  = "rabbitmq"
)

// Config is the relayd configuration.
type Config struct {
	Log     logging.Config `koanf:"log"`
	HTTP    HTTPConfig     `koanf:"http"`
	Store   StoreConfig    `koanf:"store"`
	Broker  BrokerConfig   `koanf:"broker"`
	Relay   RelayConfig    `koanf:"relay"`
	Cleanup CleanupConfig  `koanf:"cleanup"`
}

// HTTPConfig configures the /metrics and /healthz listener.
type HTTPConfig struct {
	Addr              string        `koanf:"addr" validate:"required"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout" validate:"gt=0"`
	ShutdownTimeout   time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
}

// StoreConfig selects the outbox engine.
type StoreConfig struct {
	Driver string `koanf:"driver" validate:"required,oneof=memory postgres mysql badger"`
	// DSN is the connection string of postgres and mysql.
	DSN   string `koanf:"dsn" validate:"required_if=Driver postgres,required_if=Driver mysql"`
	Table string `koanf:"table" validate:"required"`
	// Path is the badger directory.
	Path     string `koanf:"path" validate:"required_if=Driver badger"`
	MaxConns int    `koanf:"max_conns" validate:"gte=0"`
}

// BrokerConfig selects the transport.
type BrokerConfig struct {
	Driver string `koanf:"driver" validate:"required,oneof=memory gochannel jetstream embedded rabbitmq"`
	// URL is the NATS or AMQP url.
	URL             string        `koanf:"url" validate:"required_if=Driver jetstream,required_if=Driver rabbitmq"`
	StoreDir        string        `koanf:"store_dir"`
	AckWait         time.Duration `koanf:"ack_wait" validate:"gte=0"`
	MaxDeliver      int           `koanf:"max_deliver" validate:"gte=0"`
	DuplicateWindow time.Duration `koanf:"duplicate_window" validate:"gte=0"`
	Prefetch        int           `koanf:"prefetch" validate:"gte=0"`
	BreakerFailures uint32        `koanf:"breaker_failures" validate:"gte=0"`
	BreakerTimeout  time.Duration `koanf:"breaker_timeout" validate:"gte=0"`
}

// RelayConfig mirrors the relay options.
type RelayConfig struct {
	BatchSize       int           `koanf:"batch_size" validate:"gt=0"`
	PollInterval    time.Duration `koanf:"poll_interval" validate:"gt=0"`
	PublishTimeout  time.Duration `koanf:"publish_timeout" validate:"gt=0"`
	MaxAttempts     int           `koanf:"max_attempts" validate:"gt=0"`
	InitialBackoff  time.Duration `koanf:"initial_backoff" validate:"gt=0"`
	MaxBackoff      time.Duration `koanf:"max_backoff" validate:"gtefield=InitialBackoff"`
	Multiplier      float64       `koanf:"multiplier" validate:"gte=1"`
	Jitter          float64       `koanf:"jitter" validate:"gte=0,lt=1"`
	Cooldown        time.Duration `koanf:"cooldown" validate:"gte=0"`
	PendingInterval time.Duration `koanf:"pending_interval" validate:"gte=0"`
	StrictTopics    []string      `koanf:"strict_topics" validate:"dive,oneof=MessageRelayer DiscordListener"`
	Topics          []string      `koanf:"topics" validate:"dive,oneof=MessageRelayer DiscordListener"`
	LockName        string        `koanf:"lock_name"`
}

// CleanupConfig configures retention of relayed rows for SQL stores.
type CleanupConfig struct {
	Enabled    bool          `koanf:"enabled"`
	Retention  time.Duration `koanf:"retention" validate:"required_if=Enabled true,gte=0"`
	CheckEvery time.Duration `koanf:"check_every" validate:"required_if=Enabled true,gte=0"`
	Limit      int           `koanf:"limit" validate:"gte=0"`
}

// Default returns the built-in configuration: an in-memory store and broker
// with the relay defaults.
func Default() Config {
	log := logging.DefaultConfig()
	log.Output = nil

	return Config{
		Log: log,
		HTTP: HTTPConfig{
			Addr:              ":9090",
			ReadHeaderTimeout: 5 * time.Second,
			ShutdownTimeout:   10 * time.Second,
		},
		Store: StoreConfig{
			Driver: StoreMemory,
			Table:  "outbox",
		},
		Broker: BrokerConfig{
			Driver:          BrokerMemory,
			AckWait:         30 * time.Second,
			MaxDeliver:      5,
			DuplicateWindow: 2 * time.Minute,
			Prefetch:        16,
			BreakerFailures: 5,
			BreakerTimeout:  30 * time.Second,
		},
		Relay: RelayConfig{
			BatchSize:      50,
			PollInterval:   50 * time.Millisecond,
			PublishTimeout: 10 * time.Second,
			MaxAttempts:    5,
			InitialBackoff: 100 * time.Millisecond,
			MaxBackoff:     30 * time.Second,
			Multiplier:     2,
			Jitter:         0.2,
			Cooldown:       time.Minute,
		},
		Cleanup: CleanupConfig{
			Retention:  7 * 24 * time.Hour,
			CheckEvery: time.Hour,
			Limit:      1000,
		},
	}
}

// Load reads configuration from defaults, the YAML file at path (or the file
// named by EVENTRELAY_CONFIG when path is empty) and the environment.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}

	if path == "" {
		path = os.Getenv(PathEnvVar)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: load %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("config: load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func envKey(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	if key == "config" {
		return ""
	}

	return strings.Replace(key, "_", ".", 1)
}

// Validate checks struct constraints and cross-section rules.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("config: invalid: %w", err)
	}

	var errs []error
	if c.Cleanup.Enabled && c.Store.Driver != StoreMySQL && c.Store.Driver != StorePostgres {
		errs = append(errs, fmt.Errorf("cleanup requires a sql store, got %q", c.Store.Driver))
	}
	if c.Store.Driver == StoreMemory && c.Broker.Driver != BrokerMemory && c.Broker.Driver != BrokerGoChannel {
		errs = append(errs, errors.New("memory store loses records on restart, pair it with an in-process broker"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: invalid: %w", err)
	}

	return nil
}

// Options converts the relay section to relay options.
func (c RelayConfig) Options() []eventrelay.RelayOption {
	opts := []eventrelay.RelayOption{
		eventrelay.WithBatchSize(c.BatchSize),
		eventrelay.WithPollInterval(c.PollInterval),
		eventrelay.WithPublishTimeout(c.PublishTimeout),
		eventrelay.WithMaxAttempts(c.MaxAttempts),
		eventrelay.WithBackoff(c.InitialBackoff, c.MaxBackoff, c.Multiplier),
		eventrelay.WithJitter(c.Jitter),
		eventrelay.WithCooldown(c.Cooldown),
		eventrelay.WithPendingInterval(c.PendingInterval),
	}
	if len(c.StrictTopics) > 0 {
		opts = append(opts, eventrelay.WithStrictOrdering(topics(c.StrictTopics)...))
	}
	if len(c.Topics) > 0 {
		opts = append(opts, eventrelay.WithTopics(topics(c.Topics)...))
	}

	return opts
}

func topics(names []string) []broker.Topic {
	out := make([]broker.Topic, 0, len(names))
	for _, name := range names {
		out = append(out, broker.Topic(strings.TrimSpace(name)))
	}

	return out
}
