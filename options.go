package eventrelay

import (
	"time"

	"github.com/velmie/eventrelay/broker"
)

const (
	defaultBatchSize      = 50
	defaultPollInterval   = 50 * time.Millisecond
	defaultPublishTimeout = 10 * time.Second
	defaultMaxAttempts    = 5
	defaultInitialBackoff = 100 * time.Millisecond
	defaultMaxBackoff     = 30 * time.Second
	defaultMultiplier     = 2.0
	defaultJitter         = 0.2
	defaultCooldown       = time.Minute
	defaultPendingCheck   = 0
	defaultLockName       = "eventrelay:relay"
)

// RelayConfig defines how the Relay polls, publishes and retries records.
type RelayConfig struct {
	BatchSize      int
	PollInterval   time.Duration
	PublishTimeout time.Duration
	// MaxAttempts is the publish budget of a record before an exhaustion
	// alert and a cooldown.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	// Jitter is the backoff randomization factor in [0, 1).
	Jitter    float64
	jitterSet bool
	// Cooldown delays the next attempt after the retry budget ran out.
	Cooldown        time.Duration
	PendingInterval time.Duration
	// StrictTopics keeps per-topic order: a failing record holds back the
	// rest of its topic.
	StrictTopics map[broker.Topic]bool
	// Topics restricts the relay to a shard of publication topics. Empty
	// means every topic.
	Topics            map[broker.Topic]bool
	Locker            Locker
	LockName          string
	Clock             Clock
	Logger            Logger
	Metrics           Metrics
	FailureClassifier FailureClassifier
	ErrorHandler      FailureHandler
	AlertHandler      AlertHandler
}

func (c RelayConfig) withDefaults() RelayConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = defaultPublishTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = defaultInitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	if c.Multiplier < 1 {
		c.Multiplier = defaultMultiplier
	}
	if !c.jitterSet || c.Jitter < 0 || c.Jitter >= 1 {
		c.Jitter = defaultJitter
	}
	if c.Cooldown <= 0 {
		c.Cooldown = defaultCooldown
	}
	if c.PendingInterval <= 0 {
		c.PendingInterval = defaultPendingCheck
	}
	if c.LockName == "" {
		c.LockName = defaultLockName
	}
	if c.Clock == nil {
		c.Clock = SystemClock{}
	}
	if c.Logger == nil {
		c.Logger = NopLogger{}
	}
	if c.Metrics == nil {
		c.Metrics = NopMetrics{}
	}
	if c.FailureClassifier == nil {
		c.FailureClassifier = defaultFailureClassifier
	}

	return c
}

func (c RelayConfig) strict(topic broker.Topic) bool {
	return c.StrictTopics[topic]
}

func (c RelayConfig) owns(topic broker.Topic) bool {
	return len(c.Topics) == 0 || c.Topics[topic]
}

// RelayOption configures Relay behavior.
type RelayOption func(*RelayConfig)

// WithBatchSize sets the page size used when scanning the outbox.
func WithBatchSize(size int) RelayOption {
	return func(c *RelayConfig) {
		c.BatchSize = size
	}
}

// WithPollInterval sets the delay between passes.
func WithPollInterval(interval time.Duration) RelayOption {
	return func(c *RelayConfig) {
		c.PollInterval = interval
	}
}

// WithPublishTimeout bounds every publish attempt. A timeout is a failure.
func WithPublishTimeout(timeout time.Duration) RelayOption {
	return func(c *RelayConfig) {
		c.PublishTimeout = timeout
	}
}

// WithMaxAttempts sets the publish budget per record before alerting.
func WithMaxAttempts(attempts int) RelayOption {
	return func(c *RelayConfig) {
		c.MaxAttempts = attempts
	}
}

// WithBackoff sets the exponential backoff curve between attempts of a record.
func WithBackoff(initial, maxInterval time.Duration, multiplier float64) RelayOption {
	return func(c *RelayConfig) {
		c.InitialBackoff = initial
		c.MaxBackoff = maxInterval
		c.Multiplier = multiplier
	}
}

// WithJitter sets the backoff randomization factor. Zero disables jitter.
func WithJitter(factor float64) RelayOption {
	return func(c *RelayConfig) {
		c.Jitter = factor
		c.jitterSet = true
	}
}

// WithCooldown sets the delay before an exhausted record is tried again.
func WithCooldown(cooldown time.Duration) RelayOption {
	return func(c *RelayConfig) {
		c.Cooldown = cooldown
	}
}

// WithStrictOrdering enables per-topic ordering for topics.
func WithStrictOrdering(topics ...broker.Topic) RelayOption {
	return func(c *RelayConfig) {
		if c.StrictTopics == nil {
			c.StrictTopics = make(map[broker.Topic]bool, len(topics))
		}
		for _, t := range topics {
			c.StrictTopics[t] = true
		}
	}
}

// WithTopics restricts the relay to a shard of publication topics.
func WithTopics(topics ...broker.Topic) RelayOption {
	return func(c *RelayConfig) {
		if c.Topics == nil {
			c.Topics = make(map[broker.Topic]bool, len(topics))
		}
		for _, t := range topics {
			c.Topics[t] = true
		}
	}
}

// WithLocker makes every pass hold the named lease.
func WithLocker(locker Locker, name string) RelayOption {
	return func(c *RelayConfig) {
		c.Locker = locker
		c.LockName = name
	}
}

// WithClock sets the Relay clock.
func WithClock(clock Clock) RelayOption {
	return func(c *RelayConfig) {
		c.Clock = clock
	}
}

// WithErrorHandler registers a callback for failed publish attempts.
func WithErrorHandler(handler FailureHandler) RelayOption {
	return func(c *RelayConfig) {
		c.ErrorHandler = handler
	}
}

// WithAlertHandler registers the operator alert callback.
func WithAlertHandler(handler AlertHandler) RelayOption {
	return func(c *RelayConfig) {
		c.AlertHandler = handler
	}
}

// WithLogger sets the relay logger.
func WithLogger(logger Logger) RelayOption {
	return func(c *RelayConfig) {
		c.Logger = logger
	}
}

// WithMetrics sets the relay metrics recorder.
func WithMetrics(metrics Metrics) RelayOption {
	return func(c *RelayConfig) {
		c.Metrics = metrics
	}
}

// WithFailureClassifier sets the classifier deciding retry versus poison.
func WithFailureClassifier(classifier FailureClassifier) RelayOption {
	return func(c *RelayConfig) {
		c.FailureClassifier = classifier
	}
}

// WithPendingInterval sets the minimum interval between pending count samples.
// Use a positive value to enable sampling or zero to keep it disabled.
// The default is disabled.
func WithPendingInterval(interval time.Duration) RelayOption {
	return func(c *RelayConfig) {
		c.PendingInterval = interval
	}
}
