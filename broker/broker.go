// Package broker defines the port between the relay and a message broker:
// topics, routing keys, subscription bindings, retry strategies and the
// publisher/subscriber contracts implemented by the adapters in the
// subpackages.
package broker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/velmie/eventrelay/events"
)

// Message is the broker representation of a relayed outbox record.
type Message struct {
	// ID is the outbox event id, stable across redeliveries.
	ID         int64
	Topic      Topic
	Name       events.Name
	RoutingKey string
	Payload    json.RawMessage
	CreatedAt  time.Time
}

// NewMessage builds the message for a validated event payload.
func NewMessage(id int64, event events.Event, payload json.RawMessage, createdAt time.Time) Message {
	name := event.EventName()

	return Message{
		ID:         id,
		Topic:      TopicFor(name),
		Name:       name,
		RoutingKey: RoutingKey(event),
		Payload:    payload,
		CreatedAt:  createdAt,
	}
}

// DedupKey identifies the message for broker-side deduplication.
func (m Message) DedupKey() string {
	return string(m.Topic) + "-" + strconv.FormatInt(m.ID, 10)
}

func (m Message) String() string {
	return fmt.Sprintf("%s/%s#%d", m.Topic, m.RoutingKey, m.ID)
}

// Publisher publishes relayed messages.
type Publisher interface {
	// Publish returns nil only after the broker durably accepted the message.
	Publish(ctx context.Context, msg Message) error
	// IsHealthy reports whether the broker can currently accept publishes.
	IsHealthy(ctx context.Context) bool
}

// Handler consumes a delivered message. A non-nil error triggers the
// subscription retry strategy.
type Handler func(ctx context.Context, msg Message) error

// DeadLetter describes a message that exhausted its subscription retries.
type DeadLetter struct {
	Message      Message
	Subscription Subscription
	Attempts     int
	Reason       error
}

// DLQHandler receives dead-lettered messages.
type DLQHandler func(ctx context.Context, dl DeadLetter)

// Subscriber binds handlers to subscription topics.
type Subscriber interface {
	// Subscribe registers handler for every routing key bound to sub.
	Subscribe(ctx context.Context, sub Subscription, handler Handler, opts ...SubscribeOption) error
	// SubscribeDLQ registers a handler for dead-lettered messages.
	SubscribeDLQ(handler DLQHandler) error
}

// Broker is a publisher and subscriber that owns connections.
type Broker interface {
	Publisher
	Subscriber
	Close() error
}

// SubscribeConfig holds per-subscription settings.
type SubscribeConfig struct {
	Retry RetryStrategy
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*SubscribeConfig)

// WithRetryStrategy overrides the retry strategy of a subscription.
func WithRetryStrategy(strategy RetryStrategy) SubscribeOption {
	return func(c *SubscribeConfig) {
		c.Retry = strategy
	}
}

// NewSubscribeConfig applies opts over the defaults.
func NewSubscribeConfig(opts ...SubscribeOption) SubscribeConfig {
	var cfg SubscribeConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Retry == nil {
		cfg.Retry = DefaultRetryStrategy()
	}

	return cfg
}
