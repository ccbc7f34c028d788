// Package watermill adapts the broker port to Watermill publishers and
// subscribers: an in-process GoChannel pub/sub and NATS JetStream.
//
// Messages are published to the Watermill topic "<Topic>.<RoutingKey>".
// Subscriptions register one router handler per bound routing key, retry
// failed deliveries with the subscription RetryStrategy and route exhausted
// deliveries to the poison topic, whose handler feeds SubscribeDLQ handlers.
package watermill

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	wm "github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/google/uuid"
	natsgo "github.com/nats-io/nats.go"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/velmie/eventrelay/broker"
)

// Metadata keys set on poisoned deliveries.
const (
	MetadataSubscription = "eventrelay_subscription"
	MetadataAttempts     = "eventrelay_attempts"
)

// DefaultPoisonTopic receives deliveries that exhausted their retries.
const DefaultPoisonTopic = "eventrelay.dlq"

// SubscriberFactory returns the Watermill subscriber backing sub.
type SubscriberFactory func(sub broker.Subscription) (message.Subscriber, error)

// Broker implements broker.Broker over Watermill.
type Broker struct {
	publisher   message.Publisher
	subscribers SubscriberFactory
	router      *message.Router
	breaker     *gobreaker.CircuitBreaker[interface{}]
	cfg         Config

	healthy atomic.Bool
	closed  atomic.Bool
	seq     atomic.Int64

	mu      sync.Mutex
	running context.Context
	dlq     []broker.DLQHandler
	dlqOnce sync.Once
	closers []func() error
}

var _ broker.Broker = (*Broker)(nil)

// New builds a broker over an arbitrary Watermill publisher and subscriber
// factory. closers run on Close after the router stopped.
func New(publisher message.Publisher, subscribers SubscriberFactory, opts ...Option) (*Broker, error) {
	if publisher == nil || subscribers == nil {
		return nil, errors.New("watermill broker: publisher and subscriber factory are required")
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: cfg.CloseTimeout}, cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("watermill broker: create router: %w", err)
	}

	poisonQueue, err := middleware.PoisonQueue(publisher, cfg.PoisonTopic)
	if err != nil {
		return nil, fmt.Errorf("watermill broker: poison queue: %w", err)
	}
	router.AddMiddleware(poisonQueue, middleware.Recoverer)

	b := &Broker{
		publisher:   publisher,
		subscribers: subscribers,
		router:      router,
		cfg:         cfg,
	}
	b.breaker = gobreaker.NewCircuitBreaker[interface{}](gobreaker.Settings{
		Name:        cfg.Breaker.Name,
		MaxRequests: cfg.Breaker.MaxRequests,
		Interval:    cfg.Breaker.Interval,
		Timeout:     cfg.Breaker.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.Breaker.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			cfg.Logger.Info("circuit breaker state changed", wm.LogFields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
		},
	})
	b.healthy.Store(true)

	return b, nil
}

// Topic returns the Watermill topic for a routing key.
func Topic(routingKey string) string {
	return string(broker.TopicForRoutingKey(routingKey)) + "." + routingKey
}

// SetHealthy records connection state reported by the transport.
func (b *Broker) SetHealthy(healthy bool) {
	b.healthy.Store(healthy)
}

// Publish implements broker.Publisher. It returns once the Watermill
// publisher returned, which for JetStream means the server acknowledged.
func (b *Broker) Publish(ctx context.Context, msg broker.Message) error {
	if b.closed.Load() {
		return broker.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", broker.ErrTimeout, err)
	}

	wmMsg := message.NewMessage(uuid.NewString(), []byte(msg.Payload))
	for k, v := range msg.Headers() {
		wmMsg.Metadata.Set(k, v)
	}
	wmMsg.Metadata.Set(natsgo.MsgIdHdr, msg.DedupKey())
	wmMsg.SetContext(ctx)
	topic := Topic(msg.RoutingKey)

	done := make(chan error, 1)
	go func() {
		_, err := b.breaker.Execute(func() (interface{}, error) {
			return nil, b.publisher.Publish(topic, wmMsg)
		})
		done <- err
	}()

	select {
	case err := <-done:
		switch {
		case err == nil:
			return nil
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			return fmt.Errorf("%w: %w", broker.ErrUnavailable, err)
		default:
			return fmt.Errorf("watermill broker: publish %s: %w", msg, err)
		}
	case <-ctx.Done():
		return fmt.Errorf("%w: %s: %w", broker.ErrTimeout, msg, ctx.Err())
	}
}

// IsHealthy implements broker.Publisher.
func (b *Broker) IsHealthy(context.Context) bool {
	return !b.closed.Load() && b.healthy.Load() && b.breaker.State() != gobreaker.StateOpen
}

// Subscribe implements broker.Subscriber. Handlers registered after Run
// start immediately.
func (b *Broker) Subscribe(ctx context.Context, sub broker.Subscription, handler broker.Handler, opts ...broker.SubscribeOption) error {
	if handler == nil {
		return errors.New("watermill broker: nil handler")
	}
	if b.closed.Load() {
		return broker.ErrClosed
	}
	keys := b.cfg.Bindings.Keys(sub)
	if len(keys) == 0 {
		return fmt.Errorf("watermill broker: subscription %s has no bindings", sub)
	}

	subscriber, err := b.subscribers(sub)
	if err != nil {
		return fmt.Errorf("watermill broker: subscriber for %s: %w", sub, err)
	}
	cfg := broker.NewSubscribeConfig(opts...)
	n := b.seq.Add(1)

	for _, key := range keys {
		b.router.AddConsumerHandler(
			fmt.Sprintf("%s/%s#%d", sub, key, n),
			Topic(key),
			subscriber,
			b.consume(sub, handler, cfg.Retry),
		)
	}

	return b.runHandlers()
}

// SubscribeDLQ implements broker.Subscriber.
func (b *Broker) SubscribeDLQ(handler broker.DLQHandler) error {
	if handler == nil {
		return errors.New("watermill broker: nil dlq handler")
	}

	b.mu.Lock()
	b.dlq = append(b.dlq, handler)
	b.mu.Unlock()

	var err error
	b.dlqOnce.Do(func() {
		var subscriber message.Subscriber
		subscriber, err = b.subscribers("dlq")
		if err != nil {
			return
		}
		b.router.AddConsumerHandler("dlq", b.cfg.PoisonTopic, subscriber, b.deadLetters)
		err = b.runHandlers()
	})

	return err
}

// Run starts the router and blocks until ctx is done or Close is called.
func (b *Broker) Run(ctx context.Context) error {
	b.mu.Lock()
	b.running = ctx
	b.mu.Unlock()

	return b.router.Run(ctx)
}

// Running is closed once the router started all handlers.
func (b *Broker) Running() chan struct{} {
	return b.router.Running()
}

// Close stops the router, then closes the publisher and transport resources.
func (b *Broker) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}

	errs := []error{b.router.Close(), b.publisher.Close()}
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}

	return errors.Join(errs...)
}

func (b *Broker) runHandlers() error {
	b.mu.Lock()
	ctx := b.running
	b.mu.Unlock()
	if ctx == nil {
		return nil
	}
	select {
	case <-b.router.Running():
	case <-ctx.Done():
		return ctx.Err()
	}

	return b.router.RunHandlers(ctx)
}

func (b *Broker) consume(sub broker.Subscription, handler broker.Handler, retry broker.RetryStrategy) message.NoPublishHandlerFunc {
	return func(wmMsg *message.Message) error {
		msg, err := broker.MessageFromHeaders(wmMsg.Metadata, wmMsg.Payload)
		if err != nil {
			wmMsg.Metadata.Set(MetadataSubscription, string(sub))
			wmMsg.Metadata.Set(MetadataAttempts, "0")

			return fmt.Errorf("%w: %w", broker.ErrPermanent, err)
		}

		ctx := wmMsg.Context()
		for attempt := 1; ; attempt++ {
			err := handler(ctx, msg)
			if err == nil {
				return nil
			}

			decision := retry(attempt, err)
			if decision.Action == broker.RetryDeadLetter {
				wmMsg.Metadata.Set(MetadataSubscription, string(sub))
				wmMsg.Metadata.Set(MetadataAttempts, strconv.Itoa(attempt))

				return err
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(decision.Delay):
			}
		}
	}
}

func (b *Broker) deadLetters(wmMsg *message.Message) error {
	msg, err := broker.MessageFromHeaders(wmMsg.Metadata, wmMsg.Payload)
	if err != nil {
		b.cfg.Logger.Error("undecodable dead letter dropped", err, wm.LogFields{"uuid": wmMsg.UUID})

		return nil
	}
	attempts, _ := strconv.Atoi(wmMsg.Metadata.Get(MetadataAttempts))
	dl := broker.DeadLetter{
		Message:      msg,
		Subscription: broker.Subscription(wmMsg.Metadata.Get(MetadataSubscription)),
		Attempts:     attempts,
		Reason:       fmt.Errorf("%w: %s", broker.ErrDeadLettered, wmMsg.Metadata.Get(middleware.ReasonForPoisonedKey)),
	}

	b.mu.Lock()
	handlers := append([]broker.DLQHandler(nil), b.dlq...)
	b.mu.Unlock()
	for _, h := range handlers {
		h(wmMsg.Context(), dl)
	}

	return nil
}
