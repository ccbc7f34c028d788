// Package memory provides an in-process broker with scripted publish
// outcomes. Published messages are delivered synchronously to bound
// subscriptions and every publish attempt is kept in a call log.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/velmie/eventrelay/broker"
)

// Policy decides the outcome of the attempt-th publish (starting at 1).
type Policy func(attempt int, msg broker.Message) error

// AlwaysAck accepts every publish.
func AlwaysAck() Policy {
	return func(int, broker.Message) error { return nil }
}

// AlwaysFail rejects every publish with err, or ErrNacked when err is nil.
func AlwaysFail(err error) Policy {
	if err == nil {
		err = broker.ErrNacked
	}

	return func(int, broker.Message) error { return err }
}

// FailFirst rejects the first n publishes of each message id, then accepts.
func FailFirst(n int) Policy {
	var mu sync.Mutex
	seen := make(map[int64]int)

	return func(_ int, msg broker.Message) error {
		mu.Lock()
		defer mu.Unlock()
		seen[msg.ID]++
		if seen[msg.ID] <= n {
			return fmt.Errorf("%w: scripted failure %d/%d", broker.ErrNacked, seen[msg.ID], n)
		}

		return nil
	}
}

// Call is one publish attempt in the call log.
type Call struct {
	Message broker.Message
	Err     error
}

// Option configures a Broker.
type Option func(*Broker)

// WithPolicy sets the publish policy. Defaults to AlwaysAck.
func WithPolicy(policy Policy) Option {
	return func(b *Broker) {
		b.policy = policy
	}
}

// WithBindings sets the subscription topology. Defaults to broker.DefaultBindings.
func WithBindings(bindings broker.Bindings) Option {
	return func(b *Broker) {
		b.bindings = bindings
	}
}

type subscription struct {
	handler broker.Handler
	cfg     broker.SubscribeConfig
}

// Broker is an in-memory broker.Broker.
type Broker struct {
	mu       sync.Mutex
	policy   Policy
	bindings broker.Bindings
	healthy  bool
	closed   bool
	calls    []Call
	subs     map[broker.Subscription][]subscription
	dlq      []broker.DLQHandler
	dead     []broker.DeadLetter
}

var _ broker.Broker = (*Broker)(nil)

// New constructs a Broker.
func New(opts ...Option) *Broker {
	b := &Broker{
		policy:   AlwaysAck(),
		bindings: broker.DefaultBindings(),
		healthy:  true,
		subs:     make(map[broker.Subscription][]subscription),
	}
	for _, opt := range opts {
		opt(b)
	}

	return b
}

// SetPolicy replaces the publish policy.
func (b *Broker) SetPolicy(policy Policy) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.policy = policy
}

// SetHealthy toggles the IsHealthy result.
func (b *Broker) SetHealthy(healthy bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.healthy = healthy
}

// Publish applies the policy and, on success, delivers to bound subscriptions.
func (b *Broker) Publish(ctx context.Context, msg broker.Message) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", broker.ErrTimeout, err)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()

		return broker.ErrClosed
	}
	err := b.policy(len(b.calls)+1, msg)
	b.calls = append(b.calls, Call{Message: msg, Err: err})
	targets := b.targets(msg.RoutingKey)
	b.mu.Unlock()

	if err != nil {
		return err
	}

	for _, t := range targets {
		b.deliver(ctx, t.name, t.sub, msg)
	}

	return nil
}

// IsHealthy implements broker.Publisher.
func (b *Broker) IsHealthy(context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.healthy && !b.closed
}

// Subscribe registers handler for the routing keys bound to sub.
func (b *Broker) Subscribe(_ context.Context, sub broker.Subscription, handler broker.Handler, opts ...broker.SubscribeOption) error {
	if handler == nil {
		return errors.New("memory broker: nil handler")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return broker.ErrClosed
	}
	if len(b.bindings.Keys(sub)) == 0 {
		return fmt.Errorf("memory broker: subscription %s has no bindings", sub)
	}
	b.subs[sub] = append(b.subs[sub], subscription{handler: handler, cfg: broker.NewSubscribeConfig(opts...)})

	return nil
}

// SubscribeDLQ implements broker.Subscriber.
func (b *Broker) SubscribeDLQ(handler broker.DLQHandler) error {
	if handler == nil {
		return errors.New("memory broker: nil dlq handler")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.dlq = append(b.dlq, handler)

	return nil
}

// Close rejects further publishes.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true

	return nil
}

// Calls returns the publish call log.
func (b *Broker) Calls() []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Call, len(b.calls))
	copy(out, b.calls)

	return out
}

// Attempts returns the number of publish attempts for message id.
func (b *Broker) Attempts(id int64) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.calls {
		if c.Message.ID == id {
			n++
		}
	}

	return n
}

// Published returns the accepted messages in publish order.
func (b *Broker) Published() []broker.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []broker.Message
	for _, c := range b.calls {
		if c.Err == nil {
			out = append(out, c.Message)
		}
	}

	return out
}

// DeadLetters returns every dead-lettered delivery.
func (b *Broker) DeadLetters() []broker.DeadLetter {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]broker.DeadLetter, len(b.dead))
	copy(out, b.dead)

	return out
}

type target struct {
	name broker.Subscription
	sub  subscription
}

func (b *Broker) targets(routingKey string) []target {
	var out []target
	for _, name := range b.bindings.SubscribersOf(routingKey) {
		for _, sub := range b.subs[name] {
			out = append(out, target{name: name, sub: sub})
		}
	}

	return out
}

func (b *Broker) deliver(ctx context.Context, name broker.Subscription, sub subscription, msg broker.Message) {
	for attempt := 1; ; attempt++ {
		err := sub.handler(ctx, msg)
		if err == nil {
			return
		}

		decision := sub.cfg.Retry(attempt, err)
		if decision.Action == broker.RetryDeadLetter {
			b.deadLetter(ctx, broker.DeadLetter{
				Message:      msg,
				Subscription: name,
				Attempts:     attempt,
				Reason:       fmt.Errorf("%w: %w", broker.ErrDeadLettered, err),
			})

			return
		}
		if !sleep(ctx, decision.Delay) {
			// the publish was accepted, so an abandoned retry still ends in the DLQ
			b.deadLetter(context.WithoutCancel(ctx), broker.DeadLetter{
				Message:      msg,
				Subscription: name,
				Attempts:     attempt,
				Reason:       fmt.Errorf("%w: retry abandoned: %w: %w", broker.ErrDeadLettered, context.Cause(ctx), err),
			})

			return
		}
	}
}

func (b *Broker) deadLetter(ctx context.Context, dl broker.DeadLetter) {
	b.mu.Lock()
	b.dead = append(b.dead, dl)
	handlers := append([]broker.DLQHandler(nil), b.dlq...)
	b.mu.Unlock()

	for _, h := range handlers {
		h(ctx, dl)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
