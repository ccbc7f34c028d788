// Package rabbitmq adapts the broker port to RabbitMQ.
//
// Every publication topic is a durable topic exchange and messages are
// published with the routing key as AMQP routing key. Publishes wait for the
// publisher confirm; a nack surfaces as broker.ErrNacked. Subscriptions
// consume a durable queue per subscription. Exhausted deliveries are
// republished to the dead-letter exchange with attempt metadata and a confirm,
// undecodable ones are rejected and dead-lettered by the queue policy. A lost
// connection or publish channel is redialed with exponential backoff and the
// consumers are restarted.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/velmie/eventrelay"
	"github.com/velmie/eventrelay/broker"
)

var (
	// ErrChannelRequired is returned when a nil channel is provided.
	ErrChannelRequired = errors.New("rabbitmq: channel is required")
	// ErrConfirmModeUnavailable is returned when the channel rejects confirm mode.
	ErrConfirmModeUnavailable = errors.New("rabbitmq: channel does not support confirm mode")
)

// Header keys added to dead-lettered messages.
const (
	HeaderSubscription = "x-eventrelay-subscription"
	HeaderAttempts     = "x-eventrelay-attempts"
	HeaderReason       = "x-eventrelay-reason"
)

// Config holds broker settings.
type Config struct {
	Topology Topology
	Logger   eventrelay.Logger
	Prefetch int
	Breaker  gobreaker.Settings
	// ReconnectInitial and ReconnectMax bound the exponential delay between
	// recovery attempts after the connection or the publish channel closed.
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
}

// Option configures a Broker.
type Option func(*Config)

// WithTopology replaces the exchange and queue layout.
func WithTopology(t Topology) Option {
	return func(c *Config) {
		c.Topology = t
	}
}

// WithLogger sets the logger.
func WithLogger(logger eventrelay.Logger) Option {
	return func(c *Config) {
		if logger != nil {
			c.Logger = logger
		}
	}
}

// WithPrefetch sets the per-consumer prefetch count.
func WithPrefetch(n int) Option {
	return func(c *Config) {
		c.Prefetch = n
	}
}

// WithBreaker trips the publish circuit after failures consecutive errors and
// probes again after timeout.
func WithBreaker(failures uint32, timeout time.Duration) Option {
	return func(c *Config) {
		if failures == 0 {
			return
		}
		c.Breaker = gobreaker.Settings{
			Name:        "eventrelay-rabbitmq",
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failures
			},
		}
	}
}

// WithReconnectBackoff sets the recovery delay bounds. Non-positive values
// keep the defaults.
func WithReconnectBackoff(initial, maxDelay time.Duration) Option {
	return func(c *Config) {
		if initial > 0 {
			c.ReconnectInitial = initial
		}
		if maxDelay > 0 {
			c.ReconnectMax = maxDelay
		}
	}
}

func (c Config) reconnectBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.ReconnectInitial
	bo.MaxInterval = c.ReconnectMax
	if bo.MaxInterval < bo.InitialInterval {
		bo.MaxInterval = bo.InitialInterval
	}
	bo.MaxElapsedTime = 0
	bo.Reset()

	return bo
}

// consumer is a registered queue consumer, restarted after a reconnect.
type consumer struct {
	queue string
	serve func(deliveries <-chan amqp.Delivery)
}

// Broker implements broker.Broker over one AMQP connection. A closed
// connection or publish channel is recovered in the background; the broker
// reports unhealthy until then.
type Broker struct {
	url     string
	breaker *gobreaker.CircuitBreaker[interface{}]
	cfg     Config

	connMu sync.RWMutex
	conn   *amqp.Connection
	pubCh  *amqp.Channel

	healthy atomic.Bool
	closed  atomic.Bool

	mu        sync.Mutex
	channels  []*amqp.Channel
	consumers []consumer
	dlq       []broker.DLQHandler
	dlqOnce   sync.Once
	wg        sync.WaitGroup
	stop      chan struct{}
}

var _ broker.Broker = (*Broker)(nil)

// Dial connects to url, enables publisher confirms and declares the topology.
func Dial(url string, opts ...Option) (*Broker, error) {
	cfg := Config{
		Topology:         DefaultTopology(),
		Logger:           eventrelay.NopLogger{},
		Prefetch:         16,
		ReconnectInitial: 500 * time.Millisecond,
		ReconnectMax:     30 * time.Second,
	}
	WithBreaker(5, 30*time.Second)(&cfg)
	for _, opt := range opts {
		opt(&cfg)
	}
	logger := cfg.Logger
	cfg.Breaker.OnStateChange = func(name string, from, to gobreaker.State) {
		logger.Info("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("%w: dial: %w", broker.ErrUnavailable, err)
	}
	ch, err := openPublishChannel(conn, cfg.Topology)
	if err != nil {
		_ = conn.Close()

		return nil, err
	}

	b := &Broker{
		url:     url,
		conn:    conn,
		pubCh:   ch,
		breaker: gobreaker.NewCircuitBreaker[interface{}](cfg.Breaker),
		cfg:     cfg,
		stop:    make(chan struct{}),
	}
	b.healthy.Store(true)

	b.wg.Add(1)
	go b.watch(conn, ch)

	return b, nil
}

func openPublishChannel(conn *amqp.Connection, topology Topology) (*amqp.Channel, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: open channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()

		return nil, fmt.Errorf("%w: %w", ErrConfirmModeUnavailable, err)
	}
	if err := topology.Declare(ch); err != nil {
		_ = ch.Close()

		return nil, fmt.Errorf("rabbitmq: %w", err)
	}

	return ch, nil
}

// watch recovers the connection and the publish channel until Close.
func (b *Broker) watch(conn *amqp.Connection, ch *amqp.Channel) {
	defer b.wg.Done()

	ctx, cancel := b.deliveryContext()
	defer cancel()

	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
	for {
		chClosed := ch.NotifyClose(make(chan *amqp.Error, 1))

		var amqpErr *amqp.Error
		select {
		case <-b.stop:
			return
		case amqpErr = <-connClosed:
		case amqpErr = <-chClosed:
		}

		b.healthy.Store(false)
		if b.closed.Load() {
			return
		}
		if conn.IsClosed() {
			b.cfg.Logger.Warn("rabbitmq connection closed", "err", amqpErr)
		} else {
			b.cfg.Logger.Warn("rabbitmq publish channel closed", "err", amqpErr)
		}

		next, nextCh, err := b.reconnect(ctx, conn)
		if err != nil {
			return
		}
		if !b.swap(next, nextCh) {
			return
		}
		if next != conn {
			connClosed = next.NotifyClose(make(chan *amqp.Error, 1))
			b.resubscribe(next)
		}
		b.healthy.Store(true)
		b.cfg.Logger.Info("rabbitmq connection recovered")
		conn, ch = next, nextCh
	}
}

// reconnect reopens the publish channel on conn, redialing first when conn is
// gone. It retries with backoff until it succeeds or ctx ends.
func (b *Broker) reconnect(ctx context.Context, conn *amqp.Connection) (*amqp.Connection, *amqp.Channel, error) {
	var (
		next   *amqp.Connection
		nextCh *amqp.Channel
	)
	op := func() error {
		next = conn
		if conn.IsClosed() {
			dialed, err := amqp.Dial(b.url)
			if err != nil {
				return fmt.Errorf("dial: %w", err)
			}
			next = dialed
		}

		ch, err := openPublishChannel(next, b.cfg.Topology)
		if err != nil {
			if next != conn {
				_ = next.Close()
			}

			return err
		}
		nextCh = ch

		return nil
	}
	notify := func(err error, wait time.Duration) {
		b.cfg.Logger.Warn("rabbitmq recovery failed", "err", err, "retry_in", wait)
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(b.cfg.reconnectBackOff(), ctx), notify); err != nil {
		return nil, nil, err
	}

	return next, nextCh, nil
}

// swap installs the recovered connection unless Close ran meanwhile.
func (b *Broker) swap(conn *amqp.Connection, ch *amqp.Channel) bool {
	b.connMu.Lock()
	defer b.connMu.Unlock()

	if b.closed.Load() {
		_ = ch.Close()
		if conn != b.conn {
			_ = conn.Close()
		}

		return false
	}
	b.conn, b.pubCh = conn, ch

	return true
}

func (b *Broker) resubscribe(conn *amqp.Connection) {
	b.mu.Lock()
	consumers := append([]consumer(nil), b.consumers...)
	b.channels = nil
	b.mu.Unlock()

	for _, c := range consumers {
		if err := b.start(conn, c); err != nil {
			b.cfg.Logger.Error("rabbitmq: resubscribe failed", "queue", c.queue, "err", err)
		}
	}
}

func (b *Broker) connection() (*amqp.Connection, *amqp.Channel) {
	b.connMu.RLock()
	defer b.connMu.RUnlock()

	return b.conn, b.pubCh
}

// Publish implements broker.Publisher and waits for the broker confirm.
func (b *Broker) Publish(ctx context.Context, msg broker.Message) error {
	if b.closed.Load() {
		return broker.ErrClosed
	}

	_, err := b.breaker.Execute(func() (interface{}, error) {
		return nil, b.publishConfirmed(ctx, string(msg.Topic), msg.RoutingKey, publishing(msg))
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return fmt.Errorf("%w: %w", broker.ErrUnavailable, err)
	default:
		return fmt.Errorf("rabbitmq: publish %s: %w", msg, err)
	}
}

// publishConfirmed publishes on the confirm-mode channel and waits for the ack.
func (b *Broker) publishConfirmed(ctx context.Context, exchange, key string, p amqp.Publishing) error {
	_, ch := b.connection()
	if !b.healthy.Load() || ch.IsClosed() {
		return fmt.Errorf("%w: publish channel closed", broker.ErrUnavailable)
	}

	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, p)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", broker.ErrTimeout, err)
		}

		return fmt.Errorf("%w: %w", broker.ErrUnavailable, err)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", broker.ErrTimeout, err)
	}
	if !acked {
		return broker.ErrNacked
	}

	return nil
}

// IsHealthy implements broker.Publisher.
func (b *Broker) IsHealthy(context.Context) bool {
	return !b.closed.Load() && b.healthy.Load() && b.breaker.State() != gobreaker.StateOpen
}

// Subscribe implements broker.Subscriber. Deliveries are consumed until Close
// and consumption resumes after a reconnect.
func (b *Broker) Subscribe(_ context.Context, sub broker.Subscription, handler broker.Handler, opts ...broker.SubscribeOption) error {
	if handler == nil {
		return errors.New("rabbitmq: nil handler")
	}
	if len(b.cfg.Topology.Bindings.Keys(sub)) == 0 {
		return fmt.Errorf("rabbitmq: subscription %s has no bindings", sub)
	}
	cfg := broker.NewSubscribeConfig(opts...)

	return b.register(consumer{
		queue: b.cfg.Topology.Queue(sub),
		serve: func(deliveries <-chan amqp.Delivery) {
			for d := range deliveries {
				b.handle(sub, d, handler, cfg.Retry)
			}
		},
	})
}

// SubscribeDLQ implements broker.Subscriber.
func (b *Broker) SubscribeDLQ(handler broker.DLQHandler) error {
	if handler == nil {
		return errors.New("rabbitmq: nil dlq handler")
	}

	b.mu.Lock()
	b.dlq = append(b.dlq, handler)
	b.mu.Unlock()

	var err error
	b.dlqOnce.Do(func() {
		err = b.register(consumer{
			queue: b.cfg.Topology.DLQName,
			serve: func(deliveries <-chan amqp.Delivery) {
				for d := range deliveries {
					b.deadLetter(d)
				}
			},
		})
	})

	return err
}

// Close stops consumers, waits for in-flight handlers and closes the connection.
func (b *Broker) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(b.stop)

	b.mu.Lock()
	channels := append([]*amqp.Channel(nil), b.channels...)
	b.mu.Unlock()

	var errs []error
	for _, ch := range channels {
		errs = append(errs, ignoreClosed(ch.Close()))
	}
	b.wg.Wait()

	conn, ch := b.connection()
	errs = append(errs, ignoreClosed(ch.Close()), ignoreClosed(conn.Close()))

	return errors.Join(errs...)
}

func ignoreClosed(err error) error {
	if errors.Is(err, amqp.ErrClosed) {
		return nil
	}

	return err
}

func (b *Broker) register(c consumer) error {
	conn, _ := b.connection()
	if err := b.start(conn, c); err != nil {
		return err
	}

	b.mu.Lock()
	b.consumers = append(b.consumers, c)
	b.mu.Unlock()

	return nil
}

func (b *Broker) start(conn *amqp.Connection, c consumer) error {
	deliveries, err := b.consume(conn, c.queue)
	if err != nil {
		return err
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		c.serve(deliveries)
	}()

	return nil
}

func (b *Broker) consume(conn *amqp.Connection, queue string) (<-chan amqp.Delivery, error) {
	if b.closed.Load() {
		return nil, broker.ErrClosed
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: open consumer channel: %w", err)
	}
	if err := ch.Qos(b.cfg.Prefetch, 0, false); err != nil {
		_ = ch.Close()

		return nil, fmt.Errorf("rabbitmq: qos: %w", err)
	}
	tag := queue + "-" + uuid.NewString()
	deliveries, err := ch.Consume(queue, tag, false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()

		return nil, fmt.Errorf("rabbitmq: consume %s: %w", queue, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed.Load() {
		_ = ch.Close()

		return nil, broker.ErrClosed
	}
	b.channels = append(b.channels, ch)

	return deliveries, nil
}

func (b *Broker) handle(sub broker.Subscription, d amqp.Delivery, handler broker.Handler, retry broker.RetryStrategy) {
	msg, err := broker.MessageFromHeaders(headers(d.Headers), d.Body)
	if err != nil {
		b.cfg.Logger.Error("rabbitmq: undecodable delivery rejected", "subscription", sub, "err", err)
		_ = d.Nack(false, false)

		return
	}

	ctx, cancel := b.deliveryContext()
	defer cancel()

	for attempt := 1; ; attempt++ {
		err := handler(ctx, msg)
		if err == nil {
			_ = d.Ack(false)

			return
		}

		decision := retry(attempt, err)
		if decision.Action == broker.RetryDeadLetter {
			b.publishDeadLetter(ctx, sub, d, attempt, err)

			return
		}

		select {
		case <-ctx.Done():
			_ = d.Nack(false, true)

			return
		case <-time.After(decision.Delay):
		}
	}
}

// publishDeadLetter republishes d to the DLX with attempt metadata and acks it
// once the copy is confirmed. Otherwise d is rejected and the queue policy
// dead-letters the original.
func (b *Broker) publishDeadLetter(ctx context.Context, sub broker.Subscription, d amqp.Delivery, attempts int, reason error) {
	table := amqp.Table{}
	for k, v := range d.Headers {
		table[k] = v
	}
	table[HeaderSubscription] = string(sub)
	table[HeaderAttempts] = strconv.Itoa(attempts)
	table[HeaderReason] = reason.Error()

	err := b.publishConfirmed(ctx, b.cfg.Topology.DLXExchangeName, d.RoutingKey, amqp.Publishing{
		ContentType:  d.ContentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    d.MessageId,
		Timestamp:    d.Timestamp,
		Type:         d.Type,
		Headers:      table,
		Body:         d.Body,
	})
	if err != nil {
		b.cfg.Logger.Warn("rabbitmq: dead-letter publish failed, rejecting", "subscription", sub, "err", err)
		_ = d.Nack(false, false)

		return
	}
	_ = d.Ack(false)
}

func (b *Broker) deadLetter(d amqp.Delivery) {
	dl, err := deadLetterOf(b.cfg.Topology, d)
	if err != nil {
		b.cfg.Logger.Error("rabbitmq: undecodable dead letter dropped", "err", err)
		_ = d.Ack(false)

		return
	}

	b.mu.Lock()
	handlers := append([]broker.DLQHandler(nil), b.dlq...)
	b.mu.Unlock()

	ctx, cancel := b.deliveryContext()
	defer cancel()
	for _, h := range handlers {
		h(ctx, dl)
	}
	_ = d.Ack(false)
}

func (b *Broker) deliveryContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-b.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}

func publishing(msg broker.Message) amqp.Publishing {
	table := amqp.Table{}
	for k, v := range msg.Headers() {
		table[k] = v
	}

	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.DedupKey(),
		Timestamp:    msg.CreatedAt,
		Type:         string(msg.Name),
		Headers:      table,
		Body:         msg.Payload,
	}
}

func headers(table amqp.Table) map[string]string {
	out := make(map[string]string, len(table))
	for k, v := range table {
		switch value := v.(type) {
		case string:
			out[k] = value
		case []byte:
			out[k] = string(value)
		case int, int8, int16, int32, int64:
			out[k] = fmt.Sprint(value)
		}
	}

	return out
}

func deadLetterOf(t Topology, d amqp.Delivery) (broker.DeadLetter, error) {
	h := headers(d.Headers)
	msg, err := broker.MessageFromHeaders(h, d.Body)
	if err != nil {
		return broker.DeadLetter{}, err
	}

	dl := broker.DeadLetter{
		Message:      msg,
		Subscription: broker.Subscription(h[HeaderSubscription]),
		Reason:       fmt.Errorf("%w: %s", broker.ErrDeadLettered, h[HeaderReason]),
	}
	dl.Attempts, _ = strconv.Atoi(h[HeaderAttempts])

	if dl.Subscription == "" {
		queue, reason, count := xDeath(d.Headers)
		dl.Subscription = t.Subscription(queue)
		dl.Reason = fmt.Errorf("%w: %s", broker.ErrDeadLettered, reason)
		dl.Attempts = count
	}

	return dl, nil
}

// xDeath reads the first x-death entry set by RabbitMQ on dead-lettering.
func xDeath(table amqp.Table) (queue, reason string, count int) {
	deaths, ok := table["x-death"].([]interface{})
	if !ok || len(deaths) == 0 {
		return "", "", 0
	}
	death, ok := deaths[0].(amqp.Table)
	if !ok {
		return "", "", 0
	}
	queue, _ = death["queue"].(string)
	reason, _ = death["reason"].(string)
	if n, ok := death["count"].(int64); ok {
		count = int(n)
	}

	return queue, reason, count
}
