package rabbitmq

import (
	"fmt"
	"sort"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/velmie/eventrelay/broker"
)

const (
	defaultDLXExchangeName = "eventrelay.dlx"
	defaultDLQName         = "eventrelay.dlq"
	defaultQueuePrefix     = "eventrelay."
	exchangeType           = "topic"
	dlqBindingKey          = "#"
)

// AMQPChannel is the subset of *amqp.Channel used to declare the topology.
type AMQPChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// Topology names the exchanges and queues of the broker.
type Topology struct {
	DLXExchangeName string
	DLQName         string
	QueuePrefix     string
	Bindings        broker.Bindings
}

// DefaultTopology returns the forum topology: one topic exchange per
// publication topic, one durable queue per subscription and a shared DLX/DLQ.
func DefaultTopology() Topology {
	return Topology{
		DLXExchangeName: defaultDLXExchangeName,
		DLQName:         defaultDLQName,
		QueuePrefix:     defaultQueuePrefix,
		Bindings:        broker.DefaultBindings(),
	}
}

// Queue returns the queue name of sub.
func (t Topology) Queue(sub broker.Subscription) string {
	return t.QueuePrefix + string(sub)
}

// Subscription maps a queue name back to its subscription.
func (t Topology) Subscription(queue string) broker.Subscription {
	if len(queue) > len(t.QueuePrefix) && queue[:len(t.QueuePrefix)] == t.QueuePrefix {
		return broker.Subscription(queue[len(t.QueuePrefix):])
	}

	return broker.Subscription(queue)
}

// Declare creates exchanges, the DLX/DLQ pair and every subscription queue
// with its routing key bindings. Declarations are idempotent.
func (t Topology) Declare(ch AMQPChannel) error {
	if ch == nil {
		return ErrChannelRequired
	}

	for _, topic := range broker.Topics() {
		if err := ch.ExchangeDeclare(string(topic), exchangeType, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s: %w", topic, err)
		}
	}

	if err := ch.ExchangeDeclare(t.DLXExchangeName, exchangeType, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dlx exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(t.DLQName, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dlq queue: %w", err)
	}
	if err := ch.QueueBind(t.DLQName, dlqBindingKey, t.DLXExchangeName, false, nil); err != nil {
		return fmt.Errorf("bind dlq to dlx: %w", err)
	}

	subs := make([]broker.Subscription, 0, len(t.Bindings))
	for sub := range t.Bindings {
		subs = append(subs, sub)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i] < subs[j] })

	args := amqp.Table{"x-dead-letter-exchange": t.DLXExchangeName}
	for _, sub := range subs {
		queue := t.Queue(sub)
		if _, err := ch.QueueDeclare(queue, true, false, false, false, args); err != nil {
			return fmt.Errorf("declare queue %s: %w", queue, err)
		}
		for _, key := range t.Bindings.Keys(sub) {
			exchange := string(broker.TopicForRoutingKey(key))
			if err := ch.QueueBind(queue, key, exchange, false, nil); err != nil {
				return fmt.Errorf("bind %s to %s/%s: %w", queue, exchange, key, err)
			}
		}
	}

	return nil
}
