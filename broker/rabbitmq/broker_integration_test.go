//go:build integration

package rabbitmq_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcrabbit "github.com/testcontainers/testcontainers-go/modules/rabbitmq"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/velmie/eventrelay/broker"
	"github.com/velmie/eventrelay/broker/rabbitmq"
	"github.com/velmie/eventrelay/events"
)

const (
	testRabbitMQImage   = "rabbitmq:3-management-alpine"
	testStartupTimeout  = 60 * time.Second
	testConsumeDeadline = 10 * time.Second
)

func startRabbitMQ(t *testing.T) string {
	t.Helper()

	_, url := startRabbitMQContainer(t)

	return url
}

func startRabbitMQContainer(t *testing.T) (*tcrabbit.RabbitMQContainer, string) {
	t.Helper()

	ctx := context.Background()
	container, err := tcrabbit.Run(ctx,
		testRabbitMQImage,
		testcontainers.WithWaitStrategy(
			wait.ForLog("Server startup complete").WithStartupTimeout(testStartupTimeout),
		),
	)
	require.NoError(t, err, "failed to start RabbitMQ container")
	t.Cleanup(func() {
		require.NoError(t, container.Terminate(ctx))
	})

	url, err := container.AmqpURL(ctx)
	require.NoError(t, err)

	return container, url
}

func mentionMessage(id int64) broker.Message {
	return broker.Message{
		ID:         id,
		Topic:      broker.TopicMessageRelayer,
		Name:       events.NameUserMentioned,
		RoutingKey: string(events.NameUserMentioned),
		Payload:    []byte(`{"author_user_id":2,"mentioned_user_id":3}`),
		CreatedAt:  time.Now().UTC().Truncate(time.Millisecond),
	}
}

func TestRabbitMQPublishSubscribeIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	b, err := rabbitmq.Dial(startRabbitMQ(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	ctx := context.Background()
	require.True(t, b.IsHealthy(ctx))

	received := make(chan broker.Message, 2)
	require.NoError(t, b.Subscribe(ctx, broker.SubscriptionNotificationsProvider, func(_ context.Context, msg broker.Message) error {
		received <- msg
		return nil
	}))

	require.NoError(t, b.Publish(ctx, mentionMessage(11)))

	select {
	case msg := <-received:
		assert.Equal(t, int64(11), msg.ID)
		assert.Equal(t, events.NameUserMentioned, msg.Name)
		assert.JSONEq(t, `{"author_user_id":2,"mentioned_user_id":3}`, string(msg.Payload))
	case <-time.After(testConsumeDeadline):
		t.Fatal("message was not delivered")
	}
}

func TestRabbitMQDeadLetterIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	b, err := rabbitmq.Dial(startRabbitMQ(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	ctx := context.Background()
	dead := make(chan broker.DeadLetter, 1)
	require.NoError(t, b.SubscribeDLQ(func(_ context.Context, dl broker.DeadLetter) {
		dead <- dl
	}))

	var calls atomic.Int32
	require.NoError(t, b.Subscribe(ctx, broker.SubscriptionNotificationsProvider,
		func(context.Context, broker.Message) error {
			calls.Add(1)
			return errors.New("provider down")
		},
		broker.WithRetryStrategy(broker.ExponentialRetry(2, 10*time.Millisecond, 10*time.Millisecond)),
	))

	require.NoError(t, b.Publish(ctx, mentionMessage(12)))

	select {
	case dl := <-dead:
		assert.Equal(t, int64(12), dl.Message.ID)
		assert.Equal(t, broker.SubscriptionNotificationsProvider, dl.Subscription)
		assert.Equal(t, 2, dl.Attempts)
		assert.ErrorIs(t, dl.Reason, broker.ErrDeadLettered)
		assert.Equal(t, int32(2), calls.Load())
	case <-time.After(testConsumeDeadline):
		t.Fatal("message was not dead-lettered")
	}
}

func TestRabbitMQClosedBrokerIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	b, err := rabbitmq.Dial(startRabbitMQ(t))
	require.NoError(t, err)
	require.NoError(t, b.Close())

	ctx := context.Background()
	assert.False(t, b.IsHealthy(ctx))
	assert.ErrorIs(t, b.Publish(ctx, mentionMessage(13)), broker.ErrClosed)
}

func TestRabbitMQRecoversConnectionIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	container, url := startRabbitMQContainer(t)
	b, err := rabbitmq.Dial(url, rabbitmq.WithReconnectBackoff(100*time.Millisecond, time.Second))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	ctx := context.Background()
	received := make(chan broker.Message, 4)
	require.NoError(t, b.Subscribe(ctx, broker.SubscriptionNotificationsProvider, func(_ context.Context, msg broker.Message) error {
		received <- msg
		return nil
	}))

	code, _, err := container.Exec(ctx, []string{"rabbitmqctl", "close_all_connections", "test"})
	require.NoError(t, err)
	require.Zero(t, code)

	require.Eventually(t, func() bool { return !b.IsHealthy(ctx) }, testConsumeDeadline, 10*time.Millisecond)
	require.Eventually(t, func() bool { return b.IsHealthy(ctx) }, testConsumeDeadline, 50*time.Millisecond)

	require.NoError(t, b.Publish(ctx, mentionMessage(14)))
	select {
	case msg := <-received:
		assert.Equal(t, int64(14), msg.ID)
	case <-time.After(testConsumeDeadline):
		t.Fatal("consumer did not resume after reconnect")
	}
}

func TestRabbitMQRecoversPublishChannelIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	b, err := rabbitmq.Dial(startRabbitMQ(t), rabbitmq.WithReconnectBackoff(100*time.Millisecond, time.Second))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	// publishing to an undeclared exchange makes the server close the channel
	missing := mentionMessage(15)
	missing.Topic = "eventrelay.missing"
	pubCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.Error(t, b.Publish(pubCtx, missing))

	ctx := context.Background()
	require.Eventually(t, func() bool {
		return b.IsHealthy(ctx) && b.Publish(ctx, mentionMessage(16)) == nil
	}, testConsumeDeadline, 50*time.Millisecond)
}
