package watermill

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	wm "github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats-server/v2/server"
	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/velmie/eventrelay/broker"
)

// DLQStream is the JetStream stream holding the poison topic.
const DLQStream = "EVENTRELAY_DLQ"

// JetStreamConfig configures the NATS JetStream transport.
type JetStreamConfig struct {
	URL             string
	MaxReconnects   int
	ReconnectWait   time.Duration
	AckWait         time.Duration
	MaxDeliver      int
	MaxAckPending   int
	DuplicateWindow time.Duration
	MaxAge          time.Duration
}

func (c JetStreamConfig) withDefaults() JetStreamConfig {
	if c.URL == "" {
		c.URL = natsgo.DefaultURL
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = -1
	}
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = 2 * time.Second
	}
	if c.AckWait <= 0 {
		c.AckWait = 30 * time.Second
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = 5
	}
	if c.MaxAckPending <= 0 {
		c.MaxAckPending = 1000
	}
	if c.DuplicateWindow <= 0 {
		c.DuplicateWindow = 2 * time.Minute
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 7 * 24 * time.Hour
	}

	return c
}

// StreamName returns the JetStream stream carrying topic.
func StreamName(topic broker.Topic) string {
	return "EVENTRELAY_" + string(topic)
}

// NewJetStream connects to NATS, provisions one stream per publication topic
// plus the DLQ stream, and returns a broker publishing with JetStream acks.
// Nats-Msg-Id carries the message dedup key, so republishing a record inside
// the duplicate window is absorbed by the server.
func NewJetStream(ctx context.Context, cfg JetStreamConfig, opts ...Option) (*Broker, error) {
	cfg = cfg.withDefaults()
	bcfg := defaultConfig()
	for _, opt := range opts {
		opt(&bcfg)
	}
	logger := bcfg.Logger

	var current atomic.Pointer[Broker]
	natsOpts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.ReconnectWait(cfg.ReconnectWait),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			if b := current.Load(); b != nil {
				b.SetHealthy(false)
			}
			if err != nil {
				logger.Error("NATS disconnected", err, nil)
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			if b := current.Load(); b != nil {
				b.SetHealthy(true)
			}
			logger.Info("NATS reconnected", wm.LogFields{"url": nc.ConnectedUrl()})
		}),
	}

	nc, err := natsgo.Connect(cfg.URL, natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("watermill broker: connect nats: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()

		return nil, fmt.Errorf("watermill broker: jetstream: %w", err)
	}

	streams := make([]jetstream.StreamConfig, 0, len(broker.Topics())+1)
	for _, topic := range broker.Topics() {
		streams = append(streams, streamConfig(cfg, StreamName(topic), string(topic)+".>"))
	}
	streams = append(streams, streamConfig(cfg, DLQStream, bcfg.PoisonTopic))
	for _, sc := range streams {
		if err := ensureStream(ctx, js, sc); err != nil {
			nc.Close()

			return nil, err
		}
	}

	publisher, err := wmNats.NewPublisher(wmNats.PublisherConfig{
		URL:         cfg.URL,
		NatsOptions: natsOpts,
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			AutoProvision: false,
			PublishOptions: []natsgo.PubOpt{
				natsgo.RetryAttempts(3),
				natsgo.RetryWait(100 * time.Millisecond),
			},
		},
	}, logger)
	if err != nil {
		nc.Close()

		return nil, fmt.Errorf("watermill broker: create publisher: %w", err)
	}

	subscribers := func(sub broker.Subscription) (message.Subscriber, error) {
		stream := DLQStream
		if keys := bcfg.Bindings.Keys(sub); len(keys) > 0 {
			stream = StreamName(broker.TopicForRoutingKey(keys[0]))
		}

		return wmNats.NewSubscriber(wmNats.SubscriberConfig{
			URL:              cfg.URL,
			QueueGroupPrefix: string(sub),
			SubscribersCount: 1,
			AckWaitTimeout:   cfg.AckWait,
			CloseTimeout:     bcfg.CloseTimeout,
			NatsOptions:      natsOpts,
			Unmarshaler:      &wmNats.NATSMarshaler{},
			JetStream: wmNats.JetStreamConfig{
				AutoProvision: false,
				DurablePrefix: string(sub),
				SubscribeOptions: []natsgo.SubOpt{
					natsgo.MaxDeliver(cfg.MaxDeliver),
					natsgo.MaxAckPending(cfg.MaxAckPending),
					natsgo.AckWait(cfg.AckWait),
					natsgo.DeliverAll(),
					natsgo.BindStream(stream),
				},
			},
		}, logger)
	}

	b, err := New(publisher, subscribers, opts...)
	if err != nil {
		_ = publisher.Close()
		nc.Close()

		return nil, err
	}
	b.closers = append(b.closers, func() error {
		nc.Close()

		return nil
	})
	b.SetHealthy(nc.IsConnected())
	current.Store(b)

	return b, nil
}

func streamConfig(cfg JetStreamConfig, name string, subjects ...string) jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:       name,
		Subjects:   subjects,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     cfg.MaxAge,
		Duplicates: cfg.DuplicateWindow,
		Storage:    jetstream.FileStorage,
		Discard:    jetstream.DiscardOld,
	}
}

func ensureStream(ctx context.Context, js jetstream.JetStream, cfg jetstream.StreamConfig) error {
	_, err := js.Stream(ctx, cfg.Name)
	if err == nil {
		if _, err := js.UpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("watermill broker: update stream %s: %w", cfg.Name, err)
		}

		return nil
	}
	if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return fmt.Errorf("watermill broker: check stream %s: %w", cfg.Name, err)
	}
	if _, err := js.CreateStream(ctx, cfg); err != nil {
		return fmt.Errorf("watermill broker: create stream %s: %w", cfg.Name, err)
	}

	return nil
}

// EmbeddedConfig configures an in-process NATS server with JetStream.
type EmbeddedConfig struct {
	Host     string
	Port     int
	StoreDir string
}

// StartEmbedded starts a NATS server with JetStream enabled and waits until it
// accepts connections. Port -1 picks a random free port.
func StartEmbedded(cfg EmbeddedConfig) (*server.Server, error) {
	ns, err := server.NewServer(&server.Options{
		ServerName: "eventrelay",
		Host:       cfg.Host,
		Port:       cfg.Port,
		JetStream:  true,
		StoreDir:   cfg.StoreDir,
		NoSigs:     true,
		MaxPayload: 8 * 1024 * 1024,
	})
	if err != nil {
		return nil, fmt.Errorf("watermill broker: create nats server: %w", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(30 * time.Second) {
		ns.Shutdown()

		return nil, errors.New("watermill broker: nats server not ready within timeout")
	}

	return ns, nil
}
