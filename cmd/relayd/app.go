package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"github.com/velmie/eventrelay"
	"github.com/velmie/eventrelay/badger"
	"github.com/velmie/eventrelay/broker"
	brokermem "github.com/velmie/eventrelay/broker/memory"
	"github.com/velmie/eventrelay/broker/rabbitmq"
	"github.com/velmie/eventrelay/broker/watermill"
	"github.com/velmie/eventrelay/config"
	"github.com/velmie/eventrelay/events"
	"github.com/velmie/eventrelay/logging"
	"github.com/velmie/eventrelay/memory"
	"github.com/velmie/eventrelay/metrics"
	"github.com/velmie/eventrelay/mysql"
	"github.com/velmie/eventrelay/postgres"
)

type outboxStore interface {
	eventrelay.Store
	eventrelay.Transactor
	eventrelay.Appender
}

type maintainer interface {
	Run(ctx context.Context) error
}

// service adapts a blocking function to suture.Service.
type service struct {
	name string
	run  func(ctx context.Context) error
}

func (s service) Serve(ctx context.Context) error {
	err := s.run(ctx)
	if ctx.Err() != nil {
		return suture.ErrDoNotRestart
	}

	return err
}

func (s service) String() string {
	return s.name
}

type app struct {
	cfg      *config.Config
	store    outboxStore
	broker   broker.Broker
	relay    *eventrelay.Relay
	metrics  *metrics.Relay
	sup      *suture.Supervisor
	closers  []func() error
	logger   eventrelay.Logger
	registry *events.Registry
}

func newApp(ctx context.Context, cfg *config.Config, reg *prometheus.Registry) (_ *app, err error) {
	registry, err := events.NewCatalogRegistry()
	if err != nil {
		return nil, fmt.Errorf("event registry: %w", err)
	}

	a := &app{
		cfg:      cfg,
		logger:   logging.Component("relayd"),
		registry: registry,
	}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	cleanup, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	brokerRun, err := a.openBroker(ctx)
	if err != nil {
		return nil, err
	}

	a.metrics = metrics.New(reg, nil)
	dlqLog := logging.Component("dlq")
	if err := a.broker.SubscribeDLQ(a.metrics.DLQHandler(func(_ context.Context, dl broker.DeadLetter) {
		dlqLog.Warn("message dead-lettered",
			"subscription", dl.Subscription,
			"event_id", dl.Message.ID,
			"event", dl.Message.Name,
			"attempts", dl.Attempts,
			"err", dl.Reason,
		)
	})); err != nil {
		return nil, fmt.Errorf("subscribe dlq: %w", err)
	}

	alertLog := logging.Component("alerts")
	opts := append(cfg.Relay.Options(),
		eventrelay.WithLogger(logging.Component("relay")),
		eventrelay.WithMetrics(a.metrics),
		eventrelay.WithAlertHandler(a.metrics.AlertHandler(func(_ context.Context, alert eventrelay.Alert) {
			alertLog.Error("relay alert",
				"kind", alert.Kind,
				"event_id", alert.Record.ID,
				"event", alert.Record.Name,
				"attempts", alert.Attempts,
				"err", alert.Err,
			)
		})),
	)
	if locker, ok := a.store.(eventrelay.Locker); ok && cfg.Relay.LockName != "" {
		opts = append(opts, eventrelay.WithLocker(locker, cfg.Relay.LockName))
	}
	a.relay = eventrelay.NewRelay(a.store, registry, a.broker, opts...)

	hook := (&sutureslog.Handler{Logger: logging.NewSlogLogger()}).MustHook()
	a.sup = suture.New("relayd", suture.Spec{
		EventHook:        hook,
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		Timeout:          cfg.HTTP.ShutdownTimeout,
	})
	a.sup.Add(service{name: "relay", run: a.relay.Serve})
	if brokerRun != nil {
		a.sup.Add(service{name: "broker-router", run: brokerRun})
	}
	if cleanup != nil {
		a.sup.Add(service{name: "cleanup", run: cleanup.Run})
	}
	a.sup.Add(newHTTPService(cfg.HTTP, newRouter(a.broker, a.store, reg)))

	return a, nil
}

// Run supervises every service until ctx is canceled.
func (a *app) Run(ctx context.Context) error {
	err := a.sup.Serve(ctx)
	if unstopped, _ := a.sup.UnstoppedServiceReport(); len(unstopped) > 0 {
		for _, svc := range unstopped {
			a.logger.Warn("service failed to stop", "service", svc.Name)
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}

	return err
}

// Close releases the broker and the store in reverse order of opening.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil

	return errors.Join(errs...)
}

func (a *app) openStore(ctx context.Context) (maintainer, error) {
	cfg := a.cfg.Store
	logger := logging.Component("store")

	switch cfg.Driver {
	case config.StoreMemory:
		a.store = memory.New(a.registry)

		return nil, nil
	case config.StoreBadger:
		store, err := badger.Open(cfg.Path, a.registry, badger.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("open badger: %w", err)
		}
		a.store = store
		a.closers = append(a.closers, store.Close)

		return nil, nil
	case config.StorePostgres:
		poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("parse postgres dsn: %w", err)
		}
		if cfg.MaxConns > 0 {
			poolCfg.MaxConns = int32(cfg.MaxConns)
		}
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		a.closers = append(a.closers, func() error {
			pool.Close()

			return nil
		})
		store, err := postgres.NewStore(pool, a.registry, postgres.WithTable(cfg.Table), postgres.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		a.store = store
		if !a.cfg.Cleanup.Enabled {
			return nil, nil
		}

		m, err := postgres.NewCleanupMaintainer(pool, postgres.CleanupMaintainerConfig{
			Table:      cfg.Table,
			Retention:  a.cfg.Cleanup.Retention,
			CheckEvery: a.cfg.Cleanup.CheckEvery,
			Limit:      a.cfg.Cleanup.Limit,
			Logger:     logging.Component("cleanup"),
		})
		if err != nil {
			return nil, err
		}

		return m, nil
	case config.StoreMySQL:
		db, err := sql.Open("mysql", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open mysql: %w", err)
		}
		if cfg.MaxConns > 0 {
			db.SetMaxOpenConns(cfg.MaxConns)
		}
		a.closers = append(a.closers, db.Close)
		store, err := mysql.NewStore(db, a.registry, mysql.WithTable(cfg.Table), mysql.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		a.store = store
		if !a.cfg.Cleanup.Enabled {
			return nil, nil
		}

		m, err := mysql.NewCleanupMaintainer(db, mysql.CleanupMaintainerConfig{
			Table:      cfg.Table,
			Retention:  a.cfg.Cleanup.Retention,
			CheckEvery: a.cfg.Cleanup.CheckEvery,
			Limit:      a.cfg.Cleanup.Limit,
			Logger:     logging.Component("cleanup"),
		})
		if err != nil {
			return nil, err
		}

		return m, nil
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}
}

// openBroker returns the router loop of watermill brokers, nil otherwise.
func (a *app) openBroker(ctx context.Context) (func(context.Context) error, error) {
	cfg := a.cfg.Broker

	switch cfg.Driver {
	case config.BrokerMemory:
		a.broker = brokermem.New()
		a.closers = append(a.closers, a.broker.Close)

		return nil, nil
	case config.BrokerRabbitMQ:
		b, err := rabbitmq.Dial(cfg.URL,
			rabbitmq.WithLogger(logging.Component("rabbitmq")),
			rabbitmq.WithPrefetch(cfg.Prefetch),
			rabbitmq.WithBreaker(cfg.BreakerFailures, cfg.BreakerTimeout),
		)
		if err != nil {
			return nil, err
		}
		a.broker = b
		a.closers = append(a.closers, b.Close)

		return nil, nil
	}

	opts := []watermill.Option{
		watermill.WithLogger(logging.NewWatermillLogger(logging.WithComponent("watermill"))),
	}
	if cfg.BreakerFailures > 0 {
		opts = append(opts, watermill.WithBreaker(watermill.BreakerConfig{
			Name:             "eventrelay-publish",
			MaxRequests:      1,
			Interval:         time.Minute,
			Timeout:          cfg.BreakerTimeout,
			FailureThreshold: cfg.BreakerFailures,
		}))
	}

	var (
		b   *watermill.Broker
		err error
	)
	switch cfg.Driver {
	case config.BrokerGoChannel:
		b, err = watermill.NewGoChannel(opts...)
	case config.BrokerJetStream:
		b, err = watermill.NewJetStream(ctx, a.jetStreamConfig(cfg.URL), opts...)
	case config.BrokerEmbedded:
		ns, startErr := watermill.StartEmbedded(watermill.EmbeddedConfig{
			Host:     "127.0.0.1",
			Port:     -1,
			StoreDir: cfg.StoreDir,
		})
		if startErr != nil {
			return nil, startErr
		}
		a.closers = append(a.closers, func() error {
			ns.Shutdown()
			ns.WaitForShutdown()

			return nil
		})
		b, err = watermill.NewJetStream(ctx, a.jetStreamConfig(ns.ClientURL()), opts...)
	default:
		return nil, fmt.Errorf("unsupported broker driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	a.broker = b
	a.closers = append(a.closers, b.Close)

	return b.Run, nil
}

func (a *app) jetStreamConfig(url string) watermill.JetStreamConfig {
	return watermill.JetStreamConfig{
		URL:             url,
		AckWait:         a.cfg.Broker.AckWait,
		MaxDeliver:      a.cfg.Broker.MaxDeliver,
		DuplicateWindow: a.cfg.Broker.DuplicateWindow,
	}
}
