// Command outbox-bench measures relay throughput and end-to-end latency
// against any outbox store, publishing to an in-memory broker.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/velmie/eventrelay"
	"github.com/velmie/eventrelay/badger"
	"github.com/velmie/eventrelay/broker"
	brokermem "github.com/velmie/eventrelay/broker/memory"
	"github.com/velmie/eventrelay/events"
	"github.com/velmie/eventrelay/memory"
	"github.com/velmie/eventrelay/mysql"
	"github.com/velmie/eventrelay/postgres"
)

type mode string

const (
	modeConsume mode = "consume"
	modeMixed   mode = "mixed"
)

const (
	defaultRecords      = 10000
	defaultPayloadBytes = 256
	defaultProducers    = 4
	defaultBatchSize    = 50
	defaultSeedBatch    = 500
	defaultDrainTimeout = 2 * time.Minute
)

var (
	errUnsupportedMode  = errors.New("outbox-bench: unsupported mode")
	errUnsupportedStore = errors.New("outbox-bench: unsupported store")
	errDSNRequired      = errors.New("outbox-bench: dsn is required for sql stores")
	errRecordsRequired  = errors.New("outbox-bench: records must be positive")
	errRelayedMismatch  = errors.New("outbox-bench: relayed records mismatch")
)

type benchStore interface {
	eventrelay.Store
	eventrelay.Transactor
	eventrelay.Appender
}

type benchConfig struct {
	mode         mode
	records      int
	producers    int
	batchSize    int
	payloadBytes int
	failEvery    int
	drainTimeout time.Duration
}

type result struct {
	Mode           mode          `json:"mode"`
	Store          string        `json:"store"`
	Records        int           `json:"records"`
	Relayed        int64         `json:"relayed"`
	PublishFailed  int64         `json:"publish_failures"`
	Duration       time.Duration `json:"duration"`
	SeedDuration   time.Duration `json:"seed_duration"`
	Throughput     float64       `json:"throughput_msg_per_sec"`
	BatchSize      int           `json:"batch_size"`
	Producers      int           `json:"producers"`
	PayloadBytes   int           `json:"payload_bytes"`
	PassP50Ms      float64       `json:"pass_p50_ms"`
	PassP99Ms      float64       `json:"pass_p99_ms"`
	PassSamples    int           `json:"pass_samples"`
	LatencyP50Ms   float64       `json:"latency_p50_ms"`
	LatencyP95Ms   float64       `json:"latency_p95_ms"`
	LatencyP99Ms   float64       `json:"latency_p99_ms"`
	LatencyMaxMs   float64       `json:"latency_max_ms"`
	LatencySamples int           `json:"latency_samples"`
}

func main() {
	var (
		runMode   string
		storeName string
		dsn       string
		path      string
		jsonOut   bool
		cfg       benchConfig
	)
	flag.StringVar(&runMode, "mode", string(modeConsume), "Benchmark mode: consume or mixed")
	flag.StringVar(&storeName, "store", "memory", "Outbox store: memory, badger, mysql or postgres")
	flag.StringVar(&dsn, "dsn", "", "DSN of the mysql or postgres store")
	flag.StringVar(&path, "path", "", "Badger directory (empty runs badger in memory)")
	flag.IntVar(&cfg.records, "records", defaultRecords, "Number of records to relay")
	flag.IntVar(&cfg.producers, "producers", defaultProducers, "Concurrent producers (mixed mode)")
	flag.IntVar(&cfg.batchSize, "batch-size", defaultBatchSize, "Relay batch size")
	flag.IntVar(&cfg.payloadBytes, "payload-bytes", defaultPayloadBytes, "Approximate payload size")
	flag.IntVar(&cfg.failEvery, "fail-every", 0, "Fail every Nth publish to exercise retries (0 disables)")
	flag.DurationVar(&cfg.drainTimeout, "drain-timeout", defaultDrainTimeout, "Time to wait for the relay to drain")
	flag.BoolVar(&jsonOut, "json", false, "Print JSON result")
	flag.Parse()

	cfg.mode = mode(runMode)
	registry, err := events.NewCatalogRegistry()
	if err != nil {
		exitErr(err)
	}

	store, closeStore, err := openStore(context.Background(), storeName, dsn, path, registry)
	if err != nil {
		exitErr(err)
	}
	defer closeStore()

	res, err := run(context.Background(), store, registry, cfg)
	if err != nil {
		exitErr(err)
	}
	res.Store = storeName

	if jsonOut {
		if err := json.NewEncoder(os.Stdout).Encode(res); err != nil {
			exitErr(err)
		}

		return
	}

	fmt.Printf(
		"RESULT mode=%s store=%s records=%d duration=%s throughput=%.0f/s batch=%d producers=%d "+
			"payload=%dB failures=%d latency_p50=%.2fms latency_p99=%.2fms\n",
		res.Mode,
		res.Store,
		res.Records,
		res.Duration,
		res.Throughput,
		res.BatchSize,
		res.Producers,
		res.PayloadBytes,
		res.PublishFailed,
		res.LatencyP50Ms,
		res.LatencyP99Ms,
	)
}

func openStore(ctx context.Context, name, dsn, path string, registry *events.Registry) (benchStore, func(), error) {
	switch name {
	case "memory":
		return memory.New(registry), func() {}, nil
	case "badger":
		var opts []badger.Option
		if path == "" {
			opts = append(opts, badger.WithInMemory())
		}
		store, err := badger.Open(path, registry, opts...)
		if err != nil {
			return nil, nil, err
		}

		return store, func() { _ = store.Close() }, nil
	case "mysql":
		if dsn == "" {
			return nil, nil, errDSNRequired
		}
		db, err := sql.Open("mysql", dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("open db: %w", err)
		}
		store, err := mysql.NewStore(db, registry)
		if err != nil {
			_ = db.Close()

			return nil, nil, err
		}

		return store, func() { _ = db.Close() }, nil
	case "postgres":
		if dsn == "" {
			return nil, nil, errDSNRequired
		}
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("open pool: %w", err)
		}
		store, err := postgres.NewStore(pool, registry)
		if err != nil {
			pool.Close()

			return nil, nil, err
		}

		return store, pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("%w: %s", errUnsupportedStore, name)
	}
}

func run(ctx context.Context, store benchStore, registry *events.Registry, cfg benchConfig) (result, error) {
	if cfg.records <= 0 {
		return result{}, errRecordsRequired
	}
	if cfg.producers <= 0 {
		cfg.producers = 1
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.drainTimeout)
	defer cancel()

	latency := &durationStats{}
	pub := &latencyPublisher{Broker: brokermem.New(brokermem.WithPolicy(failEvery(cfg.failEvery))), stats: latency}
	metrics := &benchMetrics{target: int64(cfg.records), done: make(chan struct{})}

	relay := eventrelay.NewRelay(store, registry, pub,
		eventrelay.WithBatchSize(cfg.batchSize),
		eventrelay.WithPollInterval(time.Millisecond),
		eventrelay.WithBackoff(time.Millisecond, 10*time.Millisecond, 2),
		eventrelay.WithMaxAttempts(10),
		eventrelay.WithMetrics(metrics),
	)

	payload := groupName(cfg.payloadBytes)
	var seedDuration time.Duration
	if cfg.mode == modeConsume {
		start := time.Now()
		if err := seed(ctx, store, cfg.records, payload); err != nil {
			return result{}, err
		}
		seedDuration = time.Since(start)
	} else if cfg.mode != modeMixed {
		return result{}, fmt.Errorf("%w: %s", errUnsupportedMode, cfg.mode)
	}

	relayCtx, stopRelay := context.WithCancel(ctx)
	defer stopRelay()
	relayErr := make(chan error, 1)
	start := time.Now()
	go func() { relayErr <- relay.Run(relayCtx) }()

	if cfg.mode == modeMixed {
		if err := produce(ctx, store, cfg, payload); err != nil {
			return result{}, err
		}
	}

	select {
	case <-metrics.done:
	case <-ctx.Done():
	case err := <-relayErr:
		if err != nil {
			return result{}, err
		}
	}
	duration := time.Since(start)
	stopRelay()

	relayed := metrics.Relayed()
	if relayed < int64(cfg.records) {
		return result{}, fmt.Errorf("%w: relayed %d records, expected %d", errRelayedMismatch, relayed, cfg.records)
	}

	passes := metrics.passes.Snapshot()
	lat := latency.Snapshot()

	return result{
		Mode:           cfg.mode,
		Records:        cfg.records,
		Relayed:        relayed,
		PublishFailed:  metrics.failures.Load(),
		Duration:       duration,
		SeedDuration:   seedDuration,
		Throughput:     float64(relayed) / duration.Seconds(),
		BatchSize:      cfg.batchSize,
		Producers:      cfg.producers,
		PayloadBytes:   cfg.payloadBytes,
		PassP50Ms:      msFloat(passes.P50),
		PassP99Ms:      msFloat(passes.P99),
		PassSamples:    passes.Count,
		LatencyP50Ms:   msFloat(lat.P50),
		LatencyP95Ms:   msFloat(lat.P95),
		LatencyP99Ms:   msFloat(lat.P99),
		LatencyMaxMs:   msFloat(lat.Max),
		LatencySamples: lat.Count,
	}, nil
}

func seed(ctx context.Context, store benchStore, total int, name string) error {
	for offset := 0; offset < total; offset += defaultSeedBatch {
		n := min(defaultSeedBatch, total-offset)
		err := store.WithinTransaction(ctx, func(ctx context.Context) error {
			for i := 0; i < n; i++ {
				if _, err := store.Append(ctx, events.NameGroupCreated, group(int64(offset+i+1), name)); err != nil {
					return err
				}
			}

			return nil
		})
		if err != nil {
			return fmt.Errorf("seed: %w", err)
		}
	}

	return nil
}

func produce(ctx context.Context, store benchStore, cfg benchConfig, name string) error {
	var (
		next atomic.Int64
		wg   sync.WaitGroup
		errs = make(chan error, cfg.producers)
	)
	for p := 0; p < cfg.producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				id := next.Add(1)
				if id > int64(cfg.records) {
					return
				}
				err := store.WithinTransaction(ctx, func(ctx context.Context) error {
					_, err := store.Append(ctx, events.NameGroupCreated, group(id, name))

					return err
				})
				if err != nil {
					errs <- fmt.Errorf("produce: %w", err)

					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)

	return <-errs
}

func group(id int64, name string) events.GroupCreated {
	return events.GroupCreated{
		GroupID:       id,
		CommunityID:   "bench",
		CreatorUserID: 1,
		Name:          name,
	}
}

func groupName(size int) string {
	if size <= 0 {
		return ""
	}

	return strings.Repeat("a", size)
}

// failEvery fails each nth publish call; n <= 0 acknowledges everything.
func failEvery(n int) brokermem.Policy {
	if n <= 0 {
		return brokermem.AlwaysAck()
	}

	return func(call int, _ broker.Message) error {
		if call%n == 0 {
			return fmt.Errorf("%w: injected failure", broker.ErrNacked)
		}

		return nil
	}
}

// latencyPublisher records the time from append to broker ack.
type latencyPublisher struct {
	*brokermem.Broker
	stats *durationStats
}

func (p *latencyPublisher) Publish(ctx context.Context, msg broker.Message) error {
	if err := p.Broker.Publish(ctx, msg); err != nil {
		return err
	}
	p.stats.Add(time.Since(msg.CreatedAt))

	return nil
}

type benchMetrics struct {
	eventrelay.NopMetrics

	relayed  atomic.Int64
	failures atomic.Int64
	target   int64
	done     chan struct{}
	once     sync.Once
	passes   durationStats
}

func (m *benchMetrics) ObservePassDuration(d time.Duration) {
	m.passes.Add(d)
}

func (m *benchMetrics) AddRelayed(n int) {
	if n == 0 {
		return
	}
	if m.relayed.Add(int64(n)) >= m.target {
		m.once.Do(func() { close(m.done) })
	}
}

func (m *benchMetrics) AddPublishFailures(n int) {
	m.failures.Add(int64(n))
}

func (m *benchMetrics) Relayed() int64 {
	return m.relayed.Load()
}

func exitErr(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
