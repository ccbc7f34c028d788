package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/velmie/eventrelay"
	"github.com/velmie/eventrelay/events"
	"github.com/velmie/eventrelay/internal/sqlname"
)

type txKey struct{}

// Executor runs statements on the ctx transaction or on the pool.
type Executor interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Store implements a PostgreSQL-backed outbox.
type Store struct {
	pool     *pgxpool.Pool
	registry *events.Registry
	cfg      Config
	queries  queries
}

var (
	_ eventrelay.Store          = (*Store)(nil)
	_ eventrelay.Appender       = (*Store)(nil)
	_ eventrelay.Transactor     = (*Store)(nil)
	_ eventrelay.PendingCounter = (*Store)(nil)
	_ eventrelay.Locker         = (*Store)(nil)
)

// NewStore constructs a PostgreSQL store with validated configuration.
func NewStore(pool *pgxpool.Pool, registry *events.Registry, opts ...Option) (*Store, error) {
	if pool == nil {
		return nil, ErrPoolRequired
	}
	if registry == nil {
		return nil, ErrRegistryRequired
	}

	var cfg Config
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg = cfg.withDefaults()

	table, err := sqlname.Table(cfg.Table)
	if err != nil {
		return nil, err
	}
	cfg.Table = table

	return &Store{
		pool:     pool,
		registry: registry,
		cfg:      cfg,
		queries:  newQueries(table),
	}, nil
}

// Executor returns the ctx transaction, or the pool outside WithinTransaction.
func (s *Store) Executor(ctx context.Context) Executor {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}

	return s.pool
}

// WithinTransaction begins a transaction, runs fn with it in ctx and commits
// when fn returns nil. A ctx that already carries a transaction joins it.
func (s *Store) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return fn(ctx)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("eventrelay postgres: begin tx failed: %w", err)
	}

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		if rollbackErr := tx.Rollback(context.WithoutCancel(ctx)); rollbackErr != nil {
			return errors.Join(err, fmt.Errorf("eventrelay postgres: rollback failed: %w", rollbackErr))
		}

		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit: %w", eventrelay.ErrOutboxWrite, err)
	}

	return nil
}

// Append validates payload and inserts it in the ctx transaction.
func (s *Store) Append(ctx context.Context, name events.Name, payload any) (int64, error) {
	tx, ok := ctx.Value(txKey{}).(pgx.Tx)
	if !ok {
		return 0, eventrelay.ErrTransactionRequired
	}

	entry, err := eventrelay.NewEntry(s.registry, name, payload)
	if err != nil {
		return 0, err
	}

	query, args, err := s.queries.insert(entry.Name, entry.Payload)
	if err != nil {
		return 0, fmt.Errorf("%w: build insert: %w", eventrelay.ErrOutboxWrite, err)
	}

	var id int64
	if err := tx.QueryRow(ctx, query, args...).Scan(&id); err != nil {
		return 0, fmt.Errorf("%w: insert %s: %w", eventrelay.ErrOutboxWrite, name, err)
	}

	return id, nil
}

// FetchUnrelayed implements eventrelay.Store.
func (s *Store) FetchUnrelayed(ctx context.Context, opts eventrelay.FetchOptions) ([]eventrelay.Record, error) {
	if opts.Limit <= 0 {
		return nil, eventrelay.ErrInvalidBatchSize
	}

	query, args, err := s.queries.selectUnrelayed(opts.AfterID, opts.Limit)
	if err != nil {
		return nil, fmt.Errorf("eventrelay postgres: build select failed: %w", err)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("eventrelay postgres: select failed: %w", err)
	}
	defer rows.Close()

	records := make([]eventrelay.Record, 0, opts.Limit)
	for rows.Next() {
		var (
			record  eventrelay.Record
			name    string
			payload []byte
		)
		if err := rows.Scan(&record.ID, &name, &payload, &record.Relayed, &record.CreatedAt, &record.UpdatedAt); err != nil {
			return nil, fmt.Errorf("eventrelay postgres: scan failed: %w", err)
		}
		record.Name = events.Name(name)
		record.Payload = payload
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("eventrelay postgres: rows failed: %w", err)
	}

	return records, nil
}

// MarkRelayed implements eventrelay.Store with a conditional update.
func (s *Store) MarkRelayed(ctx context.Context, id int64) (bool, error) {
	query, args, err := s.queries.markRelayed(id)
	if err != nil {
		return false, fmt.Errorf("eventrelay postgres: build update failed: %w", err)
	}

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("eventrelay postgres: mark relayed failed: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

// PendingCount returns the number of unrelayed rows.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	query, args, err := s.queries.countUnrelayed()
	if err != nil {
		return 0, fmt.Errorf("eventrelay postgres: build count failed: %w", err)
	}

	var count int
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("eventrelay postgres: pending count failed: %w", err)
	}

	return count, nil
}

// TryLock takes a session advisory lock on a dedicated connection.
func (s *Store) TryLock(ctx context.Context, name string) (func(), bool, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("eventrelay postgres: acquire conn failed: %w", err)
	}

	var locked bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock(hashtext($1))", name).Scan(&locked); err != nil {
		conn.Release()

		return nil, false, fmt.Errorf("eventrelay postgres: advisory lock failed: %w", err)
	}
	if !locked {
		conn.Release()

		return nil, false, nil
	}

	release := func() {
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := conn.Exec(unlockCtx, "SELECT pg_advisory_unlock(hashtext($1))", name); err != nil {
			s.cfg.Logger.Warn("eventrelay postgres: advisory unlock failed", "lock", name, "err", err)
		}
		conn.Release()
	}

	return release, true, nil
}
