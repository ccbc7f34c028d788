package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/velmie/eventrelay"
	"github.com/velmie/eventrelay/events"
	"github.com/velmie/eventrelay/internal/sqlname"
)

type txKey struct{}

// Executor allows appending within an existing transaction.
type Executor interface {
	// ExecContext executes a statement with the provided context.
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Store implements a MySQL-backed outbox.
type Store struct {
	db       *sql.DB
	registry *events.Registry
	cfg      Config
	queries  queries
	table    string
}

var (
	_ eventrelay.Store          = (*Store)(nil)
	_ eventrelay.Appender       = (*Store)(nil)
	_ eventrelay.Transactor     = (*Store)(nil)
	_ eventrelay.PendingCounter = (*Store)(nil)
	_ eventrelay.Locker         = (*Store)(nil)
)

// NewStore constructs a MySQL store with validated configuration.
func NewStore(db *sql.DB, registry *events.Registry, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, ErrDBRequired
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

	return &Store{
		db:       db,
		registry: registry,
		cfg:      cfg,
		queries:  newQueries(table),
		table:    table,
	}, nil
}

// MustNewStore constructs a MySQL store or panics on error.
func MustNewStore(db *sql.DB, registry *events.Registry, opts ...Option) *Store {
	store, err := NewStore(db, registry, opts...)
	if err != nil {
		panic(err)
	}

	return store
}

// Tx returns the transaction carried by ctx, if any.
func Tx(ctx context.Context) (*sql.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(*sql.Tx)

	return tx, ok
}

// WithinTransaction begins a transaction, runs fn with it in ctx and commits
// when fn returns nil. A ctx that already carries a transaction joins it.
// Domain writes inside fn should use Tx(ctx) so they commit with the outbox row.
func (s *Store) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := Tx(ctx); ok {
		return fn(ctx)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("eventrelay mysql: begin tx failed: %w", err)
	}

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		if rollbackErr := tx.Rollback(); rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
			return errors.Join(err, fmt.Errorf("eventrelay mysql: rollback failed: %w", rollbackErr))
		}

		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %w", eventrelay.ErrOutboxWrite, err)
	}

	return nil
}

// Append inserts a record in the transaction carried by ctx.
func (s *Store) Append(ctx context.Context, name events.Name, payload any) (int64, error) {
	tx, ok := Tx(ctx)
	if !ok {
		return 0, eventrelay.ErrTransactionRequired
	}

	return s.AppendTx(ctx, tx, name, payload)
}

// AppendTx inserts a record using the provided executor (transaction preferred).
func (s *Store) AppendTx(ctx context.Context, exec Executor, name events.Name, payload any) (int64, error) {
	if exec == nil {
		return 0, ErrExecutorRequired
	}

	entry, err := eventrelay.NewEntry(s.registry, name, payload)
	if err != nil {
		return 0, err
	}

	res, err := exec.ExecContext(ctx, s.queries.insert, string(entry.Name), []byte(entry.Payload))
	if err != nil {
		return 0, fmt.Errorf("%w: insert %s: %w", eventrelay.ErrOutboxWrite, name, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("%w: last insert id: %w", eventrelay.ErrOutboxWrite, err)
	}

	return id, nil
}

// FetchUnrelayed implements eventrelay.Store.
func (s *Store) FetchUnrelayed(ctx context.Context, opts eventrelay.FetchOptions) ([]eventrelay.Record, error) {
	if opts.Limit <= 0 {
		return nil, eventrelay.ErrInvalidBatchSize
	}

	rows, err := s.db.QueryContext(ctx, s.queries.selectUnrelayed, opts.AfterID, opts.Limit)
	if err != nil {
		return nil, fmt.Errorf("eventrelay mysql: select failed: %w", err)
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
			return nil, fmt.Errorf("eventrelay mysql: scan failed: %w", err)
		}
		record.Name = events.Name(name)
		record.Payload = payload
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("eventrelay mysql: rows failed: %w", err)
	}

	return records, nil
}

// MarkRelayed implements eventrelay.Store with a conditional update.
func (s *Store) MarkRelayed(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.queries.markRelayed, s.cfg.Clock.Now(), id)
	if err != nil {
		return false, fmt.Errorf("eventrelay mysql: mark relayed failed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("eventrelay mysql: mark relayed rows failed: %w", err)
	}

	return affected == 1, nil
}

// PendingCount returns the number of unrelayed rows.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, s.queries.countUnrelayed).Scan(&count); err != nil {
		return 0, fmt.Errorf("eventrelay mysql: pending count failed: %w", err)
	}

	return count, nil
}

// TryLock takes a named GET_LOCK on a dedicated connection. The lock lives
// as long as the connection, so release must be called to return it.
func (s *Store) TryLock(ctx context.Context, name string) (func(), bool, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("eventrelay mysql: lock conn failed: %w", err)
	}

	locked, err := getLock(ctx, conn, name)
	if err != nil || !locked {
		_ = conn.Close()

		return nil, false, err
	}

	release := func() {
		releaseLock(context.Background(), conn, name, s.cfg.Logger)
		_ = conn.Close()
	}

	return release, true, nil
}

func getLock(ctx context.Context, conn *sql.Conn, name string) (bool, error) {
	var got sql.NullInt64
	if err := conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, 0)", name).Scan(&got); err != nil {
		return false, fmt.Errorf("eventrelay mysql: acquire lock failed: %w", err)
	}

	return got.Valid && got.Int64 == 1, nil
}

func releaseLock(ctx context.Context, conn *sql.Conn, name string, logger eventrelay.Logger) {
	var released sql.NullInt64
	if err := conn.QueryRowContext(ctx, "SELECT RELEASE_LOCK(?)", name).Scan(&released); err != nil {
		logger.Warn("eventrelay mysql: release lock failed", "lock", name, "err", err)
	}
}
