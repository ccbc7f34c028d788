package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/velmie/eventrelay"
	"github.com/velmie/eventrelay/events"
)

const (
	defaultCleanupLimit      = 10000
	defaultCleanupEvery      = time.Hour
	defaultCleanupLockPrefix = "eventrelay:cleanup:"
)

// CleanupOptions defines which relayed rows Cleanup removes.
type CleanupOptions struct {
	// Before removes rows relayed at or before this timestamp (required).
	Before time.Time
	// Limit caps the number of rows deleted per call (0 uses the default).
	Limit int
}

// CleanupMaintainerConfig controls periodic cleanup of relayed rows.
type CleanupMaintainerConfig struct {
	// Table is the outbox table name. Use schema.table for non-default schema.
	Table string
	// Retention removes rows relayed before now-retention (required).
	Retention time.Duration
	// CheckEvery is the interval between cleanup runs.
	CheckEvery time.Duration
	// Limit caps the number of rows deleted per run (0 uses the default).
	Limit int
	// LockName is the advisory lock name. Defaults to eventrelay:cleanup:<table>.
	LockName string
	Clock    eventrelay.Clock
	Logger   eventrelay.Logger
}

// CleanupMaintainer runs periodic cleanup of relayed rows.
type CleanupMaintainer struct {
	store *Store
	cfg   CleanupMaintainerConfig
}

// Cleanup removes relayed rows whose updated_at is not after opts.Before.
// Unrelayed rows are never removed.
func (s *Store) Cleanup(ctx context.Context, opts CleanupOptions) (int64, error) {
	if opts.Before.IsZero() {
		return 0, ErrCleanupBeforeRequired
	}
	limit := opts.Limit
	if limit == 0 {
		limit = defaultCleanupLimit
	}
	if limit < 0 {
		return 0, ErrCleanupLimitInvalid
	}

	res, err := s.db.ExecContext(ctx, s.queries.deleteRelayed, opts.Before, limit)
	if err != nil {
		return 0, fmt.Errorf("eventrelay mysql: cleanup delete failed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("eventrelay mysql: cleanup rows failed: %w", err)
	}

	return affected, nil
}

// NewCleanupMaintainer creates a new cleanup maintainer with defaults applied.
func NewCleanupMaintainer(db *sql.DB, cfg CleanupMaintainerConfig) (*CleanupMaintainer, error) {
	if db == nil {
		return nil, ErrDBRequired
	}
	if cfg.Retention <= 0 {
		return nil, ErrCleanupRetentionInvalid
	}
	if cfg.Clock == nil {
		cfg.Clock = eventrelay.SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = eventrelay.NopLogger{}
	}
	if cfg.CheckEvery <= 0 {
		cfg.CheckEvery = defaultCleanupEvery
	}
	if cfg.Limit == 0 {
		cfg.Limit = defaultCleanupLimit
	}
	if cfg.Limit < 0 {
		return nil, ErrCleanupLimitInvalid
	}

	// Cleanup never appends, an empty registry is enough.
	store, err := NewStore(db, events.MustNewRegistry(), WithTable(cfg.Table), WithClock(cfg.Clock), WithLogger(cfg.Logger))
	if err != nil {
		return nil, err
	}
	cfg.Table = store.table
	if cfg.LockName == "" {
		cfg.LockName = defaultCleanupLockPrefix + cfg.Table
	}

	return &CleanupMaintainer{store: store, cfg: cfg}, nil
}

// Run periodically deletes old relayed rows until the context is canceled.
func (m *CleanupMaintainer) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.CheckEvery)
	defer ticker.Stop()

	if _, err := m.Ensure(ctx); err != nil {
		m.cfg.Logger.Warn("eventrelay cleanup failed", "err", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := m.Ensure(ctx); err != nil {
				m.cfg.Logger.Warn("eventrelay cleanup failed", "err", err)
			}
		}
	}
}

// Ensure executes a single cleanup pass. It returns 0 without error when
// another session holds the cleanup lock.
func (m *CleanupMaintainer) Ensure(ctx context.Context) (int64, error) {
	release, locked, err := m.store.TryLock(ctx, m.cfg.LockName)
	if err != nil {
		return 0, err
	}
	if !locked {
		m.cfg.Logger.Debug("eventrelay cleanup lock held by another session")

		return 0, nil
	}
	defer release()

	before := m.cfg.Clock.Now().Add(-m.cfg.Retention)

	return m.store.Cleanup(ctx, CleanupOptions{
		Before: before,
		Limit:  m.cfg.Limit,
	})
}
