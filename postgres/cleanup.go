package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

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
	// Before removes rows relayed before this time (required).
	Before time.Time
	// Limit caps the number of rows deleted per call (0 uses the default).
	Limit int
}

// Cleanup deletes relayed rows older than opts.Before. Unrelayed rows are
// never removed.
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

	query, args, err := s.queries.deleteRelayed(opts.Before, limit)
	if err != nil {
		return 0, fmt.Errorf("eventrelay postgres: build cleanup failed: %w", err)
	}

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("eventrelay postgres: cleanup delete failed: %w", err)
	}

	return tag.RowsAffected(), nil
}

// CleanupMaintainerConfig controls periodic cleanup of relayed rows.
type CleanupMaintainerConfig struct {
	// Table is the outbox table name, optionally schema qualified.
	Table string
	// Retention removes rows relayed before now-retention (required).
	Retention  time.Duration
	CheckEvery time.Duration
	Limit      int
	// LockName is the advisory lock name. Defaults to eventrelay:cleanup:<table>.
	LockName string
	Clock    eventrelay.Clock
	Logger   eventrelay.Logger
}

// CleanupMaintainer runs periodic cleanup of relayed rows under an advisory
// lock, so several replicas can run it safely.
type CleanupMaintainer struct {
	store *Store
	cfg   CleanupMaintainerConfig
}

// NewCleanupMaintainer creates a maintainer with defaults applied.
func NewCleanupMaintainer(pool *pgxpool.Pool, cfg CleanupMaintainerConfig) (*CleanupMaintainer, error) {
	if pool == nil {
		return nil, ErrPoolRequired
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

	store, err := NewStore(pool, events.MustNewRegistry(), WithTable(cfg.Table), WithLogger(cfg.Logger))
	if err != nil {
		return nil, err
	}
	cfg.Table = store.cfg.Table
	if cfg.LockName == "" {
		cfg.LockName = defaultCleanupLockPrefix + cfg.Table
	}

	return &CleanupMaintainer{store: store, cfg: cfg}, nil
}

// Run periodically deletes old relayed rows until ctx is canceled.
func (m *CleanupMaintainer) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.CheckEvery)
	defer ticker.Stop()

	for {
		if _, err := m.Ensure(ctx); err != nil {
			m.cfg.Logger.Warn("eventrelay cleanup failed", "err", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
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

	return m.store.Cleanup(ctx, CleanupOptions{
		Before: m.cfg.Clock.Now().Add(-m.cfg.Retention),
		Limit:  m.cfg.Limit,
	})
}
