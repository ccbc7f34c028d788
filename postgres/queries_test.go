package postgres

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/velmie/eventrelay/events"
	"github.com/velmie/eventrelay/internal/sqlname"
)

func TestQueries(t *testing.T) {
	q := newQueries("outbox")
	before := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	cases := []struct {
		name  string
		build func() (string, []any, error)
		sql   string
		args  int
	}{
		{
			name:  "insert",
			build: func() (string, []any, error) { return q.insert(events.NameGroupCreated, []byte(`{}`)) },
			sql:   "INSERT INTO outbox (event_name,event_payload) VALUES ($1,$2) RETURNING event_id",
			args:  2,
		},
		{
			name:  "select",
			build: func() (string, []any, error) { return q.selectUnrelayed(10, 50) },
			sql:   "SELECT event_id, event_name, event_payload, relayed, created_at, updated_at FROM outbox WHERE relayed = $1 AND event_id > $2 ORDER BY event_id ASC LIMIT 50",
			args:  2,
		},
		{
			name:  "mark",
			build: func() (string, []any, error) { return q.markRelayed(7) },
			sql:   "UPDATE outbox SET relayed = $1, updated_at = now() WHERE event_id = $2 AND relayed = $3",
			args:  3,
		},
		{
			name:  "count",
			build: q.countUnrelayed,
			sql:   "SELECT COUNT(*) FROM outbox WHERE relayed = $1",
			args:  1,
		},
		{
			name:  "cleanup",
			build: func() (string, []any, error) { return q.deleteRelayed(before, 100) },
			sql:   "DELETE FROM outbox WHERE event_id IN (SELECT event_id FROM outbox WHERE relayed = $1 AND updated_at <= $2 ORDER BY event_id LIMIT 100)",
			args:  2,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sql, args, err := tc.build()
			if err != nil {
				t.Fatalf("build: %v", err)
			}
			if sql != tc.sql {
				t.Fatalf("unexpected sql:\n got: %s\nwant: %s", sql, tc.sql)
			}
			if len(args) != tc.args {
				t.Fatalf("expected %d args, got %d", tc.args, len(args))
			}
		})
	}
}

func TestSchema(t *testing.T) {
	schema, err := Schema("events.outbox")
	if err != nil {
		t.Fatalf("schema: %v", err)
	}
	for _, part := range []string{"event_id BIGSERIAL PRIMARY KEY", "event_payload JSONB NOT NULL", "events_outbox_unrelayed_idx", "WHERE relayed = FALSE"} {
		if !strings.Contains(schema, part) {
			t.Fatalf("expected %q in schema:\n%s", part, schema)
		}
	}

	if _, err := Schema("outbox;drop"); !errors.Is(err, sqlname.ErrInvalid) {
		t.Fatalf("expected invalid table name, got %v", err)
	}
}

func TestNewStoreValidation(t *testing.T) {
	if _, err := NewStore(nil, nil); !errors.Is(err, ErrPoolRequired) {
		t.Fatalf("expected ErrPoolRequired, got %v", err)
	}
}

func TestNewCleanupMaintainerValidation(t *testing.T) {
	if _, err := NewCleanupMaintainer(nil, CleanupMaintainerConfig{Retention: time.Hour}); !errors.Is(err, ErrPoolRequired) {
		t.Fatalf("expected ErrPoolRequired, got %v", err)
	}
	pool := &pgxpool.Pool{}
	if _, err := NewCleanupMaintainer(pool, CleanupMaintainerConfig{}); !errors.Is(err, ErrCleanupRetentionInvalid) {
		t.Fatalf("expected ErrCleanupRetentionInvalid, got %v", err)
	}
	if _, err := NewCleanupMaintainer(pool, CleanupMaintainerConfig{Retention: time.Hour, Limit: -1}); !errors.Is(err, ErrCleanupLimitInvalid) {
		t.Fatalf("expected ErrCleanupLimitInvalid, got %v", err)
	}

	m, err := NewCleanupMaintainer(pool, CleanupMaintainerConfig{Table: "forum.outbox", Retention: time.Hour})
	if err != nil {
		t.Fatalf("new maintainer: %v", err)
	}
	if m.cfg.LockName != "eventrelay:cleanup:forum.outbox" || m.cfg.Limit != defaultCleanupLimit || m.cfg.CheckEvery != defaultCleanupEvery {
		t.Fatalf("unexpected defaults %+v", m.cfg)
	}
}
