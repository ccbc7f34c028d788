//go:build integration

package main

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/velmie/eventrelay/cmd/internal/testutil"
	"github.com/velmie/eventrelay/events"
	"github.com/velmie/eventrelay/mysql"
	"github.com/velmie/eventrelay/postgres"
)

type outboxStore interface {
	WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error
	Append(ctx context.Context, name events.Name, payload any) (int64, error)
}

func TestCleanupCLIContainerMySQL(t *testing.T) {
	ctx := context.Background()
	env := testutil.StartMySQLContainer(t, ctx)

	schema, err := mysql.Schema("outbox")
	if err != nil {
		t.Fatalf("schema: %v", err)
	}
	if _, err := env.DB.ExecContext(ctx, schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}

	store, err := mysql.NewStore(env.DB, events.MustNewRegistry(events.Catalog()...))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	ids := appendGroups(t, ctx, store, 3)
	for _, id := range ids[:2] {
		if _, err := store.MarkRelayed(ctx, id); err != nil {
			t.Fatalf("mark relayed %d: %v", id, err)
		}
	}
	// only the first relayed row falls outside the retention window
	if err := age(ctx, env.DB, ids[0], time.Now().Add(-48*time.Hour).UTC()); err != nil {
		t.Fatalf("age row: %v", err)
	}

	bin := testutil.BuildBinary(t, ".")
	args := []string{
		"-driver", "mysql",
		"-dsn", env.DSN,
		"-table", "outbox",
		"-retention", "24h",
		"-once",
	}
	code, logs := testutil.RunCLIContainer(t, ctx, env.Network.Name, bin, args)
	if code != 0 {
		t.Fatalf("cleanup exit code %d logs: %s", code, logs)
	}

	if n := countRelayed(t, ctx, env.DB, true); n != 1 {
		t.Fatalf("relayed count = %d, want 1", n)
	}
	if n := countRelayed(t, ctx, env.DB, false); n != 1 {
		t.Fatalf("unrelayed count = %d, want 1", n)
	}
}

func appendGroups(t *testing.T, ctx context.Context, store outboxStore, count int) []int64 {
	t.Helper()

	ids := make([]int64, 0, count)
	err := store.WithinTransaction(ctx, func(ctx context.Context) error {
		for i := 0; i < count; i++ {
			id, err := store.Append(ctx, events.NameGroupCreated, events.GroupCreated{
				GroupID:       int64(i + 1),
				CommunityID:   "ethereum",
				CreatorUserID: 7,
			})
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}

		return nil
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	return ids
}

func age(ctx context.Context, db *sql.DB, id int64, ts time.Time) error {
	_, err := db.ExecContext(ctx, "UPDATE outbox SET updated_at = ? WHERE event_id = ?", ts, id)

	return err
}

func countRelayed(t *testing.T, ctx context.Context, db *sql.DB, relayed bool) int {
	t.Helper()

	var count int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM outbox WHERE relayed = ?", relayed).Scan(&count); err != nil {
		t.Fatalf("count relayed=%t: %v", relayed, err)
	}

	return count
}

func TestCleanupCLIContainerPostgres(t *testing.T) {
	ctx := context.Background()
	env := testutil.StartPostgresContainer(t, ctx)

	schema, err := postgres.Schema("outbox")
	if err != nil {
		t.Fatalf("schema: %v", err)
	}
	if _, err := env.Pool.Exec(ctx, schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}

	store, err := postgres.NewStore(env.Pool, events.MustNewRegistry(events.Catalog()...))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	ids := appendGroups(t, ctx, store, 3)
	for _, id := range ids[:2] {
		if _, err := store.MarkRelayed(ctx, id); err != nil {
			t.Fatalf("mark relayed %d: %v", id, err)
		}
	}
	old := time.Now().Add(-48 * time.Hour).UTC()
	if _, err := env.Pool.Exec(ctx, "UPDATE outbox SET updated_at = $1 WHERE event_id = $2", old, ids[0]); err != nil {
		t.Fatalf("age row: %v", err)
	}

	bin := testutil.BuildBinary(t, ".")
	args := []string{
		"-driver", "postgres",
		"-dsn", env.DSN,
		"-table", "outbox",
		"-retention", "24h",
		"-once",
	}
	code, logs := testutil.RunCLIContainer(t, ctx, env.Network.Name, bin, args)
	if code != 0 {
		t.Fatalf("cleanup exit code %d logs: %s", code, logs)
	}

	var relayed, unrelayed int
	err = env.Pool.QueryRow(ctx,
		"SELECT COUNT(*) FILTER (WHERE relayed), COUNT(*) FILTER (WHERE NOT relayed) FROM outbox",
	).Scan(&relayed, &unrelayed)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if relayed != 1 || unrelayed != 1 {
		t.Fatalf("relayed=%d unrelayed=%d, want 1 and 1", relayed, unrelayed)
	}
}
