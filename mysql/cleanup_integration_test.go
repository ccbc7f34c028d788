//go:build integration

package mysql_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/velmie/eventrelay"
	"github.com/velmie/eventrelay/mysql"
)

func TestStoreCleanupIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx := context.Background()
	container, db := startMySQLContainer(t, ctx)
	t.Cleanup(func() {
		_ = db.Close()
		_ = container.Terminate(ctx)
	})

	setupSchema(t, ctx, db)

	now := time.Now().UTC().Truncate(time.Second)
	old := now.Add(-2 * time.Hour)
	clock := eventrelay.ClockFunc(func() time.Time { return old })
	store, err := mysql.NewStore(db, catalogRegistry(t), mysql.WithClock(clock))
	require.NoError(t, err)

	ids := appendGroups(t, ctx, store, 1, 2, 3)
	changed, err := store.MarkRelayed(ctx, ids[0])
	require.NoError(t, err)
	require.True(t, changed)
	_, err = db.ExecContext(ctx, "UPDATE outbox SET relayed = 1, updated_at = ? WHERE event_id = ?", now.Add(-10*time.Minute), ids[1])
	require.NoError(t, err)

	deleted, err := store.Cleanup(ctx, mysql.CleanupOptions{Before: now.Add(-time.Hour), Limit: 10})
	require.NoError(t, err)
	require.EqualValues(t, 1, deleted)

	var remaining int
	require.NoError(t, db.QueryRowContext(ctx, "SELECT COUNT(*) FROM outbox").Scan(&remaining))
	require.Equal(t, 2, remaining)

	pending, err := store.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, pending)
}

func TestCleanupMaintainerEnsureIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx := context.Background()
	container, db := startMySQLContainer(t, ctx)
	t.Cleanup(func() {
		_ = db.Close()
		_ = container.Terminate(ctx)
	})

	setupSchema(t, ctx, db)
	store, err := mysql.NewStore(db, catalogRegistry(t))
	require.NoError(t, err)
	ids := appendGroups(t, ctx, store, 1, 2)
	_, err = db.ExecContext(ctx, "UPDATE outbox SET relayed = 1, updated_at = ? WHERE event_id IN (?, ?)",
		time.Now().UTC().Add(-48*time.Hour), ids[0], ids[1])
	require.NoError(t, err)

	maintainer, err := mysql.NewCleanupMaintainer(db, mysql.CleanupMaintainerConfig{
		Table:     "outbox",
		Retention: 24 * time.Hour,
	})
	require.NoError(t, err)

	release, ok, err := store.TryLock(ctx, "eventrelay:cleanup:outbox")
	require.NoError(t, err)
	require.True(t, ok)

	deleted, err := maintainer.Ensure(ctx)
	require.NoError(t, err)
	require.Zero(t, deleted, "held lock must skip the pass")

	release()

	deleted, err = maintainer.Ensure(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, deleted)
}
