package mysql

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"

	"github.com/velmie/eventrelay"
	"github.com/velmie/eventrelay/events"
)

type fakeResult struct {
	id int64
}

func (r fakeResult) LastInsertId() (int64, error) { return r.id, nil }
func (fakeResult) RowsAffected() (int64, error)   { return 1, nil }

type fakeExecutor struct {
	query string
	args  []any
	err   error
}

func (f *fakeExecutor) ExecContext(_ context.Context, query string, args ...any) (sql.Result, error) {
	f.query = query
	f.args = args
	if f.err != nil {
		return nil, f.err
	}
	return fakeResult{id: 42}, nil
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	registry, err := events.NewCatalogRegistry()
	if err != nil {
		t.Fatalf("catalog registry: %v", err)
	}
	store, err := NewStore(&sql.DB{}, registry)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func TestStoreAppendTx(t *testing.T) {
	store := newTestStore(t)
	exec := &fakeExecutor{}

	id, err := store.AppendTx(context.Background(), exec, events.NameGroupCreated, events.GroupCreated{
		GroupID:       7,
		CommunityID:   "ethereum",
		CreatorUserID: 1,
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if id != 42 {
		t.Fatalf("expected last insert id, got %d", id)
	}
	if !strings.HasPrefix(exec.query, "INSERT INTO outbox (event_name, event_payload)") {
		t.Fatalf("unexpected query: %s", exec.query)
	}
	if len(exec.args) != 2 || exec.args[0] != "GroupCreated" {
		t.Fatalf("unexpected args: %v", exec.args)
	}
	if !strings.Contains(string(exec.args[1].([]byte)), `"group_id":7`) {
		t.Fatalf("expected canonical payload, got %s", exec.args[1])
	}
}

func TestStoreAppendTxRejectsInvalidPayload(t *testing.T) {
	store := newTestStore(t)
	exec := &fakeExecutor{}

	_, err := store.AppendTx(context.Background(), exec, events.NameGroupCreated, events.GroupCreated{CommunityID: "ethereum"})
	if !errors.Is(err, events.ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
	if exec.query != "" {
		t.Fatalf("invalid payload must not reach the database")
	}
}

func TestStoreAppendTxWrapsWriteErrors(t *testing.T) {
	store := newTestStore(t)
	exec := &fakeExecutor{err: errors.New("deadlock")}

	_, err := store.AppendTx(context.Background(), exec, events.NameGroupCreated, events.GroupCreated{GroupID: 1, CommunityID: "c", CreatorUserID: 1})
	if !errors.Is(err, eventrelay.ErrOutboxWrite) {
		t.Fatalf("expected ErrOutboxWrite, got %v", err)
	}
	if _, err := store.AppendTx(context.Background(), nil, events.NameGroupCreated, nil); !errors.Is(err, ErrExecutorRequired) {
		t.Fatalf("expected ErrExecutorRequired, got %v", err)
	}
}

func TestStoreAppendRequiresTransaction(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Append(context.Background(), events.NameGroupCreated, events.GroupCreated{GroupID: 1, CommunityID: "c", CreatorUserID: 1})
	if !errors.Is(err, eventrelay.ErrTransactionRequired) {
		t.Fatalf("expected ErrTransactionRequired, got %v", err)
	}
}

func TestNewStoreValidation(t *testing.T) {
	registry := events.MustNewRegistry()
	if _, err := NewStore(nil, registry); !errors.Is(err, ErrDBRequired) {
		t.Fatalf("expected ErrDBRequired, got %v", err)
	}
	if _, err := NewStore(&sql.DB{}, nil); !errors.Is(err, ErrRegistryRequired) {
		t.Fatalf("expected ErrRegistryRequired, got %v", err)
	}
	if _, err := NewStore(&sql.DB{}, registry, WithTable("a.b.c")); err == nil {
		t.Fatalf("expected invalid table error")
	}
}

func TestQueries(t *testing.T) {
	q := newQueries("outbox")
	if q.selectUnrelayed != "SELECT event_id, event_name, event_payload, relayed, created_at, updated_at FROM outbox "+
		"WHERE relayed = 0 AND event_id > ? ORDER BY event_id ASC LIMIT ?" {
		t.Fatalf("unexpected select: %s", q.selectUnrelayed)
	}
	if q.markRelayed != "UPDATE outbox SET relayed = 1, updated_at = ? WHERE event_id = ? AND relayed = 0" {
		t.Fatalf("unexpected mark: %s", q.markRelayed)
	}
	if !strings.Contains(q.deleteRelayed, "WHERE relayed = 1 AND updated_at <= ?") {
		t.Fatalf("cleanup must only target relayed rows: %s", q.deleteRelayed)
	}
}
