package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/velmie/eventrelay"
	"github.com/velmie/eventrelay/events"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	registry, err := events.NewCatalogRegistry()
	if err != nil {
		t.Fatalf("catalog registry: %v", err)
	}
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	return New(registry, WithClock(eventrelay.ClockFunc(func() time.Time { return now })))
}

func group(id int64) events.GroupCreated {
	return events.GroupCreated{GroupID: id, CommunityID: "ethereum", CreatorUserID: 1}
}

func appendGroups(t *testing.T, s *Store, ids ...int64) []int64 {
	t.Helper()
	var out []int64
	err := s.WithinTransaction(context.Background(), func(ctx context.Context) error {
		for _, id := range ids {
			eventID, err := s.Append(ctx, events.NameGroupCreated, group(id))
			if err != nil {
				return err
			}
			out = append(out, eventID)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	return out
}

func TestStoreAppendAssignsIncreasingIDs(t *testing.T) {
	s := newStore(t)
	ids := appendGroups(t, s, 1, 2, 3)

	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			t.Fatalf("expected increasing ids, got %v", ids)
		}
	}
	records := s.Records()
	if len(records) != 3 || records[0].Status() != eventrelay.StatusPending {
		t.Fatalf("unexpected records: %+v", records)
	}
}

func TestStoreUncommittedRecordsAreInvisible(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	err := s.WithinTransaction(ctx, func(txCtx context.Context) error {
		if _, err := s.Append(txCtx, events.NameGroupCreated, group(1)); err != nil {
			return err
		}
		s.Put(txCtx, "k", []byte("v"))
		if v, err := s.Get(txCtx, "k"); err != nil || string(v) != "v" {
			t.Fatalf("expected own write visible in transaction, got %q %v", v, err)
		}

		records, err := s.FetchUnrelayed(ctx, eventrelay.FetchOptions{Limit: 10})
		if err != nil {
			return err
		}
		if len(records) != 0 {
			t.Fatalf("expected uncommitted record invisible, got %d", len(records))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}

	if _, err := s.Get(ctx, "k"); err != nil {
		t.Fatalf("expected committed value: %v", err)
	}
}

func TestStoreNestedTransactionJoins(t *testing.T) {
	s := newStore(t)
	boom := errors.New("boom")

	err := s.WithinTransaction(context.Background(), func(ctx context.Context) error {
		err := s.WithinTransaction(ctx, func(ctx context.Context) error {
			_, err := s.Append(ctx, events.NameGroupCreated, group(1))
			return err
		})
		if err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if len(s.Records()) != 0 {
		t.Fatalf("expected inner append rolled back with the outer transaction")
	}
}

func TestStoreFetchUnrelayed(t *testing.T) {
	s := newStore(t)
	ids := appendGroups(t, s, 1, 2, 3, 4)
	ctx := context.Background()

	if _, err := s.MarkRelayed(ctx, ids[1]); err != nil {
		t.Fatalf("mark: %v", err)
	}

	records, err := s.FetchUnrelayed(ctx, eventrelay.FetchOptions{Limit: 2})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(records) != 2 || records[0].ID != ids[0] || records[1].ID != ids[2] {
		t.Fatalf("unexpected page: %+v", records)
	}

	records, err = s.FetchUnrelayed(ctx, eventrelay.FetchOptions{Limit: 2, AfterID: ids[2]})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(records) != 1 || records[0].ID != ids[3] {
		t.Fatalf("unexpected page after %d: %+v", ids[2], records)
	}

	if _, err := s.FetchUnrelayed(ctx, eventrelay.FetchOptions{}); !errors.Is(err, eventrelay.ErrInvalidBatchSize) {
		t.Fatalf("expected ErrInvalidBatchSize, got %v", err)
	}
}

func TestStoreMarkRelayedIdempotent(t *testing.T) {
	s := newStore(t)
	id := appendGroups(t, s, 1)[0]
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		changed int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.MarkRelayed(ctx, id)
			if err != nil {
				t.Errorf("mark: %v", err)
				return
			}
			if ok {
				mu.Lock()
				changed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if changed != 1 {
		t.Fatalf("expected exactly one changing mark, got %d", changed)
	}
	if ok, _ := s.MarkRelayed(ctx, 999); ok {
		t.Fatalf("expected false for unknown id")
	}
	pending, _ := s.PendingCount(ctx)
	if pending != 0 {
		t.Fatalf("expected no pending records, got %d", pending)
	}
}

func TestStoreMarkError(t *testing.T) {
	s := newStore(t)
	id := appendGroups(t, s, 1)[0]
	markErr := errors.New("down")
	s.SetMarkError(markErr)

	if _, err := s.MarkRelayed(context.Background(), id); !errors.Is(err, markErr) {
		t.Fatalf("expected mark error, got %v", err)
	}
	if record, _ := s.Record(id); record.Relayed {
		t.Fatalf("expected record pending")
	}
}

func TestStoreTryLock(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	release, ok, err := s.TryLock(ctx, "relay")
	if err != nil || !ok {
		t.Fatalf("expected lock, got %v %v", ok, err)
	}
	if _, ok, _ := s.TryLock(ctx, "relay"); ok {
		t.Fatalf("expected lock to be held")
	}
	if _, ok, _ := s.TryLock(ctx, "other"); !ok {
		t.Fatalf("expected independent lock names")
	}

	release()
	release()
	if _, ok, _ := s.TryLock(ctx, "relay"); !ok {
		t.Fatalf("expected lock after release")
	}
}
