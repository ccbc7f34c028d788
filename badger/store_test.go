package badger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/velmie/eventrelay"
	"github.com/velmie/eventrelay/broker"
	brokermem "github.com/velmie/eventrelay/broker/memory"
	"github.com/velmie/eventrelay/events"
)

func openStore(t *testing.T, opts ...Option) (*Store, *events.Registry) {
	t.Helper()
	registry, err := events.NewCatalogRegistry()
	if err != nil {
		t.Fatalf("catalog registry: %v", err)
	}
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	opts = append([]Option{WithClock(eventrelay.ClockFunc(func() time.Time { return now }))}, opts...)
	store, err := Open(t.TempDir(), registry, opts...)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, registry
}

func appendGroups(t *testing.T, s *Store, groupIDs ...int64) []int64 {
	t.Helper()
	var ids []int64
	err := s.WithinTransaction(context.Background(), func(ctx context.Context) error {
		for _, groupID := range groupIDs {
			id, err := s.Append(ctx, events.NameGroupCreated, events.GroupCreated{
				GroupID:       groupID,
				CommunityID:   "ethereum",
				CreatorUserID: 1,
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

func TestStoreAppendAndFetch(t *testing.T) {
	s, registry := openStore(t)
	ctx := context.Background()
	ids := appendGroups(t, s, 1, 2, 3, 4)

	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			t.Fatalf("expected increasing ids, got %v", ids)
		}
	}

	records, err := s.FetchUnrelayed(ctx, eventrelay.FetchOptions{Limit: 3})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(records) != 3 || records[0].ID != ids[0] || records[2].ID != ids[2] {
		t.Fatalf("unexpected page: %+v", records)
	}
	if _, err := registry.Validate(records[0].Name, records[0].Payload); err != nil {
		t.Fatalf("stored payload must conform: %v", err)
	}

	records, err = s.FetchUnrelayed(ctx, eventrelay.FetchOptions{Limit: 3, AfterID: ids[2]})
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

func TestStoreRollbackDiscardsDataAndRecords(t *testing.T) {
	s, _ := openStore(t, WithInMemory())
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithinTransaction(ctx, func(ctx context.Context) error {
		if err := s.Put(ctx, "group/1", []byte("core")); err != nil {
			return err
		}
		if v, err := s.Get(ctx, "group/1"); err != nil || string(v) != "core" {
			t.Fatalf("expected own write visible, got %q %v", v, err)
		}
		if _, err := s.Append(ctx, events.NameGroupCreated, events.GroupCreated{GroupID: 1, CommunityID: "c", CreatorUserID: 1}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if _, err := s.Get(ctx, "group/1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected data rolled back, got %v", err)
	}
	if pending, _ := s.PendingCount(ctx); pending != 0 {
		t.Fatalf("expected no records, got %d", pending)
	}

	err = s.WithinTransaction(ctx, func(ctx context.Context) error {
		_, err := s.Append(ctx, events.NameGroupCreated, events.GroupCreated{CommunityID: "c"})
		return err
	})
	if !errors.Is(err, events.ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}

	if _, err := s.Append(ctx, events.NameGroupCreated, nil); !errors.Is(err, eventrelay.ErrTransactionRequired) {
		t.Fatalf("expected ErrTransactionRequired, got %v", err)
	}
}

func TestStoreMarkRelayed(t *testing.T) {
	s, _ := openStore(t)
	ctx := context.Background()
	id := appendGroups(t, s, 1)[0]

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
	record, err := s.Record(id)
	if err != nil || !record.Relayed || record.Status() != eventrelay.StatusRelayed {
		t.Fatalf("expected relayed record, got %+v %v", record, err)
	}
	if ok, err := s.MarkRelayed(ctx, 999); ok || err != nil {
		t.Fatalf("expected false for unknown id, got %v %v", ok, err)
	}
	if _, err := s.Record(999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStoreIDsSurviveReopen(t *testing.T) {
	registry, err := events.NewCatalogRegistry()
	if err != nil {
		t.Fatalf("catalog registry: %v", err)
	}
	dir := t.TempDir()

	s, err := Open(dir, registry)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	first := appendGroups(t, s, 1)[0]
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s, err = Open(dir, registry)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	second := appendGroups(t, s, 2)[0]
	if second <= first {
		t.Fatalf("expected id after reopen > %d, got %d", first, second)
	}
	pending, err := s.PendingCount(context.Background())
	if err != nil || pending != 2 {
		t.Fatalf("expected 2 pending, got %d %v", pending, err)
	}
}

func TestStoreRelayEndToEnd(t *testing.T) {
	s, registry := openStore(t, WithInMemory())
	ctx := context.Background()
	ids := appendGroups(t, s, 1, 2)

	pub := brokermem.New()
	relay := eventrelay.NewRelay(s, registry, pub, eventrelay.WithLocker(s, "relay"))
	res, err := relay.ProcessOnce(ctx)
	if err != nil {
		t.Fatalf("process once: %v", err)
	}
	if res.Relayed != 2 {
		t.Fatalf("expected 2 relayed, got %+v", res)
	}
	published := pub.Published()
	if len(published) != 2 || published[0].ID != ids[0] || published[0].Topic != broker.TopicMessageRelayer {
		t.Fatalf("unexpected published: %v", published)
	}
	if pending, _ := s.PendingCount(ctx); pending != 0 {
		t.Fatalf("expected nothing pending, got %d", pending)
	}
}

func TestStoreTryLock(t *testing.T) {
	s, _ := openStore(t, WithInMemory())
	ctx := context.Background()

	release, ok, err := s.TryLock(ctx, "relay")
	if err != nil || !ok {
		t.Fatalf("expected lock, got %v %v", ok, err)
	}
	if _, ok, _ := s.TryLock(ctx, "relay"); ok {
		t.Fatalf("expected lock to be held")
	}
	release()
	if _, ok, _ := s.TryLock(ctx, "relay"); !ok {
		t.Fatalf("expected lock after release")
	}
}

func TestOpenRequiresRegistry(t *testing.T) {
	if _, err := Open(t.TempDir(), nil); !errors.Is(err, ErrRegistryRequired) {
		t.Fatalf("expected ErrRegistryRequired, got %v", err)
	}
}
