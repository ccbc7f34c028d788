// Package memory implements the outbox store in process memory.
//
// Business data and outbox records written through WithinTransaction become
// visible together on commit and are discarded together on rollback, which
// makes the store a faithful stand-in for a SQL engine in tests and small
// embedded deployments.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/velmie/eventrelay"
	"github.com/velmie/eventrelay/events"
)

// ErrNotFound is returned by Get for a missing key.
var ErrNotFound = errors.New("memory: not found")

type txKey struct{}

type tx struct {
	records []eventrelay.Record
	data    map[string][]byte
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used for record timestamps.
func WithClock(clock eventrelay.Clock) Option {
	return func(s *Store) {
		s.clock = clock
	}
}

// Store is an in-memory eventrelay.Store, Appender, Transactor,
// PendingCounter and Locker.
type Store struct {
	registry *events.Registry
	clock    eventrelay.Clock

	mu        sync.Mutex
	nextID    int64
	records   []eventrelay.Record
	data      map[string][]byte
	locks     map[string]bool
	markErr   error
	appendErr error
}

var (
	_ eventrelay.Store          = (*Store)(nil)
	_ eventrelay.Appender       = (*Store)(nil)
	_ eventrelay.Transactor     = (*Store)(nil)
	_ eventrelay.PendingCounter = (*Store)(nil)
	_ eventrelay.Locker         = (*Store)(nil)
)

// New creates an empty store validating appends with registry.
func New(registry *events.Registry, opts ...Option) *Store {
	if registry == nil {
		panic("memory: nil registry")
	}

	s := &Store{
		registry: registry,
		clock:    eventrelay.SystemClock{},
		data:     make(map[string][]byte),
		locks:    make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

// WithinTransaction runs fn with a transaction in ctx. A ctx that already
// carries a transaction joins it.
func (s *Store) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*tx); ok {
		return fn(ctx)
	}

	t := &tx{data: make(map[string][]byte)}
	if err := fn(context.WithValue(ctx, txKey{}, t)); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range t.data {
		s.data[k] = v
	}
	s.records = append(s.records, t.records...)
	sort.Slice(s.records, func(i, j int) bool { return s.records[i].ID < s.records[j].ID })

	return nil
}

// Append validates payload and stages a record in the ctx transaction.
// The id is assigned immediately, so a rolled back append leaves a gap.
func (s *Store) Append(ctx context.Context, name events.Name, payload any) (int64, error) {
	t, ok := ctx.Value(txKey{}).(*tx)
	if !ok {
		return 0, eventrelay.ErrTransactionRequired
	}

	entry, err := eventrelay.NewEntry(s.registry, name, payload)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	if s.appendErr != nil {
		err := s.appendErr
		s.mu.Unlock()

		return 0, fmt.Errorf("%w: %s: %w", eventrelay.ErrOutboxWrite, name, err)
	}
	s.nextID++
	id := s.nextID
	s.mu.Unlock()

	now := s.clock.Now()
	t.records = append(t.records, eventrelay.Record{
		ID:        id,
		Name:      entry.Name,
		Payload:   entry.Payload,
		CreatedAt: now,
		UpdatedAt: now,
	})

	return id, nil
}

// InsertUnvalidated commits a record without validation, as a foreign writer
// or a manual fix would. It returns the assigned id.
func (s *Store) InsertUnvalidated(name events.Name, payload []byte) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	now := s.clock.Now()
	s.records = append(s.records, eventrelay.Record{
		ID:        s.nextID,
		Name:      name,
		Payload:   append([]byte(nil), payload...),
		CreatedAt: now,
		UpdatedAt: now,
	})

	return s.nextID
}

// Put stores business data in the ctx transaction, or directly without one.
func (s *Store) Put(ctx context.Context, key string, value []byte) {
	value = append([]byte(nil), value...)
	if t, ok := ctx.Value(txKey{}).(*tx); ok {
		t.data[key] = value

		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
}

// Get reads business data, seeing uncommitted writes of the ctx transaction.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if t, ok := ctx.Value(txKey{}).(*tx); ok {
		if v, ok := t.data[key]; ok {
			return v, nil
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	return v, nil
}

// FetchUnrelayed implements eventrelay.Store.
func (s *Store) FetchUnrelayed(ctx context.Context, opts eventrelay.FetchOptions) ([]eventrelay.Record, error) {
	if opts.Limit <= 0 {
		return nil, eventrelay.ErrInvalidBatchSize
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []eventrelay.Record
	for _, r := range s.records {
		if r.Relayed || r.ID <= opts.AfterID {
			continue
		}
		out = append(out, r)
		if len(out) == opts.Limit {
			break
		}
	}

	return out, nil
}

// MarkRelayed implements eventrelay.Store.
func (s *Store) MarkRelayed(ctx context.Context, id int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markErr != nil {
		return false, s.markErr
	}

	i := s.find(id)
	if i < 0 || s.records[i].Relayed {
		return false, nil
	}
	s.records[i].Relayed = true
	s.records[i].UpdatedAt = s.clock.Now()

	return true, nil
}

// SetMarkError makes MarkRelayed fail with err until reset with nil.
func (s *Store) SetMarkError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markErr = err
}

// SetAppendError makes Append fail with an outbox write error wrapping err
// until reset with nil.
func (s *Store) SetAppendError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendErr = err
}

// PendingCount implements eventrelay.PendingCounter.
func (s *Store) PendingCount(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, r := range s.records {
		if !r.Relayed {
			n++
		}
	}

	return n, nil
}

// TryLock implements eventrelay.Locker with a process-local lease.
func (s *Store) TryLock(_ context.Context, name string) (func(), bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locks[name] {
		return nil, false, nil
	}
	s.locks[name] = true

	var once sync.Once
	release := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.locks, name)
		})
	}

	return release, true, nil
}

// Record returns a committed record by id.
func (s *Store) Record(id int64) (eventrelay.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.find(id)
	if i < 0 {
		return eventrelay.Record{}, false
	}

	return s.records[i], true
}

// Records returns every committed record in id order.
func (s *Store) Records() []eventrelay.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]eventrelay.Record, len(s.records))
	copy(out, s.records)

	return out
}

func (s *Store) find(id int64) int {
	i := sort.Search(len(s.records), func(i int) bool { return s.records[i].ID >= id })
	if i < len(s.records) && s.records[i].ID == id {
		return i
	}

	return -1
}
