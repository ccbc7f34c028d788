// Package badger implements the outbox store on an embedded BadgerDB.
//
// Records live under outbox/record/<id> with a companion outbox/pending/<id>
// index key that exists only while the record is unrelayed, so the relay scan
// walks the pending prefix in id order without touching relayed rows. Ids are
// leased from a BadgerDB sequence and are strictly increasing; a rolled back
// transaction leaves a gap.
//
// Business data written with Put inside WithinTransaction commits or rolls
// back together with the outbox records of the same transaction.
package badger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/velmie/eventrelay"
	"github.com/velmie/eventrelay/events"
)

var (
	// ErrRegistryRequired is returned when a nil registry is provided.
	ErrRegistryRequired = errors.New("eventrelay badger: registry is required")
	// ErrNotFound is returned by Get for a missing key.
	ErrNotFound = errors.New("eventrelay badger: not found")
)

var (
	recordPrefix  = []byte("outbox/record/")
	pendingPrefix = []byte("outbox/pending/")
	dataPrefix    = []byte("data/")
	sequenceKey   = []byte("outbox/sequence")
)

type txnKey struct{}

type storedRecord struct {
	Name      events.Name     `json:"name"`
	Payload   json.RawMessage `json:"payload"`
	Relayed   bool            `json:"relayed"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Store is a BadgerDB-backed eventrelay.Store, Appender, Transactor,
// PendingCounter and Locker.
type Store struct {
	db       *badgerdb.DB
	seq      *badgerdb.Sequence
	registry *events.Registry
	cfg      Config

	mu    sync.Mutex
	locks map[string]bool
}

var (
	_ eventrelay.Store          = (*Store)(nil)
	_ eventrelay.Appender       = (*Store)(nil)
	_ eventrelay.Transactor     = (*Store)(nil)
	_ eventrelay.PendingCounter = (*Store)(nil)
	_ eventrelay.Locker         = (*Store)(nil)
)

// Open opens (or creates) the database at path.
func Open(path string, registry *events.Registry, opts ...Option) (*Store, error) {
	if registry == nil {
		return nil, ErrRegistryRequired
	}

	var cfg Config
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg = cfg.withDefaults()

	dbOpts := badgerdb.DefaultOptions(path).
		WithSyncWrites(cfg.SyncWrites).
		WithLogger(dbLogger{logger: cfg.Logger})
	if cfg.InMemory {
		dbOpts = dbOpts.WithDir("").WithValueDir("").WithInMemory(true)
	}

	db, err := badgerdb.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("eventrelay badger: open: %w", err)
	}

	seq, err := db.GetSequence(sequenceKey, cfg.SequenceBandwidth)
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("eventrelay badger: sequence: %w", err)
	}

	return &Store{
		db:       db,
		seq:      seq,
		registry: registry,
		cfg:      cfg,
		locks:    make(map[string]bool),
	}, nil
}

// Close returns unused sequence ids and closes the database.
func (s *Store) Close() error {
	return errors.Join(s.seq.Release(), s.db.Close())
}

// WithinTransaction runs fn in a read-write BadgerDB transaction carried by
// ctx, committing when fn returns nil. A ctx that already carries a
// transaction joins it.
func (s *Store) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txnKey{}).(*badgerdb.Txn); ok {
		return fn(ctx)
	}

	txn := s.db.NewTransaction(true)
	defer txn.Discard()

	if err := fn(context.WithValue(ctx, txnKey{}, txn)); err != nil {
		return err
	}

	if err := txn.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %w", eventrelay.ErrOutboxWrite, err)
	}

	return nil
}

// Append validates payload and writes a pending record in the ctx transaction.
func (s *Store) Append(ctx context.Context, name events.Name, payload any) (int64, error) {
	txn, ok := ctx.Value(txnKey{}).(*badgerdb.Txn)
	if !ok {
		return 0, eventrelay.ErrTransactionRequired
	}

	entry, err := eventrelay.NewEntry(s.registry, name, payload)
	if err != nil {
		return 0, err
	}

	next, err := s.seq.Next()
	if err != nil {
		return 0, fmt.Errorf("%w: next id: %w", eventrelay.ErrOutboxWrite, err)
	}
	id := int64(next) + 1

	now := s.cfg.Clock.Now()
	value, err := json.Marshal(storedRecord{
		Name:      entry.Name,
		Payload:   entry.Payload,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return 0, fmt.Errorf("%w: encode %s: %w", eventrelay.ErrOutboxWrite, name, err)
	}

	if err := txn.Set(key(recordPrefix, id), value); err != nil {
		return 0, fmt.Errorf("%w: insert %s: %w", eventrelay.ErrOutboxWrite, name, err)
	}
	if err := txn.Set(key(pendingPrefix, id), nil); err != nil {
		return 0, fmt.Errorf("%w: index %s: %w", eventrelay.ErrOutboxWrite, name, err)
	}

	return id, nil
}

// Put stores business data under key. Inside WithinTransaction the write
// commits with the transaction, otherwise it is applied immediately.
func (s *Store) Put(ctx context.Context, k string, value []byte) error {
	set := func(txn *badgerdb.Txn) error {
		return txn.Set(append(append([]byte{}, dataPrefix...), k...), value)
	}
	if txn, ok := ctx.Value(txnKey{}).(*badgerdb.Txn); ok {
		return set(txn)
	}

	return s.db.Update(set)
}

// Get reads business data, seeing uncommitted writes of the ctx transaction.
func (s *Store) Get(ctx context.Context, k string) ([]byte, error) {
	var out []byte
	get := func(txn *badgerdb.Txn) error {
		item, err := txn.Get(append(append([]byte{}, dataPrefix...), k...))
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)

		return err
	}

	if txn, ok := ctx.Value(txnKey{}).(*badgerdb.Txn); ok {
		return out, get(txn)
	}

	return out, s.db.View(get)
}

// FetchUnrelayed implements eventrelay.Store.
func (s *Store) FetchUnrelayed(ctx context.Context, opts eventrelay.FetchOptions) ([]eventrelay.Record, error) {
	if opts.Limit <= 0 {
		return nil, eventrelay.ErrInvalidBatchSize
	}

	records := make([]eventrelay.Record, 0, opts.Limit)
	err := s.db.View(func(txn *badgerdb.Txn) error {
		itOpts := badgerdb.DefaultIteratorOptions
		itOpts.PrefetchValues = false
		itOpts.Prefix = pendingPrefix
		it := txn.NewIterator(itOpts)
		defer it.Close()

		for it.Seek(key(pendingPrefix, opts.AfterID+1)); it.Valid() && len(records) < opts.Limit; it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}

			id := idOf(it.Item().Key())
			record, err := readRecord(txn, id)
			if err != nil {
				return err
			}
			records = append(records, record)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("eventrelay badger: fetch unrelayed: %w", err)
	}

	return records, nil
}

// MarkRelayed implements eventrelay.Store. Write conflicts with a concurrent
// mark are retried; the loser observes the flag already set and returns false.
func (s *Store) MarkRelayed(_ context.Context, id int64) (bool, error) {
	var err error
	for attempt := 0; attempt <= s.cfg.ConflictRetries; attempt++ {
		var changed bool
		changed, err = s.markOnce(id)
		if !errors.Is(err, badgerdb.ErrConflict) {
			return changed, err
		}
	}

	return false, fmt.Errorf("eventrelay badger: mark relayed: %w", err)
}

func (s *Store) markOnce(id int64) (bool, error) {
	var changed bool
	err := s.db.Update(func(txn *badgerdb.Txn) error {
		if _, err := txn.Get(key(pendingPrefix, id)); err != nil {
			if errors.Is(err, badgerdb.ErrKeyNotFound) {
				return nil
			}

			return err
		}

		record, err := readStored(txn, id)
		if err != nil {
			return err
		}
		record.Relayed = true
		record.UpdatedAt = s.cfg.Clock.Now()
		value, err := json.Marshal(record)
		if err != nil {
			return err
		}
		if err := txn.Set(key(recordPrefix, id), value); err != nil {
			return err
		}
		if err := txn.Delete(key(pendingPrefix, id)); err != nil {
			return err
		}
		changed = true

		return nil
	})
	if err != nil {
		return false, err
	}

	return changed, nil
}

// PendingCount returns the number of unrelayed records.
func (s *Store) PendingCount(context.Context) (int, error) {
	var count int
	err := s.db.View(func(txn *badgerdb.Txn) error {
		itOpts := badgerdb.DefaultIteratorOptions
		itOpts.PrefetchValues = false
		itOpts.Prefix = pendingPrefix
		it := txn.NewIterator(itOpts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}

		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("eventrelay badger: pending count: %w", err)
	}

	return count, nil
}

// Record returns the record with id, relayed or not.
func (s *Store) Record(id int64) (eventrelay.Record, error) {
	var record eventrelay.Record
	err := s.db.View(func(txn *badgerdb.Txn) error {
		var err error
		record, err = readRecord(txn, id)

		return err
	})
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return eventrelay.Record{}, ErrNotFound
	}

	return record, err
}

// TryLock takes a process-local named lock. BadgerDB allows one process per
// directory, so a local lock is a full relay lease.
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
			delete(s.locks, name)
			s.mu.Unlock()
		})
	}

	return release, true, nil
}

func readStored(txn *badgerdb.Txn, id int64) (storedRecord, error) {
	var stored storedRecord
	item, err := txn.Get(key(recordPrefix, id))
	if err != nil {
		return stored, err
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return stored, err
	}
	if err := json.Unmarshal(val, &stored); err != nil {
		return stored, fmt.Errorf("decode record %d: %w", id, err)
	}

	return stored, nil
}

func readRecord(txn *badgerdb.Txn, id int64) (eventrelay.Record, error) {
	stored, err := readStored(txn, id)
	if err != nil {
		return eventrelay.Record{}, err
	}

	return eventrelay.Record{
		ID:        id,
		Name:      stored.Name,
		Payload:   stored.Payload,
		Relayed:   stored.Relayed,
		CreatedAt: stored.CreatedAt,
		UpdatedAt: stored.UpdatedAt,
	}, nil
}

func key(prefix []byte, id int64) []byte {
	out := make([]byte, len(prefix)+8)
	copy(out, prefix)
	binary.BigEndian.PutUint64(out[len(prefix):], uint64(id))

	return out
}

func idOf(k []byte) int64 {
	return int64(binary.BigEndian.Uint64(k[len(k)-8:]))
}
