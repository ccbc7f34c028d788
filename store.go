package eventrelay

import (
	"context"

	"github.com/velmie/eventrelay/events"
)

// FetchOptions controls which unrelayed records are returned.
type FetchOptions struct {
	// Limit caps the number of records, must be positive.
	Limit int
	// AfterID returns only records with ID > AfterID.
	AfterID int64
}

// Store is the relay side of the outbox.
type Store interface {
	// FetchUnrelayed returns up to Limit unrelayed records with ID > AfterID,
	// in ascending ID order.
	FetchUnrelayed(ctx context.Context, opts FetchOptions) ([]Record, error)
	// MarkRelayed flips the relayed flag. It reports true only for the call
	// that changed the row; repeated or concurrent calls return false.
	MarkRelayed(ctx context.Context, id int64) (bool, error)
}

// Appender is the producer side of the outbox. The ambient transaction
// travels in ctx, see Transactor.
type Appender interface {
	// Append validates payload against the registry and inserts a record in
	// the transaction carried by ctx. It returns the assigned event id.
	Append(ctx context.Context, name events.Name, payload any) (int64, error)
}

// Transactor runs fn in a transaction, committing when fn returns nil and
// rolling back otherwise. The transaction is carried by the ctx passed to fn.
type Transactor interface {
	WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// PendingCounter provides a total count of unrelayed records.
type PendingCounter interface {
	PendingCount(ctx context.Context) (int, error)
}

// Locker provides the relay lease. TryLock returns ok=false without error
// when another holder owns name. release must be called when ok is true.
type Locker interface {
	TryLock(ctx context.Context, name string) (release func(), ok bool, err error)
}
