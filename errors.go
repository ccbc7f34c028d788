package eventrelay

import "errors"

var (
	// ErrInvalidBatchSize indicates that the requested batch size is not positive.
	ErrInvalidBatchSize = errors.New("eventrelay: batch size must be positive")
	// ErrTransactionRequired is returned when Append runs outside WithinTransaction.
	ErrTransactionRequired = errors.New("eventrelay: append requires an open transaction")
	// ErrOutboxWrite wraps storage failures while appending a record.
	ErrOutboxWrite = errors.New("eventrelay: outbox write failed")
	// ErrPoisonEvent is attached to alerts for records that cannot be published as stored.
	ErrPoisonEvent = errors.New("eventrelay: poison event")
	// ErrTransientPublish is attached to alerts for records whose publish retries ran out.
	ErrTransientPublish = errors.New("eventrelay: publish retries exhausted")
	// ErrRelayPanic indicates a panic inside the relay loop.
	ErrRelayPanic = errors.New("eventrelay: relay panic")
)
