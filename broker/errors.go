package broker

import (
	"context"
	"errors"
)

var (
	// ErrUnavailable indicates the broker cannot accept messages right now.
	ErrUnavailable = errors.New("broker: unavailable")
	// ErrNacked indicates the broker explicitly rejected a publish.
	ErrNacked = errors.New("broker: publish not acknowledged")
	// ErrTimeout indicates a publish did not complete in time.
	ErrTimeout = errors.New("broker: publish timed out")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("broker: closed")
	// ErrDeadLettered is the reason attached to dead-lettered deliveries.
	ErrDeadLettered = errors.New("broker: message dead-lettered")
	// ErrPermanent marks handler errors that must not be retried.
	ErrPermanent = errors.New("broker: permanent failure")
)

// FailureReason classifies a publish or handler error.
type FailureReason int

const (
	// ReasonTransient failures may succeed when retried.
	ReasonTransient FailureReason = iota
	// ReasonTimeout is a transient failure caused by a deadline.
	ReasonTimeout
	// ReasonUnavailable is a transient failure caused by a down broker.
	ReasonUnavailable
	// ReasonPermanent failures never succeed when retried.
	ReasonPermanent
)

func (r FailureReason) String() string {
	switch r {
	case ReasonTimeout:
		return "timeout"
	case ReasonUnavailable:
		return "unavailable"
	case ReasonPermanent:
		return "permanent"
	default:
		return "transient"
	}
}

// Classify maps err onto a FailureReason.
func Classify(err error) FailureReason {
	switch {
	case errors.Is(err, ErrPermanent):
		return ReasonPermanent
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	case errors.Is(err, ErrUnavailable), errors.Is(err, ErrClosed):
		return ReasonUnavailable
	default:
		return ReasonTransient
	}
}

// IsPermanent reports whether err was marked permanent.
func IsPermanent(err error) bool {
	return Classify(err) == ReasonPermanent
}
