package eventrelay

import (
	"context"

	"github.com/velmie/eventrelay/broker"
)

// FailureAction defines how a failed publish should be handled.
type FailureAction int

const (
	// FailureRetry keeps retrying the record with backoff.
	FailureRetry FailureAction = iota
	// FailurePoison isolates the record like a payload that fails validation.
	FailurePoison
)

// FailureClassifier decides whether a publish failure is retryable.
type FailureClassifier func(ctx context.Context, record Record, err error) FailureAction

// defaultFailureClassifier retries everything except errors marked permanent.
func defaultFailureClassifier(_ context.Context, _ Record, err error) FailureAction {
	if broker.IsPermanent(err) {
		return FailurePoison
	}

	return FailureRetry
}

// FailureHandler is called after every failed publish attempt.
type FailureHandler func(ctx context.Context, record Record, err error)
