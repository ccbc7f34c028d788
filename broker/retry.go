package broker

import "time"

// RetryAction is the decision taken after a handler failure.
type RetryAction int

const (
	// RetryRequeue nacks the message back to the queue after Delay.
	RetryRequeue RetryAction = iota
	// RetryDeadLetter routes the message to the dead-letter queue.
	RetryDeadLetter
)

// RetryDecision tells the adapter what to do with a failed delivery.
type RetryDecision struct {
	Action RetryAction
	Delay  time.Duration
}

// RetryStrategy decides how to handle a failed delivery. attempt starts at 1.
type RetryStrategy func(attempt int, err error) RetryDecision

const (
	defaultRetryAttempts = 3
	defaultRetryInitial  = 100 * time.Millisecond
	defaultRetryMax      = 5 * time.Second
)

// DefaultRetryStrategy requeues three times with exponential delay, then dead-letters.
func DefaultRetryStrategy() RetryStrategy {
	return ExponentialRetry(defaultRetryAttempts, defaultRetryInitial, defaultRetryMax)
}

// ExponentialRetry requeues until maxAttempts deliveries failed, doubling the
// delay from initial up to maxDelay, then dead-letters.
func ExponentialRetry(maxAttempts int, initial, maxDelay time.Duration) RetryStrategy {
	return func(attempt int, err error) RetryDecision {
		if attempt >= maxAttempts || IsPermanent(err) {
			return RetryDecision{Action: RetryDeadLetter}
		}

		delay := initial
		for i := 1; i < attempt; i++ {
			delay *= 2
			if delay >= maxDelay {
				delay = maxDelay

				break
			}
		}

		return RetryDecision{Action: RetryRequeue, Delay: delay}
	}
}

// DeadLetterImmediately dead-letters on the first failure.
func DeadLetterImmediately() RetryStrategy {
	return func(int, error) RetryDecision {
		return RetryDecision{Action: RetryDeadLetter}
	}
}
