package eventrelay

import (
	"context"
	"fmt"
)

// AlertKind identifies why an operator is being alerted.
type AlertKind int

const (
	// AlertPoison is raised once when a record fails validation or is
	// classified as permanently unpublishable. The record stays pending and
	// is skipped until released.
	AlertPoison AlertKind = iota + 1
	// AlertRetryExhausted is raised each pass in which a record used up its
	// retry budget. The record stays pending and is retried after a cooldown.
	AlertRetryExhausted
)

func (k AlertKind) String() string {
	switch k {
	case AlertPoison:
		return "poison"
	case AlertRetryExhausted:
		return "retry_exhausted"
	default:
		return fmt.Sprintf("alert(%d)", int(k))
	}
}

// Alert describes a record that needs operator attention.
type Alert struct {
	Kind     AlertKind
	Record   Record
	Attempts int
	// Err wraps ErrPoisonEvent or ErrTransientPublish and the cause.
	Err error
}

// AlertHandler receives relay alerts. It must not block for long.
type AlertHandler func(ctx context.Context, alert Alert)
