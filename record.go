package eventrelay

import (
	"time"

	"github.com/goccy/go-json"

	"github.com/velmie/eventrelay/events"
)

// Record is a stored outbox row.
type Record struct {
	// ID is the event_id assigned by the store, strictly increasing.
	ID      int64
	Name    events.Name
	Payload json.RawMessage
	// Relayed flips to true once, after a confirmed publish.
	Relayed   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Status returns the lifecycle state of the record.
func (r Record) Status() Status {
	if r.Relayed {
		return StatusRelayed
	}

	return StatusPending
}
