package eventrelay

import "time"

// Metrics captures relay telemetry. See the metrics package for a Prometheus
// implementation.
type Metrics interface {
	// ObservePassDuration records the time of one full pass over the outbox.
	ObservePassDuration(duration time.Duration)
	// AddRelayed counts records published and marked relayed.
	AddRelayed(count int)
	// AddPublishFailures counts failed publish attempts.
	AddPublishFailures(count int)
	// AddRetries counts publish retries after a failure.
	AddRetries(count int)
	// AddPoisoned counts records isolated as poison.
	AddPoisoned(count int)
	// AddExhausted counts records whose retry budget ran out in a pass.
	AddExhausted(count int)
	// SetPending updates the current pending record count.
	SetPending(count int)
}

// NopMetrics is a no-op metrics recorder.
type NopMetrics struct{}

func (NopMetrics) ObservePassDuration(time.Duration) {}
func (NopMetrics) AddRelayed(int)                    {}
func (NopMetrics) AddPublishFailures(int)            {}
func (NopMetrics) AddRetries(int)                    {}
func (NopMetrics) AddPoisoned(int)                   {}
func (NopMetrics) AddExhausted(int)                  {}
func (NopMetrics) SetPending(int)                    {}
