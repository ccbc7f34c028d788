// Package metrics records relay and broker telemetry in Prometheus.
//
// Collectors are registered on the registerer passed to New, so several
// relays (or tests) can coexist in one process with their own registries.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/velmie/eventrelay"
	"github.com/velmie/eventrelay/broker"
)

const namespace = "eventrelay"

// Relay implements eventrelay.Metrics.
type Relay struct {
	passDuration    prometheus.Histogram
	relayed         prometheus.Counter
	publishFailures prometheus.Counter
	retries         prometheus.Counter
	poisoned        prometheus.Counter
	exhausted       prometheus.Counter
	pending         prometheus.Gauge
	alerts          *prometheus.CounterVec
	deadLetters     *prometheus.CounterVec
}

var _ eventrelay.Metrics = (*Relay)(nil)

// New registers the relay collectors on reg. constLabels, e.g. the shard
// name, are attached to every series.
func New(reg prometheus.Registerer, constLabels prometheus.Labels) *Relay {
	factory := promauto.With(reg)

	return &Relay{
		passDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "pass_duration_seconds",
			Help:        "Duration of one relay pass over the outbox",
			ConstLabels: constLabels,
			Buckets:     []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10, 30},
		}),
		relayed: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "relayed_total",
			Help:        "Records published and marked relayed",
			ConstLabels: constLabels,
		}),
		publishFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "publish_failures_total",
			Help:        "Failed publish attempts",
			ConstLabels: constLabels,
		}),
		retries: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "retries_total",
			Help:        "Publish retries after a failure",
			ConstLabels: constLabels,
		}),
		poisoned: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "poisoned_total",
			Help:        "Records isolated as poison",
			ConstLabels: constLabels,
		}),
		exhausted: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "retry_exhausted_total",
			Help:        "Records whose retry budget ran out in a pass",
			ConstLabels: constLabels,
		}),
		pending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "pending_records",
			Help:        "Unrelayed records in the outbox",
			ConstLabels: constLabels,
		}),
		alerts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "alerts_total",
			Help:        "Operator alerts raised by the relay",
			ConstLabels: constLabels,
		}, []string{"kind", "event"}),
		deadLetters: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "dead_letters_total",
			Help:        "Deliveries dead-lettered by the broker",
			ConstLabels: constLabels,
		}, []string{"subscription", "event"}),
	}
}

func (m *Relay) ObservePassDuration(d time.Duration) { m.passDuration.Observe(d.Seconds()) }
func (m *Relay) AddRelayed(n int)                    { m.relayed.Add(float64(n)) }
func (m *Relay) AddPublishFailures(n int)            { m.publishFailures.Add(float64(n)) }
func (m *Relay) AddRetries(n int)                    { m.retries.Add(float64(n)) }
func (m *Relay) AddPoisoned(n int)                   { m.poisoned.Add(float64(n)) }
func (m *Relay) AddExhausted(n int)                  { m.exhausted.Add(float64(n)) }
func (m *Relay) SetPending(n int)                    { m.pending.Set(float64(n)) }

// AlertHandler counts alerts and then calls next, if any.
func (m *Relay) AlertHandler(next eventrelay.AlertHandler) eventrelay.AlertHandler {
	return func(ctx context.Context, alert eventrelay.Alert) {
		m.alerts.WithLabelValues(alert.Kind.String(), string(alert.Record.Name)).Inc()
		if next != nil {
			next(ctx, alert)
		}
	}
}

// DLQHandler counts dead letters and then calls next, if any.
func (m *Relay) DLQHandler(next broker.DLQHandler) broker.DLQHandler {
	return func(ctx context.Context, dl broker.DeadLetter) {
		m.deadLetters.WithLabelValues(string(dl.Subscription), string(dl.Message.Name)).Inc()
		if next != nil {
			next(ctx, dl)
		}
	}
}
