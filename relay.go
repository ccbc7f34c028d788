package eventrelay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/velmie/eventrelay/broker"
	"github.com/velmie/eventrelay/events"
)

// PassResult summarizes one pass over the outbox.
type PassResult struct {
	// Relayed records were published and marked.
	Relayed int
	// Failed counts failed publish attempts in this pass.
	Failed int
	// Exhausted records used up their retry budget in this pass.
	Exhausted int
	// Poisoned records were newly isolated in this pass.
	Poisoned int
	// Deferred records were waiting for backoff, cooldown or an earlier
	// record of their strict topic.
	Deferred int
	// Skipped records carry a poison or operator skip annotation.
	Skipped int
	// MarkFailures counts publishes whose relayed flag could not be written.
	MarkFailures int
	// Unhealthy is set when the pass was abandoned because the broker is down.
	Unhealthy bool
	// LeaseHeld is set when another relay instance holds the lease.
	LeaseHeld bool
}

// Processed reports whether the pass changed anything.
func (r PassResult) Processed() bool {
	return r.Relayed > 0 || r.Failed > 0 || r.Poisoned > 0
}

type recordState struct {
	attempts int
	backoff  backoff.BackOff
	retryAt  time.Time
	poisoned bool
	skipped  bool
}

// Relay drains unrelayed outbox records to a broker publisher in event id
// order. It keeps per-record retry state in memory; the store only holds the
// relayed flag.
type Relay struct {
	store     Store
	registry  *events.Registry
	publisher broker.Publisher
	cfg       RelayConfig

	mu     sync.Mutex
	states map[int64]*recordState

	pendingMu sync.Mutex
	pendingAt time.Time
}

// NewRelay constructs a Relay with defaults and optional settings.
func NewRelay(store Store, registry *events.Registry, publisher broker.Publisher, opts ...RelayOption) *Relay {
	if store == nil {
		panic("eventrelay: nil Store")
	}
	if registry == nil {
		panic("eventrelay: nil Registry")
	}
	if publisher == nil {
		panic("eventrelay: nil Publisher")
	}

	var cfg RelayConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg = cfg.withDefaults()

	return &Relay{
		store:     store,
		registry:  registry,
		publisher: publisher,
		cfg:       cfg,
		states:    make(map[int64]*recordState),
	}
}

// Run relays until ctx is canceled. Cancellation lets the in-flight publish
// and its mark complete, then Run returns nil. Storage errors end Run so a
// supervisor can restart it.
func (r *Relay) Run(ctx context.Context) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.cfg.Logger.Error("relay panic", "panic", rec)
			err = fmt.Errorf("%w: %v", ErrRelayPanic, rec)
		}
	}()

	health := r.newBackoff()
	for {
		if ctx.Err() != nil {
			return nil
		}

		res, err := r.ProcessOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.cfg.Logger.Error("relay pass failed", "err", err)

			return err
		}

		wait := r.cfg.PollInterval
		if res.Unhealthy {
			wait = health.NextBackOff()
		} else {
			health.Reset()
		}
		if sleepErr := r.sleep(ctx, wait); sleepErr != nil {
			return nil
		}
	}
}

// Serve implements suture.Service.
func (r *Relay) Serve(ctx context.Context) error {
	return r.Run(ctx)
}

// ProcessOnce makes one full pass over the unrelayed records, paging by id.
func (r *Relay) ProcessOnce(ctx context.Context) (PassResult, error) {
	if r.cfg.Locker != nil {
		release, ok, err := r.cfg.Locker.TryLock(ctx, r.cfg.LockName)
		if err != nil {
			return PassResult{}, fmt.Errorf("eventrelay: acquire lease %q: %w", r.cfg.LockName, err)
		}
		if !ok {
			r.cfg.Logger.Debug("relay lease held by another instance", "lock", r.cfg.LockName)

			return PassResult{LeaseHeld: true}, nil
		}
		defer release()
	}

	start := time.Now()
	defer func() {
		r.cfg.Metrics.ObservePassDuration(time.Since(start))
	}()

	if !r.publisher.IsHealthy(ctx) {
		r.cfg.Logger.Warn("broker unhealthy, relay pass skipped")

		return PassResult{Unhealthy: true}, nil
	}

	var (
		res      PassResult
		afterID  int64
		complete bool
		blocked  = make(map[broker.Topic]bool)
		seen     = make(map[int64]struct{})
	)

scan:
	for {
		records, err := r.store.FetchUnrelayed(ctx, FetchOptions{Limit: r.cfg.BatchSize, AfterID: afterID})
		if err != nil {
			if ctx.Err() != nil {
				break
			}

			return res, fmt.Errorf("eventrelay: fetch unrelayed: %w", err)
		}
		for i := range records {
			if ctx.Err() != nil {
				break scan
			}
			afterID = records[i].ID
			seen[records[i].ID] = struct{}{}
			r.processRecord(ctx, records[i], blocked, &res)
		}
		if len(records) < r.cfg.BatchSize {
			complete = true

			break
		}
	}

	if complete {
		r.prune(seen)
	}
	r.cfg.Metrics.AddRelayed(res.Relayed)
	r.cfg.Metrics.AddPublishFailures(res.Failed)
	r.cfg.Metrics.AddPoisoned(res.Poisoned)
	r.cfg.Metrics.AddExhausted(res.Exhausted)
	r.maybeRecordPending(ctx)

	return res, nil
}

// Skip tells the relay to stop attempting record id until Release.
func (r *Relay) Skip(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stateLocked(id).skipped = true
}

// Release clears every annotation of record id: poison, skip, backoff and
// cooldown. The record is revalidated on the next pass.
func (r *Relay) Release(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.states, id)
}

// Attempts returns the publish attempts made for record id since it was
// first seen or released.
func (r *Relay) Attempts(id int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.states[id]; ok {
		return st.attempts
	}

	return 0
}

func (r *Relay) processRecord(ctx context.Context, record Record, blocked map[broker.Topic]bool, res *PassResult) {
	topic := broker.TopicFor(record.Name)
	if !r.cfg.owns(topic) {
		return
	}
	if blocked[topic] {
		res.Deferred++

		return
	}

	r.mu.Lock()
	st := r.stateLocked(record.ID)
	skipped, poisoned, retryAt := st.skipped, st.poisoned, st.retryAt
	r.mu.Unlock()

	if skipped {
		res.Skipped++

		return
	}
	if poisoned {
		res.Skipped++
		r.block(topic, blocked)

		return
	}

	event, err := r.registry.Validate(record.Name, record.Payload)
	if err != nil {
		r.poison(ctx, record, 0, err)
		res.Poisoned++
		r.block(topic, blocked)

		return
	}

	now := r.cfg.Clock.Now()
	if retryAt.After(now) {
		res.Deferred++
		r.block(topic, blocked)

		return
	}

	msg := broker.NewMessage(record.ID, event, record.Payload, record.CreatedAt)
	err = r.publish(ctx, msg)

	r.mu.Lock()
	st.attempts++
	attempts := st.attempts
	r.mu.Unlock()

	if err == nil {
		r.markRelayed(ctx, record, res)

		return
	}

	res.Failed++
	r.cfg.Logger.Warn("relay publish failed",
		"event_id", record.ID,
		"event_name", record.Name,
		"attempt", attempts,
		"reason", broker.Classify(err).String(),
		"err", err,
	)
	if r.cfg.ErrorHandler != nil {
		r.cfg.ErrorHandler(ctx, record, err)
	}
	r.block(topic, blocked)

	if r.cfg.FailureClassifier(ctx, record, err) == FailurePoison {
		r.poison(ctx, record, attempts, err)
		res.Poisoned++

		return
	}

	r.mu.Lock()
	next := st.backoff.NextBackOff()
	if next == backoff.Stop {
		st.backoff.Reset()
		st.retryAt = now.Add(r.cfg.Cooldown)
	} else {
		st.retryAt = now.Add(next)
	}
	r.mu.Unlock()

	if next != backoff.Stop {
		r.cfg.Metrics.AddRetries(1)

		return
	}

	res.Exhausted++
	r.cfg.Logger.Error("relay retries exhausted, record stays pending",
		"event_id", record.ID,
		"event_name", record.Name,
		"attempts", attempts,
		"cooldown", r.cfg.Cooldown,
		"err", err,
	)
	r.alert(ctx, Alert{
		Kind:     AlertRetryExhausted,
		Record:   record,
		Attempts: attempts,
		Err:      fmt.Errorf("%w: %w", ErrTransientPublish, err),
	})
}

// publish detaches from ctx so shutdown does not abort an in-flight publish;
// PublishTimeout still bounds it.
func (r *Relay) publish(ctx context.Context, msg broker.Message) error {
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.PublishTimeout)
	defer cancel()

	err := r.publisher.Publish(pubCtx, msg)
	if err != nil && errors.Is(pubCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, broker.ErrTimeout) {
		err = fmt.Errorf("%w: %w", broker.ErrTimeout, err)
	}

	return err
}

func (r *Relay) markRelayed(ctx context.Context, record Record, res *PassResult) {
	markCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.PublishTimeout)
	defer cancel()

	changed, err := r.store.MarkRelayed(markCtx, record.ID)
	if err != nil {
		res.MarkFailures++
		r.cfg.Logger.Error("relay mark failed, record will be published again",
			"event_id", record.ID,
			"event_name", record.Name,
			"err", err,
		)

		return
	}
	if !changed {
		r.cfg.Logger.Debug("relay record already marked", "event_id", record.ID)
	}

	r.mu.Lock()
	delete(r.states, record.ID)
	r.mu.Unlock()
	res.Relayed++
}

func (r *Relay) poison(ctx context.Context, record Record, attempts int, cause error) {
	r.mu.Lock()
	st := r.stateLocked(record.ID)
	already := st.poisoned
	st.poisoned = true
	r.mu.Unlock()
	if already {
		return
	}

	r.cfg.Logger.Error("relay poison record isolated",
		"event_id", record.ID,
		"event_name", record.Name,
		"err", cause,
	)
	r.alert(ctx, Alert{
		Kind:     AlertPoison,
		Record:   record,
		Attempts: attempts,
		Err:      fmt.Errorf("%w: %w", ErrPoisonEvent, cause),
	})
}

func (r *Relay) alert(ctx context.Context, alert Alert) {
	if r.cfg.AlertHandler == nil {
		return
	}
	r.cfg.AlertHandler(ctx, alert)
}

func (r *Relay) block(topic broker.Topic, blocked map[broker.Topic]bool) {
	if r.cfg.strict(topic) {
		blocked[topic] = true
	}
}

// stateLocked returns the state of id, creating it. r.mu must be held.
func (r *Relay) stateLocked(id int64) *recordState {
	st, ok := r.states[id]
	if !ok {
		st = &recordState{backoff: backoff.WithMaxRetries(r.newBackoff(), uint64(r.cfg.MaxAttempts-1))}
		r.states[id] = st
	}

	return st
}

// prune drops state of records that were not seen in a complete pass, they
// were relayed elsewhere.
func (r *Relay) prune(seen map[int64]struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.states {
		if _, ok := seen[id]; !ok {
			delete(r.states, id)
		}
	}
}

func (r *Relay) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialBackoff
	b.MaxInterval = r.cfg.MaxBackoff
	b.Multiplier = r.cfg.Multiplier
	b.RandomizationFactor = r.cfg.Jitter
	b.MaxElapsedTime = 0
	b.Reset()

	return b
}

func (r *Relay) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (r *Relay) maybeRecordPending(ctx context.Context) {
	counter, ok := r.store.(PendingCounter)
	if !ok {
		return
	}
	if r.cfg.PendingInterval <= 0 {
		return
	}
	if ctx.Err() != nil {
		return
	}

	now := r.cfg.Clock.Now()
	r.pendingMu.Lock()
	nextAllowed := r.pendingAt.Add(r.cfg.PendingInterval)
	if !r.pendingAt.IsZero() && now.Before(nextAllowed) {
		r.pendingMu.Unlock()

		return
	}
	r.pendingAt = now
	r.pendingMu.Unlock()

	count, err := counter.PendingCount(ctx)
	if err != nil {
		r.cfg.Logger.Warn("relay pending count failed", "err", err)

		return
	}

	r.cfg.Metrics.SetPending(count)
}
