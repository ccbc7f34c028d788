// Package command is the producer boundary of the outbox.
//
// A command takes an aggregate id, a payload and the acting user. The payload
// and the actor are checked and the middleware chain runs before anything is
// written. The body then runs inside one store transaction and emits events
// through an Emitter, so the business mutation and its outbox records commit
// or roll back together.
package command

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/go-playground/validator/v10"

	"github.com/velmie/eventrelay"
	"github.com/velmie/eventrelay/events"
)

// Store is the transactional outbox used by commands.
type Store interface {
	eventrelay.Transactor
	eventrelay.Appender
}

// Input is what a command body receives.
type Input[P any] struct {
	AggregateID string
	Payload     P
	Actor       Actor
}

// Body performs the mutation and emits the resulting events. ctx carries the
// store transaction.
type Body[P, R any] func(ctx context.Context, in Input[P], emit *Emitter) (R, error)

// Definition describes a command.
type Definition[P, R any] struct {
	Name       string
	Middleware []Middleware
	Body       Body[P, R]
}

// Executor runs commands against a store.
type Executor struct {
	store    Store
	validate *validator.Validate
	logger   eventrelay.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger.
func WithLogger(logger eventrelay.Logger) Option {
	return func(x *Executor) {
		if logger != nil {
			x.logger = logger
		}
	}
}

// WithValidator replaces the payload validator, e.g. to register custom tags.
func WithValidator(v *validator.Validate) Option {
	return func(x *Executor) {
		if v != nil {
			x.validate = v
		}
	}
}

// NewExecutor creates an executor writing through store.
func NewExecutor(store Store, opts ...Option) *Executor {
	if store == nil {
		panic("command: nil store")
	}

	x := &Executor{
		store:    store,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   eventrelay.NopLogger{},
	}
	for _, opt := range opts {
		opt(x)
	}

	return x
}

// Execute validates payload and actor, runs the middleware chain and then the
// body inside a transaction. Rejections happen before any side effect.
func Execute[P, R any](ctx context.Context, x *Executor, def Definition[P, R], aggregateID string, payload P, actor Actor) (R, error) {
	var zero R
	if def.Body == nil {
		return zero, &Error{Kind: ErrExecution, Command: def.Name, Err: errors.New("no body")}
	}

	if err := x.validatePayload(payload); err != nil {
		x.logger.Debug("command rejected", "command", def.Name, "err", err)

		return zero, &Error{Kind: ErrInvalidInput, Command: def.Name, Err: err}
	}

	if actor.AggregateID == "" {
		actor.AggregateID = aggregateID
	}
	if err := x.validate.Struct(actor.User); err != nil {
		return zero, &Error{Kind: ErrInvalidActor, Command: def.Name, Err: err}
	}

	for _, mw := range def.Middleware {
		next, err := mw(ctx, aggregateID, actor)
		if err != nil {
			x.logger.Debug("command rejected by middleware", "command", def.Name, "user", actor.User.ID, "err", err)

			return zero, &Error{Kind: ErrInvalidActor, Command: def.Name, Err: err}
		}
		actor = next
	}

	var result R
	emitter := &Emitter{appender: x.store}
	err := x.store.WithinTransaction(ctx, func(ctx context.Context) error {
		emitter.ctx = ctx

		var err error
		result, err = def.Body(ctx, Input[P]{AggregateID: aggregateID, Payload: payload, Actor: actor}, emitter)
		emitter.ctx = nil

		// a failed emit rolls back even when the body swallowed its error
		if emitter.err != nil && !errors.Is(err, emitter.err) {
			err = errors.Join(err, emitter.err)
		}

		return err
	})
	if err != nil {
		return zero, &Error{Kind: kindOf(err), Command: def.Name, Err: err}
	}

	x.logger.Debug("command executed", "command", def.Name, "aggregate_id", aggregateID, "events", len(emitter.ids))

	return result, nil
}

func (x *Executor) validatePayload(payload any) error {
	v := reflect.ValueOf(payload)
	if !v.IsValid() {
		return errors.New("payload is required")
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return errors.New("payload is required")
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return nil
	}

	return x.validate.Struct(v.Interface())
}

func kindOf(err error) error {
	switch {
	case errors.Is(err, eventrelay.ErrOutboxWrite), errors.Is(err, eventrelay.ErrTransactionRequired):
		return eventrelay.ErrOutboxWrite
	case errors.Is(err, events.ErrInvalidPayload), errors.Is(err, events.ErrUnknownEvent):
		return events.ErrInvalidPayload
	default:
		return ErrExecution
	}
}

// Emitter appends events to the outbox in the command transaction.
type Emitter struct {
	appender eventrelay.Appender
	ctx      context.Context
	ids      []int64
	err      error
}

// Emit validates payload against the registry and appends it. It fails once
// the body returned. Any failed emit aborts the command transaction.
func (e *Emitter) Emit(name events.Name, payload any) (int64, error) {
	if e.ctx == nil {
		return 0, fmt.Errorf("%w: emit %s outside command body", eventrelay.ErrTransactionRequired, name)
	}

	id, err := e.appender.Append(e.ctx, name, payload)
	if err != nil {
		if e.err == nil {
			e.err = err
		}

		return 0, err
	}
	e.ids = append(e.ids, id)

	return id, nil
}

// EventIDs returns the ids of events emitted so far.
func (e *Emitter) EventIDs() []int64 {
	return append([]int64(nil), e.ids...)
}
