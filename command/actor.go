package command

import (
	"context"
	"errors"
	"fmt"
)

// User identifies the caller. A user needs an id or an email.
type User struct {
	ID      int64  `validate:"required_without=Email,gte=0"`
	Email   string `validate:"omitempty,email"`
	IsAdmin bool
}

// Actor is the user acting on an aggregate.
type Actor struct {
	User User
	// AddressID is the on-chain address the user acts with, if any.
	AddressID *int64
	// AggregateID defaults to the aggregate the command targets.
	AggregateID string
	// Author is set by RequireAuthor when the actor owns the aggregate.
	Author bool
}

// Middleware checks or enriches the actor. A non-nil error rejects the
// command and stops the chain.
type Middleware func(ctx context.Context, aggregateID string, actor Actor) (Actor, error)

// AuthorLookup reports whether actor authored the aggregate.
type AuthorLookup func(ctx context.Context, aggregateID string, actor Actor) (bool, error)

var (
	errAddressRequired = errors.New("address is required")
	errAdminRequired   = errors.New("admin is required")
	errAuthorRequired  = errors.New("author is required")
)

// RequireAddress rejects actors without an address.
func RequireAddress() Middleware {
	return func(_ context.Context, _ string, actor Actor) (Actor, error) {
		if actor.AddressID == nil || *actor.AddressID <= 0 {
			return actor, errAddressRequired
		}

		return actor, nil
	}
}

// RequireAdmin rejects non-admin actors.
func RequireAdmin() Middleware {
	return func(_ context.Context, _ string, actor Actor) (Actor, error) {
		if !actor.User.IsAdmin {
			return actor, errAdminRequired
		}

		return actor, nil
	}
}

// RequireAuthor marks the actor as author of the aggregate, rejecting
// non-authors. Admins pass without being marked.
func RequireAuthor(lookup AuthorLookup) Middleware {
	return func(ctx context.Context, aggregateID string, actor Actor) (Actor, error) {
		if lookup == nil {
			return actor, errors.New("author lookup is not configured")
		}

		author, err := lookup(ctx, aggregateID, actor)
		if err != nil {
			return actor, fmt.Errorf("lookup author of %s: %w", aggregateID, err)
		}
		if author {
			actor.Author = true

			return actor, nil
		}
		if actor.User.IsAdmin {
			return actor, nil
		}

		return actor, errAuthorRequired
	}
}
