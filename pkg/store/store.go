// Package store persists stateful entities and coordinates workers through
// row leases. Every implementation must make FindByIDAndLease and
// NextNotLeased atomic against concurrent callers, and Save must release the
// lease unconditionally.
package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/dataspace-connector/pkg/entity"
)

// DefaultLeaseDuration bounds how long a crashed worker can block a row.
const DefaultLeaseDuration = 60 * time.Second

// Store is the persistence contract for one process type.
type Store[T entity.Stateful] interface {
	// FindByID is a non-locking read. Missing ids yield a NotFound failure.
	FindByID(ctx context.Context, id string) (T, error)

	// FindByIDAndLease reads the entity and leases it to owner. It fails with
	// NotFound for unknown ids and Conflict when another owner holds a live lease.
	FindByIDAndLease(ctx context.Context, id, owner string) (T, error)

	// NextNotLeased leases up to limit entities in state whose lease is absent
	// or expired and whose NextAttemptAt has passed, oldest stateTimestamp first.
	NextNotLeased(ctx context.Context, owner string, state, limit int) ([]T, error)

	// Save persists the entity and clears its lease, modified or not.
	Save(ctx context.Context, e T) error
}

// TransactionContext runs fn inside a unit of work. Stores created over the
// same backend join the transaction carried in the context passed to fn.
type TransactionContext interface {
	Execute(ctx context.Context, fn func(ctx context.Context) error) error
}

// Options tunes a store.
type Options struct {
	LeaseDuration time.Duration
	Clock         func() time.Time
	Logger        *slog.Logger
}

func (o Options) withDefaults(component string) Options {
	if o.LeaseDuration <= 0 {
		o.LeaseDuration = DefaultLeaseDuration
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	o.Logger = o.Logger.With("component", component)
	return o
}
