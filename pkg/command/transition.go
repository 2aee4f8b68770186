package command

import (
	"context"

	"github.com/Mindburn-Labs/dataspace-connector/pkg/entity"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/store"
)

// Transition is the generic command state-machine drivers use to persist the
// outcome of processing one entity. Apply returns false when the entity is no
// longer in a state the outcome applies to.
type Transition[T entity.Stateful] struct {
	ID     string
	Action string
	Apply  func(e T) bool
	Then   func(ctx context.Context, e T) error
}

func (t Transition[T]) EntityID() string { return t.ID }

func (t Transition[T]) Name() string {
	if t.Action == "" {
		return "transition"
	}
	return t.Action
}

// NewTransitionHandler creates the handler for Transition commands of one
// process type.
func NewTransitionHandler[T entity.Stateful](st store.Store[T], trx store.TransactionContext, ownerID string) *Handler[T, Transition[T]] {
	return New[T, Transition[T]](st, trx, ownerID,
		func(e T, t Transition[T]) bool { return t.Apply(e) },
		func(ctx context.Context, e T, t Transition[T]) error {
			if t.Then == nil {
				return nil
			}
			return t.Then(ctx, e)
		},
	)
}
