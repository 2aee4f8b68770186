// Package command applies single-entity mutations under a lease.
//
// Every handler follows the same template: lease the entity, modify it, save
// it (which always releases the lease) and run post-actions only when the
// modification took effect. A no-op modification still saves and then reports
// CONFLICT so the caller learns nothing changed while the row stays free.
package command

import (
	"context"
	"log/slog"

	"github.com/Mindburn-Labs/dataspace-connector/pkg/entity"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/result"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/store"
)

// Command targets exactly one entity.
type Command interface {
	EntityID() string
}

// ModifyFunc mutates the leased entity and reports whether anything changed.
type ModifyFunc[T entity.Stateful, C Command] func(e T, cmd C) bool

// PostFunc runs after a successful modification has been saved.
type PostFunc[T entity.Stateful, C Command] func(ctx context.Context, e T, cmd C) error

// Handler executes commands of type C against entities of type T.
type Handler[T entity.Stateful, C Command] struct {
	store   store.Store[T]
	trx     store.TransactionContext
	ownerID string
	modify  ModifyFunc[T, C]
	post    PostFunc[T, C]
	logger  *slog.Logger
}

// New creates a handler. trx may be nil when the backend has no transactions.
func New[T entity.Stateful, C Command](st store.Store[T], trx store.TransactionContext, ownerID string, modify ModifyFunc[T, C], post PostFunc[T, C]) *Handler[T, C] {
	if trx == nil {
		trx = store.NoopTransactionContext{}
	}
	return &Handler[T, C]{
		store:   st,
		trx:     trx,
		ownerID: ownerID,
		modify:  modify,
		post:    post,
		logger:  slog.Default().With("component", "command"),
	}
}

// Handle runs the template. NOT_FOUND and CONFLICT come back as
// *result.Failure; anything else is an unexpected fault.
func (h *Handler[T, C]) Handle(ctx context.Context, cmd C) error {
	var noop bool
	var state int
	err := h.trx.Execute(ctx, func(ctx context.Context) error {
		e, err := h.store.FindByIDAndLease(ctx, cmd.EntityID(), h.ownerID)
		if err != nil {
			return err
		}

		modified := h.modify(e, cmd)
		if err := h.store.Save(ctx, e); err != nil {
			return err
		}
		if !modified {
			noop, state = true, e.Base().State
			return nil
		}
		if h.post != nil {
			return h.post(ctx, e, cmd)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if noop {
		h.logger.DebugContext(ctx, "command had no effect", "id", cmd.EntityID(), "command", commandName(cmd), "state", state)
		return result.Conflictf("command %s cannot be applied to entity %s in state %d", commandName(cmd), cmd.EntityID(), state)
	}
	return nil
}

type named interface {
	Name() string
}

func commandName(cmd Command) string {
	if n, ok := cmd.(named); ok {
		return n.Name()
	}
	return "command"
}
