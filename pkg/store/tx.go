package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
)

type txKey struct{}

type hooksKey struct{}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// commitHooks collects work deferred until the outermost unit of work commits.
type commitHooks struct {
	mu  sync.Mutex
	fns []func()
}

func (h *commitHooks) add(fn func()) {
	h.mu.Lock()
	h.fns = append(h.fns, fn)
	h.mu.Unlock()
}

func (h *commitHooks) run() {
	h.mu.Lock()
	fns := h.fns
	h.fns = nil
	h.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// AfterCommit runs fn once the unit of work carried by ctx has committed, in
// registration order. It is dropped when the unit of work fails. Outside a
// unit of work fn runs immediately. The transaction is finished by then, so
// fn must not reuse the transaction's context for store access.
func AfterCommit(ctx context.Context, fn func()) {
	if h, ok := ctx.Value(hooksKey{}).(*commitHooks); ok {
		h.add(fn)
		return
	}
	fn()
}

func withHooks(ctx context.Context) (context.Context, *commitHooks, bool) {
	if h, ok := ctx.Value(hooksKey{}).(*commitHooks); ok {
		return ctx, h, false
	}
	h := &commitHooks{}
	return context.WithValue(ctx, hooksKey{}, h), h, true
}

// NoopTransactionContext runs fn directly; used with the in-memory store.
// After-commit work runs once the outermost fn returns without error.
type NoopTransactionContext struct{}

func (NoopTransactionContext) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, hooks, outer := withHooks(ctx)
	if err := fn(ctx); err != nil {
		return err
	}
	if outer {
		hooks.run()
	}
	return nil
}

// SQLTransactionContext opens a database transaction for fn. Nested calls
// join the outer transaction.
type SQLTransactionContext struct {
	db *sql.DB
}

func NewSQLTransactionContext(db *sql.DB) *SQLTransactionContext {
	return &SQLTransactionContext{db: db}
}

func (t *SQLTransactionContext) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := txFrom(ctx); ok {
		return fn(ctx)
	}
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }() // no-op after commit

	ctx, hooks, _ := withHooks(context.WithValue(ctx, txKey{}, tx))
	if err := fn(ctx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	hooks.run()
	return nil
}

func txFrom(ctx context.Context) (*sql.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(*sql.Tx)
	return tx, ok
}
