package statemachine

import (
	"context"

	"github.com/Mindburn-Labs/dataspace-connector/pkg/entity"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/result"
)

type outcomeKind int

const (
	kindSkip outcomeKind = iota
	kindAdvance
	kindRetry
	kindFatal
)

// Outcome is what a processor decided for one entity. The manager turns it
// into a transition command.
type Outcome[T entity.Stateful] struct {
	kind   outcomeKind
	apply  func(e T)
	then   func(ctx context.Context, e T) error
	detail string
}

// Advance applies the mutation (normally a TransitionTo) and runs then after
// the entity has been saved, typically to publish the matching event.
func Advance[T entity.Stateful](apply func(e T), then func(ctx context.Context, e T) error) Outcome[T] {
	return Outcome[T]{kind: kindAdvance, apply: apply, then: then}
}

// Retry leaves the entity in its state and bumps its retry counter.
func Retry[T entity.Stateful](detail string) Outcome[T] {
	return Outcome[T]{kind: kindRetry, detail: detail}
}

// Fatal moves the entity to the manager's failure state.
func Fatal[T entity.Stateful](detail string) Outcome[T] {
	return Outcome[T]{kind: kindFatal, detail: detail}
}

// Skip releases the entity untouched.
func Skip[T entity.Stateful]() Outcome[T] {
	return Outcome[T]{kind: kindSkip}
}

// FromStatus maps a dispatch result: OK goes to onOK, ERROR_RETRY to Retry
// and FATAL_ERROR to Fatal.
func FromStatus[T entity.Stateful, R any](r result.StatusResult[R], onOK func(content R) Outcome[T]) Outcome[T] {
	switch r.Status {
	case result.StatusOK:
		return onOK(r.Content)
	case result.StatusErrorRetry:
		return Retry[T](r.FailureDetail)
	default:
		return Fatal[T](r.FailureDetail)
	}
}
