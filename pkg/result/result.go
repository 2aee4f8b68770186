// Package result holds the typed outcomes shared by the store, the command
// handler and the remote dispatcher. Expected conditions (missing entity,
// lease conflict, remote rejection) are values here, never panics.
package result

import (
	"errors"
	"fmt"
)

// ErrInvalid marks errors caused by a malformed request rather than by the
// state of the system.
var ErrInvalid = errors.New("invalid request")

// Reason classifies a store or command failure.
type Reason int

const (
	// NotFound means the referenced entity does not exist.
	NotFound Reason = iota + 1
	// Conflict means the entity is leased by another owner or the command
	// did not modify it.
	Conflict
)

func (r Reason) String() string {
	switch r {
	case NotFound:
		return "NOT_FOUND"
	case Conflict:
		return "CONFLICT"
	default:
		return fmt.Sprintf("Reason(%d)", int(r))
	}
}

// Failure is the typed failure returned by stores and command handlers.
type Failure struct {
	Reason  Reason
	Message string
	// Leased marks a Conflict caused by another owner's live lease; the same
	// request can succeed once the lease is released.
	Leased bool
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Reason, f.Message)
}

// NotFoundf builds a NotFound failure.
func NotFoundf(format string, args ...any) *Failure {
	return &Failure{Reason: NotFound, Message: fmt.Sprintf(format, args...)}
}

// Conflictf builds a Conflict failure.
func Conflictf(format string, args ...any) *Failure {
	return &Failure{Reason: Conflict, Message: fmt.Sprintf(format, args...)}
}

// LeaseConflictf builds a Conflict failure for an entity leased elsewhere.
func LeaseConflictf(format string, args ...any) *Failure {
	return &Failure{Reason: Conflict, Message: fmt.Sprintf(format, args...), Leased: true}
}

// AsFailure unwraps err into a *Failure if it is one.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// IsNotFound reports whether err is a NotFound failure.
func IsNotFound(err error) bool {
	f, ok := AsFailure(err)
	return ok && f.Reason == NotFound
}

// IsConflict reports whether err is a Conflict failure.
func IsConflict(err error) bool {
	f, ok := AsFailure(err)
	return ok && f.Reason == Conflict
}

// IsLeased reports whether err is a Conflict caused by a live lease.
func IsLeased(err error) bool {
	f, ok := AsFailure(err)
	return ok && f.Leased
}
