// Package entity defines the shape shared by every long-lived process the
// connector drives: a small state machine persisted as one row, advanced only
// by the worker currently holding its lease.
package entity

import (
	"slices"
	"strings"
	"time"
)

// Stateful is implemented by every process type the store and drivers handle.
// Concrete types embed StatefulEntity, which provides Base.
type Stateful interface {
	Base() *StatefulEntity
}

// StatefulEntity is the common part of ContractNegotiation and TransferProcess.
// NextAttemptAt (epoch millis) holds a retried entity back from lease
// selection; zero means eligible now.
type StatefulEntity struct {
	ID                string            `json:"id"`
	State             int               `json:"state"`
	StateCount        int               `json:"stateCount"`
	StateTimestamp    int64             `json:"stateTimestamp"`
	NextAttemptAt     int64             `json:"nextAttemptAt,omitempty"`
	CreatedAt         int64             `json:"createdAt"`
	UpdatedAt         int64             `json:"updatedAt"`
	TraceContext      map[string]string `json:"traceContext,omitempty"`
	ErrorDetail       string            `json:"errorDetail,omitempty"`
	CallbackAddresses []CallbackAddress `json:"callbackAddresses,omitempty"`

	// Lease is owned by the store and never serialized into the payload.
	Lease *Lease `json:"-"`
}

// Base returns the embedded entity; promoted onto the concrete process types.
func (e *StatefulEntity) Base() *StatefulEntity { return e }

// Init stamps creation metadata on a fresh entity.
func (e *StatefulEntity) Init(id string, state int, now time.Time) {
	ms := now.UnixMilli()
	e.ID = id
	e.State = state
	e.StateCount = 0
	e.StateTimestamp = ms
	e.CreatedAt = ms
	e.UpdatedAt = ms
}

// TransitionTo moves the entity to state, resetting the retry counter.
func (e *StatefulEntity) TransitionTo(state int, now time.Time) {
	e.State = state
	e.StateCount = 0
	e.StateTimestamp = now.UnixMilli()
	e.NextAttemptAt = 0
	e.ErrorDetail = ""
}

// RecordRetry keeps the current state, bumps the retry counter and defers
// the next attempt by delay.
func (e *StatefulEntity) RecordRetry(detail string, now time.Time, delay time.Duration) {
	e.StateCount++
	e.StateTimestamp = now.UnixMilli()
	e.NextAttemptAt = now.Add(delay).UnixMilli()
	e.ErrorDetail = detail
}

// Fail moves the entity into a terminal failure state with a surfaced reason.
func (e *StatefulEntity) Fail(state int, detail string, now time.Time) {
	e.TransitionTo(state, now)
	e.ErrorDetail = detail
}

// Callbacks returns a copy of the callback addresses, used for event
// snapshots so later mutation of the entity does not leak into events.
func (e *StatefulEntity) Callbacks() []CallbackAddress {
	out := make([]CallbackAddress, len(e.CallbackAddresses))
	for i, cb := range e.CallbackAddresses {
		cb.Events = slices.Clone(cb.Events)
		out[i] = cb
	}
	return out
}

// Lease is a time-bounded, ownable lock on one entity row.
type Lease struct {
	OwnerID        string `json:"ownerId"`
	LeasedAt       int64  `json:"leasedAt"`
	DurationMillis int64  `json:"leaseDurationMillis"`
}

// NewLease creates a lease for owner starting at now.
func NewLease(owner string, now time.Time, duration time.Duration) *Lease {
	return &Lease{OwnerID: owner, LeasedAt: now.UnixMilli(), DurationMillis: duration.Milliseconds()}
}

// IsExpired reports whether the lease can be stolen at now.
func (l *Lease) IsExpired(now time.Time) bool {
	return l.LeasedAt+l.DurationMillis < now.UnixMilli()
}

// BlocksOwner reports whether this lease prevents owner from leasing the row.
func (l *Lease) BlocksOwner(owner string, now time.Time) bool {
	if l == nil {
		return false
	}
	return l.OwnerID != owner && !l.IsExpired(now)
}

// CallbackAddress is an externally registered endpoint interested in events
// of one process.
type CallbackAddress struct {
	URI           string   `json:"uri"`
	Events        []string `json:"events,omitempty"`
	Transactional bool     `json:"transactional"`
	AuthKey       string   `json:"authKey,omitempty"`
	AuthCodeID    string   `json:"authCodeId,omitempty"`
}

// Wildcard subscribes a callback to every event.
const Wildcard = "*"

// Matches reports whether the callback wants eventType. An empty filter or the
// wildcard matches everything; a filter entry also matches the events nested
// under it ("transfer.process" matches "transfer.process.started").
func (c CallbackAddress) Matches(eventType string) bool {
	if len(c.Events) == 0 {
		return true
	}
	for _, ev := range c.Events {
		if ev == Wildcard || ev == eventType || strings.HasPrefix(eventType, ev+".") {
			return true
		}
	}
	return false
}
