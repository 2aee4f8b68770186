// Package events routes domain events raised by state transitions to
// in-process subscribers.
//
// Publishing is synchronous: subscribers run on the caller's goroutine in
// registration order, and the first subscriber error is returned to the
// publisher. Callers publish inside the same command that saved the
// transition, so a failing subscriber can abort that unit of work.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/dataspace-connector/pkg/entity"
)

// Payload is the event-specific body of an envelope.
type Payload interface {
	// Name is the fully-qualified event name, e.g. "transfer.process.completed".
	Name() string
	// Callbacks are the callback addresses snapshotted from the entity.
	Callbacks() []entity.CallbackAddress
}

// Envelope wraps a payload with an id and emission time.
type Envelope struct {
	ID      string  `json:"id"`
	Type    string  `json:"type"`
	At      int64   `json:"at"`
	Payload Payload `json:"payload"`
}

// NewEnvelope stamps p with a fresh id.
func NewEnvelope(p Payload, now time.Time) Envelope {
	return Envelope{ID: uuid.NewString(), Type: p.Name(), At: now.UnixMilli(), Payload: p}
}

// Publisher is the side of the router that process services depend on.
type Publisher interface {
	Publish(ctx context.Context, p Payload) error
}

// Subscriber receives events.
type Subscriber interface {
	On(ctx context.Context, env Envelope) error
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc func(ctx context.Context, env Envelope) error

func (f SubscriberFunc) On(ctx context.Context, env Envelope) error { return f(ctx, env) }

type subscription struct {
	prefix     string
	subscriber Subscriber
}

// Router fans events out to subscribers registered for the event's name or
// any dotted prefix of it. The empty prefix receives everything.
type Router struct {
	mu     sync.RWMutex
	subs   []subscription
	clock  func() time.Time
	logger *slog.Logger
}

func NewRouter() *Router {
	return &Router{
		clock:  time.Now,
		logger: slog.Default().With("component", "events"),
	}
}

// Register subscribes s to eventType and everything nested under it.
func (r *Router) Register(eventType string, s Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = append(r.subs, subscription{prefix: eventType, subscriber: s})
}

// Publish wraps p in an envelope and delivers it.
func (r *Router) Publish(ctx context.Context, p Payload) error {
	return r.PublishEnvelope(ctx, NewEnvelope(p, r.clock()))
}

// PublishEnvelope delivers env, stopping at the first subscriber error.
func (r *Router) PublishEnvelope(ctx context.Context, env Envelope) error {
	r.mu.RLock()
	subs := append([]subscription(nil), r.subs...)
	r.mu.RUnlock()

	name := env.Payload.Name()
	for _, s := range subs {
		if !matches(s.prefix, name) {
			continue
		}
		if err := s.subscriber.On(ctx, env); err != nil {
			r.logger.WarnContext(ctx, "subscriber failed", "event", name, "event_id", env.ID, "error", err)
			return fmt.Errorf("deliver %s: %w", name, err)
		}
	}
	return nil
}

func matches(prefix, name string) bool {
	return prefix == "" || prefix == name || strings.HasPrefix(name, prefix+".")
}
