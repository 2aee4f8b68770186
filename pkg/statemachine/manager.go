// Package statemachine drives stateful entities forward. A Manager polls the
// store for entities in the states it has processors for, leases a batch,
// runs each processor and persists the outcome through the command handler.
package statemachine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/dataspace-connector/pkg/command"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/entity"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/observability"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/result"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/store"
)

// Processor handles entities in exactly one state.
type Processor[T entity.Stateful] struct {
	State   int
	Name    string
	Process func(ctx context.Context, e T) Outcome[T]
}

// Config tunes a Manager.
type Config struct {
	Name       string
	OwnerID    string
	Interval   time.Duration
	BatchSize  int
	RetryLimit int
	Backoff    Backoff
	// FailState is where FATAL_ERROR outcomes and exhausted retries land.
	FailState int
	Clock     func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 20
	}
	if c.RetryLimit <= 0 {
		c.RetryLimit = 7
	}
	if c.Backoff == (Backoff{}) {
		c.Backoff = DefaultBackoff()
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

// Manager runs the polling loop for one process type.
type Manager[T entity.Stateful] struct {
	cfg        Config
	store      store.Store[T]
	handler    *command.Handler[T, command.Transition[T]]
	processors []Processor[T]
	onFailure  func(ctx context.Context, e T) error
	obs        *observability.Provider
	logger     *slog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}
	wake    chan struct{}
}

// New creates a manager. obs may be nil.
func New[T entity.Stateful](st store.Store[T], trx store.TransactionContext, obs *observability.Provider, cfg Config) *Manager[T] {
	cfg = cfg.withDefaults()
	if obs == nil {
		obs = observability.Noop()
	}
	return &Manager[T]{
		cfg:     cfg,
		store:   st,
		handler: command.NewTransitionHandler(st, trx, cfg.OwnerID),
		obs:     obs,
		logger:  slog.Default().With("component", "statemachine", "machine", cfg.Name),
		wake:    make(chan struct{}, 1),
	}
}

// Register adds a processor. Must be called before Start.
func (m *Manager[T]) Register(p Processor[T]) {
	m.processors = append(m.processors, p)
}

// OnFailure sets the hook run after an entity was moved to the failure
// state, typically publishing the terminated event.
func (m *Manager[T]) OnFailure(fn func(ctx context.Context, e T) error) {
	m.onFailure = fn
}

// Start launches the polling loop.
func (m *Manager[T]) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return fmt.Errorf("state machine %s already running", m.cfg.Name)
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.done = make(chan struct{})
	go m.loop(ctx, m.stopCh, m.done)
	m.logger.InfoContext(ctx, "state machine started", "owner", m.cfg.OwnerID, "interval", m.cfg.Interval, "processors", len(m.processors))
	return nil
}

// Stop halts the loop and waits for the in-flight tick to finish.
func (m *Manager[T]) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	close(m.stopCh)
	done := m.done
	m.running = false
	m.mu.Unlock()
	<-done
}

// Wake triggers a tick without waiting for the interval.
func (m *Manager[T]) Wake() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager[T]) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := m.Tick(ctx); err != nil {
			m.logger.ErrorContext(ctx, "tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
		case <-m.wake:
		}
	}
}

// Tick runs every processor once over a leased batch and returns how many
// entities were processed. A failure on one entity never aborts the others.
func (m *Manager[T]) Tick(ctx context.Context) (int, error) {
	var errs []error
	processed := 0
	for _, p := range m.processors {
		batch, err := m.store.NextNotLeased(ctx, m.cfg.OwnerID, p.State, m.cfg.BatchSize)
		if err != nil {
			errs = append(errs, fmt.Errorf("lease %s batch: %w", p.Name, err))
			continue
		}
		for _, e := range batch {
			if m.process(ctx, p, e) {
				processed++
			}
		}
	}
	return processed, errors.Join(errs...)
}

func (m *Manager[T]) process(ctx context.Context, p Processor[T], e T) bool {
	base := e.Base()
	ctx = entity.TraceContextFrom(ctx, base)
	ctx, done := m.obs.TrackOperation(ctx, "statemachine."+p.Name,
		attribute.String("machine", m.cfg.Name),
		attribute.String("entity.id", base.ID),
	)

	outcome := p.Process(ctx, e)
	err := m.apply(ctx, p, e, outcome)
	done(err)
	m.obs.RecordProcessed(ctx, m.cfg.Name, p.State)

	if err == nil {
		return true
	}
	if f, ok := result.AsFailure(err); ok {
		m.logger.DebugContext(ctx, "transition not applied", "id", base.ID, "processor", p.Name, "reason", f.Reason.String())
		return false
	}
	m.logger.ErrorContext(ctx, "transition failed", "id", base.ID, "processor", p.Name, "error", err)
	m.releaseAfterFault(ctx, p, base.ID, err)
	return false
}

func (m *Manager[T]) apply(ctx context.Context, p Processor[T], e T, o Outcome[T]) error {
	id := e.Base().ID
	now := m.cfg.Clock()

	if o.kind == kindRetry && e.Base().StateCount+1 > m.cfg.RetryLimit {
		o = Fatal[T](fmt.Sprintf("retry limit of %d exceeded in %s: %s", m.cfg.RetryLimit, p.Name, o.detail))
	}

	switch o.kind {
	case kindSkip:
		return m.store.Save(ctx, e)
	case kindRetry:
		m.obs.RecordRetry(ctx, m.cfg.Name, p.State)
		m.logger.InfoContext(ctx, "scheduling retry", "id", id, "processor", p.Name, "attempt", e.Base().StateCount+1, "detail", o.detail)
		return m.handler.Handle(ctx, m.transition(p, id, "retry", func(e T) { m.recordRetry(e, o.detail, now) }, nil))
	case kindFatal:
		m.logger.WarnContext(ctx, "entity failed", "id", id, "processor", p.Name, "detail", o.detail)
		return m.handler.Handle(ctx, m.transition(p, id, "fail", func(e T) { e.Base().Fail(m.cfg.FailState, o.detail, now) }, m.onFailure))
	default:
		return m.handler.Handle(ctx, m.transition(p, id, p.Name, o.apply, o.then))
	}
}

// transition guards the mutation so it only applies while the entity is
// still in the processor's state.
func (m *Manager[T]) transition(p Processor[T], id, action string, apply func(T), then func(context.Context, T) error) command.Transition[T] {
	return command.Transition[T]{
		ID:     id,
		Action: action,
		Apply: func(e T) bool {
			if e.Base().State != p.State {
				return false
			}
			if apply != nil {
				apply(e)
			}
			return true
		},
		Then: then,
	}
}

func (m *Manager[T]) recordRetry(e T, detail string, now time.Time) {
	base := e.Base()
	base.RecordRetry(detail, now, m.cfg.Backoff.Delay(base.ID, base.StateCount+1))
}

// releaseAfterFault frees a row still leased by this manager after an
// unexpected error. The fault counts as a retry, so backoff and the retry
// limit apply as for ERROR_RETRY outcomes.
func (m *Manager[T]) releaseAfterFault(ctx context.Context, p Processor[T], id string, cause error) {
	e, err := m.store.FindByID(ctx, id)
	if err != nil {
		return
	}
	lease := e.Base().Lease
	if lease == nil || lease.OwnerID != m.cfg.OwnerID {
		return
	}
	now := m.cfg.Clock()
	if e.Base().StateCount+1 <= m.cfg.RetryLimit {
		m.obs.RecordRetry(ctx, m.cfg.Name, p.State)
		m.recordRetry(e, cause.Error(), now)
		if err := m.store.Save(ctx, e); err != nil {
			m.logger.ErrorContext(ctx, "failed to release entity", "id", id, "error", err)
		}
		return
	}

	detail := fmt.Sprintf("retry limit of %d exceeded in %s: %v", m.cfg.RetryLimit, p.Name, cause)
	m.logger.WarnContext(ctx, "entity failed", "id", id, "processor", p.Name, "detail", detail)
	fail := func(e T) { e.Base().Fail(m.cfg.FailState, detail, now) }
	err = m.handler.Handle(ctx, m.transition(p, id, "fail", fail, m.onFailure))
	if err == nil {
		return
	}
	// the failure hook faults too; terminate without it
	m.logger.ErrorContext(ctx, "failure hook failed", "id", id, "error", err)
	if err := m.handler.Handle(ctx, m.transition(p, id, "fail", fail, nil)); err != nil {
		m.logger.ErrorContext(ctx, "failed to terminate entity", "id", id, "error", err)
	}
}
