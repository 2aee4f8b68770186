package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/Mindburn-Labs/dataspace-connector/pkg/entity"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/result"
)

// InMemoryStore keeps serialized entities in a map. Callers always receive
// working copies, mirroring the SQL store where the database is the source
// of truth.
type InMemoryStore[T entity.Stateful] struct {
	mu        sync.Mutex
	rows      map[string]*memoryRow
	newEntity func() T
	opts      Options
}

type memoryRow struct {
	payload []byte
	lease   *entity.Lease
}

// NewInMemoryStore creates an empty store; newEntity must return a fresh
// zero value of the concrete process type.
func NewInMemoryStore[T entity.Stateful](newEntity func() T, opts Options) *InMemoryStore[T] {
	return &InMemoryStore[T]{
		rows:      make(map[string]*memoryRow),
		newEntity: newEntity,
		opts:      opts.withDefaults("store.memory"),
	}
}

func (s *InMemoryStore[T]) FindByID(_ context.Context, id string) (T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[id]
	if !ok {
		var zero T
		return zero, result.NotFoundf("entity %s not found", id)
	}
	return s.decode(row)
}

func (s *InMemoryStore[T]) FindByIDAndLease(_ context.Context, id, owner string) (T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var zero T
	row, ok := s.rows[id]
	if !ok {
		return zero, result.NotFoundf("entity %s not found", id)
	}
	now := s.opts.Clock()
	if row.lease.BlocksOwner(owner, now) {
		return zero, result.LeaseConflictf("entity %s is already leased by %s", id, row.lease.OwnerID)
	}
	row.lease = entity.NewLease(owner, now, s.opts.LeaseDuration)
	return s.decode(row)
}

func (s *InMemoryStore[T]) NextNotLeased(_ context.Context, owner string, state, limit int) ([]T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.opts.Clock()
	type candidate struct {
		row *memoryRow
		e   T
	}
	var candidates []candidate
	for _, row := range s.rows {
		if row.lease != nil && !row.lease.IsExpired(now) {
			continue
		}
		e, err := s.decode(row)
		if err != nil {
			return nil, err
		}
		if e.Base().State != state || e.Base().NextAttemptAt > now.UnixMilli() {
			continue
		}
		candidates = append(candidates, candidate{row: row, e: e})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].e.Base().StateTimestamp < candidates[j].e.Base().StateTimestamp
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	out := make([]T, 0, len(candidates))
	for _, c := range candidates {
		c.row.lease = entity.NewLease(owner, now, s.opts.LeaseDuration)
		c.e.Base().Lease = c.row.lease
		out = append(out, c.e)
	}
	return out, nil
}

func (s *InMemoryStore[T]) Save(_ context.Context, e T) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	base := e.Base()
	base.UpdatedAt = s.opts.Clock().UnixMilli()
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode entity %s: %w", base.ID, err)
	}
	s.rows[base.ID] = &memoryRow{payload: payload}
	base.Lease = nil
	return nil
}

// LeaseOf exposes the current lease of a row; nil when free or unknown.
func (s *InMemoryStore[T]) LeaseOf(id string) *entity.Lease {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.rows[id]; ok && row.lease != nil {
		l := *row.lease
		return &l
	}
	return nil
}

func (s *InMemoryStore[T]) decode(row *memoryRow) (T, error) {
	e := s.newEntity()
	if err := json.Unmarshal(row.payload, e); err != nil {
		var zero T
		return zero, fmt.Errorf("decode entity: %w", err)
	}
	if row.lease != nil {
		l := *row.lease
		e.Base().Lease = &l
	}
	return e, nil
}
