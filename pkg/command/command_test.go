package command

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/dataspace-connector/pkg/entity"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/result"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/store"

	_ "modernc.org/sqlite"
)

type order struct {
	entity.StatefulEntity
	Note string `json:"note"`
}

type annotate struct {
	ID   string
	Note string
}

func (c annotate) EntityID() string { return c.ID }
func (annotate) Name() string       { return "annotate" }

const (
	stateOpen   = 100
	stateClosed = 200
)

func newOrderStore(t *testing.T) *store.InMemoryStore[*order] {
	t.Helper()
	st := store.NewInMemoryStore(func() *order { return &order{} }, store.Options{})
	o := &order{}
	o.Init("o-1", stateOpen, time.Now())
	require.NoError(t, st.Save(context.Background(), o))
	return st
}

func annotateHandler(st store.Store[*order], posted *int) *Handler[*order, annotate] {
	return New[*order, annotate](st, nil, "owner-a",
		func(o *order, c annotate) bool {
			if o.State != stateOpen || o.Note == c.Note {
				return false
			}
			o.Note = c.Note
			return true
		},
		func(ctx context.Context, o *order, c annotate) error {
			*posted++
			return nil
		},
	)
}

func TestHandler_AppliesAndReleases(t *testing.T) {
	ctx := context.Background()
	st := newOrderStore(t)
	posted := 0
	h := annotateHandler(st, &posted)

	require.NoError(t, h.Handle(ctx, annotate{ID: "o-1", Note: "rush"}))
	assert.Equal(t, 1, posted)

	stored, err := st.FindByID(ctx, "o-1")
	require.NoError(t, err)
	assert.Equal(t, "rush", stored.Note)
	assert.Nil(t, st.LeaseOf("o-1"))

	_, err = st.FindByIDAndLease(ctx, "o-1", "owner-b")
	assert.NoError(t, err)
}

func TestHandler_NoopIsConflictButReleases(t *testing.T) {
	ctx := context.Background()
	st := newOrderStore(t)
	posted := 0
	h := annotateHandler(st, &posted)

	require.NoError(t, h.Handle(ctx, annotate{ID: "o-1", Note: "rush"}))
	before, err := st.FindByID(ctx, "o-1")
	require.NoError(t, err)

	err = h.Handle(ctx, annotate{ID: "o-1", Note: "rush"})
	assert.True(t, result.IsConflict(err))
	assert.Equal(t, 1, posted, "post-actions must not run for a no-op")

	after, err := st.FindByID(ctx, "o-1")
	require.NoError(t, err)
	assert.Equal(t, before.State, after.State)
	assert.Equal(t, before.Note, after.Note)
	assert.Nil(t, st.LeaseOf("o-1"))

	_, err = st.FindByIDAndLease(ctx, "o-1", "owner-b")
	assert.NoError(t, err)
}

func TestHandler_NotFound(t *testing.T) {
	posted := 0
	h := annotateHandler(newOrderStore(t), &posted)
	err := h.Handle(context.Background(), annotate{ID: "missing", Note: "x"})
	assert.True(t, result.IsNotFound(err))
}

func TestHandler_LeasedElsewhere(t *testing.T) {
	ctx := context.Background()
	st := newOrderStore(t)
	_, err := st.FindByIDAndLease(ctx, "o-1", "owner-b")
	require.NoError(t, err)

	posted := 0
	err = annotateHandler(st, &posted).Handle(ctx, annotate{ID: "o-1", Note: "rush"})
	assert.True(t, result.IsConflict(err))
	assert.Equal(t, "owner-b", st.LeaseOf("o-1").OwnerID)
}

func TestTransitionHandler_PostFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	defer func() { _ = db.Close() }()

	st := store.NewSQLStore(db, store.SQLite, "orders", func() *order { return &order{} }, store.Options{})
	require.NoError(t, st.Init(ctx))
	o := &order{}
	o.Init("o-1", stateOpen, time.Now())
	require.NoError(t, st.Save(ctx, o))

	h := NewTransitionHandler[*order](st, store.NewSQLTransactionContext(db), "owner-a")
	boom := errors.New("transactional callback failed")
	err = h.Handle(ctx, Transition[*order]{
		ID: "o-1",
		Apply: func(o *order) bool {
			o.TransitionTo(stateClosed, time.Now())
			return true
		},
		Then: func(context.Context, *order) error { return boom },
	})
	require.ErrorIs(t, err, boom)

	stored, err := st.FindByID(ctx, "o-1")
	require.NoError(t, err)
	assert.Equal(t, stateOpen, stored.State)
	assert.Nil(t, stored.Lease)
}
