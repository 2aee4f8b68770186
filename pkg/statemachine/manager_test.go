package statemachine

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/dataspace-connector/pkg/entity"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/result"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/store"

	_ "modernc.org/sqlite"
)

const (
	stateSending = 100
	stateSent    = 200
	stateFailed  = 900
)

type job struct {
	entity.StatefulEntity
	Ack string `json:"ack,omitempty"`
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newFixture(t *testing.T, cfg Config) (*Manager[*job], *store.InMemoryStore[*job], *clock) {
	t.Helper()
	clk := &clock{now: time.UnixMilli(10_000_000)}
	st := store.NewInMemoryStore(func() *job { return &job{} }, store.Options{Clock: clk.Now})
	cfg.Name = "jobs"
	cfg.OwnerID = "worker-1"
	cfg.FailState = stateFailed
	cfg.Clock = clk.Now
	if cfg.Backoff == (Backoff{}) {
		cfg.Backoff = Backoff{Base: time.Second, Max: time.Minute}
	}
	m := New[*job](st, nil, nil, cfg)

	j := &job{}
	j.Init("job-1", stateSending, clk.Now())
	require.NoError(t, st.Save(context.Background(), j))
	return m, st, clk
}

func sendProcessor(status func() result.StatusResult[string], events *[]string) Processor[*job] {
	return Processor[*job]{
		State: stateSending,
		Name:  "send",
		Process: func(ctx context.Context, j *job) Outcome[*job] {
			return FromStatus(status(), func(ack string) Outcome[*job] {
				return Advance(
					func(j *job) {
						j.Ack = ack
						j.TransitionTo(stateSent, time.UnixMilli(20_000_000))
					},
					func(ctx context.Context, j *job) error {
						*events = append(*events, "sent:"+j.ID)
						return nil
					},
				)
			})
		},
	}
}

func TestManager_AdvanceOnOK(t *testing.T) {
	ctx := context.Background()
	m, st, _ := newFixture(t, Config{})
	var events []string
	m.Register(sendProcessor(func() result.StatusResult[string] { return result.Success("ack-1") }, &events))

	n, err := m.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	j, err := st.FindByID(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, stateSent, j.State)
	assert.Equal(t, 0, j.StateCount)
	assert.Equal(t, "ack-1", j.Ack)
	assert.Nil(t, st.LeaseOf("job-1"))
	assert.Equal(t, []string{"sent:job-1"}, events)
}

func TestManager_RetryThenExhaust(t *testing.T) {
	ctx := context.Background()
	m, st, clk := newFixture(t, Config{RetryLimit: 2})
	var failed []string
	m.OnFailure(func(ctx context.Context, j *job) error {
		failed = append(failed, j.ID)
		return nil
	})
	var events []string
	m.Register(sendProcessor(func() result.StatusResult[string] { return result.Retry[string]("peer unavailable") }, &events))

	_, err := m.Tick(ctx)
	require.NoError(t, err)
	j, _ := st.FindByID(ctx, "job-1")
	assert.Equal(t, stateSending, j.State)
	assert.Equal(t, 1, j.StateCount)
	assert.Equal(t, "peer unavailable", j.ErrorDetail)
	assert.Nil(t, st.LeaseOf("job-1"))

	// still within backoff: released untouched
	n, err := m.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	j, _ = st.FindByID(ctx, "job-1")
	assert.Equal(t, 1, j.StateCount)

	clk.Advance(2 * time.Second)
	_, err = m.Tick(ctx)
	require.NoError(t, err)
	j, _ = st.FindByID(ctx, "job-1")
	assert.Equal(t, 2, j.StateCount)

	clk.Advance(3 * time.Second)
	_, err = m.Tick(ctx)
	require.NoError(t, err)
	j, _ = st.FindByID(ctx, "job-1")
	assert.Equal(t, stateFailed, j.State)
	assert.Contains(t, j.ErrorDetail, "retry limit")
	assert.Equal(t, []string{"job-1"}, failed)
	assert.Empty(t, events)
}

func TestManager_BackoffDoesNotStarveFreshEntities(t *testing.T) {
	ctx := context.Background()
	m, st, clk := newFixture(t, Config{BatchSize: 1, Backoff: Backoff{Base: time.Minute, Max: time.Minute}})
	var seen []string
	m.Register(Processor[*job]{
		State: stateSending,
		Name:  "send",
		Process: func(ctx context.Context, j *job) Outcome[*job] {
			seen = append(seen, j.ID)
			if j.ID == "job-1" {
				return Retry[*job]("peer unavailable")
			}
			return Advance(func(j *job) { j.TransitionTo(stateSent, clk.Now()) }, nil)
		},
	})

	_, err := m.Tick(ctx)
	require.NoError(t, err)

	clk.Advance(time.Second)
	fresh := &job{}
	fresh.Init("job-2", stateSending, clk.Now())
	require.NoError(t, st.Save(ctx, fresh))

	n, err := m.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	j, _ := st.FindByID(ctx, "job-2")
	assert.Equal(t, stateSent, j.State)

	j, _ = st.FindByID(ctx, "job-1")
	assert.Equal(t, stateSending, j.State)
	assert.Equal(t, 1, j.StateCount)
	assert.Nil(t, st.LeaseOf("job-1"))
	assert.Equal(t, []string{"job-1", "job-2"}, seen)

	clk.Advance(time.Minute)
	_, err = m.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"job-1", "job-2", "job-1"}, seen)
}

func TestManager_FaultingTransitionRespectsRetryLimit(t *testing.T) {
	for name, hookErr := range map[string]error{
		"failure hook succeeds": nil,
		"failure hook faults":   errors.New("callback endpoint down"),
	} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clk := &clock{now: time.UnixMilli(10_000_000)}
			db, err := sql.Open("sqlite", ":memory:")
			require.NoError(t, err)
			db.SetMaxOpenConns(1)
			t.Cleanup(func() { _ = db.Close() })
			st := store.NewSQLStore(db, store.SQLite, "jobs", func() *job { return &job{} }, store.Options{Clock: clk.Now})
			require.NoError(t, st.Init(ctx))

			m := New[*job](st, store.NewSQLTransactionContext(db), nil, Config{
				Name:       "jobs",
				OwnerID:    "worker-1",
				RetryLimit: 2,
				FailState:  stateFailed,
				Backoff:    Backoff{Base: time.Second, Max: time.Second},
				Clock:      clk.Now,
			})
			var failed []string
			m.OnFailure(func(ctx context.Context, j *job) error {
				failed = append(failed, j.ID)
				return hookErr
			})
			sends := 0
			m.Register(Processor[*job]{
				State: stateSending,
				Name:  "send",
				Process: func(ctx context.Context, j *job) Outcome[*job] {
					sends++
					return Advance(
						func(j *job) { j.TransitionTo(stateSent, clk.Now()) },
						func(context.Context, *job) error { return errors.New("transactional callback rejected") },
					)
				},
			})

			j := &job{}
			j.Init("job-1", stateSending, clk.Now())
			require.NoError(t, st.Save(ctx, j))

			for i := 0; i < 10; i++ {
				_, err := m.Tick(ctx)
				require.NoError(t, err)
				clk.Advance(time.Minute)
			}

			assert.Equal(t, 3, sends)
			got, err := st.FindByID(ctx, "job-1")
			require.NoError(t, err)
			assert.Equal(t, stateFailed, got.State)
			assert.Contains(t, got.ErrorDetail, "retry limit of 2 exceeded")
			assert.Contains(t, got.ErrorDetail, "transactional callback rejected")
			assert.Nil(t, got.Lease)
			assert.NotEmpty(t, failed)
		})
	}
}

func TestManager_FatalIsImmediate(t *testing.T) {
	ctx := context.Background()
	m, st, _ := newFixture(t, Config{})
	var events []string
	m.Register(sendProcessor(func() result.StatusResult[string] { return result.Fatal[string]("rejected with 404") }, &events))

	_, err := m.Tick(ctx)
	require.NoError(t, err)
	j, _ := st.FindByID(ctx, "job-1")
	assert.Equal(t, stateFailed, j.State)
	assert.Equal(t, "rejected with 404", j.ErrorDetail)
	assert.Nil(t, st.LeaseOf("job-1"))
}

func TestManager_SkipsEntitiesLeasedElsewhere(t *testing.T) {
	ctx := context.Background()
	m, st, _ := newFixture(t, Config{})
	var events []string
	m.Register(sendProcessor(func() result.StatusResult[string] { return result.Success("ack") }, &events))

	_, err := st.FindByIDAndLease(ctx, "job-1", "worker-2")
	require.NoError(t, err)

	n, err := m.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, events)
}

func TestManager_WakeTriggersTick(t *testing.T) {
	m, st, _ := newFixture(t, Config{Interval: time.Hour})
	var calls atomic.Int32
	m.Register(Processor[*job]{
		State: stateSent,
		Name:  "noop",
		Process: func(ctx context.Context, j *job) Outcome[*job] {
			calls.Add(1)
			return Skip[*job]()
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Start(ctx))
	defer m.Stop()
	require.Error(t, m.Start(ctx))

	j := &job{}
	j.Init("job-2", stateSent, time.UnixMilli(10_000_000))
	require.NoError(t, st.Save(ctx, j))
	m.Wake()

	assert.Eventually(t, func() bool { return calls.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 10 * time.Second}
	assert.Equal(t, time.Duration(0), b.Delay("x", 0))
	assert.Equal(t, time.Second, b.Delay("x", 1))
	assert.Equal(t, 2*time.Second, b.Delay("x", 2))
	assert.Equal(t, 8*time.Second, b.Delay("x", 4))
	assert.Equal(t, 10*time.Second, b.Delay("x", 5))
	assert.Equal(t, 10*time.Second, b.Delay("x", 64))

	slow := Backoff{Base: 10 * time.Second, Max: time.Hour}
	assert.Equal(t, 5120*time.Second, Backoff{Base: 10 * time.Second}.Delay("x", 10))
	assert.Equal(t, time.Hour, slow.Delay("x", 31), "large base must not overflow")
	assert.Equal(t, time.Hour, slow.Delay("x", 1000))
	assert.Positive(t, Backoff{Base: 10 * time.Second}.Delay("x", 1000))

	jittered := Backoff{Base: time.Second, Max: 10 * time.Second, MaxJitter: time.Second}
	d := jittered.Delay("neg-1", 3)
	assert.Equal(t, d, jittered.Delay("neg-1", 3), "jitter is deterministic")
	assert.GreaterOrEqual(t, d, 4*time.Second)
	assert.Less(t, d, 5*time.Second)
}
