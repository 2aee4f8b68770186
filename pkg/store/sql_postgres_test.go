package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/dataspace-connector/pkg/result"
)

var rowColumns = []string{"id", "state", "state_count", "state_timestamp", "created_at", "updated_at", "error_detail", "lease_owner", "leased_at", "lease_duration", "payload", "next_attempt_at"}

func newPostgresMock(t *testing.T, now time.Time) (*SQLStore[*testProcess], sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	s := NewSQLStore(db, Postgres, "processes", newTestProcess, Options{
		LeaseDuration: time.Minute,
		Clock:         func() time.Time { return now },
	})
	return s, mock
}

func TestSQLStore_Postgres_LeaseConflict(t *testing.T) {
	now := time.UnixMilli(2_000_000)
	s, mock := newPostgresMock(t, now)

	mock.ExpectExec(`UPDATE processes SET lease_owner = \$1`).
		WithArgs("worker-a", now.UnixMilli(), int64(60_000), "p-1", "worker-a", now.UnixMilli()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT lease_owner FROM processes WHERE id = \$1`).
		WithArgs("p-1").
		WillReturnRows(sqlmock.NewRows([]string{"lease_owner"}).AddRow("worker-b"))

	_, err := s.FindByIDAndLease(context.Background(), "p-1", "worker-a")
	assert.True(t, result.IsConflict(err))
	assert.True(t, result.IsLeased(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_Postgres_NextNotLeasedSkipsLocked(t *testing.T) {
	now := time.UnixMilli(2_000_000)
	s, mock := newPostgresMock(t, now)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).
		WithArgs(100, now.UnixMilli(), now.UnixMilli(), 2).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("p-1").AddRow("p-2"))
	mock.ExpectExec(`UPDATE processes SET lease_owner`).
		WithArgs("worker-a", now.UnixMilli(), int64(60_000), "p-1", 100, now.UnixMilli()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT id, state, state_count`).
		WithArgs("p-1").
		WillReturnRows(sqlmock.NewRows(rowColumns).AddRow(
			"p-1", 100, 0, int64(1_000), int64(1_000), int64(1_000), nil,
			"worker-a", now.UnixMilli(), int64(60_000), `{"id":"p-1","asset":"a-1"}`, int64(0),
		))
	// p-2 was claimed between select and update
	mock.ExpectExec(`UPDATE processes SET lease_owner`).
		WithArgs("worker-a", now.UnixMilli(), int64(60_000), "p-2", 100, now.UnixMilli()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	batch, err := s.NextNotLeased(context.Background(), "worker-a", 100, 2)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, "p-1", batch[0].ID)
	assert.Equal(t, "a-1", batch[0].Asset)
	assert.Equal(t, "worker-a", batch[0].Lease.OwnerID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_Postgres_SaveClearsLease(t *testing.T) {
	now := time.UnixMilli(2_000_000)
	s, mock := newPostgresMock(t, now)

	p := &testProcess{Asset: "a-1"}
	p.Init("p-1", 200, time.UnixMilli(1_000))

	mock.ExpectExec(`ON CONFLICT \(id\) DO UPDATE SET`).
		WithArgs("p-1", 200, 0, int64(1_000), int64(1_000), now.UnixMilli(), nil, sqlmock.AnyArg(), int64(0)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.Save(context.Background(), p))
	assert.Nil(t, p.Lease)
	assert.NoError(t, mock.ExpectationsWereMet())
}
