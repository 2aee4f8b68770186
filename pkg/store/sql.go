package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/dataspace-connector/pkg/entity"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/result"
)

const columns = `id, state, state_count, state_timestamp, created_at, updated_at, error_detail, lease_owner, leased_at, lease_duration, payload, next_attempt_at`

// SQLStore persists one process type in its own table. The scalar columns are
// authoritative for querying and leasing; payload carries the full entity.
type SQLStore[T entity.Stateful] struct {
	db        *sql.DB
	dialect   Dialect
	table     string
	newEntity func() T
	opts      Options
}

func NewSQLStore[T entity.Stateful](db *sql.DB, dialect Dialect, table string, newEntity func() T, opts Options) *SQLStore[T] {
	return &SQLStore[T]{
		db:        db,
		dialect:   dialect,
		table:     table,
		newEntity: newEntity,
		opts:      opts.withDefaults("store." + table),
	}
}

// Init creates the table and its scheduling index.
func (s *SQLStore[T]) Init(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	state INTEGER NOT NULL,
	state_count INTEGER NOT NULL DEFAULT 0,
	state_timestamp BIGINT NOT NULL,
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL,
	error_detail TEXT,
	lease_owner TEXT,
	leased_at BIGINT,
	lease_duration BIGINT,
	payload TEXT NOT NULL,
	next_attempt_at BIGINT NOT NULL DEFAULT 0
)`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_state_idx ON %s (state, next_attempt_at, state_timestamp)`, s.table, s.table),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init %s schema: %w", s.table, err)
		}
	}
	return nil
}

func (s *SQLStore[T]) FindByID(ctx context.Context, id string) (T, error) {
	return s.load(ctx, s.conn(ctx), id)
}

func (s *SQLStore[T]) FindByIDAndLease(ctx context.Context, id, owner string) (T, error) {
	var zero T
	q := s.conn(ctx)
	now := s.opts.Clock().UnixMilli()

	query := s.dialect.Rebind(fmt.Sprintf(`
		UPDATE %s SET lease_owner = ?, leased_at = ?, lease_duration = ?
		WHERE id = ? AND (lease_owner IS NULL OR lease_owner = ? OR leased_at + lease_duration < ?)`, s.table))
	res, err := q.ExecContext(ctx, query, owner, now, s.opts.LeaseDuration.Milliseconds(), id, owner, now)
	if err != nil {
		return zero, fmt.Errorf("lease %s: %w", id, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return zero, fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return zero, s.leaseFailure(ctx, q, id)
	}
	return s.load(ctx, q, id)
}

// leaseFailure distinguishes a missing row from one held by another owner.
func (s *SQLStore[T]) leaseFailure(ctx context.Context, q querier, id string) error {
	var holder sql.NullString
	query := s.dialect.Rebind(fmt.Sprintf(`SELECT lease_owner FROM %s WHERE id = ?`, s.table))
	if err := q.QueryRowContext(ctx, query, id).Scan(&holder); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return result.NotFoundf("entity %s not found", id)
		}
		return fmt.Errorf("lease %s: %w", id, err)
	}
	return result.LeaseConflictf("entity %s is already leased by %s", id, holder.String)
}

func (s *SQLStore[T]) NextNotLeased(ctx context.Context, owner string, state, limit int) ([]T, error) {
	if limit <= 0 {
		return nil, nil
	}
	if _, inTx := txFrom(ctx); inTx || !s.dialect.SkipLocked {
		return s.claim(ctx, s.conn(ctx), owner, state, limit)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	out, err := s.claim(ctx, tx, owner, state, limit)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return out, nil
}

// claim selects candidate ids and leases each one with a guarded update, so
// a row taken by a concurrent worker in between is skipped rather than stolen.
func (s *SQLStore[T]) claim(ctx context.Context, q querier, owner string, state, limit int) ([]T, error) {
	now := s.opts.Clock().UnixMilli()

	selectQuery := fmt.Sprintf(`
		SELECT id FROM %s
		WHERE state = ? AND next_attempt_at <= ? AND (lease_owner IS NULL OR leased_at + lease_duration < ?)
		ORDER BY state_timestamp ASC
		LIMIT ?`, s.table)
	if s.dialect.SkipLocked {
		selectQuery += "\n\t\tFOR UPDATE SKIP LOCKED"
	}
	rows, err := q.QueryContext(ctx, s.dialect.Rebind(selectQuery), state, now, now, limit)
	if err != nil {
		return nil, fmt.Errorf("select candidates: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	updateQuery := s.dialect.Rebind(fmt.Sprintf(`
		UPDATE %s SET lease_owner = ?, leased_at = ?, lease_duration = ?
		WHERE id = ? AND state = ? AND (lease_owner IS NULL OR leased_at + lease_duration < ?)`, s.table))

	out := make([]T, 0, len(ids))
	for _, id := range ids {
		res, err := q.ExecContext(ctx, updateQuery, owner, now, s.opts.LeaseDuration.Milliseconds(), id, state, now)
		if err != nil {
			return nil, fmt.Errorf("lease %s: %w", id, err)
		}
		if n, err := res.RowsAffected(); err != nil || n == 0 {
			s.opts.Logger.DebugContext(ctx, "candidate taken concurrently", "id", id)
			continue
		}
		e, err := s.load(ctx, q, id)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *SQLStore[T]) Save(ctx context.Context, e T) error {
	base := e.Base()
	base.UpdatedAt = s.opts.Clock().UnixMilli()
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode entity %s: %w", base.ID, err)
	}

	query := s.dialect.Rebind(fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL, NULL, NULL, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			state = excluded.state,
			state_count = excluded.state_count,
			state_timestamp = excluded.state_timestamp,
			updated_at = excluded.updated_at,
			error_detail = excluded.error_detail,
			lease_owner = NULL,
			leased_at = NULL,
			lease_duration = NULL,
			payload = excluded.payload,
			next_attempt_at = excluded.next_attempt_at`, s.table, columns))

	_, err = s.conn(ctx).ExecContext(ctx, query,
		base.ID, base.State, base.StateCount, base.StateTimestamp, base.CreatedAt, base.UpdatedAt,
		nullable(base.ErrorDetail), string(payload), base.NextAttemptAt,
	)
	if err != nil {
		return fmt.Errorf("save %s: %w", base.ID, err)
	}
	base.Lease = nil
	return nil
}

func (s *SQLStore[T]) load(ctx context.Context, q querier, id string) (T, error) {
	var zero T
	query := s.dialect.Rebind(fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, columns, s.table))

	var (
		rowID, payload                     string
		state, stateCount                  int
		stateTimestamp, createdAt, updated int64
		nextAttemptAt                      int64
		errorDetail, leaseOwner            sql.NullString
		leasedAt, leaseDuration            sql.NullInt64
	)
	err := q.QueryRowContext(ctx, query, id).Scan(
		&rowID, &state, &stateCount, &stateTimestamp, &createdAt, &updated,
		&errorDetail, &leaseOwner, &leasedAt, &leaseDuration, &payload, &nextAttemptAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return zero, result.NotFoundf("entity %s not found", id)
		}
		return zero, fmt.Errorf("load %s: %w", id, err)
	}

	e := s.newEntity()
	if err := json.Unmarshal([]byte(payload), e); err != nil {
		return zero, fmt.Errorf("corrupt payload for %s: %w", id, err)
	}
	base := e.Base()
	base.ID = rowID
	base.State = state
	base.StateCount = stateCount
	base.StateTimestamp = stateTimestamp
	base.CreatedAt = createdAt
	base.UpdatedAt = updated
	base.ErrorDetail = errorDetail.String
	base.NextAttemptAt = nextAttemptAt
	base.Lease = nil
	if leaseOwner.Valid {
		base.Lease = &entity.Lease{OwnerID: leaseOwner.String, LeasedAt: leasedAt.Int64, DurationMillis: leaseDuration.Int64}
	}
	return e, nil
}

func (s *SQLStore[T]) conn(ctx context.Context) querier {
	if tx, ok := txFrom(ctx); ok {
		return tx
	}
	return s.db
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
