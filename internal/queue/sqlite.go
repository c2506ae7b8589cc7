package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"pagewatch/internal/domain"
	"pagewatch/internal/store"
)

var (
	ErrEmpty = errors.New("no jobs ready")
	// ErrDuplicate means a job with the same key is already queued or running.
	// The trigger is dropped, not backlogged.
	ErrDuplicate = errors.New("job with the same key is already active")
)

const (
	DefaultLockTimeout = 600 // seconds
	DefaultMaxAttempts = 3
)

type Repository interface {
	Enqueue(ctx context.Context, j domain.Job) (string, error)
	LeaseNext(ctx context.Context, now time.Time) (domain.Job, error)
	Retry(ctx context.Context, id, errStr string, delay time.Duration) error
	Succeed(ctx context.Context, id string) error
	Fail(ctx context.Context, id, errStr string) error
	RecoverStale(ctx context.Context, now time.Time) (int, error)
	Get(ctx context.Context, id string) (domain.Job, error)
	ListRecent(ctx context.Context, limit int) ([]domain.Job, error)
}

type sqliteRepo struct {
	db  *sqlx.DB
	now func() time.Time
}

func NewSQLiteRepo(db *sqlx.DB) Repository { return &sqliteRepo{db: db, now: time.Now} }

type jobRow struct {
	ID          string           `db:"id"`
	Type        string           `db:"type"`
	Key         string           `db:"job_key"`
	Payload     []byte           `db:"payload"`
	State       string           `db:"state"`
	Attempts    int              `db:"attempts"`
	MaxAttempts int              `db:"max_attempts"`
	NextRunAt   store.Timestamp  `db:"next_run_at"`
	LockTimeout int              `db:"lock_timeout"`
	LeaseUntil  *store.Timestamp `db:"lease_until"`
	LastError   string           `db:"last_error"`
	CreatedAt   store.Timestamp  `db:"created_at"`
	UpdatedAt   store.Timestamp  `db:"updated_at"`
}

func (r jobRow) toDomain() domain.Job {
	j := domain.Job{
		ID: r.ID, Type: r.Type, Key: r.Key, Payload: r.Payload, State: domain.JobState(r.State),
		Attempts: r.Attempts, MaxAttempts: r.MaxAttempts, NextRunAt: r.NextRunAt.Time,
		LockTimeout: r.LockTimeout, LastError: r.LastError,
		CreatedAt: r.CreatedAt.Time, UpdatedAt: r.UpdatedAt.Time,
	}
	if r.LeaseUntil != nil && !r.LeaseUntil.IsZero() {
		until := r.LeaseUntil.Time
		j.LeaseUntil = &until
	}
	return j
}

const jobColumns = `id, type, job_key, payload, state, attempts, max_attempts, next_run_at, lock_timeout, lease_until, last_error, created_at, updated_at`

// Enqueue adds a job unless another job with the same key is queued or
// running, in which case it returns ErrDuplicate. The partial unique index on
// job_key makes the check atomic.
func (r *sqliteRepo) Enqueue(ctx context.Context, j domain.Job) (string, error) {
	id := j.ID
	if id == "" {
		id = "job_" + uuid.NewString()
	}
	if j.Key == "" {
		j.Key = id
	}
	if j.MaxAttempts == 0 {
		j.MaxAttempts = DefaultMaxAttempts
	}
	if j.LockTimeout == 0 {
		j.LockTimeout = DefaultLockTimeout
	}
	if j.Payload == nil {
		j.Payload = []byte("{}")
	}
	now := r.now()
	next := j.NextRunAt
	if next.IsZero() {
		next = now
	}

	res, err := r.db.ExecContext(ctx, `
INSERT OR IGNORE INTO jobs (id, type, job_key, payload, state, attempts, max_attempts, next_run_at, lock_timeout, created_at, updated_at)
VALUES (?, ?, ?, ?, 'queued', 0, ?, ?, ?, ?, ?)`,
		id, j.Type, j.Key, []byte(j.Payload), j.MaxAttempts, store.At(next), j.LockTimeout, store.At(now), store.At(now))
	if err != nil {
		return "", fmt.Errorf("enqueueing job %s: %w", j.Key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("enqueueing job %s: %w", j.Key, err)
	}
	if n == 0 {
		return "", fmt.Errorf("job %s: %w", j.Key, ErrDuplicate)
	}
	return id, nil
}

// LeaseNext claims the oldest due job and marks it running until now plus its
// lock timeout.
func (r *sqliteRepo) LeaseNext(ctx context.Context, now time.Time) (domain.Job, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return domain.Job{}, fmt.Errorf("beginning lease: %w", err)
	}
	defer tx.Rollback()

	var row jobRow
	err = tx.GetContext(ctx, &row, `
SELECT `+jobColumns+`
FROM jobs
WHERE state = 'queued' AND next_run_at <= ?
ORDER BY next_run_at ASC, created_at ASC
LIMIT 1`, store.At(now))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, ErrEmpty
	}
	if err != nil {
		return domain.Job{}, fmt.Errorf("selecting next job: %w", err)
	}

	leaseUntil := now.Add(time.Duration(row.LockTimeout) * time.Second)
	_, err = tx.ExecContext(ctx, `
UPDATE jobs SET state = 'running', attempts = attempts + 1, lease_until = ?, updated_at = ? WHERE id = ?`,
		store.At(leaseUntil), store.At(now), row.ID)
	if err != nil {
		return domain.Job{}, fmt.Errorf("leasing job %s: %w", row.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, fmt.Errorf("committing lease: %w", err)
	}

	j := row.toDomain()
	j.State = domain.JobRunning
	j.Attempts++
	j.LeaseUntil = &leaseUntil
	return j, nil
}

// Retry requeues a running job after delay, or fails it for good once it has
// used up its attempts.
func (r *sqliteRepo) Retry(ctx context.Context, id, errStr string, delay time.Duration) error {
	now := r.now()
	_, err := r.db.ExecContext(ctx, `
UPDATE jobs
SET state = CASE WHEN attempts >= max_attempts THEN 'failed' ELSE 'queued' END,
    next_run_at = ?,
    lease_until = NULL,
    last_error = ?,
    updated_at = ?
WHERE id = ? AND state = 'running'`,
		store.At(now.Add(delay)), errStr, store.At(now), id)
	if err != nil {
		return fmt.Errorf("retrying job %s: %w", id, err)
	}
	return nil
}

func (r *sqliteRepo) Succeed(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE jobs SET state = 'succeeded', lease_until = NULL, last_error = '', updated_at = ?
WHERE id = ? AND state = 'running'`, store.At(r.now()), id)
	if err != nil {
		return fmt.Errorf("completing job %s: %w", id, err)
	}
	return nil
}

func (r *sqliteRepo) Fail(ctx context.Context, id, errStr string) error {
	// Hard fail: move to failed and stop
	_, err := r.db.ExecContext(ctx, `
UPDATE jobs SET state = 'failed', lease_until = NULL, last_error = ?, updated_at = ?
WHERE id = ? AND state = 'running'`, errStr, store.At(r.now()), id)
	if err != nil {
		return fmt.Errorf("failing job %s: %w", id, err)
	}
	return nil
}

// RecoverStale abandons running jobs whose lease has expired so their key can
// be triggered again.
func (r *sqliteRepo) RecoverStale(ctx context.Context, now time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE jobs
SET state = 'abandoned', last_error = 'lock timeout exceeded', lease_until = NULL, updated_at = ?
WHERE state = 'running' AND lease_until <= ?`, store.At(now), store.At(now))
	if err != nil {
		return 0, fmt.Errorf("recovering stale jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *sqliteRepo) Get(ctx context.Context, id string) (domain.Job, error) {
	var row jobRow
	err := r.db.GetContext(ctx, &row, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, fmt.Errorf("job %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return domain.Job{}, fmt.Errorf("getting job %s: %w", id, err)
	}
	return row.toDomain(), nil
}

func (r *sqliteRepo) ListRecent(ctx context.Context, limit int) ([]domain.Job, error) {
	var rows []jobRow
	err := r.db.SelectContext(ctx, &rows, `SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	jobs := make([]domain.Job, 0, len(rows))
	for _, row := range rows {
		jobs = append(jobs, row.toDomain())
	}
	return jobs, nil
}
