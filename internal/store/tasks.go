package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"pagewatch/internal/domain"
)

type taskRow struct {
	ID            int64      `db:"id"`
	Title         string     `db:"title"`
	URL           string     `db:"url"`
	Prompt        string     `db:"prompt"`
	Schedule      string     `db:"schedule"`
	Enabled       bool       `db:"enabled"`
	LastCheckedAt *Timestamp `db:"last_checked_at"`
	LastResult    string     `db:"last_result"`
	Owner         string     `db:"owner"`
	CreatedAt     Timestamp  `db:"created_at"`
	UpdatedAt     Timestamp  `db:"updated_at"`
}

func (r taskRow) toDomain() domain.Task {
	t := domain.Task{
		ID:         r.ID,
		Title:      r.Title,
		URL:        r.URL,
		Prompt:     r.Prompt,
		Schedule:   r.Schedule,
		Enabled:    r.Enabled,
		LastResult: r.LastResult,
		Owner:      r.Owner,
		CreatedAt:  r.CreatedAt.Time,
		UpdatedAt:  r.UpdatedAt.Time,
	}
	if r.LastCheckedAt != nil && !r.LastCheckedAt.IsZero() {
		at := r.LastCheckedAt.Time
		t.LastCheckedAt = &at
	}
	return t
}

const taskColumns = `id, title, url, prompt, schedule, enabled, last_checked_at, last_result, owner, created_at, updated_at`

// CreateTask inserts a task definition. Authoring and validation belong to the
// caller; this only persists what it is given.
func (s *Store) CreateTask(ctx context.Context, t domain.Task) (int64, error) {
	now := At(s.now())
	res, err := s.db.ExecContext(ctx, `
INSERT INTO tasks (title, url, prompt, schedule, enabled, last_result, owner, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.Title, t.URL, t.Prompt, t.Schedule, t.Enabled, t.LastResult, t.Owner, now, now)
	if err != nil {
		return 0, fmt.Errorf("inserting task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading task id: %w", err)
	}
	return id, nil
}

func (s *Store) GetTask(ctx context.Context, id int64) (domain.Task, error) {
	var row taskRow
	err := s.db.GetContext(ctx, &row, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return domain.Task{}, fmt.Errorf("getting task %d: %w", id, err)
	}
	return row.toDomain(), nil
}

func (s *Store) ListTasks(ctx context.Context) ([]domain.Task, error) {
	var rows []taskRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+taskColumns+` FROM tasks ORDER BY id`); err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	tasks := make([]domain.Task, 0, len(rows))
	for _, r := range rows {
		tasks = append(tasks, r.toDomain())
	}
	return tasks, nil
}

// UpdateTaskResult records the outcome of a check.
func (s *Store) UpdateTaskResult(ctx context.Context, id int64, checkedAt time.Time, result string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE tasks SET last_checked_at = ?, last_result = ?, updated_at = ? WHERE id = ?`,
		At(checkedAt), result, At(s.now()), id)
	if err != nil {
		return fmt.Errorf("updating task %d result: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating task %d result: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	return nil
}
