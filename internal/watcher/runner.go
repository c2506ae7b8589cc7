// Package watcher runs a single task check: judge, persist, notify, and
// turn any failure into a correlated record.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"pagewatch/internal/domain"
	"pagewatch/internal/judge"
	"pagewatch/internal/metrics"
	"pagewatch/internal/store"
)

type TaskStore interface {
	GetTask(ctx context.Context, id int64) (domain.Task, error)
	UpdateTaskResult(ctx context.Context, id int64, checkedAt time.Time, result string) error
}

type SettingsStore interface {
	GetSettings(ctx context.Context) (domain.Settings, error)
}

type Judge interface {
	Judge(ctx context.Context, owner, url, prompt string) (string, error)
}

type Notifier interface {
	Dispatch(ctx context.Context, subject, message string) error
}

type Runner struct {
	tasks    TaskStore
	settings SettingsStore
	judge    Judge
	notifier Notifier
	guard    Guard
	failures *FailureHandler
	now      func() time.Time
	log      zerolog.Logger
}

func NewRunner(tasks TaskStore, settings SettingsStore, j Judge, notifier Notifier, guard Guard, failures *FailureHandler, logger zerolog.Logger) *Runner {
	return &Runner{
		tasks:    tasks,
		settings: settings,
		judge:    j,
		notifier: notifier,
		guard:    guard,
		failures: failures,
		now:      time.Now,
		log:      logger.With().Str("component", "runner").Logger(),
	}
}

// Run checks one task. A deleted task or a guard rejection is a silent
// success. A failed check returns nil once the failure handler recorded it,
// and the original error otherwise so that the job is retried. A check cut
// short by cancellation, as at shutdown, is not a failure: it is returned
// for a retry without notifying anyone. The job's own deadline still is.
func (r *Runner) Run(ctx context.Context, taskID int64) error {
	logger := r.log.With().Int64("task_id", taskID).Logger()

	task, err := r.tasks.GetTask(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		logger.Debug().Msg("task no longer exists, nothing to do")
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading task %d: %w", taskID, err)
	}

	if !r.guard.Allow(task, r.now()) {
		metrics.IncCheck("skipped")
		return nil
	}

	if err := r.check(ctx, task); err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			logger.Warn().Err(err).Msg("check interrupted, leaving it for a retry")
			return fmt.Errorf("check of task %d interrupted: %w", taskID, ctx.Err())
		}
		metrics.IncCheck("failure")
		if r.failures.Handle(ctx, err, task) {
			return nil
		}
		return err
	}
	metrics.IncCheck("success")
	logger.Info().Str("title", task.Title).Msg("task checked")
	return nil
}

func (r *Runner) check(ctx context.Context, task domain.Task) error {
	owner, err := r.owner(ctx, task)
	if err != nil {
		return err
	}

	payload, err := r.judge.Judge(ctx, owner, task.URL, task.Prompt)
	if err != nil {
		return fmt.Errorf("judging %s: %w", task.URL, err)
	}

	if err := r.tasks.UpdateTaskResult(ctx, task.ID, r.now().UTC(), payload); err != nil {
		return fmt.Errorf("saving result: %w", err)
	}

	summary := judge.ExtractSummary(payload)
	if err := r.notifier.Dispatch(ctx, "Check completed: "+task.Title, summary); err != nil {
		return fmt.Errorf("notifying result: %w", err)
	}
	return nil
}

// owner is the task's owner, or the deployment owner for tasks without one.
func (r *Runner) owner(ctx context.Context, task domain.Task) (string, error) {
	if strings.TrimSpace(task.Owner) != "" {
		return task.Owner, nil
	}
	settings, err := r.settings.GetSettings(ctx)
	if err != nil {
		return "", fmt.Errorf("loading settings for owner: %w", err)
	}
	if strings.TrimSpace(settings.OwnerIdentity) == "" {
		return "", errors.New("task has no owner and no deployment owner is configured")
	}
	return settings.OwnerIdentity, nil
}
