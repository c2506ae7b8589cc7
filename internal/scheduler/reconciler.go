package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"pagewatch/internal/domain"
	"pagewatch/internal/metrics"
	"pagewatch/internal/queue"
)

const (
	watchKeyPrefix = "watch-task-"
	RetentionKey   = "retention-sweep"
)

// JobKey is the scheduler and queue key for a task's recurring check.
func JobKey(taskID int64) string {
	return watchKeyPrefix + strconv.FormatInt(taskID, 10)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, j domain.Job) (string, error)
}

// ReconcileReport summarises one ReconcileAll pass.
type ReconcileReport struct {
	Registered int
	Removed    int
	Invalid    int
}

// Reconciler keeps the recurring job set in line with persisted tasks. Each
// fired entry enqueues a job keyed like the entry, so the queue drops a
// trigger while a previous run of the same task is still active.
type Reconciler struct {
	sched       JobScheduler
	queue       Enqueuer
	lockTimeout time.Duration
	maxAttempts int
	log         zerolog.Logger
}

func NewReconciler(sched JobScheduler, q Enqueuer, lockTimeout time.Duration, maxAttempts int, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		sched:       sched,
		queue:       q,
		lockTimeout: lockTimeout,
		maxAttempts: maxAttempts,
		log:         logger.With().Str("component", "reconciler").Logger(),
	}
}

// ReconcileAll brings every task in line and removes entries left over from
// tasks that no longer exist. Invalid schedules are logged and counted.
func (r *Reconciler) ReconcileAll(ctx context.Context, tasks []domain.Task) ReconcileReport {
	var rep ReconcileReport
	seen := make(map[string]bool, len(tasks))

	for _, t := range tasks {
		key := JobKey(t.ID)
		seen[key] = true
		registered, err := r.reconcile(t)
		switch {
		case err != nil:
			rep.Invalid++
		case registered:
			rep.Registered++
		default:
			rep.Removed++
		}
	}

	for _, key := range r.sched.Keys() {
		if strings.HasPrefix(key, watchKeyPrefix) && !seen[key] {
			r.sched.Remove(key)
			rep.Removed++
		}
	}

	r.log.Info().
		Int("registered", rep.Registered).
		Int("removed", rep.Removed).
		Int("invalid", rep.Invalid).
		Msg("reconciled recurring jobs")
	return rep
}

// Reconcile updates the recurring entry for a single created or edited task.
func (r *Reconciler) Reconcile(_ context.Context, t domain.Task) error {
	_, err := r.reconcile(t)
	return err
}

func (r *Reconciler) reconcile(t domain.Task) (bool, error) {
	key := JobKey(t.ID)
	logger := r.log.With().Int64("task_id", t.ID).Str("job_key", key).Logger()

	if !t.Enabled || strings.TrimSpace(t.Schedule) == "" {
		r.sched.Remove(key)
		return false, nil
	}
	if err := CheckSchedule(t.Schedule); err != nil {
		logger.Warn().Err(err).Msg("unexpected cron field count, task not scheduled")
		r.sched.Remove(key)
		return false, err
	}

	taskID := t.ID
	if err := r.sched.Register(key, t.Schedule, func() { r.fire(domain.JobTypeWatch, key, domain.WatchPayload{TaskID: taskID}) }); err != nil {
		logger.Error().Err(err).Str("cron", t.Schedule).Msg("schedule rejected, task not scheduled")
		r.sched.Remove(key)
		return false, err
	}
	return true, nil
}

// Forget drops the recurring entry of a deleted task.
func (r *Reconciler) Forget(taskID int64) {
	r.sched.Remove(JobKey(taskID))
}

// ScheduleRetention registers the recurring retention sweep.
func (r *Reconciler) ScheduleRetention(expr string) error {
	if err := r.sched.Register(RetentionKey, expr, func() { r.fire(domain.JobTypeRetention, RetentionKey, struct{}{}) }); err != nil {
		return fmt.Errorf("scheduling retention sweep: %w", err)
	}
	return nil
}

// Trigger enqueues an immediate check of a task through the same key lock as
// its recurring entry. It returns queue.ErrDuplicate when a run is active.
func (r *Reconciler) Trigger(ctx context.Context, taskID int64) (string, error) {
	return r.enqueue(ctx, domain.JobTypeWatch, JobKey(taskID), domain.WatchPayload{TaskID: taskID})
}

func (r *Reconciler) fire(jobType, key string, payload any) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	id, err := r.enqueue(ctx, jobType, key, payload)
	switch {
	case errors.Is(err, queue.ErrDuplicate):
		r.log.Info().Str("job_key", key).Msg("previous run still active, trigger dropped")
	case err != nil:
		r.log.Error().Err(err).Str("job_key", key).Msg("enqueue scheduled job")
	default:
		r.log.Debug().Str("job_key", key).Str("job_id", id).Msg("scheduled job enqueued")
	}
}

func (r *Reconciler) enqueue(ctx context.Context, jobType, key string, payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encoding %s payload: %w", jobType, err)
	}
	id, err := r.queue.Enqueue(ctx, domain.Job{
		Type:        jobType,
		Key:         key,
		Payload:     raw,
		MaxAttempts: r.maxAttempts,
		LockTimeout: int(r.lockTimeout / time.Second),
	})
	if errors.Is(err, queue.ErrDuplicate) {
		metrics.IncJobsDropped()
	}
	return id, err
}
