package scheduler

import (
	"bytes"
	"context"
	"sort"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pagewatch/internal/domain"
	"pagewatch/internal/queue"
	"pagewatch/internal/store/storetest"
)

// fakeScheduler records registrations and lets tests fire entries by hand.
type fakeScheduler struct {
	exprs map[string]string
	jobs  map[string]func()
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{exprs: map[string]string{}, jobs: map[string]func(){}}
}

func (f *fakeScheduler) Register(key, expr string, job func()) error {
	if err := ValidateCronExpression(expr); err != nil {
		return err
	}
	f.exprs[key] = expr
	f.jobs[key] = job
	return nil
}

func (f *fakeScheduler) Remove(key string) {
	delete(f.exprs, key)
	delete(f.jobs, key)
}

func (f *fakeScheduler) Keys() []string {
	keys := make([]string, 0, len(f.exprs))
	for k := range f.exprs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func newTestReconciler(t *testing.T, logger zerolog.Logger) (*Reconciler, *fakeScheduler, queue.Repository) {
	t.Helper()
	sched := newFakeScheduler()
	repo := queue.NewSQLiteRepo(storetest.NewDB(t))
	return NewReconciler(sched, repo, 600*time.Second, 3, logger), sched, repo
}

func TestJobKey(t *testing.T) {
	assert.Equal(t, "watch-task-42", JobKey(42))
}

func TestReconcileAll(t *testing.T) {
	var buf bytes.Buffer
	r, sched, _ := newTestReconciler(t, zerolog.New(&buf))

	// left over from a task that has since been deleted
	require.NoError(t, sched.Register(JobKey(99), "0 * * * *", func() {}))
	require.NoError(t, sched.Register(RetentionKey, "0 3 * * *", func() {}))

	rep := r.ReconcileAll(context.Background(), []domain.Task{
		{ID: 1, Enabled: true, Schedule: "0 * * * *"},
		{ID: 2, Enabled: false, Schedule: "0 * * * *"},
		{ID: 3, Enabled: true, Schedule: ""},
		{ID: 4, Enabled: true, Schedule: "* * * *"},
		{ID: 5, Enabled: true, Schedule: "99 * * * *"},
		{ID: 6, Enabled: true, Schedule: "0 0 9 * * MON"},
	})

	assert.Equal(t, ReconcileReport{Registered: 2, Removed: 3, Invalid: 2}, rep)
	assert.Equal(t, []string{RetentionKey, "watch-task-1", "watch-task-6"}, sched.Keys())
	assert.Contains(t, buf.String(), "unexpected cron field count")
	assert.Contains(t, buf.String(), "schedule rejected")
}

func TestReconcile_DisableRemovesEntry(t *testing.T) {
	ctx := context.Background()
	r, sched, _ := newTestReconciler(t, zerolog.Nop())

	task := domain.Task{ID: 7, Enabled: true, Schedule: "*/5 * * * *"}
	require.NoError(t, r.Reconcile(ctx, task))
	assert.Equal(t, "*/5 * * * *", sched.exprs[JobKey(7)])

	task.Schedule = "0 12 * * *"
	require.NoError(t, r.Reconcile(ctx, task))
	assert.Equal(t, "0 12 * * *", sched.exprs[JobKey(7)])

	task.Enabled = false
	require.NoError(t, r.Reconcile(ctx, task))
	assert.Empty(t, sched.Keys())

	// removing an absent entry is fine
	require.NoError(t, r.Reconcile(ctx, task))

	task.Enabled = true
	task.Schedule = "0 12 * *"
	assert.ErrorIs(t, r.Reconcile(ctx, task), ErrInvalidSchedule)
	assert.Empty(t, sched.Keys())
}

func TestForget(t *testing.T) {
	r, sched, _ := newTestReconciler(t, zerolog.Nop())
	require.NoError(t, r.Reconcile(context.Background(), domain.Task{ID: 8, Enabled: true, Schedule: "0 * * * *"}))
	r.Forget(8)
	r.Forget(8)
	assert.Empty(t, sched.Keys())
}

func TestFiredEntryEnqueuesOncePerActiveKey(t *testing.T) {
	ctx := context.Background()
	r, sched, repo := newTestReconciler(t, zerolog.Nop())
	require.NoError(t, r.Reconcile(ctx, domain.Task{ID: 11, Enabled: true, Schedule: "* * * * *"}))

	sched.jobs[JobKey(11)]()
	sched.jobs[JobKey(11)]()

	j, err := repo.LeaseNext(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, domain.JobTypeWatch, j.Type)
	assert.Equal(t, "watch-task-11", j.Key)
	assert.JSONEq(t, `{"task_id":11}`, string(j.Payload))
	assert.Equal(t, 600, j.LockTimeout)
	assert.Equal(t, 3, j.MaxAttempts)

	_, err = repo.LeaseNext(ctx, time.Now().Add(time.Second))
	assert.ErrorIs(t, err, queue.ErrEmpty, "second trigger must be dropped")
}

func TestTrigger(t *testing.T) {
	ctx := context.Background()
	r, _, repo := newTestReconciler(t, zerolog.Nop())

	id, err := r.Trigger(ctx, 5)
	require.NoError(t, err)

	_, err = r.Trigger(ctx, 5)
	assert.ErrorIs(t, err, queue.ErrDuplicate)

	j, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, JobKey(5), j.Key)
}

func TestScheduleRetention(t *testing.T) {
	ctx := context.Background()
	r, sched, repo := newTestReconciler(t, zerolog.Nop())

	assert.Error(t, r.ScheduleRetention("not a cron"))
	require.NoError(t, r.ScheduleRetention("0 3 * * *"))

	sched.jobs[RetentionKey]()
	j, err := repo.LeaseNext(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, domain.JobTypeRetention, j.Type)
	assert.Equal(t, RetentionKey, j.Key)
}
