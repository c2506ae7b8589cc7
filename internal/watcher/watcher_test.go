package watcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pagewatch/internal/domain"
	"pagewatch/internal/store"
	"pagewatch/internal/store/storetest"
)

type fakeJudge struct {
	payload string
	err     error
	calls   int
	owner   string
}

func (f *fakeJudge) Judge(_ context.Context, owner, _, _ string) (string, error) {
	f.calls++
	f.owner = owner
	return f.payload, f.err
}

type sent struct{ subject, message string }

type fakeNotifier struct {
	sent []sent
	err  error
}

func (f *fakeNotifier) Dispatch(_ context.Context, subject, message string) error {
	f.sent = append(f.sent, sent{subject, message})
	return f.err
}

type fixture struct {
	store    *store.Store
	judge    *fakeJudge
	notifier *fakeNotifier
	runner   *Runner
	failures *FailureHandler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := storetest.NewStore(t)
	j := &fakeJudge{payload: `{"candidates":[{"content":{"parts":[{"text":"Hello world\n"}]}}]}`}
	n := &fakeNotifier{}
	fh := NewFailureHandler(s, n, s, time.Second, zerolog.Nop())
	fh.newID = func() string { return "corr-1" }
	r := NewRunner(s, s, j, n, NewGuard(30*time.Second, zerolog.Nop()), fh, zerolog.Nop())
	return &fixture{store: s, judge: j, notifier: n, runner: r, failures: fh}
}

func (f *fixture) createTask(t *testing.T, title string) int64 {
	t.Helper()
	id, err := f.store.CreateTask(context.Background(), domain.Task{
		Title: title, URL: "https://example.com/releases", Prompt: "a new major version",
		Schedule: "0 * * * *", Enabled: true, Owner: "me@example.com",
	})
	require.NoError(t, err)
	return id
}

func TestRun_SuccessPersistsAndNotifies(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.createTask(t, "Releases")

	start := time.Now().UTC()
	require.NoError(t, f.runner.Run(ctx, id))

	task, err := f.store.GetTask(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, task.LastCheckedAt)
	assert.False(t, task.LastCheckedAt.Before(start))
	assert.Equal(t, f.judge.payload, task.LastResult)
	assert.Equal(t, "me@example.com", f.judge.owner)

	require.Len(t, f.notifier.sent, 1)
	assert.Equal(t, "Check completed: Releases", f.notifier.sent[0].subject)
	assert.Equal(t, "Hello world", f.notifier.sent[0].message)
}

func TestRun_WithinGuardWindowIsNoop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.createTask(t, "Releases")

	require.NoError(t, f.runner.Run(ctx, id))
	first, err := f.store.GetTask(ctx, id)
	require.NoError(t, err)

	f.judge.payload = `{"different":true}`
	require.NoError(t, f.runner.Run(ctx, id))

	second, err := f.store.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, f.judge.calls)
	assert.Len(t, f.notifier.sent, 1)
	assert.True(t, first.LastCheckedAt.Equal(*second.LastCheckedAt))
	assert.Equal(t, first.LastResult, second.LastResult)
}

func TestRun_MissingTaskIsNoop(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.runner.Run(context.Background(), 404))
	assert.Zero(t, f.judge.calls)
	assert.Empty(t, f.notifier.sent)
}

func TestRun_JudgeFailureIsHandled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.createTask(t, "Releases")
	f.judge.err = errors.New("judge HTTP 503: overloaded")

	require.NoError(t, f.runner.Run(ctx, id))

	task, err := f.store.GetTask(ctx, id)
	require.NoError(t, err)
	var res domain.FailureResult
	require.NoError(t, json.Unmarshal([]byte(task.LastResult), &res))
	assert.Equal(t, "corr-1", res.CorrelationID)
	assert.Contains(t, res.Error, "overloaded")
	assert.JSONEq(t, `{"correlationId":"corr-1","error":"`+res.Error+`"}`, task.LastResult)

	require.Len(t, f.notifier.sent, 1)
	msg := f.notifier.sent[0]
	assert.Equal(t, "Check failed: Releases", msg.subject)
	assert.Contains(t, msg.message, "corr-1")
	assert.Contains(t, msg.message, `"Releases"`)
	assert.Contains(t, msg.message, "overloaded")
}

func TestRun_NotificationFailureFallsBackToStoredRecord(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.createTask(t, "Releases")
	f.notifier.err = errors.New("telegram error 403: bot was blocked")

	require.NoError(t, f.runner.Run(ctx, id))

	// the success dispatch failed, then the failure dispatch failed too
	require.Len(t, f.notifier.sent, 2)
	assert.Equal(t, "Check completed: Releases", f.notifier.sent[0].subject)
	assert.Equal(t, "Check failed: Releases", f.notifier.sent[1].subject)

	task, err := f.store.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Contains(t, task.LastResult, `"correlationId":"corr-1"`)

	notes, err := f.store.ListNotifications(ctx, 10)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, "Check failed: Releases", notes[0].Subject)
	assert.Contains(t, notes[0].Message, "corr-1")
}

// waitingJudge blocks until its context ends, cancelling it first when asked.
type waitingJudge struct{ cancel context.CancelFunc }

func (w waitingJudge) Judge(ctx context.Context, _, _, _ string) (string, error) {
	if w.cancel != nil {
		w.cancel()
	}
	<-ctx.Done()
	return "", ctx.Err()
}

func TestRun_CancelledCheckIsRetriedNotReported(t *testing.T) {
	f := newFixture(t)
	id := f.createTask(t, "Releases")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := NewRunner(f.store, f.store, waitingJudge{cancel: cancel}, f.notifier, NewGuard(30*time.Second, zerolog.Nop()), f.failures, zerolog.Nop())

	err := r.Run(ctx, id)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, f.notifier.sent)

	task, err := f.store.GetTask(context.Background(), id)
	require.NoError(t, err)
	assert.Nil(t, task.LastCheckedAt)
	assert.Empty(t, task.LastResult)

	notes, err := f.store.ListNotifications(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, notes)
}

func TestRun_JobDeadlineIsAFailure(t *testing.T) {
	f := newFixture(t)
	id := f.createTask(t, "Releases")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	r := NewRunner(f.store, f.store, waitingJudge{}, f.notifier, NewGuard(30*time.Second, zerolog.Nop()), f.failures, zerolog.Nop())

	require.NoError(t, r.Run(ctx, id))
	require.Len(t, f.notifier.sent, 1)
	assert.Equal(t, "Check failed: Releases", f.notifier.sent[0].subject)
	assert.Contains(t, f.notifier.sent[0].message, "deadline exceeded")

	task, err := f.store.GetTask(context.Background(), id)
	require.NoError(t, err)
	assert.Contains(t, task.LastResult, `"correlationId":"corr-1"`)
}

func TestRun_OwnerFallsBackToSettings(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.store.SaveSettings(ctx, domain.Settings{
		OwnerIdentity: "owner@example.com", Channel: domain.ChannelEmail,
	}))
	id, err := f.store.CreateTask(ctx, domain.Task{Title: "No owner", URL: "https://example.com", Prompt: "p", Enabled: true})
	require.NoError(t, err)

	require.NoError(t, f.runner.Run(ctx, id))
	assert.Equal(t, "owner@example.com", f.judge.owner)
}

// brokenStore fails every write.
type brokenStore struct {
	task domain.Task
}

func (b brokenStore) GetTask(context.Context, int64) (domain.Task, error) { return b.task, nil }

func (b brokenStore) UpdateTaskResult(context.Context, int64, time.Time, string) error {
	return errors.New("database is locked")
}

func (b brokenStore) CreateNotification(context.Context, domain.Notification) (int64, error) {
	return 0, errors.New("database is locked")
}

func (b brokenStore) GetSettings(context.Context) (domain.Settings, error) {
	return domain.Settings{}, nil
}

func TestRun_ReturnsOriginalErrorWhenNothingCouldBeRecorded(t *testing.T) {
	b := brokenStore{task: domain.Task{ID: 3, Title: "T", Owner: "o"}}
	n := &fakeNotifier{err: errors.New("channel down")}
	cause := errors.New("judge HTTP 500")
	fh := NewFailureHandler(b, n, b, time.Second, zerolog.Nop())
	r := NewRunner(b, b, &fakeJudge{err: cause}, n, NewGuard(0, zerolog.Nop()), fh, zerolog.Nop())

	err := r.Run(context.Background(), 3)
	assert.ErrorIs(t, err, cause)
}

func TestRun_LoadErrorPropagates(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.DB().Close())
	assert.Error(t, f.runner.Run(context.Background(), 1))
}

func TestFailureHandler_RecordsEvenWhenContextIsDone(t *testing.T) {
	f := newFixture(t)
	id := f.createTask(t, "Releases")
	task, err := f.store.GetTask(context.Background(), id)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.True(t, f.failures.Handle(ctx, context.DeadlineExceeded, task))

	task, err = f.store.GetTask(context.Background(), id)
	require.NoError(t, err)
	assert.Contains(t, task.LastResult, "deadline exceeded")
}

func TestFailureHandler_NotificationIsGeneric(t *testing.T) {
	f := newFixture(t)
	id := f.createTask(t, "Releases")
	task, err := f.store.GetTask(context.Background(), id)
	require.NoError(t, err)

	cause := errors.New("first line\nstack: internal/secret.go:42\nmore internals")
	require.True(t, f.failures.Handle(context.Background(), cause, task))

	require.Len(t, f.notifier.sent, 1)
	msg := f.notifier.sent[0].message
	assert.Contains(t, msg, "first line")
	assert.NotContains(t, msg, "internal/secret.go")
}

func TestSummarizeError(t *testing.T) {
	assert.Equal(t, "boom", summarizeError(errors.New("  boom \n trace")))
	long := summarizeError(errors.New(strings.Repeat("x", 500)))
	assert.Equal(t, maxErrorSummary+3, len(long))
}

func TestGuard(t *testing.T) {
	var buf bytes.Buffer
	g := NewGuard(30*time.Second, zerolog.New(&buf))
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	at := func(d time.Duration) *time.Time { v := now.Add(d); return &v }

	assert.True(t, g.Allow(domain.Task{ID: 1}, now))
	assert.True(t, g.Allow(domain.Task{ID: 1, LastCheckedAt: at(-30 * time.Second)}, now))
	assert.True(t, g.Allow(domain.Task{ID: 1, LastCheckedAt: at(-time.Hour)}, now))
	assert.Empty(t, buf.String())

	assert.False(t, g.Allow(domain.Task{ID: 1, LastCheckedAt: at(-10 * time.Second)}, now))
	assert.False(t, g.Allow(domain.Task{ID: 1, LastCheckedAt: at(10 * time.Second)}, now))
	assert.Contains(t, buf.String(), "checked too recently")
	assert.Contains(t, buf.String(), `"level":"warn"`)
}
