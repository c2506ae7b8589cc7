package watcher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"pagewatch/internal/domain"
	"pagewatch/internal/metrics"
)

type ResultStore interface {
	UpdateTaskResult(ctx context.Context, id int64, checkedAt time.Time, result string) error
}

type NotificationStore interface {
	CreateNotification(ctx context.Context, n domain.Notification) (int64, error)
}

const maxErrorSummary = 300

// FailureHandler records a failed check on the task and tells the user about
// it, through the normal channel when possible and as a stored notification
// otherwise.
type FailureHandler struct {
	tasks         ResultStore
	notifier      Notifier
	notifications NotificationStore
	timeout       time.Duration
	now           func() time.Time
	newID         func() string
	log           zerolog.Logger
}

func NewFailureHandler(tasks ResultStore, notifier Notifier, notifications NotificationStore, timeout time.Duration, logger zerolog.Logger) *FailureHandler {
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &FailureHandler{
		tasks:         tasks,
		notifier:      notifier,
		notifications: notifications,
		timeout:       timeout,
		now:           time.Now,
		newID:         uuid.NewString,
		log:           logger.With().Str("component", "failure").Logger(),
	}
}

// Handle never returns an error. It reports whether anything about the
// failure was recorded: the task update, the delivered notification or the
// fallback record.
func (h *FailureHandler) Handle(ctx context.Context, cause error, task domain.Task) (recorded bool) {
	correlationID := h.newID()
	logger := h.log.With().Int64("task_id", task.ID).Str("correlation_id", correlationID).Logger()
	logger.Error().Err(cause).Str("title", task.Title).Msg("task check failed")

	defer func() {
		if p := recover(); p != nil {
			logger.Error().Interface("panic", p).Msg("failure handler panicked")
		}
	}()

	// the job's own deadline may be what failed the check
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.timeout)
	defer cancel()

	now := h.now().UTC()
	result, err := json.Marshal(domain.FailureResult{CorrelationID: correlationID, Error: cause.Error()})
	if err != nil {
		logger.Error().Err(err).Msg("encode failure result")
	} else if err := h.tasks.UpdateTaskResult(ctx, task.ID, now, string(result)); err != nil {
		logger.Error().Err(err).Msg("persist failure result")
	} else {
		recorded = true
	}

	subject := "Check failed: " + task.Title
	message := fmt.Sprintf("The check for %q (task %d) failed at %s.\nError: %s\nCorrelation id: %s",
		task.Title, task.ID, now.Format(time.RFC3339), summarizeError(cause), correlationID)

	err = h.notifier.Dispatch(ctx, subject, message)
	if err == nil {
		return true
	}
	logger.Warn().Err(err).Msg("failure notification not delivered, storing it instead")

	if _, err := h.notifications.CreateNotification(ctx, domain.Notification{
		Subject: subject,
		Message: message,
		SentAt:  now,
	}); err != nil {
		logger.Error().Err(err).Msg("store failure notification")
		return recorded
	}
	metrics.IncNotification("store", "fallback")
	return true
}

// summarizeError keeps the first line of the message and caps its length, so
// that only the top-level description reaches a notification channel.
func summarizeError(err error) string {
	msg := strings.TrimSpace(err.Error())
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = strings.TrimSpace(msg[:i])
	}
	if utf8.RuneCountInString(msg) > maxErrorSummary {
		msg = string([]rune(msg)[:maxErrorSummary]) + "..."
	}
	return msg
}
