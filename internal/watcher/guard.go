package watcher

import (
	"time"

	"github.com/rs/zerolog"

	"pagewatch/internal/domain"
)

const DefaultMinInterval = 30 * time.Second

// Guard skips a task that was checked too recently, which catches a manual
// trigger racing a scheduled one.
type Guard struct {
	minInterval time.Duration
	log         zerolog.Logger
}

func NewGuard(minInterval time.Duration, logger zerolog.Logger) Guard {
	if minInterval <= 0 {
		minInterval = DefaultMinInterval
	}
	return Guard{minInterval: minInterval, log: logger.With().Str("component", "guard").Logger()}
}

// Allow reports whether t may run at now.
func (g Guard) Allow(t domain.Task, now time.Time) bool {
	if t.LastCheckedAt == nil {
		return true
	}
	since := now.Sub(*t.LastCheckedAt)
	if since < 0 {
		since = -since
	}
	if since < g.minInterval {
		g.log.Warn().
			Int64("task_id", t.ID).
			Time("last_checked_at", *t.LastCheckedAt).
			Dur("window", g.minInterval).
			Msg("task checked too recently, skipping")
		return false
	}
	return true
}
