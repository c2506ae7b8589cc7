// Package retention prunes notification history.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"pagewatch/internal/domain"
)

const DefaultDays = 30

type SettingsStore interface {
	GetSettings(ctx context.Context) (domain.Settings, error)
}

type NotificationStore interface {
	DeleteNotificationsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type Sweeper struct {
	settings      SettingsStore
	notifications NotificationStore
	now           func() time.Time
	log           zerolog.Logger
}

func NewSweeper(settings SettingsStore, notifications NotificationStore, logger zerolog.Logger) *Sweeper {
	return &Sweeper{
		settings:      settings,
		notifications: notifications,
		now:           time.Now,
		log:           logger.With().Str("component", "retention").Logger(),
	}
}

// Sweep deletes notifications older than the configured retention window and
// returns how many were removed. Unreadable settings skip the pass.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	settings, err := s.settings.GetSettings(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("settings unavailable, skipping retention sweep")
		return 0, nil
	}

	days := settings.RetentionDays
	if days <= 0 {
		days = DefaultDays
	}
	cutoff := s.now().UTC().AddDate(0, 0, -days)

	n, err := s.notifications.DeleteNotificationsBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweeping notifications: %w", err)
	}
	s.log.Info().Int64("deleted", n).Int("days", days).Time("cutoff", cutoff).Msg("retention sweep done")
	return n, nil
}
