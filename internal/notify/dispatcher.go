// Package notify delivers notifications through the channel selected in
// settings and records what was sent.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"pagewatch/internal/domain"
	"pagewatch/internal/metrics"
)

var (
	ErrMissingPrerequisite = errors.New("notification channel is not fully configured")
	ErrUnknownChannel      = errors.New("unknown notification channel")
)

// PrerequisiteError lists the settings fields the selected channel still
// needs.
type PrerequisiteError struct {
	Channel domain.Channel
	Missing []string
}

func (e *PrerequisiteError) Error() string {
	return fmt.Sprintf("%s channel is missing %s", e.Channel, strings.Join(e.Missing, ", "))
}

func (e *PrerequisiteError) Unwrap() error { return ErrMissingPrerequisite }

type SettingsStore interface {
	GetSettings(ctx context.Context) (domain.Settings, error)
}

type NotificationStore interface {
	CreateNotification(ctx context.Context, n domain.Notification) (int64, error)
}

// Sender delivers one rendered message over a single transport.
type Sender interface {
	Send(ctx context.Context, settings domain.Settings, subject, message string) error
}

type Dispatcher struct {
	settings      SettingsStore
	notifications NotificationStore
	senders       map[domain.Channel]Sender
	now           func() time.Time
	log           zerolog.Logger
}

func NewDispatcher(settings SettingsStore, notifications NotificationStore, senders map[domain.Channel]Sender, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		settings:      settings,
		notifications: notifications,
		senders:       senders,
		now:           time.Now,
		log:           logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Validate checks that settings carry everything the selected channel needs.
func Validate(s domain.Settings) error {
	var missing []string
	switch s.Channel {
	case domain.ChannelEmail:
		if strings.TrimSpace(s.EmailSender) == "" {
			missing = append(missing, "sender address")
		}
		if strings.TrimSpace(s.EmailRecipient) == "" {
			missing = append(missing, "recipient address")
		}
	case domain.ChannelTelegram:
		if strings.TrimSpace(s.TelegramBotToken) == "" {
			missing = append(missing, "bot token")
		}
		if strings.TrimSpace(s.TelegramChatID) == "" {
			missing = append(missing, "chat id")
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownChannel, s.Channel)
	}
	if len(missing) > 0 {
		return &PrerequisiteError{Channel: s.Channel, Missing: missing}
	}
	return nil
}

// Dispatch sends subject and message through the configured channel and
// records the notification once delivery succeeded. Nothing is recorded when
// delivery fails.
func (d *Dispatcher) Dispatch(ctx context.Context, subject, message string) error {
	settings, err := d.settings.GetSettings(ctx)
	if err != nil {
		return fmt.Errorf("loading settings: %w", err)
	}
	if err := Validate(settings); err != nil {
		return err
	}
	sender, ok := d.senders[settings.Channel]
	if !ok {
		return fmt.Errorf("%w: no sender for %q", ErrUnknownChannel, settings.Channel)
	}

	channel := string(settings.Channel)
	if err := sender.Send(ctx, settings, subject, message); err != nil {
		metrics.IncNotification(channel, "error")
		return fmt.Errorf("sending %s notification: %w", channel, err)
	}
	metrics.IncNotification(channel, "sent")

	if _, err := d.notifications.CreateNotification(ctx, domain.Notification{
		Subject: subject,
		Message: message,
		SentAt:  d.now().UTC(),
	}); err != nil {
		return fmt.Errorf("recording notification: %w", err)
	}
	d.log.Debug().Str("channel", channel).Str("subject", subject).Msg("notification sent")
	return nil
}
