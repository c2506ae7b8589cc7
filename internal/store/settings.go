package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"pagewatch/internal/domain"
)

type settingsRow struct {
	OwnerIdentity    string    `db:"owner_identity"`
	Channel          string    `db:"channel"`
	EmailSender      string    `db:"email_sender"`
	EmailRecipient   string    `db:"email_recipient"`
	TelegramBotToken string    `db:"telegram_bot_token"`
	TelegramChatID   string    `db:"telegram_chat_id"`
	RetentionDays    int       `db:"retention_days"`
	UpdatedAt        Timestamp `db:"updated_at"`
}

// GetSettings loads the singleton settings record. The Telegram bot token is
// stored sealed; a value that no longer opens comes back blank so that the
// channel fails its prerequisite check instead of sending garbage.
func (s *Store) GetSettings(ctx context.Context) (domain.Settings, error) {
	var row settingsRow
	err := s.db.GetContext(ctx, &row, `
SELECT owner_identity, channel, email_sender, email_recipient, telegram_bot_token, telegram_chat_id, retention_days, updated_at
FROM settings WHERE id = 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Settings{}, fmt.Errorf("settings: %w", ErrNotFound)
	}
	if err != nil {
		return domain.Settings{}, fmt.Errorf("getting settings: %w", err)
	}

	token := ""
	if row.TelegramBotToken != "" {
		if plain, err := s.sealer.Open(row.TelegramBotToken); err == nil {
			token = string(plain)
		}
	}
	return domain.Settings{
		OwnerIdentity:    row.OwnerIdentity,
		Channel:          domain.Channel(row.Channel),
		EmailSender:      row.EmailSender,
		EmailRecipient:   row.EmailRecipient,
		TelegramBotToken: token,
		TelegramChatID:   row.TelegramChatID,
		RetentionDays:    row.RetentionDays,
		UpdatedAt:        row.UpdatedAt.Time,
	}, nil
}

func (s *Store) SaveSettings(ctx context.Context, in domain.Settings) error {
	if !in.Channel.Valid() {
		return fmt.Errorf("saving settings: unknown channel %q", in.Channel)
	}
	token := ""
	if in.TelegramBotToken != "" {
		sealed, err := s.sealer.Seal([]byte(in.TelegramBotToken))
		if err != nil {
			return fmt.Errorf("sealing telegram token: %w", err)
		}
		token = sealed
	}
	_, err := s.db.ExecContext(ctx, `
UPDATE settings SET owner_identity = ?, channel = ?, email_sender = ?, email_recipient = ?,
  telegram_bot_token = ?, telegram_chat_id = ?, retention_days = ?, updated_at = ?
WHERE id = 1`,
		in.OwnerIdentity, string(in.Channel), in.EmailSender, in.EmailRecipient,
		token, in.TelegramChatID, in.RetentionDays, At(s.now()))
	if err != nil {
		return fmt.Errorf("saving settings: %w", err)
	}
	return nil
}
