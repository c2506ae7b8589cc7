package store

import (
	"context"
	"fmt"
	"time"

	"pagewatch/internal/domain"
)

type notificationRow struct {
	ID      int64     `db:"id"`
	Subject string    `db:"subject"`
	Message string    `db:"message"`
	SentAt  Timestamp `db:"sent_at"`
}

func (s *Store) CreateNotification(ctx context.Context, n domain.Notification) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications (subject, message, sent_at) VALUES (?, ?, ?)`,
		n.Subject, n.Message, At(n.SentAt))
	if err != nil {
		return 0, fmt.Errorf("inserting notification: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading notification id: %w", err)
	}
	return id, nil
}

// ListNotifications returns the most recent notifications first.
func (s *Store) ListNotifications(ctx context.Context, limit int) ([]domain.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []notificationRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, subject, message, sent_at FROM notifications ORDER BY sent_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing notifications: %w", err)
	}
	out := make([]domain.Notification, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.Notification{ID: r.ID, Subject: r.Subject, Message: r.Message, SentAt: r.SentAt.Time})
	}
	return out, nil
}

func (s *Store) DeleteNotification(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM notifications WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting notification %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("notification %d: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteNotificationsBefore removes notifications sent strictly before cutoff.
func (s *Store) DeleteNotificationsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM notifications WHERE sent_at < ?`, At(cutoff))
	if err != nil {
		return 0, fmt.Errorf("deleting notifications before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting deleted notifications: %w", err)
	}
	return n, nil
}
