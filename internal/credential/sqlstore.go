package credential

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"pagewatch/internal/domain"
	"pagewatch/internal/store"
)

// SQLTokenStore keeps sealed tokens in the credentials table.
type SQLTokenStore struct {
	db  *sqlx.DB
	now func() time.Time
}

func NewSQLTokenStore(db *sqlx.DB) *SQLTokenStore {
	return &SQLTokenStore{db: db, now: time.Now}
}

type credentialRow struct {
	Owner      string          `db:"owner"`
	Ciphertext string          `db:"ciphertext"`
	UpdatedAt  store.Timestamp `db:"updated_at"`
}

func (s *SQLTokenStore) Load(ctx context.Context, owner string) (string, error) {
	rec, err := s.Record(ctx, owner)
	if err != nil {
		return "", err
	}
	return rec.Ciphertext, nil
}

// Record returns the stored row for owner, for listing and diagnostics.
func (s *SQLTokenStore) Record(ctx context.Context, owner string) (domain.CredentialRecord, error) {
	var row credentialRow
	err := s.db.GetContext(ctx, &row, `SELECT owner, ciphertext, updated_at FROM credentials WHERE owner = ?`, owner)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.CredentialRecord{}, ErrNotStored
	}
	if err != nil {
		return domain.CredentialRecord{}, fmt.Errorf("loading credential: %w", err)
	}
	return domain.CredentialRecord{Owner: row.Owner, Ciphertext: row.Ciphertext, UpdatedAt: row.UpdatedAt.Time}, nil
}

func (s *SQLTokenStore) Save(ctx context.Context, owner, sealed string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO credentials (owner, ciphertext, updated_at) VALUES (?, ?, ?)
ON CONFLICT(owner) DO UPDATE SET ciphertext = excluded.ciphertext, updated_at = excluded.updated_at`,
		owner, sealed, store.At(s.now()))
	if err != nil {
		return fmt.Errorf("saving credential: %w", err)
	}
	return nil
}

func (s *SQLTokenStore) Delete(ctx context.Context, owner string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE owner = ?`, owner); err != nil {
		return fmt.Errorf("deleting credential: %w", err)
	}
	return nil
}
