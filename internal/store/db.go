// Package store persists tasks, settings and notifications in SQLite.
package store

import (
	"context"
	"database/sql/driver"
	"embed"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"pagewatch/internal/secret"
)

var ErrNotFound = errors.New("not found")

//go:embed migrations/*.sql
var migrations embed.FS

// goose keeps its base FS and dialect in package state.
var migrateMu sync.Mutex

// Open opens (or creates) the SQLite database at path and applies pending
// migrations. ":memory:" yields a private in-memory database.
func Open(ctx context.Context, path string) (*sqlx.DB, error) {
	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?mode=rwc&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	}
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite single writer; also keeps :memory: on one connection

	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func migrate(ctx context.Context, db *sqlx.DB) error {
	migrateMu.Lock()
	defer migrateMu.Unlock()

	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("setting migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db.DB, "migrations"); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

// timeLayout is fixed width so that TEXT comparison in SQL orders correctly.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Timestamp is a time stored as fixed-width UTC text.
type Timestamp struct{ time.Time }

func At(t time.Time) Timestamp { return Timestamp{t} }

func (t Timestamp) Value() (driver.Value, error) {
	return t.UTC().Format(timeLayout), nil
}

func (t *Timestamp) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		t.Time = time.Time{}
		return nil
	case time.Time:
		t.Time = v.UTC()
		return nil
	case []byte:
		return t.parse(string(v))
	case string:
		return t.parse(v)
	default:
		return fmt.Errorf("scanning timestamp from %T", src)
	}
}

func (t *Timestamp) parse(s string) error {
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	t.Time = parsed.UTC()
	return nil
}

// Store is the SQLite implementation of the task, settings and notification
// persistence used by the watcher, notifier and retention packages.
type Store struct {
	db     *sqlx.DB
	sealer *secret.Sealer
	now    func() time.Time
}

func New(db *sqlx.DB, sealer *secret.Sealer) *Store {
	return &Store{db: db, sealer: sealer, now: time.Now}
}

func (s *Store) DB() *sqlx.DB { return s.db }
