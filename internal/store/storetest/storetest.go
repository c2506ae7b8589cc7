// Package storetest builds in-memory stores for tests in other packages.
package storetest

import (
	"context"
	"testing"

	"github.com/jmoiron/sqlx"

	"pagewatch/internal/secret"
	"pagewatch/internal/store"
)

const TestKey = "storetest-encryption-key"

// NewDB opens a migrated in-memory database that is closed when the test ends.
func NewDB(t *testing.T) *sqlx.DB {
	t.Helper()

	db, err := store.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Errorf("closing test db: %v", err)
		}
	})
	return db
}

func NewSealer(t *testing.T) *secret.Sealer {
	t.Helper()

	s, err := secret.NewSealer(TestKey)
	if err != nil {
		t.Fatalf("creating sealer: %v", err)
	}
	return s
}

// NewStore returns a Store over a fresh in-memory database.
func NewStore(t *testing.T) *store.Store {
	t.Helper()
	return store.New(NewDB(t), NewSealer(t))
}
