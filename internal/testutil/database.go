package testutil

import (
	"testing"

	"github.com/wpinney/testchat/internal/chat"
	"github.com/wpinney/testchat/internal/database"
)

// NewTestStore creates a new in-memory SQLite store with migrations applied.
// The store is automatically closed when the test completes.
func NewTestStore(t *testing.T, clock chat.Clock) *database.SQLiteStore {
	t.Helper()

	store, err := database.NewSQLiteStore(database.MemoryPath, clock)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}

	if err := store.MigrateUp(); err != nil {
		store.Close()
		t.Fatalf("failed to apply migrations: %v", err)
	}

	t.Cleanup(func() {
		store.Close()
	})

	return store
}
