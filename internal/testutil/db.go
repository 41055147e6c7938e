package testutil

import (
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/livinlefevreloca/refimport/internal/db"
	"github.com/livinlefevreloca/refimport/tools/migrator"
)

// NewTestDB returns a migrated SQLite store in a temp directory, closed when
// the test ends. A file is used because every connection of a :memory: pool
// would get its own empty database.
func NewTestDB(t TestingT) *db.DB {
	t.Helper()

	store, err := db.Open("sqlite3", filepath.Join(t.TempDir(), "refimport.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	if err := migrator.RunMigrations(store.DB, db.Migrations()); err != nil {
		store.Close()
		t.Fatalf("failed to migrate test database: %v", err)
	}

	t.Cleanup(func() {
		store.Close()
	})

	return store
}
