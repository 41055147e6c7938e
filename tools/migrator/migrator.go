package migrator

import (
	"database/sql"
	"io/fs"
	"os"
	"slices"
	"strings"

	"github.com/cockroachdb/errors"
)

// advisoryLockKey serializes concurrent migrators on postgres.
const advisoryLockKey = 725104113

// Source returns the migrations to apply: dir on disk when set, the
// embedded fallback otherwise.
func Source(dir string, fallback fs.FS) fs.FS {
	if dir == "" {
		return fallback
	}
	return os.DirFS(dir)
}

// RunMigrations applies all pending migrations found in fsys.
func RunMigrations(db *sql.DB, fsys fs.FS) error {
	driver := detectDriver(db)

	if err := createSchemaTable(db); err != nil {
		return errors.Wrap(err, "create schema table")
	}

	if err := acquireLock(db, driver); err != nil {
		return errors.Wrap(err, "acquire migration lock")
	}
	defer releaseLock(db, driver)

	migrations, err := LoadMigrations(fsys)
	if err != nil {
		return errors.Wrap(err, "load migrations")
	}

	applied, err := GetAppliedMigrations(db)
	if err != nil {
		return errors.Wrap(err, "read applied migrations")
	}

	pending, err := pendingMigrations(migrations, applied)
	if err != nil {
		return err
	}

	appliedSet := make(map[int]bool, len(applied))
	for _, v := range applied {
		appliedSet[v] = true
	}

	for _, m := range pending {
		for _, dep := range m.Dependencies {
			if !appliedSet[dep] {
				return errors.Newf("migration %d depends on version %d which has not been applied", m.Version, dep)
			}
		}

		if err := applyMigration(db, driver, m); err != nil {
			return errors.Wrapf(err, "apply migration %d (%s)", m.Version, m.Name)
		}
		appliedSet[m.Version] = true
	}

	return nil
}

// pendingMigrations returns the migrations not applied yet. History only
// moves forward: a pending version below the highest applied one is an error.
func pendingMigrations(migrations []Migration, applied []int) ([]Migration, error) {
	var pending []Migration
	for _, m := range migrations {
		if !slices.Contains(applied, m.Version) {
			pending = append(pending, m)
		}
	}

	if len(applied) == 0 || len(pending) == 0 {
		return pending, nil
	}

	maxApplied := slices.Max(applied)
	for _, m := range pending {
		if m.Version < maxApplied {
			return nil, errors.Newf("cannot apply migration %d: version %d is already applied (migrations must be applied in order)", m.Version, maxApplied)
		}
	}

	return pending, nil
}

// GetCurrentVersion returns the highest applied migration version.
// Returns 0 if no migrations have been applied.
func GetCurrentVersion(db *sql.DB) (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		if isMissingTable(err) {
			return 0, nil
		}
		return 0, err
	}

	return version, nil
}

// GetAppliedMigrations returns a slice of all applied migration versions, sorted.
func GetAppliedMigrations(db *sql.DB) ([]int, error) {
	rows, err := db.Query("SELECT version FROM schema_migrations ORDER BY version")
	if err != nil {
		if isMissingTable(err) {
			return []int{}, nil
		}
		return nil, err
	}
	defer rows.Close()

	versions := []int{}
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		versions = append(versions, version)
	}

	return versions, rows.Err()
}

func isMissingTable(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "no such table") || strings.Contains(msg, "does not exist")
}

func createSchemaTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	return err
}

// execer is satisfied by both *sql.DB and *sql.Tx
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func runMigration(e execer, driver string, m Migration) error {
	if _, err := e.Exec(m.UpSQL); err != nil {
		return errors.Wrap(err, "execute SQL")
	}

	record := "INSERT INTO schema_migrations (version) VALUES (" + placeholder(driver, 1) + ")"
	if _, err := e.Exec(record, m.Version); err != nil {
		return errors.Wrap(err, "record migration")
	}
	return nil
}

func applyMigration(db *sql.DB, driver string, m Migration) error {
	if m.NoTransaction {
		return runMigration(db, driver, m)
	}

	tx, err := db.Begin()
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}

	if err := runMigration(tx, driver, m); err != nil {
		tx.Rollback()
		return err
	}

	return errors.Wrap(tx.Commit(), "commit migration")
}

func placeholder(driver string, n int) string {
	if driver == "postgres" {
		return "$" + string(rune('0'+n))
	}
	return "?"
}

func acquireLock(db *sql.DB, driver string) error {
	if driver != "postgres" {
		// sqlite relies on its file lock
		return nil
	}
	_, err := db.Exec("SELECT pg_advisory_lock($1)", advisoryLockKey)
	return err
}

func releaseLock(db *sql.DB, driver string) error {
	if driver != "postgres" {
		return nil
	}
	_, err := db.Exec("SELECT pg_advisory_unlock($1)", advisoryLockKey)
	return err
}

// detectDriver guesses the driver behind db, since sql.DB does not expose it.
func detectDriver(db *sql.DB) string {
	var version string
	if err := db.QueryRow("SELECT sqlite_version()").Scan(&version); err == nil {
		return "sqlite3"
	}

	if err := db.QueryRow("SELECT version()").Scan(&version); err == nil &&
		strings.Contains(strings.ToLower(version), "postgresql") {
		return "postgres"
	}

	return "sqlite3"
}
