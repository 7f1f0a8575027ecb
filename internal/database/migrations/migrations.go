package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed files/*.sql
var migrationFiles embed.FS

// Status describes where a database stands relative to the embedded migrations.
type Status struct {
	Version uint // 0 when no migration has been applied
	Latest  uint
	Dirty   bool
}

// Pending returns the number of migrations not yet applied.
func (s Status) Pending() uint {
	if s.Version >= s.Latest {
		return 0
	}
	return s.Latest - s.Version
}

// GetStatus reports the applied and latest schema versions.
func GetStatus(db *sql.DB) (Status, error) {
	m, err := newMigrate(db)
	if err != nil {
		return Status{}, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	// m is not closed: closing it would close db, which the caller owns.

	latest, err := latestVersion()
	if err != nil {
		return Status{}, fmt.Errorf("failed to determine latest version: %w", err)
	}

	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return Status{Latest: latest}, nil
	}
	if err != nil {
		return Status{}, fmt.Errorf("failed to get database version: %w", err)
	}

	return Status{Version: version, Latest: latest, Dirty: dirty}, nil
}

// CheckDBMigrationStatus verifies that the database schema is up-to-date.
// Returns nil if the database is at the latest version.
func CheckDBMigrationStatus(db *sql.DB) error {
	st, err := GetStatus(db)
	if err != nil {
		return err
	}

	switch {
	case st.Version == 0:
		return fmt.Errorf("database has no schema version (needs migration)")
	case st.Dirty:
		return fmt.Errorf("database is in dirty state at version %d (migration failed previously)", st.Version)
	case st.Version < st.Latest:
		return fmt.Errorf("database is at version %d but latest is %d (%d migrations behind)",
			st.Version, st.Latest, st.Pending())
	case st.Version > st.Latest:
		return fmt.Errorf("database version %d is ahead of binary version %d (binary needs update)",
			st.Version, st.Latest)
	}
	return nil
}

// MigrateUp runs all pending migrations to bring database to latest version.
func MigrateUp(db *sql.DB) error {
	m, err := newMigrate(db)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			return nil
		}
		return fmt.Errorf("migration failed: %w", err)
	}

	return nil
}

// newMigrate creates a new migrate instance for the given database.
func newMigrate(db *sql.DB) (*migrate.Migrate, error) {
	sourceDriver, err := iofs.New(migrationFiles, "files")
	if err != nil {
		return nil, fmt.Errorf("failed to create source driver: %w", err)
	}

	dbDriver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		sourceDriver.Close()
		return nil, fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", dbDriver)
	if err != nil {
		sourceDriver.Close()
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}

	return m, nil
}

// latestVersion returns the highest version among the embedded migrations.
func latestVersion() (uint, error) {
	src, err := iofs.New(migrationFiles, "files")
	if err != nil {
		return 0, fmt.Errorf("failed to read migration files: %w", err)
	}
	defer src.Close()

	return lastVersion(src)
}

func lastVersion(src source.Driver) (uint, error) {
	version, err := src.First()
	if err != nil {
		return 0, err
	}

	// Next returns an error once there are no more migrations.
	for {
		next, err := src.Next(version)
		if err != nil {
			return version, nil
		}
		version = next
	}
}
