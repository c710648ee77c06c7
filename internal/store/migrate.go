package store

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/matheus3301/chatsync/internal/store/migrations"
)

// ErrDirtySchema means a previous migration failed halfway. The cache has to
// be deleted and rebuilt from the remote.
var ErrDirtySchema = errors.New("cache schema is dirty")

// MigrateResult reports the schema version before and after a migration run.
type MigrateResult struct {
	From    uint
	Version uint
	Changed bool
}

// Migrate brings the cache schema up to the newest embedded migration.
func (db *DB) Migrate() (*MigrateResult, error) {
	return db.migrate(func(m *migrate.Migrate) error { return m.Up() })
}

// MigrateTo moves the schema to version, up or down. Version 0 drops
// everything.
func (db *DB) MigrateTo(version uint) (*MigrateResult, error) {
	if version == 0 {
		return db.migrate(func(m *migrate.Migrate) error { return m.Down() })
	}
	return db.migrate(func(m *migrate.Migrate) error { return m.Migrate(version) })
}

func (db *DB) migrate(step func(*migrate.Migrate) error) (*MigrateResult, error) {
	m, err := db.migrator()
	if err != nil {
		return nil, err
	}

	from, err := schemaVersion(m)
	if err != nil {
		return nil, err
	}
	if err := step(m); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return nil, fmt.Errorf("migrate from v%d: %w", from, err)
	}
	to, err := schemaVersion(m)
	if err != nil {
		return nil, err
	}
	return &MigrateResult{From: from, Version: to, Changed: from != to}, nil
}

// migrator is never closed: closing the sqlite3 driver would close db.
func (db *DB) migrator() (*migrate.Migrate, error) {
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return nil, fmt.Errorf("migration source: %w", err)
	}
	drv, err := sqlite3.WithInstance(db.DB.DB, &sqlite3.Config{})
	if err != nil {
		return nil, fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", drv)
	if err != nil {
		return nil, fmt.Errorf("migration instance: %w", err)
	}
	return m, nil
}

func schemaVersion(m *migrate.Migrate) (uint, error) {
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("schema version: %w", err)
	}
	if dirty {
		return v, fmt.Errorf("%w at v%d", ErrDirtySchema, v)
	}
	return v, nil
}
