package store

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/codeGROOVE-dev/parlor/pkg/store/migrations"
)

// MigrateResult describes what happened during migration.
type MigrateResult struct {
	Version uint
	Dirty   bool
	Changed bool
}

// Migrate runs all pending SQLite migrations.
func (s *SQLite) Migrate() (*MigrateResult, error) {
	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return nil, fmt.Errorf("migration driver: %w", err)
	}
	return migrateUp("sqlite", "sqlite3", driver)
}

// Migrate runs all pending Postgres migrations over a database/sql view of the pool.
func (p *Postgres) Migrate() (*MigrateResult, error) {
	db := stdlib.OpenDBFromPool(p.pool)
	defer func() { _ = db.Close() }() //nolint:errcheck // the pool outlives this handle

	driver, err := migratepgx.WithInstance(db, &migratepgx.Config{})
	if err != nil {
		return nil, fmt.Errorf("migration driver: %w", err)
	}
	return migrateUp("postgres", "pgx5", driver)
}

func migrateUp(dir, driverName string, driver database.Driver) (*MigrateResult, error) {
	source, err := iofs.New(migrations.FS, dir)
	if err != nil {
		return nil, fmt.Errorf("migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, driverName, driver)
	if err != nil {
		return nil, fmt.Errorf("migration instance: %w", err)
	}

	err = m.Up()
	changed := true
	if errors.Is(err, migrate.ErrNoChange) {
		changed = false
		err = nil
	}
	if err != nil {
		return nil, fmt.Errorf("migration up: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return nil, fmt.Errorf("migration version: %w", err)
	}
	return &MigrateResult{Version: version, Dirty: dirty, Changed: changed}, nil
}

// Migrator is implemented by stores with a schema.
type Migrator interface {
	Migrate() (*MigrateResult, error)
}

var (
	_ Migrator = (*SQLite)(nil)
	_ Migrator = (*Postgres)(nil)
)
