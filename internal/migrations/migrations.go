// Package migrations applies the PostgreSQL schema used by the postgres graph
// backend and the run lease table.
package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	"github.com/lawgraph/ingest/pkg/logger"
)

//go:embed sql/*.sql
var files embed.FS

// Up applies every pending migration. It is a no-op on an up-to-date schema.
func Up(databaseURL string) (uint, error) {
	m, closeFn, err := open(databaseURL)
	if err != nil {
		return 0, err
	}
	defer closeFn()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, fmt.Errorf("apply migrations: %w", err)
	}
	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	if dirty {
		return version, fmt.Errorf("schema version %d is dirty", version)
	}
	logger.Info("[Migrate] Schema up to date", "version", version)
	return version, nil
}

// Down rolls back steps migrations.
func Down(databaseURL string, steps int) error {
	m, closeFn, err := open(databaseURL)
	if err != nil {
		return err
	}
	defer closeFn()

	if err := m.Steps(-steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("roll back migrations: %w", err)
	}
	return nil
}

func open(databaseURL string) (*migrate.Migrate, func(), error) {
	if databaseURL == "" {
		return nil, nil, errors.New("DATABASE_URL is empty")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("init migrate driver: %w", err)
	}
	src, err := iofs.New(files, "sql")
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("load migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("init migrate: %w", err)
	}
	return m, func() {
		_, _ = m.Close()
	}, nil
}
