package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepostgres "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationFiles embed.FS

// migrationLogger adapts slog to migrate.Logger.
type migrationLogger struct {
	name string
}

func (l migrationLogger) Printf(format string, v ...any) {
	slog.Debug(l.name+" migration: "+fmt.Sprintf(format, v...))
}

func (l migrationLogger) Verbose() bool {
	return false
}

// runMigrations applies every pending embedded migration for the given dialect.
func runMigrations(db *sql.DB, dialect string) error {
	var (
		dir    string
		driver database.Driver
		err    error
	)
	switch dialect {
	case DSNTypeSQLite:
		dir = "migrations/sqlite"
		driver, err = migratesqlite.WithInstance(db, &migratesqlite.Config{})
	case DSNTypePostgres:
		dir = "migrations/postgres"
		driver, err = migratepostgres.WithInstance(db, &migratepostgres.Config{})
	default:
		return fmt.Errorf("unsupported migration dialect %q", dialect)
	}
	if err != nil {
		return fmt.Errorf("failed to create %s migration driver: %w", dialect, err)
	}

	src, err := iofs.New(migrationFiles, dir)
	if err != nil {
		return fmt.Errorf("failed to open embedded migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, dialect, driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	m.Log = migrationLogger{name: dialect}

	// m.Close is not called: it would close db, which the store keeps using.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		version, dirty, _ := m.Version()
		slog.Error("Migrations failed", "dialect", dialect, "version", version, "dirty", dirty, "error", err)
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	version, _, _ := m.Version()
	slog.Debug("Migrations applied", "dialect", dialect, "version", version)
	return nil
}
