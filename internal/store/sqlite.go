package store

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultDirPermissions is applied to a database file's parent directory when it is created.
	DefaultDirPermissions = 0o755
	// sqliteDSNParams enables foreign keys and waits on locks instead of failing.
	sqliteDSNParams = "_foreign_keys=on&_busy_timeout=5000"
	sqliteMemory    = ":memory:"
)

// SQLiteStore is a Store on a local SQLite file.
type SQLiteStore struct {
	sqlStore
}

// NewSQLiteStore opens (and migrates) the SQLite database named by the DSN, a file
// path optionally prefixed with "file:". Missing parent directories are created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	cfg := applyOptions(opts)
	if cfg.DSN == "" {
		return nil, fmt.Errorf("sqlite: %w", errDSNNotSet)
	}

	path := sqlitePath(cfg.DSN)
	if path != sqliteMemory {
		if err := os.MkdirAll(filepath.Dir(path), DefaultDirPermissions); err != nil {
			slog.Error("SQLiteStore: cannot create database directory", "dir", filepath.Dir(path), "error", err)
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := cfg.DSN
	if !strings.Contains(dsn, "?") {
		dsn += "?" + sqliteDSNParams
	}
	db, err := openSQL("SQLiteStore", "sqlite3", dsn, DSNTypeSQLite, func(db *sqlx.DB) {
		// Every connection to :memory: is a distinct database.
		if path == sqliteMemory {
			db.SetMaxOpenConns(1)
		}
	})
	if err != nil {
		return nil, err
	}
	slog.Info("SQLiteStore: ready", "path", path)
	return &SQLiteStore{sqlStore{db: db, name: "SQLiteStore", countryCode: cfg.CountryCode}}, nil
}

// sqlitePath strips the "file:" scheme and query parameters from a SQLite DSN.
func sqlitePath(dsn string) string {
	path, _, _ := strings.Cut(dsn, "?")
	return strings.TrimPrefix(path, "file:")
}
