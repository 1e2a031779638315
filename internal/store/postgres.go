package store

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// Connection pool limits for PostgreSQL.
const (
	DefaultMaxOpenConns    = 25
	DefaultMaxIdleConns    = 25
	DefaultConnMaxLifetime = 5 * time.Minute
)

// PostgresStore is a Store on PostgreSQL.
type PostgresStore struct {
	sqlStore
}

// NewPostgresStore connects to PostgreSQL and applies pending migrations.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	cfg := applyOptions(opts)
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres: %w", errDSNNotSet)
	}

	db, err := openSQL("PostgresStore", "postgres", cfg.DSN, DSNTypePostgres, func(db *sqlx.DB) {
		db.SetMaxOpenConns(DefaultMaxOpenConns)
		db.SetMaxIdleConns(DefaultMaxIdleConns)
		db.SetConnMaxLifetime(DefaultConnMaxLifetime)
	})
	if err != nil {
		return nil, err
	}
	slog.Info("PostgresStore: ready")
	return &PostgresStore{sqlStore{db: db, name: "PostgresStore", countryCode: cfg.CountryCode}}, nil
}

// Open creates the store matching dsn's type. opts are applied after the DSN.
func Open(dsn string, opts ...Option) (Store, error) {
	if DetectDSNType(dsn) == DSNTypePostgres {
		return NewPostgresStore(append([]Option{WithPostgresDSN(dsn)}, opts...)...)
	}
	return NewSQLiteStore(append([]Option{WithSQLiteDSN(dsn)}, opts...)...)
}
