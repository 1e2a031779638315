// Package store provides storage backends for SoilPipe.
//
// It includes an in-memory store for tests and local runs, plus SQLite and PostgreSQL
// stores sharing one SQL implementation. All writes that must land together (a reading
// with its recommendation and session, or a session transition with its recommendation)
// go through InTx.
package store

import (
	"context"
	"strings"

	"github.com/BTreeMap/SoilPipe/internal/models"
)

// Store is the persistence gateway used by the pipeline.
type Store interface {
	// InTx runs fn in one unit of work. fn must only use the supplied Tx; if it returns
	// an error nothing it wrote is kept.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	// DeviceByToken returns the device whose API token matches, or models.ErrNotFound.
	DeviceByToken(ctx context.Context, token string) (models.Device, error)
	FarmerByID(ctx context.Context, id string) (models.Farmer, error)
	FarmerByPhone(ctx context.Context, phone string) (models.Farmer, error)
	// ActiveSession returns the session the farmer's active pointer references, or models.ErrNotFound.
	ActiveSession(ctx context.Context, farmerID string) (models.Session, error)
	Session(ctx context.Context, id string) (models.Session, error)
	Reading(ctx context.Context, id string) (models.SoilReading, error)
	Recommendations(ctx context.Context, readingID string) ([]models.Recommendation, error)

	AddMessageLog(ctx context.Context, entry *models.MessageLogEntry) error
	// MessageLogs lists a farmer's log entries oldest first.
	MessageLogs(ctx context.Context, farmerID string) ([]models.MessageLogEntry, error)

	// SaveFarmer inserts or updates a farmer. The active session pointer is left untouched.
	SaveFarmer(ctx context.Context, f *models.Farmer) error
	// SaveDevice inserts or updates a device.
	SaveDevice(ctx context.Context, d *models.Device) error

	Close() error
}

// Tx is the write side of a unit of work.
type Tx interface {
	CreateReading(ctx context.Context, r *models.SoilReading) error
	AddRecommendation(ctx context.Context, rec *models.Recommendation) error
	// OpenSession inserts s and makes it the farmer's active session.
	OpenSession(ctx context.Context, s *models.Session) error
	// AdvanceSession moves a session from one state to another. It fails with
	// models.ErrInvalidTransition for pairs outside the transition table and with
	// models.ErrSessionConflict when the stored state is no longer from. A non-empty
	// cropName is recorded on the session. Reaching a terminal state clears the
	// farmer's active pointer.
	AdvanceSession(ctx context.Context, sessionID string, from, to models.SessionState, cropName string) error
	AddMessageLog(ctx context.Context, entry *models.MessageLogEntry) error
}

// Opts holds configuration options for stores.
type Opts struct {
	DSN string
	// CountryCode internationalizes local farmer phone numbers on save and lookup.
	CountryCode string
}

// Option defines a configuration option for stores.
type Option func(*Opts)

// WithCountryCode sets the country code used to canonicalize farmer phone numbers.
func WithCountryCode(code string) Option {
	return func(o *Opts) { o.CountryCode = code }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DSN types returned by DetectDSNType.
const (
	DSNTypePostgres = "postgres"
	DSNTypeSQLite   = "sqlite3"
)

// DetectDSNType reports whether dsn addresses PostgreSQL or a SQLite file.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return DSNTypePostgres
	}
	if strings.Contains(lower, "host=") || strings.Contains(lower, "dbname=") {
		return DSNTypePostgres
	}
	return DSNTypeSQLite
}

func applyOptions(opts []Option) Opts {
	cfg := Opts{CountryCode: models.DefaultCountryCode}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.CountryCode == "" {
		cfg.CountryCode = models.DefaultCountryCode
	}
	return cfg
}
