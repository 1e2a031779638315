package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/SoilPipe/internal/models"
	"github.com/jmoiron/sqlx"
)

// Column lists shared by both dialects.
const (
	farmerColumns  = `id, name, phone_number, region, district, pin, active_session_id, created_at`
	deviceColumns  = `id, device_id, sim_number, farmer_id, api_token, is_active, created_at`
	readingColumns = `id, device_id, farmer_id, sampled_at, latitude, longitude, sample_number, sample_depth_cm,
		location_name, ph, moisture, temperature, nitrogen, phosphorus, potassium, created_at`
	sessionColumns        = `id, farmer_id, soil_reading_id, state, crop_name, created_at, updated_at`
	recommendationColumns = `id, soil_reading_id, type, content, created_at`
	messageLogColumns     = `id, farmer_id, direction, phone_number, content, status, gateway_id, created_at`
)

var errDSNNotSet = errors.New("database DSN not set")

// openSQL opens a pool, applies pool settings, verifies connectivity and runs migrations.
func openSQL(name, driver, dsn, dialect string, configure func(*sqlx.DB)) (*sqlx.DB, error) {
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		slog.Error(name+": open failed", "error", err)
		return nil, fmt.Errorf("failed to open %s: %w", driver, err)
	}
	if configure != nil {
		configure(db)
	}
	if err := db.Ping(); err != nil {
		slog.Error(name+": ping failed", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to reach %s: %w", driver, err)
	}
	if err := runMigrations(db.DB, dialect); err != nil {
		db.Close()
		return nil, err
	}
	slog.Debug(name + ": migrations applied")
	return db, nil
}

// sqlStore implements Store on any sqlx-supported database. Queries are written with
// "?" placeholders and rebound for the driver.
type sqlStore struct {
	db          *sqlx.DB
	name        string
	countryCode string
}

func (s *sqlStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		slog.Error(s.name+".InTx: begin failed", "error", err)
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(&sqlTx{tx: tx, name: s.name}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			slog.Error(s.name+".InTx: rollback failed", "error", rbErr)
		}
		slog.Debug(s.name+".InTx: rolled back", "error", err)
		return err
	}
	if err := tx.Commit(); err != nil {
		slog.Error(s.name+".InTx: commit failed", "error", err)
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *sqlStore) DeviceByToken(ctx context.Context, token string) (models.Device, error) {
	var d models.Device
	if token == "" {
		return d, fmt.Errorf("device: %w", models.ErrNotFound)
	}
	q := s.db.Rebind(`SELECT ` + deviceColumns + ` FROM devices WHERE api_token = ?`)
	if err := s.db.GetContext(ctx, &d, q, token); err != nil {
		return models.Device{}, notFound(err, "device")
	}
	return d, nil
}

func (s *sqlStore) FarmerByID(ctx context.Context, id string) (models.Farmer, error) {
	var f models.Farmer
	q := s.db.Rebind(`SELECT ` + farmerColumns + ` FROM farmers WHERE id = ?`)
	if err := s.db.GetContext(ctx, &f, q, id); err != nil {
		return models.Farmer{}, notFound(err, "farmer "+id)
	}
	return f, nil
}

func (s *sqlStore) FarmerByPhone(ctx context.Context, phone string) (models.Farmer, error) {
	phone = models.NormalizePhone(phone, s.countryCode)
	var f models.Farmer
	q := s.db.Rebind(`SELECT ` + farmerColumns + ` FROM farmers WHERE phone_number = ?`)
	if err := s.db.GetContext(ctx, &f, q, phone); err != nil {
		return models.Farmer{}, notFound(err, "farmer with phone "+phone)
	}
	return f, nil
}

func (s *sqlStore) ActiveSession(ctx context.Context, farmerID string) (models.Session, error) {
	var sess models.Session
	q := s.db.Rebind(`SELECT s.id, s.farmer_id, s.soil_reading_id, s.state, s.crop_name, s.created_at, s.updated_at
		FROM sessions s JOIN farmers f ON f.active_session_id = s.id
		WHERE f.id = ?`)
	if err := s.db.GetContext(ctx, &sess, q, farmerID); err != nil {
		return models.Session{}, notFound(err, "active session for farmer "+farmerID)
	}
	return sess, nil
}

func (s *sqlStore) Session(ctx context.Context, id string) (models.Session, error) {
	var sess models.Session
	q := s.db.Rebind(`SELECT ` + sessionColumns + ` FROM sessions WHERE id = ?`)
	if err := s.db.GetContext(ctx, &sess, q, id); err != nil {
		return models.Session{}, notFound(err, "session "+id)
	}
	return sess, nil
}

func (s *sqlStore) Reading(ctx context.Context, id string) (models.SoilReading, error) {
	var r models.SoilReading
	q := s.db.Rebind(`SELECT ` + readingColumns + ` FROM soil_readings WHERE id = ?`)
	if err := s.db.GetContext(ctx, &r, q, id); err != nil {
		return models.SoilReading{}, notFound(err, "reading "+id)
	}
	return r, nil
}

func (s *sqlStore) Recommendations(ctx context.Context, readingID string) ([]models.Recommendation, error) {
	var recs []models.Recommendation
	q := s.db.Rebind(`SELECT ` + recommendationColumns + ` FROM recommendations WHERE soil_reading_id = ? ORDER BY created_at, id`)
	if err := s.db.SelectContext(ctx, &recs, q, readingID); err != nil {
		slog.Error(s.name+".Recommendations: query failed", "reading_id", readingID, "error", err)
		return nil, fmt.Errorf("failed to query recommendations: %w", err)
	}
	return recs, nil
}

func (s *sqlStore) AddMessageLog(ctx context.Context, entry *models.MessageLogEntry) error {
	return insertMessageLog(ctx, s.db, s.name, entry)
}

func (s *sqlStore) MessageLogs(ctx context.Context, farmerID string) ([]models.MessageLogEntry, error) {
	var entries []models.MessageLogEntry
	q := s.db.Rebind(`SELECT ` + messageLogColumns + ` FROM message_logs WHERE farmer_id = ? ORDER BY created_at, seq`)
	if err := s.db.SelectContext(ctx, &entries, q, farmerID); err != nil {
		slog.Error(s.name+".MessageLogs: query failed", "farmer_id", farmerID, "error", err)
		return nil, fmt.Errorf("failed to query message logs: %w", err)
	}
	return entries, nil
}

func (s *sqlStore) SaveFarmer(ctx context.Context, f *models.Farmer) error {
	f.PhoneNumber = models.NormalizePhone(f.PhoneNumber, s.countryCode)
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now()
	}
	_, err := s.db.NamedExecContext(ctx, `INSERT INTO farmers (id, name, phone_number, region, district, pin, created_at)
		VALUES (:id, :name, :phone_number, :region, :district, :pin, :created_at)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			phone_number = excluded.phone_number,
			region = excluded.region,
			district = excluded.district,
			pin = excluded.pin`, f)
	if err != nil {
		slog.Error(s.name+".SaveFarmer failed", "farmer_id", f.ID, "error", err)
		return fmt.Errorf("failed to save farmer %s: %w", f.ID, err)
	}
	slog.Debug(s.name+".SaveFarmer succeeded", "farmer_id", f.ID)
	return nil
}

func (s *sqlStore) SaveDevice(ctx context.Context, d *models.Device) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now()
	}
	_, err := s.db.NamedExecContext(ctx, `INSERT INTO devices (id, device_id, sim_number, farmer_id, api_token, is_active, created_at)
		VALUES (:id, :device_id, :sim_number, :farmer_id, :api_token, :is_active, :created_at)
		ON CONFLICT (id) DO UPDATE SET
			device_id = excluded.device_id,
			sim_number = excluded.sim_number,
			farmer_id = excluded.farmer_id,
			api_token = excluded.api_token,
			is_active = excluded.is_active`, d)
	if err != nil {
		slog.Error(s.name+".SaveDevice failed", "device_id", d.DeviceID, "error", err)
		return fmt.Errorf("failed to save device %s: %w", d.DeviceID, err)
	}
	slog.Debug(s.name+".SaveDevice succeeded", "device_id", d.DeviceID)
	return nil
}

func (s *sqlStore) Close() error {
	slog.Debug(s.name + ".Close: closing database connection")
	return s.db.Close()
}

// sqlTx is the write side bound to one database transaction.
type sqlTx struct {
	tx   *sqlx.Tx
	name string
}

func (t *sqlTx) CreateReading(ctx context.Context, r *models.SoilReading) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now()
	}
	_, err := t.tx.NamedExecContext(ctx, `INSERT INTO soil_readings (`+readingColumns+`)
		VALUES (:id, :device_id, :farmer_id, :sampled_at, :latitude, :longitude, :sample_number, :sample_depth_cm,
			:location_name, :ph, :moisture, :temperature, :nitrogen, :phosphorus, :potassium, :created_at)`, r)
	if err != nil {
		slog.Error(t.name+".CreateReading failed", "reading_id", r.ID, "error", err)
		return fmt.Errorf("failed to insert reading %s: %w", r.ID, err)
	}
	return nil
}

func (t *sqlTx) AddRecommendation(ctx context.Context, rec *models.Recommendation) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now()
	}
	_, err := t.tx.NamedExecContext(ctx, `INSERT INTO recommendations (`+recommendationColumns+`)
		VALUES (:id, :soil_reading_id, :type, :content, :created_at)`, rec)
	if err != nil {
		slog.Error(t.name+".AddRecommendation failed", "reading_id", rec.SoilReadingID, "error", err)
		return fmt.Errorf("failed to insert recommendation: %w", err)
	}
	return nil
}

func (t *sqlTx) OpenSession(ctx context.Context, sess *models.Session) error {
	stampSession(sess)
	_, err := t.tx.NamedExecContext(ctx, `INSERT INTO sessions (`+sessionColumns+`)
		VALUES (:id, :farmer_id, :soil_reading_id, :state, :crop_name, :created_at, :updated_at)`, sess)
	if err != nil {
		slog.Error(t.name+".OpenSession: insert failed", "farmer_id", sess.FarmerID, "error", err)
		return fmt.Errorf("failed to insert session: %w", err)
	}

	res, err := t.tx.ExecContext(ctx, t.tx.Rebind(`UPDATE farmers SET active_session_id = ? WHERE id = ?`), sess.ID, sess.FarmerID)
	if err != nil {
		slog.Error(t.name+".OpenSession: pointer swap failed", "farmer_id", sess.FarmerID, "error", err)
		return fmt.Errorf("failed to activate session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("farmer %s: %w", sess.FarmerID, models.ErrNotFound)
	}
	slog.Debug(t.name+".OpenSession succeeded", "farmer_id", sess.FarmerID, "session_id", sess.ID)
	return nil
}

func (t *sqlTx) AdvanceSession(ctx context.Context, sessionID string, from, to models.SessionState, cropName string) error {
	if err := models.ValidateTransition(from, to); err != nil {
		return err
	}

	res, err := t.tx.ExecContext(ctx, t.tx.Rebind(`UPDATE sessions
		SET state = ?, crop_name = COALESCE(NULLIF(?, ''), crop_name), updated_at = ?
		WHERE id = ? AND state = ?`), to, cropName, now(), sessionID, from)
	if err != nil {
		slog.Error(t.name+".AdvanceSession: update failed", "session_id", sessionID, "error", err)
		return fmt.Errorf("failed to update session %s: %w", sessionID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		err := t.tx.GetContext(ctx, &exists, t.tx.Rebind(`SELECT COUNT(*) FROM sessions WHERE id = ?`), sessionID)
		if err != nil {
			return fmt.Errorf("failed to check session %s: %w", sessionID, err)
		}
		if exists == 0 {
			return fmt.Errorf("session %s: %w", sessionID, models.ErrNotFound)
		}
		return fmt.Errorf("session %s left %s: %w", sessionID, from, models.ErrSessionConflict)
	}

	if to.IsTerminal() {
		if _, err := t.tx.ExecContext(ctx, t.tx.Rebind(`UPDATE farmers SET active_session_id = NULL WHERE active_session_id = ?`), sessionID); err != nil {
			slog.Error(t.name+".AdvanceSession: pointer clear failed", "session_id", sessionID, "error", err)
			return fmt.Errorf("failed to clear active session: %w", err)
		}
	}
	slog.Debug(t.name+".AdvanceSession succeeded", "session_id", sessionID, "from", from, "to", to)
	return nil
}

func (t *sqlTx) AddMessageLog(ctx context.Context, entry *models.MessageLogEntry) error {
	return insertMessageLog(ctx, t.tx, t.name, entry)
}

func insertMessageLog(ctx context.Context, ext sqlx.ExtContext, name string, entry *models.MessageLogEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now()
	}
	_, err := sqlx.NamedExecContext(ctx, ext, `INSERT INTO message_logs (`+messageLogColumns+`)
		VALUES (:id, :farmer_id, :direction, :phone_number, :content, :status, :gateway_id, :created_at)`, entry)
	if err != nil {
		slog.Error(name+".AddMessageLog failed", "farmer_id", entry.FarmerID, "direction", entry.Direction, "error", err)
		return fmt.Errorf("failed to insert message log: %w", err)
	}
	return nil
}
