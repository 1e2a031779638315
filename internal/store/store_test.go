package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BTreeMap/SoilPipe/internal/models"
	"github.com/google/uuid"
)

type fixture struct {
	farmer models.Farmer
	device models.Device
}

func seed(t *testing.T, s Store) fixture {
	t.Helper()
	ctx := context.Background()
	suffix := uuid.NewString()[:8]
	f := models.Farmer{
		ID:          uuid.NewString(),
		Name:        "Jane Nakato",
		PhoneNumber: fmt.Sprintf("+256700%06d", uuid.New().ID()%1000000),
		Region:      "Central",
		District:    "Wakiso",
		PIN:         "4821",
	}
	if err := s.SaveFarmer(ctx, &f); err != nil {
		t.Fatalf("SaveFarmer: %v", err)
	}
	farmerID := f.ID
	d := models.Device{
		ID:       uuid.NewString(),
		DeviceID: "SENSOR-" + suffix,
		FarmerID: &farmerID,
		APIToken: "token-" + suffix,
		IsActive: true,
	}
	if err := s.SaveDevice(ctx, &d); err != nil {
		t.Fatalf("SaveDevice: %v", err)
	}
	return fixture{farmer: f, device: d}
}

func newReading(fx fixture) *models.SoilReading {
	return &models.SoilReading{
		ID:           uuid.NewString(),
		DeviceID:     fx.device.ID,
		FarmerID:     fx.farmer.ID,
		Timestamp:    time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC),
		Latitude:     0.3476,
		Longitude:    32.5825,
		SampleNumber: 1,
		LocationName: "Kampala",
		SoilProperties: models.SoilProperties{
			PH: 6.5, Moisture: 40, Temperature: 24, Nitrogen: 30, Phosphorus: 15, Potassium: 120,
		},
	}
}

// openSession writes a reading, a recommendation and a session in one unit of work.
func openSession(t *testing.T, s Store, fx fixture) (*models.SoilReading, *models.Session) {
	t.Helper()
	r := newReading(fx)
	sess := &models.Session{ID: uuid.NewString(), FarmerID: fx.farmer.ID, SoilReadingID: r.ID}
	err := s.InTx(context.Background(), func(tx Tx) error {
		if err := tx.CreateReading(context.Background(), r); err != nil {
			return err
		}
		rec := &models.Recommendation{ID: uuid.NewString(), SoilReadingID: r.ID, Type: models.RecommendationCropSuggestion, Content: "1. MAIZE"}
		if err := tx.AddRecommendation(context.Background(), rec); err != nil {
			return err
		}
		return tx.OpenSession(context.Background(), sess)
	})
	if err != nil {
		t.Fatalf("InTx: %v", err)
	}
	return r, sess
}

func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("lookups", func(t *testing.T) {
		s := newStore(t)
		fx := seed(t, s)

		d, err := s.DeviceByToken(ctx, fx.device.APIToken)
		if err != nil {
			t.Fatalf("DeviceByToken: %v", err)
		}
		if d.ID != fx.device.ID || !d.IsActive || d.FarmerID == nil || *d.FarmerID != fx.farmer.ID {
			t.Errorf("unexpected device: %+v", d)
		}
		if _, err := s.DeviceByToken(ctx, "nope"); !errors.Is(err, models.ErrNotFound) {
			t.Errorf("expected ErrNotFound for unknown token, got %v", err)
		}
		if _, err := s.DeviceByToken(ctx, ""); !errors.Is(err, models.ErrNotFound) {
			t.Errorf("expected ErrNotFound for empty token, got %v", err)
		}

		f, err := s.FarmerByPhone(ctx, fx.farmer.PhoneNumber)
		if err != nil {
			t.Fatalf("FarmerByPhone: %v", err)
		}
		if f.ID != fx.farmer.ID || f.PIN != "4821" || f.ActiveSessionID != nil {
			t.Errorf("unexpected farmer: %+v", f)
		}
		if _, err := s.FarmerByID(ctx, uuid.NewString()); !errors.Is(err, models.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		if _, err := s.ActiveSession(ctx, fx.farmer.ID); !errors.Is(err, models.ErrNotFound) {
			t.Errorf("expected no active session, got %v", err)
		}
	})

	t.Run("phone numbers are canonical", func(t *testing.T) {
		s := newStore(t)
		subscriber := fmt.Sprintf("772%06d", uuid.New().ID()%1000000)
		want := "+256" + subscriber
		f := models.Farmer{ID: uuid.NewString(), Name: "Peter Okello", PhoneNumber: "0" + subscriber[:3] + " " + subscriber[3:], PIN: "1234"}
		if err := s.SaveFarmer(ctx, &f); err != nil {
			t.Fatalf("SaveFarmer: %v", err)
		}
		if f.PhoneNumber != want {
			t.Errorf("expected stored number %s, got %q", want, f.PhoneNumber)
		}
		for _, phone := range []string{want, "256" + subscriber, "0" + subscriber, subscriber} {
			got, err := s.FarmerByPhone(ctx, phone)
			if err != nil {
				t.Errorf("FarmerByPhone(%q): %v", phone, err)
				continue
			}
			if got.ID != f.ID || got.PhoneNumber != want {
				t.Errorf("FarmerByPhone(%q) = %+v", phone, got)
			}
		}
		if _, err := s.FarmerByPhone(ctx, "0612000000"); !errors.Is(err, models.ErrNotFound) {
			t.Errorf("expected ErrNotFound for other number, got %v", err)
		}
		if _, err := s.FarmerByPhone(ctx, ""); !errors.Is(err, models.ErrNotFound) {
			t.Errorf("expected ErrNotFound for empty number, got %v", err)
		}
	})

	t.Run("ingest unit of work", func(t *testing.T) {
		s := newStore(t)
		fx := seed(t, s)
		r, sess := openSession(t, s, fx)

		got, err := s.Reading(ctx, r.ID)
		if err != nil {
			t.Fatalf("Reading: %v", err)
		}
		if got.PH != 6.5 || got.Potassium != 120 || got.LocationName != "Kampala" || !got.Timestamp.Equal(r.Timestamp) {
			t.Errorf("unexpected reading: %+v", got)
		}

		active, err := s.ActiveSession(ctx, fx.farmer.ID)
		if err != nil {
			t.Fatalf("ActiveSession: %v", err)
		}
		if active.ID != sess.ID || active.State != models.StateAwaitingChoice {
			t.Errorf("unexpected active session: %+v", active)
		}

		recs, err := s.Recommendations(ctx, r.ID)
		if err != nil {
			t.Fatalf("Recommendations: %v", err)
		}
		if len(recs) != 1 || recs[0].Type != models.RecommendationCropSuggestion {
			t.Errorf("unexpected recommendations: %+v", recs)
		}
	})

	t.Run("rollback discards writes", func(t *testing.T) {
		s := newStore(t)
		fx := seed(t, s)
		r := newReading(fx)
		boom := errors.New("boom")

		err := s.InTx(ctx, func(tx Tx) error {
			if err := tx.CreateReading(ctx, r); err != nil {
				return err
			}
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("expected boom, got %v", err)
		}
		if _, err := s.Reading(ctx, r.ID); !errors.Is(err, models.ErrNotFound) {
			t.Errorf("expected reading rolled back, got %v", err)
		}
	})

	t.Run("new session replaces active pointer", func(t *testing.T) {
		s := newStore(t)
		fx := seed(t, s)
		_, first := openSession(t, s, fx)
		_, second := openSession(t, s, fx)

		active, err := s.ActiveSession(ctx, fx.farmer.ID)
		if err != nil {
			t.Fatalf("ActiveSession: %v", err)
		}
		if active.ID != second.ID {
			t.Errorf("expected newest session %s active, got %s (first was %s)", second.ID, active.ID, first.ID)
		}
	})

	t.Run("advance to completion clears pointer", func(t *testing.T) {
		s := newStore(t)
		fx := seed(t, s)
		_, sess := openSession(t, s, fx)

		err := s.InTx(ctx, func(tx Tx) error {
			return tx.AdvanceSession(ctx, sess.ID, models.StateAwaitingChoice, models.StateAwaitingCrop, "")
		})
		if err != nil {
			t.Fatalf("advance to awaiting_crop: %v", err)
		}
		active, err := s.ActiveSession(ctx, fx.farmer.ID)
		if err != nil || active.State != models.StateAwaitingCrop {
			t.Fatalf("expected awaiting_crop active session, got %+v, %v", active, err)
		}

		err = s.InTx(ctx, func(tx Tx) error {
			return tx.AdvanceSession(ctx, sess.ID, models.StateAwaitingCrop, models.StateCompleted, "MAIZE")
		})
		if err != nil {
			t.Fatalf("advance to completed: %v", err)
		}
		if _, err := s.ActiveSession(ctx, fx.farmer.ID); !errors.Is(err, models.ErrNotFound) {
			t.Errorf("completed session must not stay active, got %v", err)
		}
		done, err := s.Session(ctx, sess.ID)
		if err != nil {
			t.Fatalf("Session: %v", err)
		}
		if done.State != models.StateCompleted || done.CropName != "MAIZE" {
			t.Errorf("unexpected completed session: %+v", done)
		}
	})

	t.Run("advance rejects stale and invalid transitions", func(t *testing.T) {
		s := newStore(t)
		fx := seed(t, s)
		_, sess := openSession(t, s, fx)

		err := s.InTx(ctx, func(tx Tx) error {
			return tx.AdvanceSession(ctx, sess.ID, models.StateAwaitingCrop, models.StateCompleted, "")
		})
		if !errors.Is(err, models.ErrSessionConflict) {
			t.Errorf("expected ErrSessionConflict, got %v", err)
		}

		err = s.InTx(ctx, func(tx Tx) error {
			return tx.AdvanceSession(ctx, sess.ID, models.StateCompleted, models.StateAwaitingChoice, "")
		})
		if !errors.Is(err, models.ErrInvalidTransition) {
			t.Errorf("expected ErrInvalidTransition, got %v", err)
		}

		err = s.InTx(ctx, func(tx Tx) error {
			return tx.AdvanceSession(ctx, uuid.NewString(), models.StateAwaitingChoice, models.StateCompleted, "")
		})
		if !errors.Is(err, models.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}

		still, err := s.Session(ctx, sess.ID)
		if err != nil || still.State != models.StateAwaitingChoice {
			t.Errorf("session must be unchanged, got %+v, %v", still, err)
		}
	})

	t.Run("message log order", func(t *testing.T) {
		s := newStore(t)
		fx := seed(t, s)
		base := time.Now().UTC().Truncate(time.Second)
		for i, content := range []string{"1", "reply part 1", "reply part 2"} {
			dir := models.DirectionOutbound
			status := models.MessageStatusSent
			if i == 0 {
				dir, status = models.DirectionInbound, models.MessageStatusReceived
			}
			e := &models.MessageLogEntry{
				ID:          uuid.NewString(),
				FarmerID:    fx.farmer.ID,
				Direction:   dir,
				PhoneNumber: fx.farmer.PhoneNumber,
				Content:     content,
				Status:      status,
				CreatedAt:   base.Add(time.Duration(i) * time.Millisecond),
			}
			if err := s.AddMessageLog(ctx, e); err != nil {
				t.Fatalf("AddMessageLog: %v", err)
			}
		}

		logs, err := s.MessageLogs(ctx, fx.farmer.ID)
		if err != nil {
			t.Fatalf("MessageLogs: %v", err)
		}
		if len(logs) != 3 {
			t.Fatalf("expected 3 entries, got %d", len(logs))
		}
		if logs[0].Direction != models.DirectionInbound || logs[2].Content != "reply part 2" {
			t.Errorf("unexpected order: %+v", logs)
		}
	})
}

func TestInMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store { return NewInMemoryStore() })
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		dbPath := filepath.Join(t.TempDir(), "soilpipe.db")
		s, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
		if err != nil {
			t.Fatalf("NewSQLiteStore: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestStores_CountryCodeOption(t *testing.T) {
	ctx := context.Background()
	mem := NewInMemoryStore(WithCountryCode("+254"))
	sqlite, err := Open(filepath.Join(t.TempDir(), "soilpipe.db"), WithCountryCode("254"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sqlite.Close()

	for name, s := range map[string]Store{"memory": mem, "sqlite": sqlite} {
		f := models.Farmer{ID: uuid.NewString(), Name: "Achieng", PhoneNumber: "0712000000", PIN: "1234"}
		if err := s.SaveFarmer(ctx, &f); err != nil {
			t.Fatalf("%s: SaveFarmer: %v", name, err)
		}
		got, err := s.FarmerByPhone(ctx, "254712000000")
		if err != nil {
			t.Fatalf("%s: FarmerByPhone: %v", name, err)
		}
		if got.PhoneNumber != "+254712000000" {
			t.Errorf("%s: expected +254712000000, got %q", name, got.PhoneNumber)
		}
	}
}

func TestSQLiteStore_ReopenKeepsData(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "soilpipe.db")
	s1, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	fx := seed(t, s1)
	s1.Close()

	s2, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	if _, err := s2.FarmerByID(context.Background(), fx.farmer.ID); err != nil {
		t.Errorf("expected farmer after reopen, got %v", err)
	}
}

func TestPostgresStore(t *testing.T) {
	connStr := getenvOrSkip(t, "DATABASE_URL")
	if DetectDSNType(connStr) != DSNTypePostgres {
		t.Skip("DATABASE_URL is not a PostgreSQL DSN")
	}
	runStoreSuite(t, func(t *testing.T) Store {
		s, err := NewPostgresStore(WithPostgresDSN(connStr))
		if err != nil {
			t.Skipf("Postgres not available: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestDetectDSNType(t *testing.T) {
	cases := map[string]string{
		"postgres://u:p@localhost/db":        DSNTypePostgres,
		"postgresql://localhost/db":          DSNTypePostgres,
		"host=localhost dbname=soil user=me": DSNTypePostgres,
		"/var/lib/soilpipe/soilpipe.db":      DSNTypeSQLite,
		"file:test.db?cache=shared":          DSNTypeSQLite,
	}
	for dsn, want := range cases {
		if got := DetectDSNType(dsn); got != want {
			t.Errorf("DetectDSNType(%q) = %q, want %q", dsn, got, want)
		}
	}
}

func getenvOrSkip(t *testing.T, key string) string {
	v := os.Getenv(key)
	if v == "" {
		t.Skipf("env %s not set", key)
	}
	return v
}

func TestSQLitePath(t *testing.T) {
	tests := map[string]string{
		"/var/lib/soilpipe/soilpipe.db":          "/var/lib/soilpipe/soilpipe.db",
		"file:/tmp/x.db?_foreign_keys=on":        "/tmp/x.db",
		"file::memory:?cache=shared":             ":memory:",
		"relative/dir/soil.db?_busy_timeout=100": "relative/dir/soil.db",
	}
	for dsn, want := range tests {
		if got := sqlitePath(dsn); got != want {
			t.Errorf("sqlitePath(%q) = %q, want %q", dsn, got, want)
		}
	}
}

func TestNewStores_RequireDSN(t *testing.T) {
	if _, err := NewSQLiteStore(); !errors.Is(err, errDSNNotSet) {
		t.Errorf("NewSQLiteStore without DSN: got %v", err)
	}
	if _, err := NewPostgresStore(); !errors.Is(err, errDSNNotSet) {
		t.Errorf("NewPostgresStore without DSN: got %v", err)
	}
}
