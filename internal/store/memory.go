package store

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/BTreeMap/SoilPipe/internal/models"
)

// memState is the full dataset of an InMemoryStore. Transactions work on a copy.
type memState struct {
	farmers         map[string]models.Farmer
	devices         map[string]models.Device
	readings        map[string]models.SoilReading
	recommendations []models.Recommendation
	sessions        map[string]models.Session
	logs            []models.MessageLogEntry
}

func newMemState() *memState {
	return &memState{
		farmers:  map[string]models.Farmer{},
		devices:  map[string]models.Device{},
		readings: map[string]models.SoilReading{},
		sessions: map[string]models.Session{},
	}
}

func (m *memState) clone() *memState {
	c := &memState{
		farmers:         make(map[string]models.Farmer, len(m.farmers)),
		devices:         make(map[string]models.Device, len(m.devices)),
		readings:        make(map[string]models.SoilReading, len(m.readings)),
		recommendations: append([]models.Recommendation(nil), m.recommendations...),
		sessions:        make(map[string]models.Session, len(m.sessions)),
		logs:            append([]models.MessageLogEntry(nil), m.logs...),
	}
	for k, v := range m.farmers {
		c.farmers[k] = v
	}
	for k, v := range m.devices {
		c.devices[k] = v
	}
	for k, v := range m.readings {
		c.readings[k] = v
	}
	for k, v := range m.sessions {
		c.sessions[k] = v
	}
	return c
}

// InMemoryStore keeps everything in process memory.
type InMemoryStore struct {
	mu          sync.RWMutex
	state       *memState
	countryCode string
}

// NewInMemoryStore creates an empty InMemoryStore.
func NewInMemoryStore(opts ...Option) *InMemoryStore {
	cfg := applyOptions(opts)
	return &InMemoryStore{state: newMemState(), countryCode: cfg.CountryCode}
}

// InTx runs fn against a private copy of the data and publishes it only if fn succeeds.
func (s *InMemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.state.clone()
	if err := fn(&memTx{state: work}); err != nil {
		slog.Debug("InMemoryStore.InTx: rolled back", "error", err)
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.state = work
	return nil
}

func (s *InMemoryStore) DeviceByToken(ctx context.Context, token string) (models.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.state.devices {
		if token != "" && d.APIToken == token {
			return d, nil
		}
	}
	return models.Device{}, fmt.Errorf("device: %w", models.ErrNotFound)
}

func (s *InMemoryStore) FarmerByID(ctx context.Context, id string) (models.Farmer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.state.farmers[id]
	if !ok {
		return models.Farmer{}, fmt.Errorf("farmer %s: %w", id, models.ErrNotFound)
	}
	return f, nil
}

func (s *InMemoryStore) FarmerByPhone(ctx context.Context, phone string) (models.Farmer, error) {
	phone = models.NormalizePhone(phone, s.countryCode)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, f := range s.state.farmers {
		if phone != "" && f.PhoneNumber == phone {
			return f, nil
		}
	}
	return models.Farmer{}, fmt.Errorf("farmer with phone %s: %w", phone, models.ErrNotFound)
}

func (s *InMemoryStore) ActiveSession(ctx context.Context, farmerID string) (models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.state.farmers[farmerID]
	if !ok || f.ActiveSessionID == nil {
		return models.Session{}, fmt.Errorf("active session for farmer %s: %w", farmerID, models.ErrNotFound)
	}
	sess, ok := s.state.sessions[*f.ActiveSessionID]
	if !ok {
		return models.Session{}, fmt.Errorf("session %s: %w", *f.ActiveSessionID, models.ErrNotFound)
	}
	return sess, nil
}

func (s *InMemoryStore) Session(ctx context.Context, id string) (models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.state.sessions[id]
	if !ok {
		return models.Session{}, fmt.Errorf("session %s: %w", id, models.ErrNotFound)
	}
	return sess, nil
}

func (s *InMemoryStore) Reading(ctx context.Context, id string) (models.SoilReading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.state.readings[id]
	if !ok {
		return models.SoilReading{}, fmt.Errorf("reading %s: %w", id, models.ErrNotFound)
	}
	return r, nil
}

func (s *InMemoryStore) Recommendations(ctx context.Context, readingID string) ([]models.Recommendation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Recommendation
	for _, rec := range s.state.recommendations {
		if rec.SoilReadingID == readingID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *InMemoryStore) AddMessageLog(ctx context.Context, entry *models.MessageLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&memTx{state: s.state}).AddMessageLog(ctx, entry)
}

func (s *InMemoryStore) MessageLogs(ctx context.Context, farmerID string) ([]models.MessageLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.MessageLogEntry
	for _, e := range s.state.logs {
		if e.FarmerID == farmerID {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) SaveFarmer(ctx context.Context, f *models.Farmer) error {
	f.PhoneNumber = models.NormalizePhone(f.PhoneNumber, s.countryCode)
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.state.farmers[f.ID]; ok {
		f.ActiveSessionID = existing.ActiveSessionID
		f.CreatedAt = existing.CreatedAt
	} else if f.CreatedAt.IsZero() {
		f.CreatedAt = now()
	}
	s.state.farmers[f.ID] = *f
	return nil
}

func (s *InMemoryStore) SaveDevice(ctx context.Context, d *models.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now()
	}
	s.state.devices[d.ID] = *d
	return nil
}

// Close is a no-op.
func (s *InMemoryStore) Close() error {
	return nil
}

type memTx struct {
	state *memState
}

func (t *memTx) CreateReading(ctx context.Context, r *models.SoilReading) error {
	if _, ok := t.state.farmers[r.FarmerID]; !ok {
		return fmt.Errorf("farmer %s: %w", r.FarmerID, models.ErrNotFound)
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now()
	}
	t.state.readings[r.ID] = *r
	return nil
}

func (t *memTx) AddRecommendation(ctx context.Context, rec *models.Recommendation) error {
	if _, ok := t.state.readings[rec.SoilReadingID]; !ok {
		return fmt.Errorf("reading %s: %w", rec.SoilReadingID, models.ErrNotFound)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now()
	}
	t.state.recommendations = append(t.state.recommendations, *rec)
	return nil
}

func (t *memTx) OpenSession(ctx context.Context, sess *models.Session) error {
	f, ok := t.state.farmers[sess.FarmerID]
	if !ok {
		return fmt.Errorf("farmer %s: %w", sess.FarmerID, models.ErrNotFound)
	}
	if _, ok := t.state.readings[sess.SoilReadingID]; !ok {
		return fmt.Errorf("reading %s: %w", sess.SoilReadingID, models.ErrNotFound)
	}
	stampSession(sess)
	t.state.sessions[sess.ID] = *sess
	id := sess.ID
	f.ActiveSessionID = &id
	t.state.farmers[f.ID] = f
	return nil
}

func (t *memTx) AdvanceSession(ctx context.Context, sessionID string, from, to models.SessionState, cropName string) error {
	if err := models.ValidateTransition(from, to); err != nil {
		return err
	}
	sess, ok := t.state.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, models.ErrNotFound)
	}
	if sess.State != from {
		return fmt.Errorf("session %s is %s, expected %s: %w", sessionID, sess.State, from, models.ErrSessionConflict)
	}
	sess.State = to
	if cropName != "" {
		sess.CropName = cropName
	}
	sess.UpdatedAt = now()
	t.state.sessions[sessionID] = sess

	if to.IsTerminal() {
		if f, ok := t.state.farmers[sess.FarmerID]; ok && f.ActiveSessionID != nil && *f.ActiveSessionID == sessionID {
			f.ActiveSessionID = nil
			t.state.farmers[f.ID] = f
		}
	}
	return nil
}

func (t *memTx) AddMessageLog(ctx context.Context, entry *models.MessageLogEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now()
	}
	t.state.logs = append(t.state.logs, *entry)
	return nil
}
