package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/BTreeMap/SoilPipe/internal/models"
)

// now returns the current time in UTC, truncated to microseconds so values survive
// a round trip through either database.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// notFound converts sql.ErrNoRows into models.ErrNotFound.
func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, models.ErrNotFound)
	}
	return fmt.Errorf("failed to load %s: %w", what, err)
}

func stampSession(s *models.Session) {
	ts := now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = ts
	}
	s.UpdatedAt = ts
	if s.State == "" {
		s.State = models.StateAwaitingChoice
	}
}
