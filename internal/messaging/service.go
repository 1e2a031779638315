// Package messaging delivers outbound SMS through a carrier gateway and keeps the per-segment audit log.
package messaging

import (
	"context"

	"github.com/BTreeMap/SoilPipe/internal/models"
)

// Gateway delivers a single SMS segment. twiliosms.Client and twiliosms.MockClient implement it.
type Gateway interface {
	Send(ctx context.Context, to string, body string) (models.DeliveryResult, error)
}

// LogWriter persists message log entries.
type LogWriter interface {
	AddMessageLog(ctx context.Context, entry *models.MessageLogEntry) error
}

// LogContext identifies the farmer an outbound message is logged against.
type LogContext struct {
	FarmerID string
}
