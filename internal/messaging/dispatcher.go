package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/BTreeMap/SoilPipe/internal/metrics"
	"github.com/BTreeMap/SoilPipe/internal/models"
	"github.com/google/uuid"
)

const (
	// MaxSegmentLength is the character limit of one SMS segment.
	MaxSegmentLength = 160
	// DefaultCountryCode is prefixed to numbers without a leading "+".
	DefaultCountryCode = models.DefaultCountryCode

	paragraphSeparator = "\n\n"
)

// Opts holds configuration options for the Dispatcher.
type Opts struct {
	CountryCode string
}

// Option defines a configuration option for the Dispatcher.
type Option func(*Opts)

// WithCountryCode sets the country code used to internationalize local numbers.
func WithCountryCode(code string) Option {
	return func(o *Opts) { o.CountryCode = code }
}

// Dispatcher splits outbound messages into segments, sends them in order and logs each one.
type Dispatcher struct {
	gateway     Gateway
	logs        LogWriter
	countryCode string
	now         func() time.Time
}

// NewDispatcher creates a Dispatcher. logs may be nil, in which case nothing is persisted.
func NewDispatcher(gateway Gateway, logs LogWriter, opts ...Option) *Dispatcher {
	cfg := Opts{CountryCode: DefaultCountryCode}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.CountryCode == "" {
		cfg.CountryCode = DefaultCountryCode
	}
	if !strings.HasPrefix(cfg.CountryCode, "+") {
		cfg.CountryCode = "+" + cfg.CountryCode
	}
	return &Dispatcher{
		gateway:     gateway,
		logs:        logs,
		countryCode: cfg.CountryCode,
		now:         time.Now,
	}
}

// NormalizeNumber returns phone in international form using the dispatcher's country code.
func (d *Dispatcher) NormalizeNumber(phone string) string {
	return NormalizeNumber(phone, d.countryCode)
}

// NormalizeNumber returns phone in international form; see models.NormalizePhone.
func NormalizeNumber(phone, countryCode string) string {
	return models.NormalizePhone(phone, countryCode)
}

// SplitMessage breaks message into SMS segments. A message that fits is returned whole.
// Longer messages are split on blank lines, packing consecutive paragraphs greedily.
// A paragraph longer than MaxSegmentLength is kept as one oversized segment.
func SplitMessage(message string) []string {
	if message == "" {
		return nil
	}
	if utf8.RuneCountInString(message) <= MaxSegmentLength {
		return []string{message}
	}

	var segments []string
	current := ""
	for _, raw := range strings.Split(message, paragraphSeparator) {
		para := strings.TrimSpace(raw)
		if para == "" {
			continue
		}
		if current == "" {
			current = para
			continue
		}
		candidate := current + paragraphSeparator + para
		if utf8.RuneCountInString(candidate) <= MaxSegmentLength {
			current = candidate
			continue
		}
		segments = append(segments, current)
		current = para
	}
	if current != "" {
		segments = append(segments, current)
	}
	return segments
}

// Send delivers message to phone segment by segment, in order. Gateway failures are recorded
// as failed segments, not returned. When logCtx is set, one outbound log entry is written per
// segment; the returned error reports log persistence failures only. The result is the first
// segment's; it is empty when message is empty.
func (d *Dispatcher) Send(ctx context.Context, phone, message string, logCtx *LogContext) (models.DeliveryResult, error) {
	to := d.NormalizeNumber(phone)
	segments := SplitMessage(message)
	if len(segments) == 0 {
		slog.Debug("Dispatcher.Send: empty message, nothing to send", "to", to)
		return models.DeliveryResult{}, nil
	}

	var first models.DeliveryResult
	var logErrs []error
	for i, segment := range segments {
		result, err := d.gateway.Send(ctx, to, segment)
		if err != nil {
			slog.Warn("Dispatcher.Send: gateway send failed", "to", to, "segment", i+1, "segments", len(segments), "error", err)
			result = models.DeliveryResult{Status: models.MessageStatusFailed, GatewayID: result.GatewayID}
		} else {
			slog.Debug("Dispatcher.Send: segment sent", "to", to, "segment", i+1, "segments", len(segments), "gateway_id", result.GatewayID)
		}
		metrics.SMSSegmentsTotal.WithLabelValues(string(models.DirectionOutbound), string(result.Status)).Inc()
		if i == 0 {
			first = result
		}

		if logCtx == nil || d.logs == nil {
			continue
		}
		entry := &models.MessageLogEntry{
			ID:          uuid.NewString(),
			FarmerID:    logCtx.FarmerID,
			Direction:   models.DirectionOutbound,
			PhoneNumber: to,
			Content:     segment,
			Status:      result.Status,
			GatewayID:   result.GatewayID,
			CreatedAt:   d.now(),
		}
		if err := d.logs.AddMessageLog(ctx, entry); err != nil {
			slog.Error("Dispatcher.Send: failed to persist message log", "farmer_id", logCtx.FarmerID, "segment", i+1, "error", err)
			logErrs = append(logErrs, fmt.Errorf("segment %d: %w", i+1, err))
		}
	}

	return first, errors.Join(logErrs...)
}

// LogInbound records a received message against a farmer.
func (d *Dispatcher) LogInbound(ctx context.Context, farmerID, phone, content string) error {
	metrics.SMSSegmentsTotal.WithLabelValues(string(models.DirectionInbound), string(models.MessageStatusReceived)).Inc()
	if d.logs == nil {
		return nil
	}
	entry := &models.MessageLogEntry{
		ID:          uuid.NewString(),
		FarmerID:    farmerID,
		Direction:   models.DirectionInbound,
		PhoneNumber: phone,
		Content:     content,
		Status:      models.MessageStatusReceived,
		CreatedAt:   d.now(),
	}
	if err := d.logs.AddMessageLog(ctx, entry); err != nil {
		return fmt.Errorf("failed to log inbound message: %w", err)
	}
	return nil
}
