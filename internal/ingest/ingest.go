// Package ingest turns one sensor upload into a stored reading, a weather snapshot,
// an initial crop recommendation and an open conversation session, then sends the
// farmer the opening SMS.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/SoilPipe/internal/messaging"
	"github.com/BTreeMap/SoilPipe/internal/metrics"
	"github.com/BTreeMap/SoilPipe/internal/models"
	"github.com/BTreeMap/SoilPipe/internal/store"
	"github.com/BTreeMap/SoilPipe/internal/weather"
	"github.com/google/uuid"
)

// Request is one sensor upload.
type Request struct {
	DeviceID        string    `json:"device_id" validate:"required"`
	FarmerID        string    `json:"farmer_id"`
	PhoneNumber     string    `json:"phone_number"`
	Timestamp       time.Time `json:"timestamp" validate:"required"`
	Latitude        float64   `json:"gps_latitude" validate:"gte=-90,lte=90"`
	Longitude       float64   `json:"gps_longitude" validate:"gte=-180,lte=180"`
	SampleNumber    int       `json:"sample_number" validate:"gte=0"`
	SampleDepthCM   int       `json:"sample_depth_cm" validate:"gte=0"`
	SoilTemperature float64   `json:"soil_temperature_c"`
	SoilMoisture    float64   `json:"soil_moisture_percent" validate:"gte=0,lte=100"`
	Nitrogen        float64   `json:"soil_nitrogen_mgkg" validate:"gte=0"`
	Phosphorus      float64   `json:"soil_phosphorus_mgkg" validate:"gte=0"`
	Potassium       float64   `json:"soil_potassium_mgkg" validate:"gte=0"`
	PH              float64   `json:"soil_ph" validate:"gte=0,lte=14"`
}

// Soil returns the six soil values of the upload.
func (r Request) Soil() models.SoilProperties {
	return models.SoilProperties{
		PH:          r.PH,
		Moisture:    r.SoilMoisture,
		Temperature: r.SoilTemperature,
		Nitrogen:    r.Nitrogen,
		Phosphorus:  r.Phosphorus,
		Potassium:   r.Potassium,
	}
}

// Result is returned to the uploading device.
type Result struct {
	ReadingID      string          `json:"soil_test_id"`
	SessionID      string          `json:"session_id"`
	Location       string          `json:"location"`
	WeatherSummary string          `json:"weather_summary"`
	Weather        weather.Summary `json:"weather"`
	SMSStatus      string          `json:"sms_status,omitempty"`
}

// WeatherSource always yields a summary, degrading to the fallback on failure.
type WeatherSource interface {
	FetchOrFallback(ctx context.Context, latitude, longitude float64) weather.Summary
}

// Recommender produces the initial crop suggestions.
type Recommender interface {
	CropSuggestions(ctx context.Context, soil models.SoilProperties, w weather.Summary) (string, error)
}

// Sender delivers an SMS and logs it against a farmer.
type Sender interface {
	Send(ctx context.Context, phone, message string, logCtx *messaging.LogContext) (models.DeliveryResult, error)
}

// Coordinator is the ingestion pipeline.
type Coordinator struct {
	store       store.Store
	weather     WeatherSource
	recommender Recommender
	sender      Sender
}

// NewCoordinator creates a Coordinator from its collaborators.
func NewCoordinator(st store.Store, ws WeatherSource, rec Recommender, sender Sender) *Coordinator {
	return &Coordinator{store: st, weather: ws, recommender: rec, sender: sender}
}

// Ingest authenticates the device, enriches the reading and commits the reading, its
// recommendation and a fresh session as one unit before sending the opening SMS.
// Lookup failures return models.ErrUnauthorized or models.ErrNotFound before any write.
func (c *Coordinator) Ingest(ctx context.Context, token string, req Request) (Result, error) {
	device, err := c.authenticate(ctx, token)
	if err != nil {
		metrics.IngestionsTotal.WithLabelValues("unauthorized").Inc()
		return Result{}, err
	}
	if device.FarmerID == nil || *device.FarmerID == "" {
		metrics.IngestionsTotal.WithLabelValues("not_found").Inc()
		slog.Warn("Coordinator.Ingest: device has no farmer", "device_id", device.DeviceID)
		return Result{}, fmt.Errorf("farmer for device %s: %w", device.DeviceID, models.ErrNotFound)
	}
	farmer, err := c.store.FarmerByID(ctx, *device.FarmerID)
	if err != nil {
		metrics.IngestionsTotal.WithLabelValues("not_found").Inc()
		slog.Warn("Coordinator.Ingest: farmer lookup failed", "device_id", device.DeviceID, "error", err)
		return Result{}, err
	}
	if req.FarmerID != "" && req.FarmerID != farmer.ID {
		slog.Warn("Coordinator.Ingest: payload farmer differs from device owner, using owner",
			"payload_farmer_id", req.FarmerID, "farmer_id", farmer.ID)
	}

	soil := req.Soil()
	w := c.weather.FetchOrFallback(ctx, req.Latitude, req.Longitude)

	suggestion, genErr := c.recommender.CropSuggestions(ctx, soil, w)
	if genErr != nil {
		slog.Error("Coordinator.Ingest: crop suggestions failed, continuing without recommendation",
			"farmer_id", farmer.ID, "error", genErr)
	}

	reading := &models.SoilReading{
		ID:             uuid.NewString(),
		DeviceID:       device.ID,
		FarmerID:       farmer.ID,
		Timestamp:      req.Timestamp.UTC(),
		Latitude:       req.Latitude,
		Longitude:      req.Longitude,
		SampleNumber:   req.SampleNumber,
		SampleDepthCM:  req.SampleDepthCM,
		LocationName:   w.Location,
		SoilProperties: soil,
	}
	session := &models.Session{
		ID:            uuid.NewString(),
		FarmerID:      farmer.ID,
		SoilReadingID: reading.ID,
		State:         models.StateAwaitingChoice,
	}

	err = c.store.InTx(ctx, func(tx store.Tx) error {
		if err := tx.CreateReading(ctx, reading); err != nil {
			return err
		}
		if genErr == nil && suggestion != "" {
			rec := &models.Recommendation{
				ID:            uuid.NewString(),
				SoilReadingID: reading.ID,
				Type:          models.RecommendationCropSuggestion,
				Content:       suggestion,
			}
			if err := tx.AddRecommendation(ctx, rec); err != nil {
				return err
			}
		}
		return tx.OpenSession(ctx, session)
	})
	if err != nil {
		metrics.IngestionsTotal.WithLabelValues("error").Inc()
		slog.Error("Coordinator.Ingest: failed to persist reading", "farmer_id", farmer.ID, "error", err)
		return Result{}, fmt.Errorf("failed to persist soil reading: %w", err)
	}
	slog.Info("Coordinator.Ingest: reading stored", "reading_id", reading.ID, "session_id", session.ID,
		"farmer_id", farmer.ID, "location", w.Location, "weather_fallback", w.Fallback)

	phone := req.PhoneNumber
	if phone == "" {
		phone = farmer.PhoneNumber
	}
	delivery, sendErr := c.sender.Send(ctx, phone, OpeningMessage(farmer.Name, w.Location, farmer.PIN),
		&messaging.LogContext{FarmerID: farmer.ID})
	if sendErr != nil {
		slog.Error("Coordinator.Ingest: opening SMS not fully logged", "farmer_id", farmer.ID, "error", sendErr)
	}

	metrics.IngestionsTotal.WithLabelValues("ok").Inc()
	return Result{
		ReadingID:      reading.ID,
		SessionID:      session.ID,
		Location:       w.Location,
		WeatherSummary: w.Forecast.Summary,
		Weather:        w,
		SMSStatus:      string(delivery.Status),
	}, nil
}

func (c *Coordinator) authenticate(ctx context.Context, token string) (models.Device, error) {
	if token == "" {
		return models.Device{}, fmt.Errorf("missing device token: %w", models.ErrUnauthorized)
	}
	device, err := c.store.DeviceByToken(ctx, token)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			slog.Warn("Coordinator.authenticate: unknown device token")
			return models.Device{}, fmt.Errorf("invalid device token: %w", models.ErrUnauthorized)
		}
		return models.Device{}, err
	}
	if !device.IsActive {
		slog.Warn("Coordinator.authenticate: inactive device", "device_id", device.DeviceID)
		return models.Device{}, fmt.Errorf("device %s inactive: %w", device.DeviceID, models.ErrUnauthorized)
	}
	return device, nil
}

// OpeningMessage is the first SMS of a session: greeting, menu and PIN.
func OpeningMessage(name, location, pin string) string {
	return fmt.Sprintf("Hello %s! Soil test for %s is ready.\n\nReply:\n1 - AI crop suggestions\n2 - Check your crop\n3 - Fertilizer advice\n\nPIN: %s",
		name, location, pin)
}
