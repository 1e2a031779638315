// Package models defines the core data structures for SoilPipe.
//
// It includes the soil reading, recommendation, conversation session and SMS log
// records shared across modules, plus the API response envelope.
package models

import (
	"errors"
	"time"
)

// Error variables for the pipeline error taxonomy.
var (
	// ErrUnauthorized is returned when a device token is missing or does not match an active device.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrNotFound is returned for unknown farmers, devices, readings or sessions.
	ErrNotFound = errors.New("not found")
	// ErrUpstreamUnavailable marks a weather, generation or gateway transport failure.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrRateLimited marks a rate-limited generation call.
	ErrRateLimited = errors.New("rate limited")
	// ErrInvalidTransition is returned when a session transition is not in the transition table.
	ErrInvalidTransition = errors.New("invalid session transition")
	// ErrSessionConflict is returned when a session changed state between read and write.
	ErrSessionConflict = errors.New("session state changed concurrently")
)

// RecommendationType tags the kind of generated advice.
type RecommendationType string

const (
	// RecommendationCropSuggestion is the top-3 crop suggestion.
	RecommendationCropSuggestion RecommendationType = "crop_suggestion"
	// RecommendationFertilizerAdvice is the fertilizer recommendation.
	RecommendationFertilizerAdvice RecommendationType = "fertilizer_advice"
	// RecommendationCropCheck is the single-crop suitability check.
	RecommendationCropCheck RecommendationType = "crop_check"
)

// MessageDirection is the direction of an SMS segment.
type MessageDirection string

const (
	// DirectionInbound marks a message received from a farmer.
	DirectionInbound MessageDirection = "inbound"
	// DirectionOutbound marks a message sent to a farmer.
	DirectionOutbound MessageDirection = "outbound"
)

// MessageStatus represents the delivery status of a message.
type MessageStatus string

const (
	// MessageStatusReceived indicates an inbound message was received.
	MessageStatusReceived MessageStatus = "received"
	// MessageStatusSent indicates the message was sent.
	MessageStatusSent MessageStatus = "sent"
	// MessageStatusFailed indicates the message failed to send.
	MessageStatusFailed MessageStatus = "failed"
)

// Farmer is a provisioned account. ActiveSessionID points at the farmer's open session, if any.
type Farmer struct {
	ID              string    `json:"id" db:"id"`
	Name            string    `json:"name" db:"name"`
	PhoneNumber     string    `json:"phone_number" db:"phone_number"`
	Region          string    `json:"region,omitempty" db:"region"`
	District        string    `json:"district,omitempty" db:"district"`
	PIN             string    `json:"pin" db:"pin"`
	ActiveSessionID *string   `json:"active_session_id,omitempty" db:"active_session_id"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}

// Device is a registered soil sensor owned by a farmer.
type Device struct {
	ID        string    `json:"id" db:"id"`
	DeviceID  string    `json:"device_id" db:"device_id"`
	SIMNumber string    `json:"sim_number,omitempty" db:"sim_number"`
	FarmerID  *string   `json:"farmer_id,omitempty" db:"farmer_id"`
	APIToken  string    `json:"-" db:"api_token"`
	IsActive  bool      `json:"is_active" db:"is_active"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// SoilProperties holds the six measured soil values.
type SoilProperties struct {
	PH          float64 `json:"ph" db:"ph"`
	Moisture    float64 `json:"moisture" db:"moisture"`       // percent
	Temperature float64 `json:"temperature" db:"temperature"` // °C
	Nitrogen    float64 `json:"nitrogen" db:"nitrogen"`       // mg/kg
	Phosphorus  float64 `json:"phosphorus" db:"phosphorus"`   // mg/kg
	Potassium   float64 `json:"potassium" db:"potassium"`     // mg/kg
}

// SoilReading is one immutable sensor sample.
type SoilReading struct {
	ID            string    `json:"id" db:"id"`
	DeviceID      string    `json:"device_id" db:"device_id"`
	FarmerID      string    `json:"farmer_id" db:"farmer_id"`
	Timestamp     time.Time `json:"timestamp" db:"sampled_at"`
	Latitude      float64   `json:"latitude" db:"latitude"`
	Longitude     float64   `json:"longitude" db:"longitude"`
	SampleNumber  int       `json:"sample_number" db:"sample_number"`
	SampleDepthCM int       `json:"sample_depth_cm" db:"sample_depth_cm"`
	LocationName  string    `json:"location_name" db:"location_name"`
	SoilProperties
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Recommendation is a generated advice text tied to a reading.
type Recommendation struct {
	ID            string             `json:"id" db:"id"`
	SoilReadingID string             `json:"soil_reading_id" db:"soil_reading_id"`
	Type          RecommendationType `json:"type" db:"type"`
	Content       string             `json:"content" db:"content"`
	CreatedAt     time.Time          `json:"created_at" db:"created_at"`
}

// Session is the conversational cursor for a farmer, anchored to one reading.
type Session struct {
	ID            string       `json:"id" db:"id"`
	FarmerID      string       `json:"farmer_id" db:"farmer_id"`
	SoilReadingID string       `json:"soil_reading_id" db:"soil_reading_id"`
	State         SessionState `json:"state" db:"state"`
	CropName      string       `json:"crop_name,omitempty" db:"crop_name"`
	CreatedAt     time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at" db:"updated_at"`
}

// MessageLogEntry is the append-only audit record of one SMS segment.
type MessageLogEntry struct {
	ID          string           `json:"id" db:"id"`
	FarmerID    string           `json:"farmer_id" db:"farmer_id"`
	Direction   MessageDirection `json:"direction" db:"direction"`
	PhoneNumber string           `json:"phone_number" db:"phone_number"`
	Content     string           `json:"content" db:"content"`
	Status      MessageStatus    `json:"status" db:"status"`
	GatewayID   string           `json:"gateway_id,omitempty" db:"gateway_id"`
	CreatedAt   time.Time        `json:"created_at" db:"created_at"`
}

// DeliveryResult is the gateway's answer for one sent segment.
type DeliveryResult struct {
	Status    MessageStatus `json:"status,omitempty"`
	GatewayID string        `json:"id,omitempty"`
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Result  any    `json:"result,omitempty"`
}

// Success creates a successful API response with optional result data.
func Success(result any) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result any) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Message: message, Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}

// WithBranchStatus creates a response whose status names the conversation branch that fired.
func WithBranchStatus(status, message string, result any) APIResponse {
	return APIResponse{Status: status, Message: message, Result: result}
}
