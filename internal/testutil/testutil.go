// Package testutil provides common test utilities and helpers for SoilPipe tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BTreeMap/SoilPipe/internal/models"
	"github.com/BTreeMap/SoilPipe/internal/store"
)

// TB is the subset of testing.TB the assertion helpers use.
type TB interface {
	Helper()
	Error(args ...interface{})
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
}

// Seeded holds the farmer and device created by SeedFarmer.
type Seeded struct {
	Farmer models.Farmer
	Device models.Device
}

// SeedFarmer stores a farmer with one active device whose API token is token.
func SeedFarmer(t *testing.T, st store.Store, id, phone, token string) Seeded {
	t.Helper()
	ctx := context.Background()
	farmer := models.Farmer{
		ID:          id,
		Name:        "Test Farmer " + id,
		PhoneNumber: phone,
		Region:      "Central",
		District:    "Wakiso",
		PIN:         "1234",
	}
	if err := st.SaveFarmer(ctx, &farmer); err != nil {
		t.Fatalf("failed to seed farmer: %v", err)
	}
	farmerID := farmer.ID
	device := models.Device{
		ID:       "dev-" + id,
		DeviceID: "SENSOR-" + id,
		FarmerID: &farmerID,
		APIToken: token,
		IsActive: true,
	}
	if err := st.SaveDevice(ctx, &device); err != nil {
		t.Fatalf("failed to seed device: %v", err)
	}
	return Seeded{Farmer: farmer, Device: device}
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t TB, expected, actual int, label string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", label, expected, actual)
	}
}

// AssertJSONResponse decodes JSON response and validates the status field.
func AssertJSONResponse(t TB, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Error("response missing or invalid 'status' field")
	}

	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t TB, method, url string, body interface{}) *http.Request {
	t.Helper()
	reqBody := bytes.NewBuffer(nil)
	if body != nil {
		if raw, ok := body.(string); ok {
			reqBody = bytes.NewBufferString(raw)
		} else {
			reqBody = bytes.NewBuffer(MustMarshalJSON(t, body))
		}
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

// AssertMessageLogCount validates the number of log entries stored for a farmer.
func AssertMessageLogCount(t TB, st store.Store, farmerID string, expected int, label string) {
	t.Helper()
	logs, err := st.MessageLogs(context.Background(), farmerID)
	if err != nil {
		t.Fatalf("%s: failed to get message logs: %v", label, err)
	}
	if len(logs) != expected {
		t.Errorf("%s: expected %d log entries, got %d", label, expected, len(logs))
	}
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t TB, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t TB, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}
