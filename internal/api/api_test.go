package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/BTreeMap/SoilPipe/internal/advisor"
	"github.com/BTreeMap/SoilPipe/internal/conversation"
	"github.com/BTreeMap/SoilPipe/internal/ingest"
	"github.com/BTreeMap/SoilPipe/internal/messaging"
	"github.com/BTreeMap/SoilPipe/internal/models"
	"github.com/BTreeMap/SoilPipe/internal/store"
	"github.com/BTreeMap/SoilPipe/internal/testutil"
	"github.com/BTreeMap/SoilPipe/internal/twiliosms"
	"github.com/BTreeMap/SoilPipe/internal/weather"
)

const (
	testPhone = "+256700000001"
	testToken = "device-secret"
)

type testEnv struct {
	store   *store.InMemoryStore
	gateway *twiliosms.MockClient
	handler http.Handler
	seeded  testutil.Seeded
}

// newTestEnv wires the real pipeline with an unreachable weather provider and no
// generative model, so every upstream call takes its fallback path.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(upstream.Close)

	st := store.NewInMemoryStore()
	seeded := testutil.SeedFarmer(t, st, "f1", testPhone, testToken)

	gateway := twiliosms.NewMockClient()
	dispatcher := messaging.NewDispatcher(gateway, st)
	ws := weather.NewClient(weather.WithAPIKey("test"), weather.WithBaseURL(upstream.URL))
	adv := advisor.New(nil)

	server := NewServer(Deps{
		Ingest:  ingest.NewCoordinator(st, ws, adv, dispatcher),
		Inbound: conversation.NewStateMachine(st, adv, ws, dispatcher),
		Logs:    st,
	})
	return &testEnv{store: st, gateway: gateway, handler: server.Handler(), seeded: seeded}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

const validUpload = `{
	"device_id": "SENSOR-f1",
	"timestamp": "2024-03-01T08:00:00Z",
	"gps_latitude": 0.3476,
	"gps_longitude": 32.5825,
	"sample_number": 1,
	"sample_depth_cm": 15,
	"soil_temperature_c": 24.5,
	"soil_moisture_percent": 40,
	"soil_nitrogen_mgkg": 30,
	"soil_phosphorus_mgkg": 15,
	"soil_potassium_mgkg": 120,
	"soil_ph": 6.5
}`

func uploadRequest(t *testing.T, path, token, body string) *http.Request {
	req := testutil.CreateHTTPRequest(t, http.MethodPost, path, body)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func TestIngestHandler_Success(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{"/ingest", "/api/soil/upload"} {
		rr := env.do(uploadRequest(t, path, testToken, validUpload))
		testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, path)
		resp := testutil.AssertJSONResponse(t, rr, "ok")

		result, ok := resp["result"].(map[string]interface{})
		if !ok {
			t.Fatalf("%s: expected result object, got %v", path, resp["result"])
		}
		if result["soil_test_id"] == "" || result["location"] != "Unknown" {
			t.Errorf("%s: unexpected result: %v", path, result)
		}
	}

	sess, err := env.store.ActiveSession(context.Background(), "f1")
	if err != nil {
		t.Fatalf("expected active session: %v", err)
	}
	if sess.State != models.StateAwaitingChoice {
		t.Errorf("expected awaiting_choice, got %s", sess.State)
	}
	sent := env.gateway.Sent()
	if len(sent) == 0 || sent[0].To != testPhone || !strings.Contains(sent[0].Body, "1234") {
		t.Errorf("expected menu SMS with PIN to %s, got %+v", testPhone, sent)
	}
}

func TestIngestHandler_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		token  string
		body   string
		status int
	}{
		{"missing token", "", validUpload, http.StatusUnauthorized},
		{"unknown token", "nope", validUpload, http.StatusUnauthorized},
		{"malformed JSON", testToken, `{"device_id":`, http.StatusBadRequest},
		{"pH out of range", testToken, strings.Replace(validUpload, `"soil_ph": 6.5`, `"soil_ph": 20`, 1), http.StatusBadRequest},
		{"missing device id", testToken, strings.Replace(validUpload, `"device_id": "SENSOR-f1",`, "", 1), http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			rr := env.do(uploadRequest(t, "/ingest", tt.token, tt.body))
			testutil.AssertHTTPStatus(t, tt.status, rr.Code, tt.name)
			testutil.AssertJSONResponse(t, rr, "error")

			if _, err := env.store.ActiveSession(context.Background(), "f1"); err == nil {
				t.Error("expected no session after rejected upload")
			}
			if n := len(env.gateway.Sent()); n != 0 {
				t.Errorf("expected no SMS, got %d", n)
			}
		})
	}
}

func TestIngestHandler_MethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(httptest.NewRequest(http.MethodGet, "/ingest", nil))
	testutil.AssertHTTPStatus(t, http.StatusMethodNotAllowed, rr.Code, "GET /ingest")
}

func TestSMSReceive_UnknownNumber(t *testing.T) {
	env := newTestEnv(t)
	req := testutil.CreateHTTPRequest(t, http.MethodPost, "/sms/receive", map[string]string{
		"from_number": "+256799999999",
		"content":     "1",
	})
	rr := env.do(req)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "unknown number")
	resp := testutil.AssertJSONResponse(t, rr, string(conversation.StatusError))
	if resp["message"] != "Unknown number" {
		t.Errorf("unexpected message: %v", resp["message"])
	}
}

func TestSMSReceive_NoActiveSession(t *testing.T) {
	env := newTestEnv(t)
	req := testutil.CreateHTTPRequest(t, http.MethodPost, "/api/sms/receive", map[string]string{
		"from_number": testPhone,
		"content":     "hello",
	})
	rr := env.do(req)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "no session")
	testutil.AssertJSONResponse(t, rr, string(conversation.StatusNoSession))
	testutil.AssertMessageLogCount(t, env.store, "f1", 2, "inbound and reply logged")
}

func TestSMSReceive_FormPostAdvancesSession(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(uploadRequest(t, "/ingest", testToken, validUpload))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "ingest")

	form := url.Values{"From": {testPhone}, "Body": {" 1 "}, "MessageSid": {"SM-in-1"}}
	req := httptest.NewRequest(http.MethodPost, "/sms/receive", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr = env.do(req)

	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "form post")
	resp := testutil.AssertJSONResponse(t, rr, string(conversation.StatusSuccess))
	result, _ := resp["result"].(map[string]interface{})
	if result["action"] != string(models.ActionCropSuggestions) || result["state"] != string(models.StateCompleted) {
		t.Errorf("unexpected result: %v", result)
	}
	if reply, _ := result["reply"].(string); !strings.Contains(reply, advisor.FallbackText) {
		t.Errorf("expected fallback advice in reply, got %q", reply)
	}

	if _, err := env.store.ActiveSession(context.Background(), "f1"); err == nil {
		t.Error("expected completed session to be cleared")
	}
}

func TestSMSReceive_RejectsMissingSender(t *testing.T) {
	env := newTestEnv(t)
	req := testutil.CreateHTTPRequest(t, http.MethodPost, "/sms/receive", `{"content":"1"}`)
	rr := env.do(req)
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "missing sender")

	req = testutil.CreateHTTPRequest(t, http.MethodPost, "/sms/receive", `not json`)
	rr = env.do(req)
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "invalid payload")
}

func TestMessagesHandler(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(httptest.NewRequest(http.MethodGet, "/farmers/f1/messages", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "empty log")
	var empty struct {
		Status string                   `json:"status"`
		Result []models.MessageLogEntry `json:"result"`
	}
	testutil.MustUnmarshalJSON(t, rr.Body.Bytes(), &empty)
	if empty.Result == nil || len(empty.Result) != 0 {
		t.Errorf("expected empty list, got %v", empty.Result)
	}

	env.do(uploadRequest(t, "/ingest", testToken, validUpload))
	rr = env.do(httptest.NewRequest(http.MethodGet, "/farmers/f1/messages", nil))
	var listed struct {
		Result []models.MessageLogEntry `json:"result"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(listed.Result) == 0 || listed.Result[0].Direction != models.DirectionOutbound {
		t.Errorf("expected outbound menu entries, got %+v", listed.Result)
	}

	rr = env.do(httptest.NewRequest(http.MethodGet, "/farmers/missing/messages", nil))
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "unknown farmer")
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "health")
	testutil.AssertJSONResponse(t, rr, "ok")

	rr = env.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "metrics")
	if !strings.Contains(rr.Body.String(), "go_goroutines") {
		t.Error("expected Prometheus exposition output")
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		token  string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"bearer  abc ", "abc", true},
		{"Basic abc", "", false},
		{"Bearer ", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodPost, "/ingest", nil)
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}
		token, ok := bearerToken(req)
		if token != tt.token || ok != tt.ok {
			t.Errorf("bearerToken(%q) = %q, %v; want %q, %v", tt.header, token, ok, tt.token, tt.ok)
		}
	}
}
