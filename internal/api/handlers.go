// Package api provides HTTP handlers for SoilPipe endpoints.
package api

import (
	"encoding/json"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"github.com/BTreeMap/SoilPipe/internal/conversation"
	"github.com/BTreeMap/SoilPipe/internal/ingest"
	"github.com/BTreeMap/SoilPipe/internal/models"
)

// inboundSMS is the webhook payload. JSON posts use from_number/content; carrier form
// posts use From/Body.
type inboundSMS struct {
	ID          string `json:"id"`
	FromNumber  string `json:"from_number" validate:"required"`
	Content     string `json:"content"`
	TimeCreated int64  `json:"time_created"`
}

func (s *Server) ingestHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.ingestHandler: processing upload", "path", r.URL.Path)

	token, ok := bearerToken(r)
	if !ok {
		slog.Warn("Server.ingestHandler: missing or invalid token")
		writeJSONResponse(w, http.StatusUnauthorized, models.Error("Missing or invalid token"))
		return
	}

	var req ingest.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxRequestBodyBytes)).Decode(&req); err != nil {
		slog.Warn("Server.ingestHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := s.validate.Struct(req); err != nil {
		slog.Warn("Server.ingestHandler: validation failed", "error", err)
		writeError(w, err)
		return
	}

	res, err := s.deps.Ingest.Ingest(r.Context(), token, req)
	if err != nil {
		slog.Warn("Server.ingestHandler: ingestion failed", "device_id", req.DeviceID, "error", err)
		writeError(w, err)
		return
	}

	slog.Info("Server.ingestHandler: reading ingested", "reading_id", res.ReadingID, "location", res.Location)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Data received, weather fetched, AI analyzed, SMS sent to farmer", res))
}

func (s *Server) smsReceiveHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}

	msg, err := decodeInboundSMS(w, r)
	if err != nil {
		slog.Warn("Server.smsReceiveHandler: failed to decode webhook", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid webhook payload"))
		return
	}
	if err := s.validate.Struct(msg); err != nil {
		slog.Warn("Server.smsReceiveHandler: validation failed", "error", err)
		writeError(w, err)
		return
	}
	slog.Debug("Server.smsReceiveHandler: inbound SMS", "from", msg.FromNumber, "id", msg.ID)

	res, err := s.deps.Inbound.HandleInbound(r.Context(), msg.FromNumber, strings.TrimSpace(msg.Content))
	if err != nil {
		slog.Error("Server.smsReceiveHandler: handling failed", "from", msg.FromNumber, "error", err)
		writeError(w, err)
		return
	}

	message := "processed"
	switch res.Status {
	case conversation.StatusError:
		message = "Unknown number"
	case conversation.StatusNoSession:
		message = "No active session"
	}
	writeJSONResponse(w, http.StatusOK, models.WithBranchStatus(string(res.Status), message, res))
}

func (s *Server) messagesHandler(w http.ResponseWriter, r *http.Request) {
	farmerID := r.PathValue("id")
	if _, err := s.deps.Logs.FarmerByID(r.Context(), farmerID); err != nil {
		writeError(w, err)
		return
	}
	logs, err := s.deps.Logs.MessageLogs(r.Context(), farmerID)
	if err != nil {
		slog.Error("Server.messagesHandler: failed to list messages", "farmer_id", farmerID, "error", err)
		writeError(w, err)
		return
	}
	if logs == nil {
		logs = []models.MessageLogEntry{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(logs))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("healthy", nil))
}

// bearerToken extracts the token from an "Authorization: Bearer <token>" header.
func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func decodeInboundSMS(w http.ResponseWriter, r *http.Request) (inboundSMS, error) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodyBytes)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/x-www-form-urlencoded" {
		if err := r.ParseForm(); err != nil {
			return inboundSMS{}, err
		}
		return inboundSMS{
			ID:         r.PostForm.Get("MessageSid"),
			FromNumber: r.PostForm.Get("From"),
			Content:    r.PostForm.Get("Body"),
		}, nil
	}

	var msg inboundSMS
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		return inboundSMS{}, err
	}
	return msg, nil
}
