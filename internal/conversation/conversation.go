// Package conversation interprets inbound SMS replies against a farmer's active session.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/SoilPipe/internal/messaging"
	"github.com/BTreeMap/SoilPipe/internal/metrics"
	"github.com/BTreeMap/SoilPipe/internal/models"
	"github.com/BTreeMap/SoilPipe/internal/store"
	"github.com/BTreeMap/SoilPipe/internal/weather"
	"github.com/google/uuid"
)

// Fixed reply texts.
const (
	NotRegisteredReply = "Phone number not registered. Contact B&J Agrotech support."
	NoSessionReply     = "No active session. Please run a soil test first."
	CropPromptReply    = "Which crop? Reply: MAIZE, BEANS, COFFEE, CASSAVA, BANANAS, TOMATOES, etc."
	MenuReminderReply  = "Invalid option. Reply:\n1-Crop suggestions\n2-Check your crop\n3-Fertilizer advice"
)

// Status names the branch HandleInbound took.
type Status string

const (
	StatusError     Status = "error"
	StatusNoSession Status = "no_session"
	StatusSuccess   Status = "success"
)

// Result describes how an inbound message was handled.
type Result struct {
	Status    Status              `json:"status"`
	Action    models.Action       `json:"action,omitempty"`
	State     models.SessionState `json:"state,omitempty"`
	SessionID string              `json:"session_id,omitempty"`
	Reply     string              `json:"reply"`
}

// Advisor generates the three kinds of advice.
type Advisor interface {
	CropSuggestions(ctx context.Context, soil models.SoilProperties, w weather.Summary) (string, error)
	CheckCrop(ctx context.Context, cropName string, soil models.SoilProperties, w weather.Summary) (string, error)
	FertilizerAdvice(ctx context.Context, soil models.SoilProperties, targetCrop string) (string, error)
}

// WeatherSource always yields a summary, degrading to the fallback on failure.
type WeatherSource interface {
	FetchOrFallback(ctx context.Context, latitude, longitude float64) weather.Summary
}

// Messenger sends replies and records inbound messages.
type Messenger interface {
	Send(ctx context.Context, phone, message string, logCtx *messaging.LogContext) (models.DeliveryResult, error)
	LogInbound(ctx context.Context, farmerID, phone, content string) error
	NormalizeNumber(phone string) string
}

// StateMachine is the conversation handler.
type StateMachine struct {
	store     store.Store
	advisor   Advisor
	weather   WeatherSource
	messenger Messenger
}

// NewStateMachine creates a StateMachine from its collaborators.
func NewStateMachine(st store.Store, adv Advisor, ws WeatherSource, msg Messenger) *StateMachine {
	return &StateMachine{store: st, advisor: adv, weather: ws, messenger: msg}
}

// HandleInbound processes one message from a farmer. The state change and any generated
// recommendation are committed together; the reply is sent after the commit.
func (m *StateMachine) HandleInbound(ctx context.Context, from, content string) (Result, error) {
	phone := m.messenger.NormalizeNumber(from)

	farmer, err := m.store.FarmerByPhone(ctx, phone)
	if errors.Is(err, models.ErrNotFound) {
		slog.Info("StateMachine.HandleInbound: unknown number", "from", phone)
		m.reply(ctx, phone, NotRegisteredReply, nil)
		return Result{Status: StatusError, Reply: NotRegisteredReply}, nil
	}
	if err != nil {
		return Result{}, err
	}

	if err := m.messenger.LogInbound(ctx, farmer.ID, phone, content); err != nil {
		slog.Error("StateMachine.HandleInbound: inbound log failed", "farmer_id", farmer.ID, "error", err)
		return Result{}, err
	}
	logCtx := &messaging.LogContext{FarmerID: farmer.ID}

	sess, err := m.store.ActiveSession(ctx, farmer.ID)
	if errors.Is(err, models.ErrNotFound) {
		slog.Info("StateMachine.HandleInbound: no active session", "farmer_id", farmer.ID)
		m.reply(ctx, phone, NoSessionReply, logCtx)
		return Result{Status: StatusNoSession, Reply: NoSessionReply}, nil
	}
	if err != nil {
		return Result{}, err
	}

	tr, err := models.NextTransition(sess.State, content)
	if err != nil {
		slog.Error("StateMachine.HandleInbound: session in unknown state", "session_id", sess.ID, "state", sess.State, "error", err)
		return Result{}, err
	}
	slog.Debug("StateMachine.HandleInbound: transition", "session_id", sess.ID, "from", tr.From, "to", tr.To, "action", tr.Action)

	reply, rec, err := m.perform(ctx, sess, tr)
	if err != nil {
		return Result{}, err
	}

	cropName := ""
	if tr.Action == models.ActionCheckCrop {
		cropName = tr.Input
	}
	if tr.Changed() || rec != nil {
		err := m.store.InTx(ctx, func(tx store.Tx) error {
			if tr.Changed() {
				if err := tx.AdvanceSession(ctx, sess.ID, tr.From, tr.To, cropName); err != nil {
					return err
				}
			}
			if rec != nil {
				return tx.AddRecommendation(ctx, rec)
			}
			return nil
		})
		if errors.Is(err, models.ErrSessionConflict) {
			slog.Warn("StateMachine.HandleInbound: session moved on concurrently", "session_id", sess.ID, "from", tr.From, "action", tr.Action)
			return m.replyAfterConflict(ctx, farmer.ID, phone, logCtx)
		}
		if err != nil {
			slog.Error("StateMachine.HandleInbound: failed to persist transition", "session_id", sess.ID, "error", err)
			return Result{}, fmt.Errorf("failed to persist session %s: %w", sess.ID, err)
		}
	}
	metrics.SessionTransitionsTotal.WithLabelValues(string(tr.From), string(tr.Action)).Inc()

	m.reply(ctx, phone, reply, logCtx)
	return Result{
		Status:    StatusSuccess,
		Action:    tr.Action,
		State:     tr.To,
		SessionID: sess.ID,
		Reply:     reply,
	}, nil
}

// perform produces the reply for a transition and, for generated advice, the recommendation to store.
func (m *StateMachine) perform(ctx context.Context, sess models.Session, tr models.Transition) (string, *models.Recommendation, error) {
	var (
		text    string
		recType models.RecommendationType
		err     error
	)

	switch tr.Action {
	case models.ActionAskCrop:
		return CropPromptReply, nil, nil
	case models.ActionMenuReminder:
		return MenuReminderReply, nil, nil
	}

	reading, err := m.store.Reading(ctx, sess.SoilReadingID)
	if err != nil {
		slog.Error("StateMachine.perform: session reading missing", "session_id", sess.ID, "reading_id", sess.SoilReadingID, "error", err)
		return "", nil, err
	}
	soil := reading.SoilProperties

	switch tr.Action {
	case models.ActionCropSuggestions:
		w := m.weather.FetchOrFallback(ctx, reading.Latitude, reading.Longitude)
		text, err = m.advisor.CropSuggestions(ctx, soil, w)
		recType = models.RecommendationCropSuggestion
	case models.ActionCheckCrop:
		w := m.weather.FetchOrFallback(ctx, reading.Latitude, reading.Longitude)
		text, err = m.advisor.CheckCrop(ctx, tr.Input, soil, w)
		recType = models.RecommendationCropCheck
	case models.ActionFertilizerAdvice:
		text, err = m.advisor.FertilizerAdvice(ctx, soil, sess.CropName)
		recType = models.RecommendationFertilizerAdvice
	default:
		return "", nil, fmt.Errorf("%w: unhandled action %q", models.ErrInvalidTransition, tr.Action)
	}
	if err != nil {
		slog.Error("StateMachine.perform: generation aborted", "session_id", sess.ID, "action", tr.Action, "error", err)
		return "", nil, err
	}

	rec := &models.Recommendation{
		ID:            uuid.NewString(),
		SoilReadingID: reading.ID,
		Type:          recType,
		Content:       text,
	}
	return text, rec, nil
}

// replyAfterConflict answers a message whose transition lost to a concurrent one. The farmer
// still gets a reply that matches where the session ended up.
func (m *StateMachine) replyAfterConflict(ctx context.Context, farmerID, phone string, logCtx *messaging.LogContext) (Result, error) {
	current, err := m.store.ActiveSession(ctx, farmerID)
	if errors.Is(err, models.ErrNotFound) {
		m.reply(ctx, phone, NoSessionReply, logCtx)
		return Result{Status: StatusNoSession, Reply: NoSessionReply}, nil
	}
	if err != nil {
		return Result{}, err
	}
	m.reply(ctx, phone, MenuReminderReply, logCtx)
	return Result{
		Status:    StatusSuccess,
		Action:    models.ActionMenuReminder,
		State:     current.State,
		SessionID: current.ID,
		Reply:     MenuReminderReply,
	}, nil
}

func (m *StateMachine) reply(ctx context.Context, phone, text string, logCtx *messaging.LogContext) {
	if _, err := m.messenger.Send(ctx, phone, text, logCtx); err != nil {
		slog.Error("StateMachine.reply: reply not fully logged", "to", phone, "error", err)
	}
}
