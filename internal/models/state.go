// Package models defines state management structures for SoilPipe conversations.
package models

import (
	"fmt"
	"strings"
)

// SessionState is the closed set of conversation states.
type SessionState string

const (
	// StateAwaitingChoice waits for the farmer to pick an option from the menu.
	StateAwaitingChoice SessionState = "awaiting_choice"
	// StateAwaitingCrop waits for the farmer to name a crop to check.
	StateAwaitingCrop SessionState = "awaiting_crop"
	// StateCompleted is terminal.
	StateCompleted SessionState = "completed"
)

// IsValid reports whether s is one of the known states.
func (s SessionState) IsValid() bool {
	switch s {
	case StateAwaitingChoice, StateAwaitingCrop, StateCompleted:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transition can leave s.
func (s SessionState) IsTerminal() bool {
	return s == StateCompleted
}

// Action is what the conversation should do in response to an inbound message.
type Action string

const (
	ActionCropSuggestions  Action = "crop_suggestions"
	ActionAskCrop          Action = "ask_crop"
	ActionFertilizerAdvice Action = "fertilizer_advice"
	ActionCheckCrop        Action = "check_crop"
	ActionMenuReminder     Action = "menu_reminder"
)

// Transition is the outcome of applying an inbound message to a session state.
type Transition struct {
	From   SessionState
	To     SessionState
	Action Action
	// Input is the normalized (trimmed, upper-cased) message text.
	Input string
}

// Changed reports whether the transition moves the session to a new state.
func (t Transition) Changed() bool {
	return t.From != t.To
}

// allowedTransitions lists every state change the conversation may perform.
// Self-loops are not listed; they never write.
var allowedTransitions = map[SessionState][]SessionState{
	StateAwaitingChoice: {StateAwaitingCrop, StateCompleted},
	StateAwaitingCrop:   {StateCompleted},
}

// ValidateTransition returns ErrInvalidTransition unless from -> to is a forward move in the table.
func ValidateTransition(from, to SessionState) error {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// NormalizeInput trims and upper-cases an inbound message.
func NormalizeInput(content string) string {
	return strings.ToUpper(strings.TrimSpace(content))
}

// NextTransition applies an inbound message to the current state.
func NextTransition(current SessionState, content string) (Transition, error) {
	if !current.IsValid() {
		return Transition{}, fmt.Errorf("%w: unknown state %q", ErrInvalidTransition, current)
	}
	input := NormalizeInput(content)
	t := Transition{From: current, To: current, Action: ActionMenuReminder, Input: input}

	switch current {
	case StateAwaitingChoice:
		switch input {
		case "1", "ONE":
			t.To, t.Action = StateCompleted, ActionCropSuggestions
		case "2", "TWO":
			t.To, t.Action = StateAwaitingCrop, ActionAskCrop
		case "3", "THREE":
			t.To, t.Action = StateCompleted, ActionFertilizerAdvice
		}
	case StateAwaitingCrop:
		t.To, t.Action = StateCompleted, ActionCheckCrop
	}

	if t.Changed() {
		if err := ValidateTransition(t.From, t.To); err != nil {
			return Transition{}, err
		}
	}
	return t, nil
}
