package dialog

import (
	"fmt"
	"strings"
	"time"
)

// StateType enumerates the multi-turn dialogue states. NORMAL is implicit:
// it is the absence of a stored row, never persisted.
type StateType string

const (
	StateNormal       StateType = "NORMAL"
	StateConfirmation StateType = "CONFIRMATION"
	StateTaskPending  StateType = "TASK_PENDING"
	StateListContext  StateType = "LIST_CONTEXT"
)

// Valid reports whether t is a persistable state type.
func (t StateType) Valid() bool {
	switch t {
	case StateConfirmation, StateTaskPending, StateListContext:
		return true
	default:
		return false
	}
}

// Key identifies the single active state slot of a user in a conversation.
type Key struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}

func (k Key) Validate() error {
	if strings.TrimSpace(k.ConversationID) == "" {
		return fmt.Errorf("conversation id is required")
	}
	if strings.TrimSpace(k.UserID) == "" {
		return fmt.Errorf("user id is required")
	}
	return nil
}

// PendingAction is an action parked behind a confirmation. It is consumed
// by the next user turn or expires with its owning state.
type PendingAction struct {
	Action               string         `json:"action"`
	Parameters           map[string]any `json:"parameters,omitempty"`
	ConfirmationQuestion string         `json:"confirmation_question,omitempty"`
	RiskLevel            string         `json:"risk_level,omitempty"`
	CorrelationID        string         `json:"correlation_id,omitempty"`
}

// Payload carries the state-specific data of a stored row.
type Payload struct {
	Pending *PendingAction `json:"pending,omitempty"`
	Prompt  string         `json:"prompt,omitempty"`  // last question shown to the user
	Options []string       `json:"options,omitempty"` // list-context / confirmation choices
	Extra   map[string]any `json:"extra,omitempty"`
}

// ConversationState is the stored row for one (conversation, user) key.
// At most one row exists per key; a transition replaces any prior row.
type ConversationState struct {
	Key
	Type       StateType `json:"state_type"`
	Step       string    `json:"step,omitempty"`
	Payload    Payload   `json:"payload"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	RetryCount int       `json:"retry_count"`
}

// Normal returns the implicit NORMAL state for a key.
func Normal(key Key) ConversationState {
	return ConversationState{Key: key, Type: StateNormal}
}

// IsNormal reports whether the state is the implicit NORMAL state.
func (s ConversationState) IsNormal() bool {
	return s.Type == StateNormal || s.Type == ""
}

// Expired reports whether the row's TTL has elapsed at the given instant.
func (s ConversationState) Expired(now time.Time) bool {
	if s.IsNormal() || s.ExpiresAt.IsZero() {
		return false
	}
	return now.After(s.ExpiresAt)
}
