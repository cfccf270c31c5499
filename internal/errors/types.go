package errors

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies pipeline errors for logging, metrics and response mapping.
type Kind int

const (
	// KindInternal - unclassified failures, reported generically
	KindInternal Kind = iota
	// KindValidation - malformed action parameters, surfaced as a clarifying question
	KindValidation
	// KindAuthority - insufficient rank for the attempted change, surfaced as a denial
	KindAuthority
	// KindCollaboratorTimeout - a collaborator exceeded its call budget
	KindCollaboratorTimeout
	// KindStateCorruption - a stored state payload failed to deserialize
	KindStateCorruption
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthority:
		return "authority"
	case KindCollaboratorTimeout:
		return "collaborator_timeout"
	case KindStateCorruption:
		return "state_corruption"
	default:
		return "internal"
	}
}

// ValidationError reports malformed or missing action parameters.
// It is never fatal; callers turn it into a clarifying question.
type ValidationError struct {
	Field   string // offending parameter, empty if the whole proposal is bad
	Reason  string
	Err     error
	Message string // user-facing override
}

func (e *ValidationError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Field != "" {
		return fmt.Sprintf("invalid parameter %q: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid parameters: %s", e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// AuthorityError reports an attempt to modify or delete a learning
// without sufficient rank. It is never fatal; callers turn it into a
// denial message.
type AuthorityError struct {
	Action   string // e.g. "delete", "supersede"
	Required string // minimum rank that may perform the action
	Actual   string
	Err      error
}

func (e *AuthorityError) Error() string {
	return fmt.Sprintf("%s requires %s authority, caller has %s", e.Action, e.Required, e.Actual)
}

func (e *AuthorityError) Unwrap() error {
	return e.Err
}

// CollaboratorTimeoutError reports that an understanding, decision or
// execution call exceeded its budget. Callers convert it to a generic
// apology; the raw error never reaches the user.
type CollaboratorTimeoutError struct {
	Collaborator string // "understanding", "decision", "execution"
	Budget       time.Duration
	Err          error
}

func (e *CollaboratorTimeoutError) Error() string {
	return fmt.Sprintf("%s collaborator exceeded %s budget: %v", e.Collaborator, e.Budget, e.Err)
}

func (e *CollaboratorTimeoutError) Unwrap() error {
	return e.Err
}

// StateCorruptionError reports a stored conversation state whose payload
// failed to deserialize. Readers treat the state as absent (fail open to
// NORMAL) because blocking the whole conversation is worse than losing
// one pending confirmation.
type StateCorruptionError struct {
	ConversationID string
	UserID         string
	Err            error
}

func (e *StateCorruptionError) Error() string {
	return fmt.Sprintf("corrupt state for conversation %s user %s: %v", e.ConversationID, e.UserID, e.Err)
}

func (e *StateCorruptionError) Unwrap() error {
	return e.Err
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsAuthority reports whether err is (or wraps) an AuthorityError.
func IsAuthority(err error) bool {
	var ae *AuthorityError
	return errors.As(err, &ae)
}

// IsCollaboratorTimeout reports whether err is (or wraps) a CollaboratorTimeoutError.
func IsCollaboratorTimeout(err error) bool {
	var te *CollaboratorTimeoutError
	return errors.As(err, &te)
}

// IsStateCorruption reports whether err is (or wraps) a StateCorruptionError.
func IsStateCorruption(err error) bool {
	var se *StateCorruptionError
	return errors.As(err, &se)
}

// KindOf classifies an error for metrics labels and failure-kind logging.
// Unknown errors classify as KindInternal.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindInternal
	case IsValidation(err):
		return KindValidation
	case IsAuthority(err):
		return KindAuthority
	case IsCollaboratorTimeout(err):
		return KindCollaboratorTimeout
	case IsStateCorruption(err):
		return KindStateCorruption
	default:
		return KindInternal
	}
}

// Helper constructors

// NewValidation creates a ValidationError for a single parameter.
func NewValidation(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// NewAuthority creates an AuthorityError for a denied action.
func NewAuthority(action, required, actual string) *AuthorityError {
	return &AuthorityError{Action: action, Required: required, Actual: actual}
}

// NewCollaboratorTimeout wraps a deadline failure from a collaborator call.
func NewCollaboratorTimeout(collaborator string, budget time.Duration, err error) *CollaboratorTimeoutError {
	return &CollaboratorTimeoutError{Collaborator: collaborator, Budget: budget, Err: err}
}

// NewStateCorruption wraps a deserialization failure for a stored state row.
func NewStateCorruption(conversationID, userID string, err error) *StateCorruptionError {
	return &StateCorruptionError{ConversationID: conversationID, UserID: userID, Err: err}
}
