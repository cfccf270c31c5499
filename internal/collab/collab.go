// Package collab defines the call boundary to the external collaborators
// the pipeline composes: understanding, decision, and execution. The
// contracts are the surface; the reference implementations in this
// package exist so the pipeline runs end to end without any external
// service.
package collab

import (
	"context"
	"errors"
	"time"

	banterr "banto/internal/errors"
)

// Intent classifies what the user's message asks for.
type Intent string

const (
	IntentTeach     Intent = "teach"
	IntentQuestion  Intent = "question"
	IntentAction    Intent = "action"
	IntentSmalltalk Intent = "smalltalk"
)

// Context carries the per-turn facts every collaborator may use. It is
// assembled by the orchestrator and stays read-only inside a call.
type Context struct {
	ConversationID string
	UserID         string
	OrganizationID string
	Authority      string
	// Learnings holds rendered active learnings relevant to this turn,
	// already trimmed to the configured token budget.
	Learnings []string
}

// Understanding is the understanding collaborator's read of one message.
type Understanding struct {
	Intent     Intent         `json:"intent"`
	Confidence float64        `json:"confidence"`
	Params     map[string]any `json:"extracted_params,omitempty"`
}

// Decision is a concrete next step: an action name plus parameters, and
// optionally a question with candidate options when the collaborator
// needs the user to narrow the request down.
type Decision struct {
	Action            string         `json:"action"`
	Params            map[string]any `json:"params,omitempty"`
	NeedsConfirmation bool           `json:"needs_confirmation,omitempty"`
	Question          string         `json:"question,omitempty"`
	Options           []string       `json:"options,omitempty"`
}

// Result is what an executed action produced. Suggestions, when present,
// are a list the user is expected to pick from on the next turn.
type Result struct {
	Success     bool           `json:"success"`
	Message     string         `json:"message"`
	Data        map[string]any `json:"data,omitempty"`
	Suggestions []string       `json:"suggestions,omitempty"`
}

// UnderstandingCollaborator turns a raw message into an Understanding.
type UnderstandingCollaborator interface {
	Understand(ctx context.Context, message string, tc Context) (Understanding, error)
}

// DecisionCollaborator turns an Understanding into a Decision.
type DecisionCollaborator interface {
	Decide(ctx context.Context, u Understanding, tc Context) (Decision, error)
}

// ExecutionCollaborator carries out a Decision.
type ExecutionCollaborator interface {
	Execute(ctx context.Context, d Decision, tc Context) (Result, error)
}

// Budgets holds the per-call time budgets for each collaborator. Zero
// means no deadline.
type Budgets struct {
	Understand time.Duration
	Decide     time.Duration
	Execute    time.Duration
}

// CallWithBudget runs one collaborator call under its time budget and
// converts a blown deadline into a CollaboratorTimeoutError so the raw
// context error never reaches the user.
func CallWithBudget[T any](ctx context.Context, collaborator string, budget time.Duration, call func(ctx context.Context) (T, error)) (T, error) {
	if budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, budget)
		defer cancel()
	}
	out, err := call(ctx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		return out, banterr.NewCollaboratorTimeout(collaborator, budget, err)
	}
	return out, err
}
