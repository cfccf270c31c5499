// Package orchestrator composes the message pipeline: dedup, dialogue
// state, the collaborators, the safety gate, knowledge, and the audit
// trail. It owns no policy of its own; every stage is delegated and the
// orchestrator only sequences them and converts failures into replies.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/ksuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"banto/internal/async"
	"banto/internal/collab"
	"banto/internal/config"
	"banto/internal/decisionlog"
	"banto/internal/dedup"
	"banto/internal/dialog"
	banterr "banto/internal/errors"
	"banto/internal/knowledge"
	"banto/internal/observability"
	"banto/internal/safety"
	"banto/internal/security/redaction"
	"banto/internal/textbudget"
)

// LIST_CONTEXT step names. The step tells the next turn how to interpret
// the user's pick.
const (
	stepConflictChoice = "conflict_choice"
	stepActionChoice   = "action_choice"
	stepSelection      = "selection"
)

// actionResolveConflict is the pending-action name parked while a
// knowledge conflict waits for the user's new/existing choice. It is
// resolved in-process and never reaches the execution collaborator.
const actionResolveConflict = "knowledge_resolve"

// repromptHints vary the re-asked prompt per attempt so consecutive
// prompts are never byte-identical.
var repromptHints = map[dialog.StateType][]string{
	dialog.StateConfirmation: {
		"\nPlease answer yes or no.",
		"\nA quick yes or no is all I need.",
	},
	dialog.StateTaskPending: {
		"\nJust type the value.",
		"\nAny short answer works.",
	},
	dialog.StateListContext: {
		"\nPick a number or type one of the options.",
		"\nA number from the list is easiest.",
	},
}

// Config carries the orchestrator knobs threaded in from the config file.
type Config struct {
	OrganizationID string
	Budgets        collab.Budgets
	// ContextTokenBudget caps the rendered learnings handed to the
	// collaborators. Zero means no cap.
	ContextTokenBudget int
}

// Dependencies lists everything the orchestrator composes. Machine,
// Gate, Knowledge, the three collaborators and Runtime are required;
// the rest degrade gracefully when absent.
type Dependencies struct {
	Machine    *dialog.Machine
	Gate       *safety.Gate
	Knowledge  *knowledge.Service
	Understand collab.UnderstandingCollaborator
	Decide     collab.DecisionCollaborator
	Execute    collab.ExecutionCollaborator
	Runtime    *config.RuntimeHolder
	Decisions  decisionlog.Store
	Dedup      *dedup.Cache
	Tasks      *async.TaskSet
	Logger     *observability.Logger
	Metrics    *Metrics
	Tracer     *observability.TracerProvider
	Events     EventSink
}

// Orchestrator drives one inbound message through the pipeline. It is
// safe for concurrent use; per-conversation ordering is the transport's
// concern.
type Orchestrator struct {
	machine    *dialog.Machine
	gate       *safety.Gate
	knowledge  *knowledge.Service
	understand collab.UnderstandingCollaborator
	decide     collab.DecisionCollaborator
	execute    collab.ExecutionCollaborator
	runtime    *config.RuntimeHolder
	decisions  decisionlog.Store
	dedup      *dedup.Cache
	tasks      *async.TaskSet
	logger     *observability.Logger
	metrics    *Metrics
	tracer     *observability.TracerProvider
	sink       EventSink
	cfg        Config
	now        func() time.Time
}

// New wires an orchestrator. Optional dependencies may be nil: no
// decision log means no audit trail, no dedup cache means every message
// is fresh, no task set means follow-up work runs inline.
func New(deps Dependencies, cfg Config) (*Orchestrator, error) {
	switch {
	case deps.Machine == nil:
		return nil, fmt.Errorf("dialog machine is required")
	case deps.Gate == nil:
		return nil, fmt.Errorf("safety gate is required")
	case deps.Knowledge == nil:
		return nil, fmt.Errorf("knowledge service is required")
	case deps.Understand == nil:
		return nil, fmt.Errorf("understanding collaborator is required")
	case deps.Decide == nil:
		return nil, fmt.Errorf("decision collaborator is required")
	case deps.Execute == nil:
		return nil, fmt.Errorf("execution collaborator is required")
	case deps.Runtime == nil:
		return nil, fmt.Errorf("runtime holder is required")
	}
	if deps.Logger == nil {
		deps.Logger = observability.NewLogger(observability.LogConfig{Level: "error"})
	}
	if deps.Metrics == nil {
		deps.Metrics = defaultMetrics()
	}
	if strings.TrimSpace(cfg.OrganizationID) == "" {
		cfg.OrganizationID = "default"
	}
	return &Orchestrator{
		machine:    deps.Machine,
		gate:       deps.Gate,
		knowledge:  deps.Knowledge,
		understand: deps.Understand,
		decide:     deps.Decide,
		execute:    deps.Execute,
		runtime:    deps.Runtime,
		decisions:  deps.Decisions,
		dedup:      deps.Dedup,
		tasks:      deps.Tasks,
		logger:     deps.Logger,
		metrics:    deps.Metrics,
		tracer:     deps.Tracer,
		sink:       deps.Events,
		cfg:        cfg,
		now:        time.Now,
	}, nil
}

// WithClock replaces the orchestrator's clock. Tests use it together
// with the machine's and stores' clocks.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// Inbound is one message arriving from any transport.
type Inbound struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	MessageID      string `json:"message_id,omitempty"`
	Text           string `json:"text"`
	// Authority is the sender's rank when the transport knows it.
	// Empty defaults to USER for teach flows.
	Authority string `json:"authority,omitempty"`
}

// Response is the reply produced for one inbound message.
type Response struct {
	Message              string `json:"message"`
	ActionTaken          string `json:"action_taken,omitempty"`
	Success              bool   `json:"success"`
	AwaitingConfirmation bool   `json:"awaiting_confirmation,omitempty"`
	NewState             string `json:"new_state"`
	CorrelationID        string `json:"correlation_id,omitempty"`
	Duplicate            bool   `json:"duplicate,omitempty"`
	// ErrorKind names the error taxonomy kind when the reply is an
	// error conversion rather than a normal outcome.
	ErrorKind string `json:"error_kind,omitempty"`
}

// Process runs one message through the pipeline and produces the reply.
// Collaborator failures never surface as errors; they are converted to
// polite replies tagged with the error kind. A returned error means the
// infrastructure itself failed (state store, audit log).
func (o *Orchestrator) Process(ctx context.Context, in Inbound) (resp Response, err error) {
	if strings.TrimSpace(in.ConversationID) == "" {
		return Response{}, banterr.NewValidation("conversation_id", "conversation id is required")
	}
	if strings.TrimSpace(in.UserID) == "" {
		return Response{}, banterr.NewValidation("user_id", "user id is required")
	}
	key := dialog.Key{ConversationID: in.ConversationID, UserID: in.UserID}

	ctx = observability.ContextWithConversation(ctx, in.ConversationID, in.UserID)
	if observability.TraceIDFromContext(ctx) == "" {
		ctx = observability.ContextWithTraceID(ctx, ksuid.New().String())
	}
	ctx, span := o.startSpan(ctx, observability.SpanProcessMessage)

	started := o.now()
	o.metrics.IncActiveMessages()
	defer func() {
		if r := recover(); r != nil {
			o.logger.ErrorContext(ctx, "panic in message pipeline", "panic", r)
			o.metrics.IncErrorKind(banterr.KindInternal.String())
			resp = Response{
				Message:   "Something went wrong on my side. Please try again.",
				NewState:  string(dialog.StateNormal),
				ErrorKind: banterr.KindInternal.String(),
			}
			err = nil
		}
		o.metrics.DecActiveMessages()
		status := "ok"
		if err != nil {
			status = "failed"
		}
		o.metrics.ObserveStage("process", status, o.now().Sub(started))
		if span != nil {
			span.SetAttributes(observability.StatusAttrs(status)...)
		}
		endSpan(span, err)
		if err == nil {
			o.emit(Event{
				Type:           EventProcessed,
				ConversationID: in.ConversationID,
				UserID:         in.UserID,
				State:          resp.NewState,
				Outcome:        processOutcome(resp),
			})
		}
	}()

	if in.MessageID != "" && o.dedup != nil && o.dedup.Seen(in.MessageID) {
		o.logger.InfoContext(ctx, "duplicate message suppressed", "message_id", in.MessageID)
		return Response{Success: true, Duplicate: true}, nil
	}

	current, err := o.machine.Current(ctx, key)
	if err != nil {
		return o.storeFailure(ctx, "load state", err)
	}
	if span != nil {
		span.SetAttributes(observability.StateAttrs(string(current.Type))...)
	}

	if !current.IsNormal() && o.machine.IsCancellation(in.Text) {
		if err := o.machine.Clear(ctx, key, "user cancelled"); err != nil {
			return o.storeFailure(ctx, "clear state", err)
		}
		o.transitioned(key, string(dialog.StateNormal))
		if current.Type == dialog.StateConfirmation {
			o.resolveOutcome(in, current.Payload.Pending, "cancelled", false)
		}
		return Response{Message: "Okay, cancelled.", Success: true, NewState: string(dialog.StateNormal)}, nil
	}

	switch current.Type {
	case dialog.StateConfirmation:
		return o.handleConfirmation(ctx, key, current, in)
	case dialog.StateTaskPending:
		return o.handleTaskPending(ctx, key, current, in)
	case dialog.StateListContext:
		return o.handleListContext(ctx, key, current, in)
	}
	return o.handleNormal(ctx, key, in)
}

// handleNormal runs the full understand, decide, gate, execute chain.
func (o *Orchestrator) handleNormal(ctx context.Context, key dialog.Key, in Inbound) (Response, error) {
	tc := o.turnContext(ctx, in)

	understanding, err := o.understandStage(ctx, in.Text, tc)
	if err != nil {
		return o.converted(ctx, err), nil
	}

	if understanding.Intent == collab.IntentTeach {
		return o.handleTeach(ctx, key, in, understanding)
	}

	decision, err := o.decideStage(ctx, understanding, tc)
	if err != nil {
		return o.converted(ctx, err), nil
	}

	if decision.Action == "clarify" && len(decision.Options) > 0 {
		payload := dialog.Payload{
			Prompt:  decision.Question,
			Options: decision.Options,
			Pending: &dialog.PendingAction{Parameters: decision.Params},
			Extra:   map[string]any{"confidence": understanding.Confidence},
		}
		if _, err := o.machine.Transition(ctx, key, dialog.StateListContext, stepActionChoice, payload); err != nil {
			return o.storeFailure(ctx, "park clarification", err)
		}
		o.transitioned(key, string(dialog.StateListContext))
		return Response{
			Message:  renderOptions(decision.Question, decision.Options),
			Success:  true,
			NewState: string(dialog.StateListContext),
		}, nil
	}

	return o.gateAndRun(ctx, key, in, decision, understanding.Confidence)
}

// handleTeach routes a teach intent into the knowledge service and
// parks a conflict choice when the service cannot decide on its own.
func (o *Orchestrator) handleTeach(ctx context.Context, key dialog.Key, in Inbound, understanding collab.Understanding) (Response, error) {
	ctx, span := o.startSpan(ctx, observability.SpanTeach)
	defer endSpan(span, nil)

	authority := knowledge.AuthorityUser
	if strings.TrimSpace(in.Authority) != "" {
		parsed, err := knowledge.ParseAuthority(in.Authority)
		if err != nil {
			return o.converted(ctx, err), nil
		}
		authority = parsed
	}
	if span != nil {
		span.SetAttributes(observability.AuthorityAttrs(string(authority))...)
	}
	category := knowledge.CategoryFact
	if raw, ok := understanding.Params["category"].(string); ok && raw != "" {
		parsed, err := knowledge.ParseCategory(raw)
		if err != nil {
			return o.converted(ctx, err), nil
		}
		category = parsed
	}
	trigger, _ := understanding.Params["trigger"].(string)
	content, _ := understanding.Params["content"].(string)
	if strings.TrimSpace(trigger) == "" {
		return Response{
			Message:   "What should I file that under? Try \"remember: <topic> = <fact>\".",
			NewState:  string(dialog.StateNormal),
			ErrorKind: banterr.KindValidation.String(),
		}, nil
	}

	result, err := o.knowledge.Teach(ctx, knowledge.TeachRequest{
		OrganizationID: o.cfg.OrganizationID,
		Category:       category,
		Trigger:        trigger,
		Content:        content,
		Authority:      authority,
		TaughtBy:       in.UserID,
	})
	if err != nil {
		return o.converted(ctx, err), nil
	}
	o.countConflicts(key, result)
	if span != nil && len(result.Conflicts) > 0 {
		span.SetAttributes(observability.ConflictAttrs(string(result.Conflicts[0].Type))...)
	}

	if result.PendingID != "" {
		payload := dialog.Payload{
			Prompt:  result.Question,
			Options: []string{string(knowledge.ChoiceNew), string(knowledge.ChoiceExisting)},
			Pending: &dialog.PendingAction{
				Action:     actionResolveConflict,
				Parameters: map[string]any{"conflict_id": result.PendingID},
			},
		}
		if _, err := o.machine.Transition(ctx, key, dialog.StateListContext, stepConflictChoice, payload); err != nil {
			return o.storeFailure(ctx, "park conflict choice", err)
		}
		o.transitioned(key, string(dialog.StateListContext))
		return Response{
			Message:  result.Question,
			Success:  true,
			NewState: string(dialog.StateListContext),
		}, nil
	}

	if !result.Accepted {
		return Response{
			Message:   result.Message,
			Success:   false,
			NewState:  string(dialog.StateNormal),
			ErrorKind: banterr.KindAuthority.String(),
		}, nil
	}

	message := fmt.Sprintf("Got it. I'll remember that %s.", result.Learning.Content.Display())
	if result.Message != "" {
		message += " (" + result.Message + ")"
	}
	return Response{
		Message:     message,
		ActionTaken: "knowledge_teach",
		Success:     true,
		NewState:    string(dialog.StateNormal),
	}, nil
}

// handleConfirmation consumes a yes/no reply to a parked action.
func (o *Orchestrator) handleConfirmation(ctx context.Context, key dialog.Key, current dialog.ConversationState, in Inbound) (Response, error) {
	pending := current.Payload.Pending

	switch dialog.ParseReply(in.Text) {
	case dialog.ReplyYes:
		if err := o.machine.Clear(ctx, key, "confirmed"); err != nil {
			return o.storeFailure(ctx, "clear state", err)
		}
		o.transitioned(key, string(dialog.StateNormal))
		if pending == nil {
			return Response{
				Message:  "There is nothing pending to confirm.",
				Success:  true,
				NewState: string(dialog.StateNormal),
			}, nil
		}
		// the stop switch may have been flipped while we waited
		if o.runtime.Load().EmergencyStop {
			o.resolveOutcome(in, pending, "blocked", false)
			return Response{
				Message:   "The emergency stop is active, so I can't run that right now.",
				NewState:  string(dialog.StateNormal),
				ErrorKind: banterr.KindInternal.String(),
			}, nil
		}
		decision := collab.Decision{Action: pending.Action, Params: pending.Parameters}
		resp, err := o.executeAction(ctx, key, in, decision, confidenceFrom(current.Payload))
		if err != nil {
			return resp, err
		}
		o.resolveOutcome(in, pending, executionOutcome(resp), resp.Success)
		resp.CorrelationID = pending.CorrelationID
		return resp, nil

	case dialog.ReplyNo:
		if err := o.machine.Clear(ctx, key, "declined"); err != nil {
			return o.storeFailure(ctx, "clear state", err)
		}
		o.transitioned(key, string(dialog.StateNormal))
		o.resolveOutcome(in, pending, "declined", false)
		return Response{
			Message:  "Okay, I won't do that.",
			Success:  true,
			NewState: string(dialog.StateNormal),
		}, nil
	}

	return o.repromptOrFallback(ctx, key, current, in,
		"I couldn't tell if that was a yes or a no, so I've set the pending action aside. Tell me again what you'd like to do.")
}

// handleTaskPending consumes the user's answer as the missing parameter
// named by the step, then sends the completed action back through the
// gate. The fresh parameter can change the risk tier, so skipping the
// re-check is not an option.
func (o *Orchestrator) handleTaskPending(ctx context.Context, key dialog.Key, current dialog.ConversationState, in Inbound) (Response, error) {
	pending := current.Payload.Pending
	if pending == nil || current.Step == "" {
		if err := o.machine.Clear(ctx, key, "task pending without payload"); err != nil {
			return o.storeFailure(ctx, "clear state", err)
		}
		o.transitioned(key, string(dialog.StateNormal))
		return o.handleNormal(ctx, key, in)
	}

	answer := strings.TrimSpace(in.Text)
	if answer == "" {
		return o.repromptOrFallback(ctx, key, current, in,
			"Let's start over. Tell me again what you'd like to do.")
	}

	params := make(map[string]any, len(pending.Parameters)+1)
	for k, v := range pending.Parameters {
		params[k] = v
	}
	params[current.Step] = answer

	if err := o.machine.Clear(ctx, key, "parameter provided"); err != nil {
		return o.storeFailure(ctx, "clear state", err)
	}
	o.transitioned(key, string(dialog.StateNormal))

	decision := collab.Decision{Action: pending.Action, Params: params}
	return o.gateAndRun(ctx, key, in, decision, confidenceFrom(current.Payload))
}

// handleListContext resolves the user's pick from an offered list. The
// step decides what the pick means.
func (o *Orchestrator) handleListContext(ctx context.Context, key dialog.Key, current dialog.ConversationState, in Inbound) (Response, error) {
	options := current.Payload.Options
	pending := current.Payload.Pending
	if len(options) == 0 || pending == nil {
		if err := o.machine.Clear(ctx, key, "list context without payload"); err != nil {
			return o.storeFailure(ctx, "clear state", err)
		}
		o.transitioned(key, string(dialog.StateNormal))
		return o.handleNormal(ctx, key, in)
	}

	idx, ok := dialog.ParseSelection(in.Text, options)
	if !ok {
		return o.repromptOrFallback(ctx, key, current, in,
			"Let's start over. Tell me again what you'd like to do.")
	}
	chosen := options[idx]

	if err := o.machine.Clear(ctx, key, "selection made"); err != nil {
		return o.storeFailure(ctx, "clear state", err)
	}
	o.transitioned(key, string(dialog.StateNormal))

	switch current.Step {
	case stepConflictChoice:
		return o.applyConflictChoice(ctx, in, pending, chosen)

	case stepActionChoice:
		decision := collab.Decision{Action: chosen, Params: pending.Parameters}
		return o.gateAndRun(ctx, key, in, decision, confidenceFrom(current.Payload))

	default:
		params := make(map[string]any, len(pending.Parameters)+1)
		for k, v := range pending.Parameters {
			params[k] = v
		}
		params[stepSelection] = chosen
		decision := collab.Decision{Action: pending.Action, Params: params}
		return o.gateAndRun(ctx, key, in, decision, confidenceFrom(current.Payload))
	}
}

// applyConflictChoice feeds the user's new/existing pick back into the
// knowledge service.
func (o *Orchestrator) applyConflictChoice(ctx context.Context, in Inbound, pending *dialog.PendingAction, chosen string) (Response, error) {
	conflictID, _ := pending.Parameters["conflict_id"].(string)
	choice, err := knowledge.ParseChoice(chosen)
	if err != nil {
		return o.converted(ctx, err), nil
	}
	result, err := o.knowledge.ResolveConflict(ctx, conflictID, choice)
	if err != nil {
		if banterr.IsValidation(err) {
			o.metrics.IncErrorKind(banterr.KindValidation.String())
			return Response{
				Message:   "That choice has expired. Teach me again if you still want the change.",
				NewState:  string(dialog.StateNormal),
				ErrorKind: banterr.KindValidation.String(),
			}, nil
		}
		return o.converted(ctx, err), nil
	}
	o.emit(Event{
		Type:           EventConflict,
		ConversationID: in.ConversationID,
		UserID:         in.UserID,
		Outcome:        "resolved_" + string(choice),
	})
	message := result.Message
	if message == "" {
		message = "Done."
	}
	return Response{
		Message:     message,
		ActionTaken: actionResolveConflict,
		Success:     true,
		NewState:    string(dialog.StateNormal),
	}, nil
}

// gateAndRun checks a decision against the safety gate and either runs
// it, refuses it, or parks it behind a confirmation.
func (o *Orchestrator) gateAndRun(ctx context.Context, key dialog.Key, in Inbound, decision collab.Decision, confidence float64) (Response, error) {
	proposal := safety.Proposal{
		ToolName:   decision.Action,
		Parameters: decision.Params,
		Confidence: confidence,
	}
	verdict := o.checkProposal(ctx, proposal)

	// the decision collaborator may insist on a confirmation the risk
	// tier alone would not require
	if decision.NeedsConfirmation && (verdict.Kind == safety.VerdictAllow || verdict.Kind == safety.VerdictModify) {
		question := decision.Question
		if question == "" {
			question = fmt.Sprintf("About to run %s. Reply yes to proceed or no to cancel.", decision.Action)
		}
		verdict = safety.Verdict{
			Kind:       safety.VerdictConfirm,
			Risk:       verdict.Risk,
			Reason:     "confirmation requested by decision",
			Question:   question,
			Options:    []string{"yes", "no"},
			Parameters: verdict.Parameters,
		}
	}

	o.metrics.IncVerdict(string(verdict.Kind), verdict.Risk.String())
	o.emit(Event{
		Type:           EventVerdict,
		ConversationID: in.ConversationID,
		UserID:         in.UserID,
		Tool:           decision.Action,
		Verdict:        string(verdict.Kind),
		Risk:           verdict.Risk.String(),
	})

	entry := decisionlog.Entry{
		ToolName:  decision.Action,
		Verdict:   string(verdict.Kind),
		RiskLevel: verdict.Risk.String(),
		Reason:    verdict.Reason,
		ParamKeys: redaction.ParamKeys(verdict.Parameters),
	}

	switch verdict.Kind {
	case safety.VerdictBlock:
		entry.Outcome = "blocked"
		o.recordVerdict(in, entry)
		return Response{
			Message:  fmt.Sprintf("I can't do that: %s.", verdict.Reason),
			Success:  false,
			NewState: string(dialog.StateNormal),
		}, nil

	case safety.VerdictConfirm:
		correlationID := ksuid.New().String()
		payload := dialog.Payload{
			Prompt:  verdict.Question,
			Options: verdict.Options,
			Pending: &dialog.PendingAction{
				Action:               decision.Action,
				Parameters:           verdict.Parameters,
				ConfirmationQuestion: verdict.Question,
				RiskLevel:            verdict.Risk.String(),
				CorrelationID:        correlationID,
			},
			Extra: map[string]any{"confidence": confidence},
		}
		if _, err := o.machine.Transition(ctx, key, dialog.StateConfirmation, "", payload); err != nil {
			return o.storeFailure(ctx, "park confirmation", err)
		}
		o.transitioned(key, string(dialog.StateConfirmation))
		entry.ID = correlationID
		o.recordVerdict(in, entry)
		return Response{
			Message:              verdict.Question,
			Success:              true,
			AwaitingConfirmation: true,
			NewState:             string(dialog.StateConfirmation),
			CorrelationID:        correlationID,
		}, nil
	}

	if verdict.Kind == safety.VerdictModify {
		o.logger.InfoContext(ctx, "parameters rewritten by policy", "tool", decision.Action)
	}
	decision.Params = verdict.Parameters
	resp, err := o.executeAction(ctx, key, in, decision, confidence)
	if err != nil {
		return resp, err
	}
	entry.Outcome = executionOutcome(resp)
	entry.OutcomeOK = resp.Success
	o.recordVerdict(in, entry)
	return resp, nil
}

// executeAction runs an already-approved decision. A validation error
// naming a missing parameter parks TASK_PENDING to collect it; a result
// carrying multiple suggestions parks LIST_CONTEXT to pick one.
func (o *Orchestrator) executeAction(ctx context.Context, key dialog.Key, in Inbound, decision collab.Decision, confidence float64) (Response, error) {
	tc := o.turnContext(ctx, in)
	result, err := o.executeStage(ctx, decision, tc)
	if err != nil {
		var verr *banterr.ValidationError
		if errors.As(err, &verr) && verr.Field != "" {
			o.metrics.IncErrorKind(banterr.KindValidation.String())
			question := fmt.Sprintf("What should I use for %s?", verr.Field)
			parked := decision.Params
			if _, tried := decision.Params[verr.Field]; tried {
				// the last value for this field was rejected; ask
				// differently and drop it so the next answer replaces it
				question = fmt.Sprintf("I couldn't use that for %s. What else should I try?", verr.Field)
				parked = make(map[string]any, len(decision.Params))
				for k, v := range decision.Params {
					if k != verr.Field {
						parked[k] = v
					}
				}
			}
			payload := dialog.Payload{
				Prompt:  question,
				Pending: &dialog.PendingAction{Action: decision.Action, Parameters: parked},
				Extra:   map[string]any{"confidence": confidence},
			}
			if _, terr := o.machine.Transition(ctx, key, dialog.StateTaskPending, verr.Field, payload); terr != nil {
				return o.storeFailure(ctx, "park task pending", terr)
			}
			o.transitioned(key, string(dialog.StateTaskPending))
			return Response{
				Message:  question,
				Success:  true,
				NewState: string(dialog.StateTaskPending),
			}, nil
		}
		return o.converted(ctx, err), nil
	}

	if len(result.Suggestions) > 1 {
		prompt := result.Message
		if prompt == "" {
			prompt = "Which one did you mean?"
		}
		payload := dialog.Payload{
			Prompt:  prompt,
			Options: result.Suggestions,
			Pending: &dialog.PendingAction{Action: decision.Action, Parameters: decision.Params},
			Extra:   map[string]any{"confidence": confidence},
		}
		if _, err := o.machine.Transition(ctx, key, dialog.StateListContext, stepSelection, payload); err != nil {
			return o.storeFailure(ctx, "park selection", err)
		}
		o.transitioned(key, string(dialog.StateListContext))
		return Response{
			Message:  renderOptions(prompt, result.Suggestions),
			Success:  true,
			NewState: string(dialog.StateListContext),
		}, nil
	}

	return Response{
		Message:     result.Message,
		ActionTaken: decision.Action,
		Success:     result.Success,
		NewState:    string(dialog.StateNormal),
	}, nil
}

// repromptOrFallback re-asks the parked question with a varied hint, or
// resets to NORMAL with a distinct fallback once the retry limit is
// reached. The same prompt text is never sent twice in a row.
func (o *Orchestrator) repromptOrFallback(ctx context.Context, key dialog.Key, current dialog.ConversationState, in Inbound, fallback string) (Response, error) {
	state, fellBack, err := o.machine.Reprompt(ctx, key)
	if err != nil {
		return o.storeFailure(ctx, "reprompt", err)
	}
	if fellBack {
		o.transitioned(key, string(dialog.StateNormal))
		if current.Type == dialog.StateConfirmation {
			o.resolveOutcome(in, current.Payload.Pending, "abandoned", false)
		}
		return Response{
			Message:  fallback,
			Success:  true,
			NewState: string(dialog.StateNormal),
		}, nil
	}

	prompt := current.Payload.Prompt
	if prompt == "" && current.Payload.Pending != nil {
		prompt = current.Payload.Pending.ConfirmationQuestion
	}
	if current.Type == dialog.StateListContext && len(current.Payload.Options) > 0 {
		prompt = renderOptions(prompt, current.Payload.Options)
	}
	hint := ""
	if hints := repromptHints[current.Type]; len(hints) > 0 {
		attempt := state.RetryCount
		if attempt < 1 {
			attempt = 1
		}
		hint = hints[(attempt-1)%len(hints)]
	}
	return Response{
		Message:              prompt + hint,
		Success:              true,
		AwaitingConfirmation: current.Type == dialog.StateConfirmation,
		NewState:             string(current.Type),
	}, nil
}

// Teach is the direct teach surface used by the HTTP API and CLI,
// bypassing the understanding stage.
type TeachInput struct {
	OrganizationID string `json:"organization_id,omitempty"`
	Category       string `json:"category,omitempty"`
	Trigger        string `json:"trigger"`
	Content        string `json:"content"`
	Authority      string `json:"authority"`
	TaughtBy       string `json:"taught_by,omitempty"`
}

// Teach stores one taught fact, reporting conflicts the same way the
// message path does.
func (o *Orchestrator) Teach(ctx context.Context, input TeachInput) (knowledge.TeachResult, error) {
	ctx, span := o.startSpan(ctx, observability.SpanTeach)
	var spanErr error
	defer func() { endSpan(span, spanErr) }()

	orgID := input.OrganizationID
	if strings.TrimSpace(orgID) == "" {
		orgID = o.cfg.OrganizationID
	}
	category := knowledge.CategoryFact
	if strings.TrimSpace(input.Category) != "" {
		parsed, err := knowledge.ParseCategory(input.Category)
		if err != nil {
			spanErr = err
			return knowledge.TeachResult{}, err
		}
		category = parsed
	}
	authority, err := knowledge.ParseAuthority(input.Authority)
	if err != nil {
		spanErr = err
		return knowledge.TeachResult{}, err
	}
	if span != nil {
		span.SetAttributes(observability.AuthorityAttrs(string(authority))...)
	}

	result, err := o.knowledge.Teach(ctx, knowledge.TeachRequest{
		OrganizationID: orgID,
		Category:       category,
		Trigger:        input.Trigger,
		Content:        input.Content,
		Authority:      authority,
		TaughtBy:       input.TaughtBy,
	})
	if err != nil {
		spanErr = err
		o.metrics.IncErrorKind(banterr.KindOf(err).String())
		return knowledge.TeachResult{}, err
	}
	o.countConflicts(dialog.Key{}, result)
	return result, nil
}

// ResolveConflict applies a new/existing choice to a parked conflict.
func (o *Orchestrator) ResolveConflict(ctx context.Context, conflictID, choice string) (knowledge.ResolveResult, error) {
	parsed, err := knowledge.ParseChoice(choice)
	if err != nil {
		return knowledge.ResolveResult{}, err
	}
	result, err := o.knowledge.ResolveConflict(ctx, conflictID, parsed)
	if err != nil {
		o.metrics.IncErrorKind(banterr.KindOf(err).String())
		return knowledge.ResolveResult{}, err
	}
	o.emit(Event{Type: EventConflict, Outcome: "resolved_" + string(parsed)})
	return result, nil
}

// State exposes the current conversation state for the debug endpoint.
func (o *Orchestrator) State(ctx context.Context, conversationID, userID string) (dialog.ConversationState, error) {
	return o.machine.Current(ctx, dialog.Key{ConversationID: conversationID, UserID: userID})
}

// Shutdown waits for in-flight background work to finish.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	if o.tasks == nil {
		return nil
	}
	return o.tasks.Drain(ctx)
}

// turnContext assembles the per-turn collaborator context. Learnings are
// rendered and trimmed to the token budget; a store failure degrades to
// an empty context rather than failing the turn.
func (o *Orchestrator) turnContext(ctx context.Context, in Inbound) collab.Context {
	tc := collab.Context{
		ConversationID: in.ConversationID,
		UserID:         in.UserID,
		OrganizationID: o.cfg.OrganizationID,
		Authority:      in.Authority,
	}
	learnings, err := o.knowledge.Search(ctx, o.cfg.OrganizationID, "")
	if err != nil {
		o.logger.WarnContext(ctx, "loading learnings for context failed", "error", err)
		return tc
	}
	if len(learnings) == 0 {
		return tc
	}
	lines := make([]string, 0, len(learnings))
	for _, learning := range learnings {
		lines = append(lines, fmt.Sprintf("[%s] %s: %s", learning.Category, learning.Trigger, learning.Content.Display()))
	}
	tc.Learnings = textbudget.TrimLines(lines, o.cfg.ContextTokenBudget)
	return tc
}

func (o *Orchestrator) understandStage(ctx context.Context, text string, tc collab.Context) (collab.Understanding, error) {
	ctx, span := o.startSpan(ctx, observability.SpanUnderstand)
	started := o.now()
	understanding, err := collab.CallWithBudget(ctx, "understanding", o.cfg.Budgets.Understand, func(ctx context.Context) (collab.Understanding, error) {
		return o.understand.Understand(ctx, text, tc)
	})
	o.metrics.ObserveStage("understand", stageStatus(err), o.now().Sub(started))
	endSpan(span, err)
	return understanding, err
}

func (o *Orchestrator) decideStage(ctx context.Context, understanding collab.Understanding, tc collab.Context) (collab.Decision, error) {
	ctx, span := o.startSpan(ctx, observability.SpanDecide)
	started := o.now()
	decision, err := collab.CallWithBudget(ctx, "decision", o.cfg.Budgets.Decide, func(ctx context.Context) (collab.Decision, error) {
		return o.decide.Decide(ctx, understanding, tc)
	})
	o.metrics.ObserveStage("decide", stageStatus(err), o.now().Sub(started))
	endSpan(span, err)
	return decision, err
}

func (o *Orchestrator) executeStage(ctx context.Context, decision collab.Decision, tc collab.Context) (collab.Result, error) {
	ctx, span := o.startSpan(ctx, observability.SpanExecute, observability.ToolAttrs(decision.Action)...)
	started := o.now()
	result, err := collab.CallWithBudget(ctx, "execution", o.cfg.Budgets.Execute, func(ctx context.Context) (collab.Result, error) {
		return o.execute.Execute(ctx, decision, tc)
	})
	o.metrics.ObserveStage("execute", stageStatus(err), o.now().Sub(started))
	endSpan(span, err)
	return result, err
}

// checkProposal runs the gate under its span. Check itself is pure; the
// caller counts the verdict after applying any confirmation floor.
func (o *Orchestrator) checkProposal(ctx context.Context, proposal safety.Proposal) safety.Verdict {
	_, span := o.startSpan(ctx, observability.SpanSafetyCheck, observability.ToolAttrs(proposal.ToolName)...)
	verdict := o.gate.Check(proposal, o.runtime.Load())
	if span != nil {
		span.SetAttributes(observability.VerdictAttrs(string(verdict.Kind), verdict.Risk.String())...)
		span.End()
	}
	return verdict
}

// converted turns a collaborator or knowledge failure into the reply the
// user sees. Nothing raw crosses this boundary.
func (o *Orchestrator) converted(ctx context.Context, err error) Response {
	kind := banterr.KindOf(err)
	o.metrics.IncErrorKind(kind.String())
	o.logger.WarnContext(ctx, "pipeline stage failed", "kind", kind.String(), "error", err)

	resp := Response{NewState: string(dialog.StateNormal), ErrorKind: kind.String()}
	switch kind {
	case banterr.KindValidation:
		resp.Message = "I didn't quite get that. Could you rephrase?"
		var verr *banterr.ValidationError
		if errors.As(err, &verr) {
			if verr.Message != "" {
				resp.Message = verr.Message
			} else if verr.Reason != "" {
				resp.Message = fmt.Sprintf("I need a bit more detail: %s.", verr.Reason)
			}
		}
	case banterr.KindAuthority:
		resp.Message = "That change needs more authority than you have."
		var aerr *banterr.AuthorityError
		if errors.As(err, &aerr) {
			resp.Message = fmt.Sprintf("Only %s or above can %s; you are %s.", aerr.Required, aerr.Action, aerr.Actual)
		}
	case banterr.KindCollaboratorTimeout:
		resp.Message = "That took longer than expected. Please try again in a moment."
	default:
		resp.Message = "Something went wrong on my side. Please try again."
	}
	return resp
}

// storeFailure reports an infrastructure failure. These do surface as
// errors so the transport can answer with a server error.
func (o *Orchestrator) storeFailure(ctx context.Context, op string, err error) (Response, error) {
	o.metrics.IncErrorKind(banterr.KindOf(err).String())
	o.logger.ErrorContext(ctx, "state operation failed", "op", op, "error", err)
	return Response{}, fmt.Errorf("%s: %w", op, err)
}

func (o *Orchestrator) transitioned(key dialog.Key, to string) {
	o.metrics.IncTransition(to)
	o.emit(Event{
		Type:           EventStateChange,
		ConversationID: key.ConversationID,
		UserID:         key.UserID,
		State:          to,
	})
}

// countConflicts feeds conflict metrics and events from a teach result.
func (o *Orchestrator) countConflicts(key dialog.Key, result knowledge.TeachResult) {
	if len(result.Conflicts) == 0 {
		return
	}
	outcome := "superseded"
	switch {
	case result.PendingID != "":
		outcome = "pending"
	case !result.Accepted:
		outcome = "rejected"
	}
	for _, conflict := range result.Conflicts {
		o.metrics.IncConflict(string(conflict.Type), outcome)
		o.emit(Event{
			Type:           EventConflict,
			ConversationID: key.ConversationID,
			UserID:         key.UserID,
			ConflictType:   string(conflict.Type),
			Outcome:        outcome,
		})
	}
}

// recordVerdict appends one audit entry in the background. Parameter
// names travel; values never do.
func (o *Orchestrator) recordVerdict(in Inbound, entry decisionlog.Entry) {
	if o.decisions == nil {
		return
	}
	entry.OrganizationID = o.cfg.OrganizationID
	entry.ConversationID = in.ConversationID
	entry.UserID = in.UserID
	entry.MessageID = in.MessageID
	o.submitTask("record verdict", func() error {
		_, err := o.decisions.Record(context.Background(), entry)
		return err
	})
}

// resolveOutcome closes the audit entry opened when the action was
// parked. Background ordering means the entry may not be on disk yet; in
// that case a complete entry is written instead so the outcome is never
// lost.
func (o *Orchestrator) resolveOutcome(in Inbound, pending *dialog.PendingAction, outcome string, ok bool) {
	if o.decisions == nil || pending == nil || pending.CorrelationID == "" {
		return
	}
	entry := decisionlog.Entry{
		ID:             pending.CorrelationID,
		OrganizationID: o.cfg.OrganizationID,
		ConversationID: in.ConversationID,
		UserID:         in.UserID,
		MessageID:      in.MessageID,
		ToolName:       pending.Action,
		Verdict:        string(safety.VerdictConfirm),
		RiskLevel:      pending.RiskLevel,
		ParamKeys:      redaction.ParamKeys(pending.Parameters),
		Outcome:        outcome,
		OutcomeOK:      ok,
	}
	o.submitTask("decision outcome", func() error {
		err := o.decisions.ResolveOutcome(context.Background(), pending.CorrelationID, outcome, ok)
		if errors.Is(err, decisionlog.ErrEntryNotFound) {
			_, rerr := o.decisions.Record(context.Background(), entry)
			return rerr
		}
		return err
	})
}

func (o *Orchestrator) submitTask(name string, fn func() error) {
	if o.tasks != nil {
		o.tasks.Submit(name, fn)
		return
	}
	if err := fn(); err != nil {
		o.logger.Warn("follow-up work failed", "task", name, "kind", banterr.KindOf(err).String())
	}
}

func (o *Orchestrator) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if o.tracer == nil {
		return ctx, nil
	}
	return o.tracer.StartSpan(ctx, name, attrs...)
}

func endSpan(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.SetAttributes(observability.ErrorAttrs(err)...)
	}
	span.End()
}

func stageStatus(err error) string {
	if err != nil {
		return "failed"
	}
	return "ok"
}

// executionOutcome maps a response to the audit outcome word.
func executionOutcome(resp Response) string {
	switch {
	case resp.NewState == string(dialog.StateTaskPending):
		return "awaiting_input"
	case resp.NewState == string(dialog.StateListContext):
		return "awaiting_selection"
	case resp.Success:
		return "executed"
	default:
		return "failed"
	}
}

func processOutcome(resp Response) string {
	switch {
	case resp.Duplicate:
		return "duplicate"
	case resp.ErrorKind != "":
		return resp.ErrorKind
	case resp.AwaitingConfirmation:
		return "awaiting_confirmation"
	case resp.Success:
		return "ok"
	default:
		return "failed"
	}
}

func confidenceFrom(payload dialog.Payload) float64 {
	if v, ok := payload.Extra["confidence"].(float64); ok && v > 0 {
		return v
	}
	return 1
}

func renderOptions(prompt string, options []string) string {
	var b strings.Builder
	b.WriteString(prompt)
	for i, option := range options {
		fmt.Fprintf(&b, "\n%d. %s", i+1, option)
	}
	return b.String()
}
