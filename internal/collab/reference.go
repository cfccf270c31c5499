package collab

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	banterr "banto/internal/errors"
)

// ReferenceUnderstanding is a keyword-matching stand-in for the real
// understanding collaborator. It is deliberately naive: good enough to
// drive the pipeline, the REPL, and the tests.
type ReferenceUnderstanding struct{}

// NewReferenceUnderstanding returns the keyword-based reference
// implementation.
func NewReferenceUnderstanding() *ReferenceUnderstanding {
	return &ReferenceUnderstanding{}
}

var teachMarkers = []string{"remember:", "remember ", "覚えて", "記憶して"}

var questionMarkers = []string{"what", "who", "when", "where", "why", "how", "which", "何", "誰", "いつ", "どこ", "なぜ"}

// actionKeywords maps message fragments to tool names, checked in order.
var actionKeywords = []struct {
	fragment string
	tool     string
}{
	{"create task", "chatwork_task_create"},
	{"add task", "chatwork_task_create"},
	{"new task", "chatwork_task_create"},
	{"タスク作成", "chatwork_task_create"},
	{"タスクを追加", "chatwork_task_create"},
	{"list tasks", "chatwork_task_list"},
	{"show tasks", "chatwork_task_list"},
	{"タスク一覧", "chatwork_task_list"},
	{"send message", "chatwork_message_send"},
	{"メッセージ送信", "chatwork_message_send"},
	{"create goal", "goal_create"},
	{"new goal", "goal_create"},
	{"目標作成", "goal_create"},
	{"update goal", "goal_update"},
	{"目標更新", "goal_update"},
	{"delete goal", "goal_delete"},
	{"remove goal", "goal_delete"},
	{"目標削除", "goal_delete"},
	{"forget", "learning_remove"},
	{"忘れて", "learning_remove"},
	{"search", "knowledge_search"},
	{"検索", "knowledge_search"},
}

var (
	amountPattern = regexp.MustCompile(`(?:[¥$]\s*)?([0-9][0-9,]*)\s*(?:円|yen)|[¥$]\s*([0-9][0-9,]*)`)
	quotedPattern = regexp.MustCompile(`"([^"]+)"|「([^」]+)」`)
)

// Understand classifies the message by keyword: teach markers first, then
// action keywords, then question markers, smalltalk as the fallback.
func (r *ReferenceUnderstanding) Understand(_ context.Context, message string, _ Context) (Understanding, error) {
	trimmed := strings.TrimSpace(message)
	lower := strings.ToLower(trimmed)
	if trimmed == "" {
		return Understanding{Intent: IntentSmalltalk, Confidence: 0.3}, nil
	}

	for _, marker := range teachMarkers {
		idx := strings.Index(lower, marker)
		if idx < 0 {
			continue
		}
		rest := strings.TrimSpace(trimmed[idx+len(marker):])
		if rest == "" {
			// marker appears after the content ("...を覚えて")
			rest = strings.TrimSpace(trimmed[:idx])
		}
		return Understanding{
			Intent:     IntentTeach,
			Confidence: 0.95,
			Params:     teachParams(rest),
		}, nil
	}

	var tools []string
	for _, kw := range actionKeywords {
		if strings.Contains(lower, kw.fragment) && !contains(tools, kw.tool) {
			tools = append(tools, kw.tool)
		}
	}
	if len(tools) > 0 {
		params := actionParams(trimmed, lower)
		if len(tools) == 1 {
			params["tool"] = tools[0]
		} else {
			params["candidates"] = tools
		}
		return Understanding{Intent: IntentAction, Confidence: 0.9, Params: params}, nil
	}

	if isQuestion(trimmed, lower) {
		return Understanding{
			Intent:     IntentQuestion,
			Confidence: 0.8,
			Params:     map[string]any{"query": strings.TrimRight(trimmed, "?？ ")},
		}, nil
	}

	return Understanding{Intent: IntentSmalltalk, Confidence: 0.4}, nil
}

// teachParams splits taught text into trigger and content on the first
// "=", ":" or "は" separator.
func teachParams(text string) map[string]any {
	for _, sep := range []string{"=", ":", "は"} {
		if idx := strings.Index(text, sep); idx > 0 {
			return map[string]any{
				"trigger": strings.TrimSpace(text[:idx]),
				"content": strings.TrimSpace(text[idx+len(sep):]),
			}
		}
	}
	return map[string]any{"content": text}
}

func actionParams(original, lower string) map[string]any {
	params := map[string]any{}
	if m := amountPattern.FindStringSubmatch(lower); m != nil {
		raw := m[1]
		if raw == "" {
			raw = m[2]
		}
		if amount, err := strconv.ParseFloat(strings.ReplaceAll(raw, ",", ""), 64); err == nil {
			params["amount"] = amount
		}
	}
	if m := quotedPattern.FindStringSubmatch(original); m != nil {
		body := m[1]
		if body == "" {
			body = m[2]
		}
		params["body"] = body
	}
	return params
}

func isQuestion(original, lower string) bool {
	if strings.HasSuffix(original, "?") || strings.HasSuffix(original, "？") {
		return true
	}
	for _, marker := range questionMarkers {
		if strings.HasPrefix(lower, marker) || strings.Contains(original, marker) && !isASCII(marker) {
			return true
		}
	}
	return false
}

func isASCII(s string) bool {
	for _, r := range s {
		if r > 127 {
			return false
		}
	}
	return true
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// ReferenceDecision is a static table from intent to action. Ambiguous
// action matches come back as a clarification with options.
type ReferenceDecision struct{}

// NewReferenceDecision returns the table-based reference implementation.
func NewReferenceDecision() *ReferenceDecision {
	return &ReferenceDecision{}
}

// Decide maps the understanding onto a concrete action.
func (r *ReferenceDecision) Decide(_ context.Context, u Understanding, _ Context) (Decision, error) {
	switch u.Intent {
	case IntentAction:
		if candidates, ok := u.Params["candidates"].([]string); ok && len(candidates) > 1 {
			return Decision{
				Action:   "clarify",
				Question: "I can do a few things with that. Which one did you mean?",
				Options:  candidates,
			}, nil
		}
		tool, _ := u.Params["tool"].(string)
		if tool == "" {
			return Decision{}, banterr.NewValidation("tool", "no action named in the request")
		}
		params := make(map[string]any, len(u.Params))
		for key, value := range u.Params {
			if key == "tool" || key == "candidates" {
				continue
			}
			params[key] = value
		}
		return Decision{Action: tool, Params: params}, nil
	case IntentQuestion:
		query, _ := u.Params["query"].(string)
		return Decision{Action: "knowledge_search", Params: map[string]any{"query": query}}, nil
	case IntentTeach:
		return Decision{Action: "knowledge_teach", Params: u.Params}, nil
	case IntentSmalltalk:
		return Decision{Action: "smalltalk"}, nil
	default:
		return Decision{}, banterr.NewValidation("intent", fmt.Sprintf("unknown intent %q", u.Intent))
	}
}

// HandlerFunc executes one action.
type HandlerFunc func(ctx context.Context, d Decision, tc Context) (Result, error)

// ReferenceExecution is a handler mux with an echo fallback: registered
// actions run their handler, everything else reports completion without
// side effects.
type ReferenceExecution struct {
	handlers map[string]HandlerFunc
}

// NewReferenceExecution returns an execution collaborator with no
// handlers registered.
func NewReferenceExecution() *ReferenceExecution {
	return &ReferenceExecution{handlers: make(map[string]HandlerFunc)}
}

// Register installs a handler for one action name, replacing any prior
// handler.
func (r *ReferenceExecution) Register(action string, handler HandlerFunc) {
	r.handlers[strings.ToLower(strings.TrimSpace(action))] = handler
}

// Execute runs the registered handler for the decision's action, or
// echoes completion when none is registered.
func (r *ReferenceExecution) Execute(ctx context.Context, d Decision, tc Context) (Result, error) {
	action := strings.ToLower(strings.TrimSpace(d.Action))
	if action == "" {
		return Result{}, banterr.NewValidation("action", "empty action")
	}
	if handler, ok := r.handlers[action]; ok {
		return handler(ctx, d, tc)
	}
	if action == "smalltalk" {
		return Result{
			Success: true,
			Message: "Hi! I can create tasks, track goals, and remember things you teach me.",
		}, nil
	}
	return Result{Success: true, Message: fmt.Sprintf("%s completed", action)}, nil
}
