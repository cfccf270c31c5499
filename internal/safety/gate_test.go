package safety

import (
	"reflect"
	"strings"
	"testing"

	"banto/internal/config"
	"banto/internal/logging"
)

func newTestGate(t *testing.T) *Gate {
	t.Helper()
	gate, err := NewGateFromConfig(config.SafetyConfig{
		AmountThreshold:     100000,
		RecipientsThreshold: 10,
		BlockedTools:        []string{"shell_exec"},
	}, logging.Nop())
	if err != nil {
		t.Fatalf("new gate: %v", err)
	}
	return gate
}

func TestGateVerdicts(t *testing.T) {
	gate := newTestGate(t)
	running := config.Runtime{}

	cases := []struct {
		name       string
		tool       string
		params     map[string]any
		wantKind   VerdictKind
		wantRisk   RiskLevel
		emphasized bool
	}{
		{"plain task create allows", "chatwork_task_create", nil, VerdictAllow, RiskAutoApprove, false},
		{"goal delete confirms", "goal_delete", nil, VerdictConfirm, RiskRequireConfirmation, false},
		{"bare delete double-checks", "delete", nil, VerdictConfirm, RiskRequireDoubleCheck, true},
		{"large amount escalates", "chatwork_task_create", map[string]any{"amount": 100000}, VerdictConfirm, RiskRequireDoubleCheck, true},
		{"small amount allows", "chatwork_task_create", map[string]any{"amount": 50000}, VerdictAllow, RiskAutoApprove, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			verdict := gate.Check(Proposal{ToolName: tc.tool, Parameters: tc.params}, running)
			if verdict.Kind != tc.wantKind {
				t.Fatalf("kind = %s, want %s (reason: %s)", verdict.Kind, tc.wantKind, verdict.Reason)
			}
			if verdict.Risk != tc.wantRisk {
				t.Fatalf("risk = %s, want %s", verdict.Risk, tc.wantRisk)
			}
			if verdict.Emphasized != tc.emphasized {
				t.Fatalf("emphasized = %v, want %v", verdict.Emphasized, tc.emphasized)
			}
			if tc.wantKind == VerdictConfirm && verdict.Question == "" {
				t.Fatal("confirm verdict must carry a question")
			}
		})
	}
}

func TestGateEmergencyStopBlocksEverything(t *testing.T) {
	gate := newTestGate(t)
	stopped := config.Runtime{EmergencyStop: true}

	for _, tool := range []string{"chatwork_task_create", "help", "goal_delete", "unknown_tool"} {
		verdict := gate.Check(Proposal{ToolName: tool}, stopped)
		if verdict.Kind != VerdictBlock {
			t.Fatalf("%s: kind = %s, want BLOCK", tool, verdict.Kind)
		}
	}
}

func TestGateBlocklist(t *testing.T) {
	gate := newTestGate(t)
	verdict := gate.Check(Proposal{ToolName: "shell_exec"}, config.Runtime{})
	if verdict.Kind != VerdictBlock {
		t.Fatalf("kind = %s, want BLOCK", verdict.Kind)
	}
}

func TestGateUnknownToolConfirms(t *testing.T) {
	gate := newTestGate(t)
	verdict := gate.Check(Proposal{ToolName: "calendar_sync"}, config.Runtime{})
	if verdict.Kind != VerdictConfirm {
		t.Fatalf("unknown tools must never auto-approve, got %s", verdict.Kind)
	}
	if verdict.Risk != RiskRequireConfirmation {
		t.Fatalf("risk = %s, want require_confirmation", verdict.Risk)
	}
}

func TestGateModifyRewritesEmptyBody(t *testing.T) {
	gate := newTestGate(t)
	verdict := gate.Check(Proposal{
		ToolName:   "chatwork_message_send",
		Parameters: map[string]any{"room_id": "42", "body": "   "},
	}, config.Runtime{})

	if verdict.Kind != VerdictModify {
		t.Fatalf("kind = %s, want MODIFY (reason: %s)", verdict.Kind, verdict.Reason)
	}
	body, _ := verdict.Parameters["body"].(string)
	if body == "" || strings.TrimSpace(body) == "" {
		t.Fatalf("rewritten body still empty: %q", body)
	}
	if verdict.Parameters["room_id"] != "42" {
		t.Fatal("rewrite must preserve other parameters")
	}
}

func TestGateModifiedActionStillEscalates(t *testing.T) {
	gate := newTestGate(t)
	recipients := make([]any, 12)
	for i := range recipients {
		recipients[i] = i
	}
	verdict := gate.Check(Proposal{
		ToolName:   "chatwork_message_send",
		Parameters: map[string]any{"body": "", "recipients": recipients},
	}, config.Runtime{})

	// the rewrite happens first, then classification confirms anyway
	if verdict.Kind != VerdictConfirm {
		t.Fatalf("kind = %s, want CONFIRM (reason: %s)", verdict.Kind, verdict.Reason)
	}
	body, _ := verdict.Parameters["body"].(string)
	if strings.TrimSpace(body) == "" {
		t.Fatal("confirm verdict must carry the rewritten parameters")
	}
}

func TestGateDeterministic(t *testing.T) {
	gate := newTestGate(t)
	proposal := Proposal{ToolName: "chatwork_task_create", Parameters: map[string]any{"amount": 250000, "body": "invoice"}}

	first := gate.Check(proposal, config.Runtime{})
	second := gate.Check(proposal, config.Runtime{})
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("identical inputs diverged:\n%+v\n%+v", first, second)
	}
}

func TestConfirmationQuestionRedactsSecrets(t *testing.T) {
	gate := newTestGate(t)
	verdict := gate.Check(Proposal{
		ToolName:   "goal_delete",
		Parameters: map[string]any{"goal_id": "g-1", "api_key": "sk-secret-value"},
	}, config.Runtime{})

	if verdict.Kind != VerdictConfirm {
		t.Fatalf("kind = %s, want CONFIRM", verdict.Kind)
	}
	if strings.Contains(verdict.Question, "sk-secret-value") {
		t.Fatalf("secret leaked into question: %s", verdict.Question)
	}
	if !strings.Contains(verdict.Question, "goal_delete") {
		t.Fatalf("question must name the action: %s", verdict.Question)
	}
}
