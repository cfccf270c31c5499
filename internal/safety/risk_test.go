package safety

import (
	"os"
	"path/filepath"
	"testing"
)

func TestAmountPredicateBoundary(t *testing.T) {
	rule := EscalationRule{Param: "amount", Predicate: PredicateAmountAbove, Threshold: 100000}

	cases := []struct {
		value any
		want  bool
	}{
		{99999, false},
		{100000, true},
		{100000.0, true},
		{"100000", true},
		{150000, true},
		{"not a number", false},
		{nil, false},
	}
	for _, tc := range cases {
		triggered, _ := rule.Triggered(map[string]any{"amount": tc.value})
		if triggered != tc.want {
			t.Fatalf("amount %v: triggered = %v, want %v", tc.value, triggered, tc.want)
		}
	}

	if triggered, _ := rule.Triggered(map[string]any{}); triggered {
		t.Fatal("missing parameter must not trigger")
	}
}

func TestCountPredicate(t *testing.T) {
	rule := EscalationRule{Param: "recipients", Predicate: PredicateCountAbove, Threshold: 10}

	nine := make([]string, 9)
	ten := make([]any, 10)
	if triggered, _ := rule.Triggered(map[string]any{"recipients": nine}); triggered {
		t.Fatal("9 recipients must not trigger at threshold 10")
	}
	if triggered, _ := rule.Triggered(map[string]any{"recipients": ten}); !triggered {
		t.Fatal("10 recipients must trigger at threshold 10")
	}
	if triggered, _ := rule.Triggered(map[string]any{"recipients": 25}); !triggered {
		t.Fatal("numeric count must trigger")
	}
}

func TestEqualsPredicate(t *testing.T) {
	rule := EscalationRule{Param: "visibility", Predicate: PredicateEquals, Value: "public"}

	if triggered, _ := rule.Triggered(map[string]any{"visibility": "public"}); !triggered {
		t.Fatal("matching value must trigger")
	}
	if triggered, _ := rule.Triggered(map[string]any{"visibility": "private"}); triggered {
		t.Fatal("non-matching value must not trigger")
	}
}

func TestRiskLevelRaiseCaps(t *testing.T) {
	if got := RiskAutoApprove.Raise(); got != RiskRequireConfirmation {
		t.Fatalf("low raised to %s", got)
	}
	if got := RiskRequireConfirmation.Raise(); got != RiskRequireDoubleCheck {
		t.Fatalf("medium raised to %s", got)
	}
	if got := RiskRequireDoubleCheck.Raise(); got != RiskRequireDoubleCheck {
		t.Fatalf("high must cap, got %s", got)
	}
}

func TestParseRiskLevelAliases(t *testing.T) {
	cases := map[string]RiskLevel{
		"auto_approve":         RiskAutoApprove,
		"low":                  RiskAutoApprove,
		"MEDIUM":               RiskRequireConfirmation,
		"require_confirmation": RiskRequireConfirmation,
		"high":                 RiskRequireDoubleCheck,
		"require_double_check": RiskRequireDoubleCheck,
	}
	for raw, want := range cases {
		got, err := ParseRiskLevel(raw)
		if err != nil {
			t.Fatalf("parse %q: %v", raw, err)
		}
		if got != want {
			t.Fatalf("parse %q = %s, want %s", raw, got, want)
		}
	}
	if _, err := ParseRiskLevel("critical"); err == nil {
		t.Fatal("unknown level must error")
	}
}

func TestClassifierUnknownToolDefaultsMedium(t *testing.T) {
	classifier := NewClassifier(DefaultRegistry(0, 0))
	verdict := classifier.Classify("totally_new_tool", nil)
	if verdict.Level != RiskRequireConfirmation {
		t.Fatalf("level = %s, want require_confirmation", verdict.Level)
	}
}

func TestClassifierRaiseToNeverLowers(t *testing.T) {
	registry := NewRegistry()
	lower := RiskRequireConfirmation
	err := registry.Register(Profile{
		Tool: "payment_send",
		Base: RiskRequireDoubleCheck,
		Escalations: []EscalationRule{
			{Param: "amount", Predicate: PredicateAmountAbove, Threshold: 1000, RaiseTo: &lower},
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	verdict := NewClassifier(registry).Classify("payment_send", map[string]any{"amount": 5000})
	if verdict.Level != RiskRequireDoubleCheck {
		t.Fatalf("raise_to lowered the tier to %s", verdict.Level)
	}
}

func TestRegisterRejectsBadProfiles(t *testing.T) {
	registry := NewRegistry()

	if err := registry.Register(Profile{Tool: ""}); err == nil {
		t.Fatal("empty tool name must be rejected")
	}
	if err := registry.Register(Profile{
		Tool:        "x",
		Escalations: []EscalationRule{{Param: "amount", Predicate: "bigger_than"}},
	}); err == nil {
		t.Fatal("unknown predicate must be rejected")
	}
	if err := registry.Register(Profile{
		Tool:        "x",
		Escalations: []EscalationRule{{Param: "amount", Predicate: PredicateAmountAbove}},
	}); err == nil {
		t.Fatal("missing threshold must be rejected")
	}
}

func TestRegistryLoadFileOverlaysBuiltins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "risk.yaml")
	content := `
profiles:
  - tool: chatwork_task_create
    base: high
  - tool: invoice_approve
    base: medium
    escalations:
      - param: amount
        predicate: amount_above
        threshold: 50000
        raise_to: require_double_check
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write registry: %v", err)
	}

	registry := DefaultRegistry(0, 0)
	if err := registry.LoadFile(path); err != nil {
		t.Fatalf("load registry: %v", err)
	}

	overlaid, ok := registry.Profile("chatwork_task_create")
	if !ok || overlaid.Base != RiskRequireDoubleCheck {
		t.Fatalf("file must replace the built-in profile: %+v", overlaid)
	}

	classifier := NewClassifier(registry)
	verdict := classifier.Classify("invoice_approve", map[string]any{"amount": 60000})
	if verdict.Level != RiskRequireDoubleCheck {
		t.Fatalf("file escalation not applied: %s", verdict.Level)
	}
	verdict = classifier.Classify("invoice_approve", map[string]any{"amount": 10000})
	if verdict.Level != RiskRequireConfirmation {
		t.Fatalf("file base not applied: %s", verdict.Level)
	}
}

func TestRegistryLoadFileErrors(t *testing.T) {
	registry := NewRegistry()
	if err := registry.LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("missing file must error")
	}

	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("profiles: {not a list}"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := registry.LoadFile(path); err == nil {
		t.Fatal("malformed yaml must error")
	}
}
