package safety

import (
	"fmt"
	"sort"
	"strings"

	"banto/internal/config"
	"banto/internal/logging"
	"banto/internal/security/redaction"
)

// VerdictKind is the gate's final word on a proposal.
type VerdictKind string

const (
	VerdictAllow   VerdictKind = "ALLOW"
	VerdictBlock   VerdictKind = "BLOCK"
	VerdictConfirm VerdictKind = "CONFIRM"
	VerdictModify  VerdictKind = "MODIFY"
)

// Proposal is an action awaiting the gate's decision.
type Proposal struct {
	ToolName   string         `json:"tool_name"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Confidence float64        `json:"originating_confidence,omitempty"`
}

// Verdict is the gate's outcome. Parameters carries the (possibly
// rewritten) parameters the action should run with; on CONFIRM the
// question and options are ready to send as-is, so every caller shows
// the same format.
type Verdict struct {
	Kind       VerdictKind    `json:"kind"`
	Risk       RiskLevel      `json:"risk_level"`
	Reason     string         `json:"reason,omitempty"`
	Question   string         `json:"question,omitempty"`
	Options    []string       `json:"options,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Emphasized bool           `json:"emphasized,omitempty"`
}

// Gate runs the emergency stop, the policy check, and risk
// classification in order, first decisive step wins. Check has no side
// effects: the verdict is a pure function of the proposal and the
// runtime snapshot.
type Gate struct {
	policy     *Policy
	classifier *Classifier
	logger     logging.Logger
}

// NewGate wires a gate from its two stages.
func NewGate(policy *Policy, classifier *Classifier, logger logging.Logger) *Gate {
	if policy == nil {
		policy = NewPolicy(nil)
	}
	if classifier == nil {
		classifier = NewClassifier(nil)
	}
	return &Gate{policy: policy, classifier: classifier, logger: logging.OrNop(logger)}
}

// NewGateFromConfig builds the gate from the safety section: built-in
// risk profiles at the configured thresholds, overlaid with the registry
// file when one is set.
func NewGateFromConfig(cfg config.SafetyConfig, logger logging.Logger) (*Gate, error) {
	registry := DefaultRegistry(cfg.AmountThreshold, cfg.RecipientsThreshold)
	if cfg.RegistryPath != "" {
		if err := registry.LoadFile(cfg.RegistryPath); err != nil {
			return nil, err
		}
	}
	return NewGate(NewPolicy(cfg.BlockedTools), NewClassifier(registry), logger), nil
}

// Check evaluates a proposal. Order: emergency stop blocks everything;
// the policy check may block, force a confirmation floor, or rewrite
// parameters; the classifier then maps the (possibly rewritten)
// parameters to a tier. low allows, medium confirms, high confirms with
// an emphasized warning.
func (g *Gate) Check(proposal Proposal, runtime config.Runtime) Verdict {
	if runtime.EmergencyStop {
		g.logger.Warn("emergency stop active, blocking %s", proposal.ToolName)
		return Verdict{Kind: VerdictBlock, Risk: RiskRequireDoubleCheck, Reason: "emergency stop is active"}
	}

	policyResult := g.policy.Evaluate(proposal)
	if policyResult.Outcome == PolicyBlock {
		return Verdict{Kind: VerdictBlock, Risk: RiskRequireDoubleCheck, Reason: policyResult.Reason}
	}

	params := proposal.Parameters
	modified := policyResult.Outcome == PolicyModify
	if modified {
		params = policyResult.Rewritten
	}

	risk := g.classifier.Classify(proposal.ToolName, params)
	level := risk.Level
	if policyResult.Outcome == PolicyConfirm && level < RiskRequireConfirmation {
		level = RiskRequireConfirmation
	}

	reason := risk.Reason
	if policyResult.Reason != "" {
		reason = policyResult.Reason + "; " + reason
	}

	if level == RiskAutoApprove {
		if modified {
			return Verdict{Kind: VerdictModify, Risk: level, Reason: reason, Parameters: params}
		}
		return Verdict{Kind: VerdictAllow, Risk: level, Reason: reason, Parameters: params}
	}

	emphasized := level == RiskRequireDoubleCheck
	return Verdict{
		Kind:       VerdictConfirm,
		Risk:       level,
		Reason:     reason,
		Question:   g.confirmationQuestion(proposal.ToolName, params, emphasized),
		Options:    []string{"yes", "no"},
		Parameters: params,
		Emphasized: emphasized,
	}
}

// confirmationQuestion renders the single uniform confirmation format.
// High-risk actions get the emphasized warning prefix.
func (g *Gate) confirmationQuestion(tool string, params map[string]any, emphasized bool) string {
	summary := formatParams(params)
	if emphasized {
		return fmt.Sprintf("⚠️ High-risk action: %s%s. This may not be reversible. Reply yes to proceed or no to cancel.", tool, summary)
	}
	return fmt.Sprintf("About to run %s%s. Reply yes to proceed or no to cancel.", tool, summary)
}

// formatParams renders parameters for display in a confirmation. Keys
// sort for stable output; values that look like secret material (by key
// name or by shape) show as the redaction placeholder; long values
// truncate.
func formatParams(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for key := range params {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		value := redaction.RedactStringValue(key, fmt.Sprintf("%v", params[key]))
		if runes := []rune(value); len(runes) > 48 {
			value = string(runes[:48]) + "..."
		}
		parts = append(parts, fmt.Sprintf("%s=%s", key, value))
	}
	return " (" + strings.Join(parts, ", ") + ")"
}
