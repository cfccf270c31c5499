package safety

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// RiskLevel is the classifier's tier for a proposed action.
type RiskLevel int

const (
	RiskAutoApprove RiskLevel = iota
	RiskRequireConfirmation
	RiskRequireDoubleCheck
)

func (l RiskLevel) String() string {
	switch l {
	case RiskAutoApprove:
		return "auto_approve"
	case RiskRequireConfirmation:
		return "require_confirmation"
	case RiskRequireDoubleCheck:
		return "require_double_check"
	default:
		return fmt.Sprintf("risk(%d)", int(l))
	}
}

// Raise returns the next tier up, capped at require_double_check.
func (l RiskLevel) Raise() RiskLevel {
	if l >= RiskRequireDoubleCheck {
		return RiskRequireDoubleCheck
	}
	return l + 1
}

// ParseRiskLevel accepts both the canonical tier names and the short
// low/medium/high aliases used in registry files.
func ParseRiskLevel(s string) (RiskLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "auto_approve", "low":
		return RiskAutoApprove, nil
	case "require_confirmation", "medium":
		return RiskRequireConfirmation, nil
	case "require_double_check", "high":
		return RiskRequireDoubleCheck, nil
	default:
		return RiskAutoApprove, fmt.Errorf("unknown risk level %q", s)
	}
}

func (l RiskLevel) MarshalYAML() (any, error) {
	return l.String(), nil
}

func (l *RiskLevel) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := ParseRiskLevel(raw)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// PredicateKind names an escalation predicate in a risk profile.
type PredicateKind string

const (
	// PredicateAmountAbove triggers when a numeric parameter is at or
	// above the threshold. Inclusive, so an amount exactly at the
	// threshold escalates.
	PredicateAmountAbove PredicateKind = "amount_above"
	// PredicateCountAbove triggers when a list parameter's length (or a
	// numeric parameter) is at or above the threshold. Inclusive.
	PredicateCountAbove PredicateKind = "count_above"
	// PredicateEquals triggers when the parameter's string form equals
	// the configured value.
	PredicateEquals PredicateKind = "equals"
)

// EscalationRule raises a tool's risk tier when a parameter matches its
// predicate. Without RaiseTo the tier goes up one level; RaiseTo jumps to
// at least that level (never lowers).
type EscalationRule struct {
	Param     string        `yaml:"param"`
	Predicate PredicateKind `yaml:"predicate"`
	Threshold float64       `yaml:"threshold,omitempty"`
	Value     string        `yaml:"value,omitempty"`
	RaiseTo   *RiskLevel    `yaml:"raise_to,omitempty"`
}

func (r EscalationRule) validate() error {
	if strings.TrimSpace(r.Param) == "" {
		return fmt.Errorf("escalation param is required")
	}
	switch r.Predicate {
	case PredicateAmountAbove, PredicateCountAbove:
		if r.Threshold <= 0 {
			return fmt.Errorf("escalation %s/%s needs a positive threshold", r.Param, r.Predicate)
		}
	case PredicateEquals:
		if r.Value == "" {
			return fmt.Errorf("escalation %s/equals needs a value", r.Param)
		}
	default:
		return fmt.Errorf("unknown escalation predicate %q", r.Predicate)
	}
	return nil
}

// Triggered evaluates the predicate against the proposal parameters and
// returns a human-readable reason when it fires.
func (r EscalationRule) Triggered(params map[string]any) (bool, string) {
	value, ok := params[r.Param]
	if !ok || value == nil {
		return false, ""
	}

	switch r.Predicate {
	case PredicateAmountAbove:
		amount, ok := numericValue(value)
		if !ok || amount < r.Threshold {
			return false, ""
		}
		return true, fmt.Sprintf("%s %s at or above %s", r.Param, formatNumber(amount), formatNumber(r.Threshold))
	case PredicateCountAbove:
		count, ok := countValue(value)
		if !ok || float64(count) < r.Threshold {
			return false, ""
		}
		return true, fmt.Sprintf("%s count %d at or above %s", r.Param, count, formatNumber(r.Threshold))
	case PredicateEquals:
		if fmt.Sprintf("%v", value) != r.Value {
			return false, ""
		}
		return true, fmt.Sprintf("%s equals %q", r.Param, r.Value)
	default:
		return false, ""
	}
}

func numericValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		parsed, err := n.Float64()
		return parsed, err == nil
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return parsed, err == nil
	default:
		return 0, false
	}
}

func countValue(v any) (int, bool) {
	switch list := v.(type) {
	case []any:
		return len(list), true
	case []string:
		return len(list), true
	case []int:
		return len(list), true
	default:
		if n, ok := numericValue(v); ok {
			return int(n), true
		}
		return 0, false
	}
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// Profile is the registered risk shape of one tool: a base tier plus
// parameter-driven escalations.
type Profile struct {
	Tool        string           `yaml:"tool"`
	Base        RiskLevel        `yaml:"base"`
	Escalations []EscalationRule `yaml:"escalations,omitempty"`
}

func (p Profile) validate() error {
	if strings.TrimSpace(p.Tool) == "" {
		return fmt.Errorf("profile tool name is required")
	}
	for _, rule := range p.Escalations {
		if err := rule.validate(); err != nil {
			return fmt.Errorf("profile %s: %w", p.Tool, err)
		}
	}
	return nil
}

// Registry holds the per-tool risk profiles. Tools register explicitly;
// there is no inference from parameter names.
type Registry struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{profiles: make(map[string]Profile)}
}

// Register adds or replaces a tool's profile.
func (r *Registry) Register(profile Profile) error {
	if err := profile.validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiles[strings.ToLower(strings.TrimSpace(profile.Tool))] = profile
	return nil
}

// Profile looks up a tool's profile by name.
func (r *Registry) Profile(tool string) (Profile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	profile, ok := r.profiles[strings.ToLower(strings.TrimSpace(tool))]
	return profile, ok
}

// Tools returns the registered tool names, sorted.
func (r *Registry) Tools() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.profiles))
	for name := range r.profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type registryFile struct {
	Profiles []Profile `yaml:"profiles"`
}

// LoadFile overlays profiles from a YAML registry file. File entries
// replace built-in profiles with the same tool name.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read risk registry: %w", err)
	}
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse risk registry: %w", err)
	}
	for _, profile := range file.Profiles {
		if err := r.Register(profile); err != nil {
			return fmt.Errorf("risk registry %s: %w", path, err)
		}
	}
	return nil
}

// DefaultRegistry returns the built-in profiles for the workplace tool
// set. Zero thresholds fall back to 100000 (amount) and 10 (recipients).
func DefaultRegistry(amountThreshold float64, recipientsThreshold int) *Registry {
	if amountThreshold <= 0 {
		amountThreshold = 100000
	}
	if recipientsThreshold <= 0 {
		recipientsThreshold = 10
	}

	amount := EscalationRule{
		Param:     "amount",
		Predicate: PredicateAmountAbove,
		Threshold: amountThreshold,
		RaiseTo:   riskPtr(RiskRequireDoubleCheck),
	}
	recipients := EscalationRule{
		Param:     "recipients",
		Predicate: PredicateCountAbove,
		Threshold: float64(recipientsThreshold),
	}

	registry := NewRegistry()
	builtin := []Profile{
		{Tool: "chatwork_task_create", Base: RiskAutoApprove, Escalations: []EscalationRule{amount, recipients}},
		{Tool: "chatwork_task_list", Base: RiskAutoApprove},
		{Tool: "chatwork_message_send", Base: RiskAutoApprove, Escalations: []EscalationRule{recipients}},
		{Tool: "goal_create", Base: RiskAutoApprove},
		{Tool: "goal_list", Base: RiskAutoApprove},
		{Tool: "goal_progress", Base: RiskAutoApprove},
		{Tool: "goal_update", Base: RiskRequireConfirmation},
		{Tool: "goal_delete", Base: RiskRequireConfirmation},
		{Tool: "knowledge_search", Base: RiskAutoApprove},
		{Tool: "learning_remove", Base: RiskRequireConfirmation},
		{Tool: "payment_send", Base: RiskRequireDoubleCheck, Escalations: []EscalationRule{amount}},
		{Tool: "delete", Base: RiskRequireDoubleCheck},
		{Tool: "smalltalk", Base: RiskAutoApprove},
		{Tool: "help", Base: RiskAutoApprove},
	}
	for _, profile := range builtin {
		// built-in profiles are valid by construction
		_ = registry.Register(profile)
	}
	return registry
}

func riskPtr(l RiskLevel) *RiskLevel {
	return &l
}

// RiskVerdict is the classifier's output for one proposal.
type RiskVerdict struct {
	Level  RiskLevel `json:"level"`
	Tool   string    `json:"tool_name"`
	Reason string    `json:"reason"`
}

// Classifier assigns a risk tier from the registered profile plus any
// triggered escalations. Unregistered tools classify as
// require_confirmation: unknown tools are never auto-approved.
type Classifier struct {
	registry *Registry
}

// NewClassifier wires a classifier over a registry. A nil registry gets
// the built-in defaults.
func NewClassifier(registry *Registry) *Classifier {
	if registry == nil {
		registry = DefaultRegistry(0, 0)
	}
	return &Classifier{registry: registry}
}

// Classify is deterministic: the same tool and parameters always yield
// the same verdict.
func (c *Classifier) Classify(tool string, params map[string]any) RiskVerdict {
	profile, ok := c.registry.Profile(tool)
	if !ok {
		return RiskVerdict{
			Level:  RiskRequireConfirmation,
			Tool:   tool,
			Reason: "no risk profile registered",
		}
	}

	level := profile.Base
	reasons := []string{fmt.Sprintf("base risk %s", profile.Base)}
	for _, rule := range profile.Escalations {
		triggered, why := rule.Triggered(params)
		if !triggered {
			continue
		}
		if rule.RaiseTo != nil {
			if *rule.RaiseTo > level {
				level = *rule.RaiseTo
			}
		} else {
			level = level.Raise()
		}
		reasons = append(reasons, why)
	}

	return RiskVerdict{
		Level:  level,
		Tool:   tool,
		Reason: strings.Join(reasons, "; "),
	}
}
