package safety

import (
	"fmt"
	"strings"
)

// PolicyOutcome is the result of the fixed compliance rules, evaluated
// before risk classification.
type PolicyOutcome int

const (
	PolicyAllow PolicyOutcome = iota
	PolicyBlock
	PolicyConfirm
	PolicyModify
)

func (o PolicyOutcome) String() string {
	switch o {
	case PolicyAllow:
		return "allow"
	case PolicyBlock:
		return "block"
	case PolicyConfirm:
		return "confirm"
	case PolicyModify:
		return "modify"
	default:
		return fmt.Sprintf("policy(%d)", int(o))
	}
}

// PolicyResult carries the outcome plus, on modify, the rewritten
// parameters the classifier should see instead of the originals.
type PolicyResult struct {
	Outcome   PolicyOutcome
	Reason    string
	Rewritten map[string]any
}

// destructive verbs, matched as tool-name prefixes/suffixes or the bare
// verb itself
var destructiveVerbs = []string{"delete", "remove", "destroy", "purge", "wipe"}

const fallbackMessageBody = "(no message content provided)"

// Policy evaluates a proposal against the fixed value/compliance rules.
// It never consults risk profiles; the classifier layers on top.
type Policy struct {
	blocked map[string]bool
}

// NewPolicy builds a policy with the given tool blocklist.
func NewPolicy(blockedTools []string) *Policy {
	blocked := make(map[string]bool, len(blockedTools))
	for _, tool := range blockedTools {
		tool = strings.ToLower(strings.TrimSpace(tool))
		if tool != "" {
			blocked[tool] = true
		}
	}
	return &Policy{blocked: blocked}
}

// Evaluate runs the rules in order: blocklist, destructive floor, empty
// message body. The first matching rule decides.
func (p *Policy) Evaluate(proposal Proposal) PolicyResult {
	tool := strings.ToLower(strings.TrimSpace(proposal.ToolName))

	if p.blocked[tool] {
		return PolicyResult{Outcome: PolicyBlock, Reason: fmt.Sprintf("tool %s is blocked by policy", proposal.ToolName)}
	}

	if isDestructiveName(tool) {
		return PolicyResult{Outcome: PolicyConfirm, Reason: "destructive actions require explicit confirmation"}
	}

	if isSendTool(tool) {
		if rewritten, changed := normalizeBody(proposal.Parameters); changed {
			return PolicyResult{Outcome: PolicyModify, Reason: "message body rewritten", Rewritten: rewritten}
		}
	}

	return PolicyResult{Outcome: PolicyAllow}
}

func isDestructiveName(tool string) bool {
	for _, verb := range destructiveVerbs {
		if tool == verb || strings.HasPrefix(tool, verb+"_") || strings.HasSuffix(tool, "_"+verb) {
			return true
		}
	}
	return false
}

func isSendTool(tool string) bool {
	return strings.HasSuffix(tool, "_send") || strings.HasSuffix(tool, "_post") || strings.Contains(tool, "message")
}

// normalizeBody trims the outgoing body and substitutes a fallback when
// the body is missing or blank, so the platform never receives an empty
// message. Returns the rewritten map and whether anything changed.
func normalizeBody(params map[string]any) (map[string]any, bool) {
	body, _ := params["body"].(string)
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		trimmed = fallbackMessageBody
	}
	if raw, ok := params["body"]; ok {
		if s, isString := raw.(string); isString && s == trimmed {
			return nil, false
		}
	}

	rewritten := make(map[string]any, len(params)+1)
	for key, value := range params {
		rewritten[key] = value
	}
	rewritten["body"] = trimmed
	return rewritten, true
}
