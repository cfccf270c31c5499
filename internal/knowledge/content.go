package knowledge

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	banterr "banto/internal/errors"
)

// AliasContent maps a shorthand to what it stands for.
type AliasContent struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// RuleContent binds a condition to the action to take when it holds.
type RuleContent struct {
	Condition string `json:"condition"`
	Action    string `json:"action"`
}

// FactContent states a value for a subject.
type FactContent struct {
	Subject string `json:"subject"`
	Value   string `json:"value"`
}

// PreferenceContent records how a subject prefers things done.
type PreferenceContent struct {
	Subject    string `json:"subject"`
	Preference string `json:"preference"`
}

// CorrectionContent replaces a recurring mistake with its fix.
type CorrectionContent struct {
	WrongPattern   string `json:"wrong_pattern"`
	CorrectPattern string `json:"correct_pattern"`
}

// ProcedureContent is the ordered steps for a named task.
type ProcedureContent struct {
	Task  string   `json:"task"`
	Steps []string `json:"steps"`
}

// Content is the category-shaped union of a learning's body. Exactly one
// typed field is set for the six structured categories; Extra is the
// open fallback for everything else, so new categories do not widen the
// shared type.
type Content struct {
	Alias      *AliasContent      `json:"alias,omitempty"`
	Rule       *RuleContent       `json:"rule,omitempty"`
	Fact       *FactContent       `json:"fact,omitempty"`
	Preference *PreferenceContent `json:"preference,omitempty"`
	Correction *CorrectionContent `json:"correction,omitempty"`
	Procedure  *ProcedureContent  `json:"procedure,omitempty"`
	Extra      map[string]any     `json:"extra,omitempty"`
}

// ParseContent builds the union from raw taught content. JSON input is
// decoded into the category's shape; malformed JSON goes through a
// repair pass before rejection. Plain text input falls back to the
// category's primary fields with the trigger as the subject side.
func ParseContent(category Category, trigger, raw string) (Content, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Content{}, banterr.NewValidation("content", "content is required")
	}

	if !looksLikeJSON(raw) {
		return contentFromText(category, trigger, raw), nil
	}

	content, err := decodeContent(category, raw)
	if err == nil {
		return content, nil
	}

	repaired, repairErr := jsonrepair.JSONRepair(raw)
	if repairErr != nil {
		return Content{}, banterr.NewValidation("content", fmt.Sprintf("content is not valid JSON: %v", err))
	}
	content, err = decodeContent(category, repaired)
	if err != nil {
		return Content{}, banterr.NewValidation("content", fmt.Sprintf("content is not valid JSON after repair: %v", err))
	}
	return content, nil
}

func looksLikeJSON(raw string) bool {
	return strings.HasPrefix(raw, "{") || strings.HasPrefix(raw, "[")
}

func decodeContent(category Category, raw string) (Content, error) {
	decode := func(v any) error {
		decoder := json.NewDecoder(strings.NewReader(raw))
		decoder.UseNumber()
		return decoder.Decode(v)
	}

	switch category {
	case CategoryAlias:
		var body AliasContent
		if err := decode(&body); err != nil {
			return Content{}, err
		}
		return Content{Alias: &body}, nil
	case CategoryRule:
		var body RuleContent
		if err := decode(&body); err != nil {
			return Content{}, err
		}
		return Content{Rule: &body}, nil
	case CategoryFact:
		var body FactContent
		if err := decode(&body); err != nil {
			return Content{}, err
		}
		return Content{Fact: &body}, nil
	case CategoryPreference:
		var body PreferenceContent
		if err := decode(&body); err != nil {
			return Content{}, err
		}
		return Content{Preference: &body}, nil
	case CategoryCorrection:
		var body CorrectionContent
		if err := decode(&body); err != nil {
			return Content{}, err
		}
		return Content{Correction: &body}, nil
	case CategoryProcedure:
		var body ProcedureContent
		if err := decode(&body); err != nil {
			return Content{}, err
		}
		return Content{Procedure: &body}, nil
	default:
		var body map[string]any
		if err := decode(&body); err != nil {
			return Content{}, err
		}
		return Content{Extra: body}, nil
	}
}

// contentFromText shapes free text into the category's structure: the
// trigger becomes the subject side, the text the value side.
func contentFromText(category Category, trigger, text string) Content {
	switch category {
	case CategoryAlias:
		return Content{Alias: &AliasContent{From: trigger, To: text}}
	case CategoryRule:
		return Content{Rule: &RuleContent{Condition: trigger, Action: text}}
	case CategoryFact:
		return Content{Fact: &FactContent{Subject: trigger, Value: text}}
	case CategoryPreference:
		return Content{Preference: &PreferenceContent{Subject: trigger, Preference: text}}
	case CategoryCorrection:
		return Content{Correction: &CorrectionContent{WrongPattern: trigger, CorrectPattern: text}}
	case CategoryProcedure:
		return Content{Procedure: &ProcedureContent{Task: trigger, Steps: []string{text}}}
	default:
		return Content{Extra: map[string]any{"text": text}}
	}
}

// SameTarget reports whether two contents address the same thing under a
// category's contradiction rule (same alias source, same rule condition,
// same fact subject, and so on). Contents of the fallback shape share a
// target whenever they share a trigger, which callers have already
// established.
func (c Content) SameTarget(other Content, category Category) bool {
	switch category {
	case CategoryAlias:
		return c.Alias != nil && other.Alias != nil && equalFold(c.Alias.From, other.Alias.From)
	case CategoryRule:
		return c.Rule != nil && other.Rule != nil && equalFold(c.Rule.Condition, other.Rule.Condition)
	case CategoryFact:
		return c.Fact != nil && other.Fact != nil && equalFold(c.Fact.Subject, other.Fact.Subject)
	case CategoryPreference:
		return c.Preference != nil && other.Preference != nil && equalFold(c.Preference.Subject, other.Preference.Subject)
	case CategoryCorrection:
		return c.Correction != nil && other.Correction != nil && equalFold(c.Correction.WrongPattern, other.Correction.WrongPattern)
	case CategoryProcedure:
		return c.Procedure != nil && other.Procedure != nil && equalFold(c.Procedure.Task, other.Procedure.Task)
	default:
		return true
	}
}

// SameOutcome reports whether two contents agree on the side that
// matters for contradiction: alias target, rule action, fact value,
// preference, correct pattern, procedure steps.
func (c Content) SameOutcome(other Content, category Category) bool {
	switch category {
	case CategoryAlias:
		return c.Alias != nil && other.Alias != nil && equalFold(c.Alias.To, other.Alias.To)
	case CategoryRule:
		return c.Rule != nil && other.Rule != nil && equalFold(c.Rule.Action, other.Rule.Action)
	case CategoryFact:
		return c.Fact != nil && other.Fact != nil && equalFold(c.Fact.Value, other.Fact.Value)
	case CategoryPreference:
		return c.Preference != nil && other.Preference != nil && equalFold(c.Preference.Preference, other.Preference.Preference)
	case CategoryCorrection:
		return c.Correction != nil && other.Correction != nil && equalFold(c.Correction.CorrectPattern, other.Correction.CorrectPattern)
	case CategoryProcedure:
		return c.Procedure != nil && other.Procedure != nil && equalSteps(c.Procedure.Steps, other.Procedure.Steps)
	default:
		return reflect.DeepEqual(c.Extra, other.Extra)
	}
}

// Contradicts applies the per-category rule: same target, different
// outcome.
func (c Content) Contradicts(other Content, category Category) bool {
	return c.SameTarget(other, category) && !c.SameOutcome(other, category)
}

// Display renders the content's human-readable body for prompts and
// diffs.
func (c Content) Display() string {
	switch {
	case c.Alias != nil:
		return fmt.Sprintf("%s → %s", c.Alias.From, c.Alias.To)
	case c.Rule != nil:
		return fmt.Sprintf("when %s: %s", c.Rule.Condition, c.Rule.Action)
	case c.Fact != nil:
		return fmt.Sprintf("%s = %s", c.Fact.Subject, c.Fact.Value)
	case c.Preference != nil:
		return fmt.Sprintf("%s prefers %s", c.Preference.Subject, c.Preference.Preference)
	case c.Correction != nil:
		return fmt.Sprintf("%s ⇒ %s", c.Correction.WrongPattern, c.Correction.CorrectPattern)
	case c.Procedure != nil:
		return fmt.Sprintf("%s: %s", c.Procedure.Task, strings.Join(c.Procedure.Steps, " > "))
	case len(c.Extra) > 0:
		encoded, err := json.Marshal(c.Extra)
		if err != nil {
			return fmt.Sprintf("%v", c.Extra)
		}
		return string(encoded)
	default:
		return ""
	}
}

func equalFold(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

func equalSteps(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !equalFold(a[i], b[i]) {
			return false
		}
	}
	return true
}
