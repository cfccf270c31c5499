package dialog

import "strings"

// Reply classifies a user's answer to a pending confirmation.
type Reply int

const (
	ReplyUnknown Reply = iota
	ReplyYes
	ReplyNo
)

func (r Reply) String() string {
	switch r {
	case ReplyYes:
		return "yes"
	case ReplyNo:
		return "no"
	default:
		return "unknown"
	}
}

var (
	yesReplies = []string{
		"yes", "y", "ok", "okay", "sure", "confirm", "go ahead", "do it",
		"はい", "うん", "お願い", "おねがい", "了解", "実行", "やって", "いいよ",
	}
	noReplies = []string{
		"no", "n", "nope", "don't", "dont",
		"いいえ", "いや", "だめ", "しない", "ノー",
	}
)

// ParseReply classifies a confirmation answer. Exact match wins first so
// a bare "no" is never swallowed by a longer yes-phrase; containment then
// catches wrapped answers like "yes please". Anything else is unknown and
// triggers a reprompt.
func ParseReply(message string) Reply {
	normalized := strings.ToLower(strings.TrimSpace(message))
	normalized = strings.Trim(normalized, "!.。！、,?？ ")
	if normalized == "" {
		return ReplyUnknown
	}

	for _, word := range noReplies {
		if normalized == word {
			return ReplyNo
		}
	}
	for _, word := range yesReplies {
		if normalized == word {
			return ReplyYes
		}
	}

	for _, word := range noReplies {
		if strings.Contains(normalized, word) && len(word) > 2 {
			return ReplyNo
		}
	}
	for _, word := range yesReplies {
		if strings.Contains(normalized, word) && len(word) > 2 {
			return ReplyYes
		}
	}
	return ReplyUnknown
}

// ParseSelection resolves a LIST_CONTEXT answer against the offered
// options: a 1-based number or a unique case-insensitive substring of an
// option. The second result is false when nothing (or more than one
// option) matched.
func ParseSelection(message string, options []string) (int, bool) {
	normalized := strings.ToLower(strings.TrimSpace(message))
	if normalized == "" || len(options) == 0 {
		return 0, false
	}

	if idx := parseIndex(normalized); idx >= 1 && idx <= len(options) {
		return idx - 1, true
	}

	matched := -1
	for i, option := range options {
		if strings.Contains(strings.ToLower(option), normalized) {
			if matched >= 0 {
				return 0, false // ambiguous
			}
			matched = i
		}
	}
	if matched >= 0 {
		return matched, true
	}
	return 0, false
}

func parseIndex(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return -1
		}
		n = n*10 + int(r-'0')
		if n > 1000 {
			return -1
		}
	}
	if s == "" {
		return -1
	}
	return n
}
