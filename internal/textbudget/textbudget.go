// Package textbudget bounds the text the pipeline hands to
// collaborators. Counting is backed by tiktoken's cl100k_base encoding,
// lazily initialized, with a character heuristic as the fallback when the
// encoding is unavailable.
package textbudget

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	once     sync.Once
	encoding *tiktoken.Tiktoken
)

func init() {
	// eager so the first message doesn't pay the encoding setup
	initEncoding()
}

func initEncoding() {
	once.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})
}

// Count returns the token count for the text, or the heuristic estimate
// when the encoding is unavailable.
func Count(text string) int {
	if encoding != nil {
		return len(encoding.Encode(text, nil, nil))
	}
	return Estimate(text)
}

// Estimate returns max(runes/4, word count): cheap and close enough for
// budget checks in tight loops.
func Estimate(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	runes := len([]rune(trimmed))
	words := len(strings.Fields(trimmed))
	estimate := runes / 4
	if estimate < words {
		estimate = words
	}
	if estimate == 0 {
		estimate = 1
	}
	return estimate
}

// Truncate cuts the text down to roughly maxTokens, marking the cut with
// an ellipsis. Zero or negative budgets mean no limit.
func Truncate(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return text
	}
	if encoding != nil {
		tokens := encoding.Encode(text, nil, nil)
		if len(tokens) <= maxTokens {
			return text
		}
		return encoding.Decode(tokens[:maxTokens]) + "..."
	}
	runes := []rune(text)
	limit := maxTokens * 4
	if limit >= len(runes) {
		return text
	}
	return string(runes[:limit]) + "..."
}

// TrimLines keeps whole lines in order until the budget is spent and
// drops the rest. The first line survives even when it alone exceeds the
// budget, truncated to fit, so a tiny budget never empties the context.
func TrimLines(lines []string, maxTokens int) []string {
	if maxTokens <= 0 || len(lines) == 0 {
		return lines
	}

	kept := make([]string, 0, len(lines))
	spent := 0
	for _, line := range lines {
		cost := Count(line) + 1
		if spent+cost > maxTokens {
			break
		}
		kept = append(kept, line)
		spent += cost
	}
	if len(kept) == 0 {
		kept = append(kept, Truncate(lines[0], maxTokens))
	}
	return kept
}
