// Package tokenutil estimates token counts for usage accounting. Counts
// come from tiktoken's cl100k_base encoding when it loads and from a
// rune/word heuristic otherwise, so estimates stay available offline.
package tokenutil

import (
	"strings"

	"github.com/pkoukk/tiktoken-go"
)

var encoding *tiktoken.Tiktoken

func init() {
	encoding, _ = tiktoken.GetEncoding("cl100k_base")
}

// Count returns the token count for text. The result feeds estimated
// usage rows, not billing.
func Count(text string) int {
	if encoding != nil {
		return len(encoding.Encode(text, nil, nil))
	}
	return heuristicCount(text)
}

// heuristicCount approximates tokens as max(runes/4, words). Non-empty
// text has at least one field, so the result is at least 1.
func heuristicCount(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	estimate := len([]rune(trimmed)) / 4
	if words := len(strings.Fields(trimmed)); estimate < words {
		estimate = words
	}
	return estimate
}
