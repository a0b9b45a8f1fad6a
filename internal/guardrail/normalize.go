// Package guardrail screens candidate replies for generic filler and
// repetition loops before they are delivered.
package guardrail

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// minSignificantTokens is the floor below which similarity is not judged:
// very short replies ("باشه", "ok") legitimately repeat.
const minSignificantTokens = 4

// NormalizeText canonicalizes text for comparison: NFKC fold, lowercase,
// punctuation to spaces, whitespace collapsed. Persian and Arabic
// presentation forms fold to their canonical letters so visually identical
// replies compare equal.
func NormalizeText(s string) string {
	s = norm.NFKC.String(s)
	s = strings.ToLower(s)
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// Tokens splits normalized text into comparison tokens.
func Tokens(s string) []string {
	return strings.Fields(NormalizeText(s))
}

// Similarity computes the Jaccard similarity of the token sets of a and b.
// Both-empty inputs are identical (1); one-sided empties share nothing (0).
func Similarity(a, b string) float64 {
	ta, tb := Tokens(a), Tokens(b)
	if len(ta) == 0 && len(tb) == 0 {
		return 1
	}
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	set := make(map[string]bool, len(ta))
	for _, t := range ta {
		set[t] = true
	}
	seen := make(map[string]bool, len(tb))
	var intersection int
	for _, t := range tb {
		if seen[t] {
			continue
		}
		seen[t] = true
		if set[t] {
			intersection++
		}
	}
	union := len(set) + len(seen) - intersection
	if union == 0 {
		return 1
	}
	return float64(intersection) / float64(union)
}

// IsRepetitive reports whether candidate repeats prior beyond the threshold.
// Short replies are exempt so common acknowledgements never trip it.
func IsRepetitive(candidate, prior string, threshold float64) bool {
	if len(Tokens(candidate)) < minSignificantTokens {
		return false
	}
	return Similarity(candidate, prior) >= threshold
}
