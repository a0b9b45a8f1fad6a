package guardrail

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	boldItalicRe = regexp.MustCompile(`(\*{1,3}|_{1,3})([^*_]+)(\*{1,3}|_{1,3})`)
	headingRe    = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	codeFenceRe  = regexp.MustCompile("(?s)```[a-zA-Z]*\n?(.*?)```")
	inlineCodeRe = regexp.MustCompile("`([^`]+)`")
	linkRe       = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
)

// StripMarkdown flattens markdown artifacts the providers tend to emit into
// plain DM-friendly text. Link targets are kept after the label so URLs
// survive the flattening.
func StripMarkdown(s string) string {
	s = codeFenceRe.ReplaceAllString(s, "$1")
	s = inlineCodeRe.ReplaceAllString(s, "$1")
	s = boldItalicRe.ReplaceAllString(s, "$2")
	s = headingRe.ReplaceAllString(s, "")
	s = linkRe.ReplaceAllString(s, "$1 $2")
	return strings.TrimSpace(s)
}

// CapLength truncates s to at most max runes, appending an ellipsis when it
// had to cut. Truncation happens at a word boundary where one is near.
func CapLength(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	cut := max - 1
	// Back off to the last space within a short window.
	for i := cut; i > cut-20 && i > 0; i-- {
		if runes[i] == ' ' {
			cut = i
			break
		}
	}
	return strings.TrimSpace(string(runes[:cut])) + "…"
}

// PostProcess applies the delivery-side cleanups to an accepted reply.
func PostProcess(s string, maxChars int) string {
	return CapLength(StripMarkdown(s), maxChars)
}
