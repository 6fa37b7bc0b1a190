// Package sanitize cleans user-supplied chat text before it reaches the
// assistant process or is echoed back into the thread.
package sanitize

import (
	"regexp"
	"strings"
)

// MaxLength is the cap on sanitized text, in runes.
const MaxLength = 5000

// maxRun is the longest permitted run of a single repeated character.
const maxRun = 50

var (
	scriptRe    = regexp.MustCompile(`(?is)<script\b[^>]*>.*?</script>`)
	tagRe       = regexp.MustCompile(`(?s)<[^<>]*>`)
	jsURIRe     = regexp.MustCompile(`(?i)javascript\s*:`)
	dataHTMLRe  = regexp.MustCompile(`(?i)data\s*:\s*text/html`)
	eventAttrRe = regexp.MustCompile(`(?i)\bon[a-z]+\s*=\s*("[^"]*"|'[^']*'|[^\s>]+)`)
)

// injectionMarkers are template-language openers that must never reach the
// assistant process.
var injectionMarkers = []string{"{{", "${", "<%"}

// Sanitize strips markup and dangerous URIs from raw text and truncates the
// result. It is idempotent: Sanitize(Sanitize(x)) == Sanitize(x).
func Sanitize(raw string) string {
	s := raw

	// Stripping can expose new matches ("<scr<script>ipt>"), so run the
	// passes to a fixed point. Input length shrinks every iteration, which
	// bounds the loop.
	for {
		next := scriptRe.ReplaceAllString(s, "")
		next = eventAttrRe.ReplaceAllString(next, "")
		next = tagRe.ReplaceAllString(next, "")
		next = jsURIRe.ReplaceAllString(next, "")
		next = dataHTMLRe.ReplaceAllString(next, "")
		if next == s {
			break
		}
		s = next
	}

	s = strings.TrimSpace(s)

	if runes := []rune(s); len(runes) > MaxLength {
		s = strings.TrimSpace(string(runes[:MaxLength]))
	}
	return s
}

// IsSafe reports whether sanitized text may be forwarded to the assistant.
// It rejects template-injection markers, shell substitution, and pathological
// character repetition.
func IsSafe(clean string) bool {
	for _, m := range injectionMarkers {
		if strings.Contains(clean, m) {
			return false
		}
	}
	if strings.Contains(clean, "$(") || strings.Contains(clean, "`") {
		return false
	}
	if longestRun(clean) >= maxRun {
		return false
	}
	return true
}

// longestRun returns the length of the longest run of one repeated rune.
func longestRun(s string) int {
	var prev rune
	run, longest := 0, 0
	for _, r := range s {
		if r == prev {
			run++
		} else {
			prev = r
			run = 1
		}
		if run > longest {
			longest = run
		}
	}
	return longest
}
