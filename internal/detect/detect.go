// Package detect finds email-shaped tokens in free text and masks them.
//
// Everything in this package is pure: no I/O, no clocks except the ones
// passed in, no package state beyond the compiled pattern.
package detect

import (
	"strings"
	"time"

	"github.com/dlclark/regexp2"
)

// Placeholder replaces every active token in masked text.
const Placeholder = "[EMAIL_ADDRESS]"

// Pattern is the fixed email-shaped token pattern. It is matched
// case-insensitively with ECMAScript semantics, so word boundaries are ASCII.
// It is not an address validator.
const Pattern = `\b[A-Z0-9._%+-]+@[A-Z0-9.-]+\.[A-Z]{2,}\b`

const (
	// MaxRunLen bounds the stretch of token characters the pattern is run
	// over. Longer stretches holding an @ are flagged whole.
	MaxRunLen = 512

	matchTimeout = 250 * time.Millisecond
)

var tokenPattern = func() *regexp2.Regexp {
	re := regexp2.MustCompile(Pattern, regexp2.IgnoreCase|regexp2.ECMAScript)
	re.MatchTimeout = matchTimeout
	return re
}()

// Token is one detected email-shaped substring.
type Token struct {
	// Raw is the token as it first appeared in the text.
	Raw string `json:"raw"`
	// Normalized is the identity used for every comparison.
	Normalized string `json:"normalized"`
}

// Snapshot maps normalized tokens to the time their suppression ends.
type Snapshot map[string]time.Time

// Normalize lowercases and trims a token.
func Normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// isTokenByte reports whether b can appear in a match. Every ASCII word
// character is one, so a match never spans two runs of them and \b behaves
// the same at a run's edge as at the text's.
func isTokenByte(b byte) bool {
	switch {
	case 'a' <= b && b <= 'z', 'A' <= b && b <= 'Z', '0' <= b && b <= '9':
		return true
	}
	return strings.IndexByte("._%+-@", b) >= 0
}

// span is a match as [start, end) byte offsets into the text.
type span struct{ start, end int }

// matches returns the spans of every match in text, left to right.
func matches(text string) []span {
	var out []span
	for i := 0; i < len(text); {
		if !isTokenByte(text[i]) {
			i++
			continue
		}
		j := i
		for j < len(text) && isTokenByte(text[j]) {
			j++
		}
		out = append(out, matchRun(text[i:j], i)...)
		i = j
	}
	return out
}

// matchRun scans one run of token bytes starting at offset. A run the
// pattern cannot finish in time comes back as a single span.
func matchRun(run string, offset int) []span {
	if strings.IndexByte(run, '@') < 0 {
		return nil
	}
	whole := []span{{start: offset, end: offset + len(run)}}
	if len(run) > MaxRunLen {
		return whole
	}

	var out []span
	// The run is ASCII, so rune indexes are byte indexes.
	m, err := tokenPattern.FindStringMatch(run)
	for err == nil && m != nil {
		out = append(out, span{start: offset + m.Index, end: offset + m.Index + m.Length})
		m, err = tokenPattern.FindNextMatch(m)
	}
	if err != nil {
		return whole
	}
	return out
}

// ExtractTokens scans text left to right and returns every email-shaped
// match, deduplicated by normalized form in first-occurrence order.
func ExtractTokens(text string) []Token {
	if text == "" {
		return nil
	}

	var tokens []Token
	seen := make(map[string]bool)

	for _, s := range matches(text) {
		raw := text[s.start:s.end]
		norm := Normalize(raw)
		if !seen[norm] {
			seen[norm] = true
			tokens = append(tokens, Token{Raw: raw, Normalized: norm})
		}
	}

	return tokens
}

// Normalized returns the normalized forms of tokens, in order.
func Normalized(tokens []Token) []string {
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, t.Normalized)
	}
	return out
}

// Partition splits tokens into those still active and those with a
// suppression expiring strictly after now.
func Partition(tokens []Token, snapshot Snapshot, now time.Time) (active, suppressed []Token) {
	for _, t := range tokens {
		if until, ok := snapshot[t.Normalized]; ok && until.After(now) {
			suppressed = append(suppressed, t)
			continue
		}
		active = append(active, t)
	}
	return active, suppressed
}

// SuppressedSet builds a lookup set of normalized tokens. A nil or empty
// result means nothing is suppressed.
func SuppressedSet(tokens []Token) map[string]bool {
	set := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		set[t.Normalized] = true
	}
	return set
}

// Mask replaces every match in text with Placeholder, except matches whose
// normalized form is in suppressed. Those stay verbatim.
func Mask(text string, suppressed map[string]bool) string {
	if text == "" {
		return text
	}

	var b strings.Builder
	last := 0
	for _, s := range matches(text) {
		raw := text[s.start:s.end]
		b.WriteString(text[last:s.start])
		if suppressed[Normalize(raw)] {
			b.WriteString(raw)
		} else {
			b.WriteString(Placeholder)
		}
		last = s.end
	}
	b.WriteString(text[last:])
	return b.String()
}

// Scan is a convenience that extracts, partitions, and masks in one pass.
type Scan struct {
	Tokens     []Token `json:"tokens"`
	Active     []Token `json:"active"`
	Suppressed []Token `json:"suppressed"`
	Masked     string  `json:"masked"`
}

// Analyze runs the full detection pipeline against a suppression snapshot.
func Analyze(text string, snapshot Snapshot, now time.Time) Scan {
	tokens := ExtractTokens(text)
	active, suppressed := Partition(tokens, snapshot, now)
	return Scan{
		Tokens:     tokens,
		Active:     active,
		Suppressed: suppressed,
		Masked:     Mask(text, SuppressedSet(suppressed)),
	}
}
