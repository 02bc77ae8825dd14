package policy

import (
	"regexp"
	"strings"
)

// ReasonContentPolicy is reported when the lexical block list matches.
const ReasonContentPolicy = "content policy"

// DefaultBlockedTerms are explicit-content hints rejected before generation.
var DefaultBlockedTerms = []string{
	"xxx",
	"porn",
	"nsfw",
	"nude pics",
	"send nudes",
	"sexting",
	"explicit sex",
}

// BlockList is a case-insensitive lexical matcher. Single-token hints match
// anywhere in the text, so glued forms like "xxxvideos" are caught.
// Multi-word phrases match on word boundaries.
type BlockList struct {
	pattern *regexp.Regexp
	terms   []string
}

// NewBlockList compiles the default terms plus extra. Empty entries are ignored.
func NewBlockList(extra ...string) *BlockList {
	seen := make(map[string]struct{})
	var terms []string
	for _, t := range append(append([]string{}, DefaultBlockedTerms...), extra...) {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		terms = append(terms, t)
	}

	var tokens, phrases []string
	for _, t := range terms {
		q := regexp.QuoteMeta(t)
		if strings.ContainsAny(t, " \t") {
			phrases = append(phrases, `\b`+strings.Join(strings.Fields(q), `\s+`)+`\b`)
			continue
		}
		tokens = append(tokens, q)
	}
	return &BlockList{
		pattern: regexp.MustCompile(`(?i)` + strings.Join(append(phrases, tokens...), "|")),
		terms:   terms,
	}
}

// Match returns the first blocked term found in text.
func (b *BlockList) Match(text string) (string, bool) {
	if b == nil || len(b.terms) == 0 {
		return "", false
	}
	m := b.pattern.FindString(text)
	if m == "" {
		return "", false
	}
	return strings.ToLower(m), true
}

func (b *BlockList) Terms() []string {
	return append([]string(nil), b.terms...)
}
