package finalize

import (
	"context"
	"regexp"
	"strings"
)

const (
	DefaultMomentImportance = 0.5
	MaxExtracted            = 3

	minCandidateRunes = 12
	maxCandidateRunes = 280
)

// Candidate is a memory proposed by an Extractor.
type Candidate struct {
	Content string
	Tags    []string
}

// Extractor proposes memories worth keeping from a finished turn.
type Extractor interface {
	Extract(ctx context.Context, turn Turn) ([]Candidate, error)
}

// LexicalExtractor picks sentences of the assistant reply that restate
// something about the user: what they like, feel, plan or have.
type LexicalExtractor struct{}

var _ Extractor = LexicalExtractor{}

var (
	sentenceSplit = regexp.MustCompile(`[^.!?\n]+[.!?]*`)
	aboutUser     = regexp.MustCompile(`(?i)\b(you|you're|you've|your)\b`)

	tagPatterns = []struct {
		tag string
		re  *regexp.Regexp
	}{
		{"preference", regexp.MustCompile(`(?i)\b(love|loves|like|likes|enjoy|enjoys|prefer|prefers|favorite|favourite|hate|hates|can't stand)\b`)},
		{"emotion", regexp.MustCompile(`(?i)\b(feel|feeling|felt|happy|sad|excited|nervous|anxious|proud|lonely|stressed|worried|grateful)\b`)},
		{"plan", regexp.MustCompile(`(?i)\b(plan|plans|planning|going to|gonna|will be|next week|tomorrow|this weekend|hoping to)\b`)},
		{"relationship", regexp.MustCompile(`(?i)\b(mom|mother|dad|father|sister|brother|partner|wife|husband|friend|daughter|son|dog|cat)\b`)},
		{"milestone", regexp.MustCompile(`(?i)\b(finished|graduated|started|moved|got the job|promotion|birthday|anniversary)\b`)},
	}
)

func (LexicalExtractor) Extract(_ context.Context, turn Turn) ([]Candidate, error) {
	var out []Candidate
	seen := make(map[string]struct{})
	for _, raw := range sentenceSplit.FindAllString(turn.AssistantText, -1) {
		sentence := strings.TrimSpace(raw)
		n := len([]rune(sentence))
		if n < minCandidateRunes || n > maxCandidateRunes {
			continue
		}
		if strings.HasSuffix(sentence, "?") || !aboutUser.MatchString(sentence) {
			continue
		}
		var tags []string
		for _, tp := range tagPatterns {
			if tp.re.MatchString(sentence) {
				tags = append(tags, tp.tag)
			}
		}
		if len(tags) == 0 {
			continue
		}
		key := strings.ToLower(sentence)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, Candidate{Content: sentence, Tags: tags})
		if len(out) == MaxExtracted {
			break
		}
	}
	return out, nil
}
