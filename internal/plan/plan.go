// Package plan derives a per-turn response plan from the user's utterance.
// Plans are ephemeral: built once before generation and rendered into the
// system prompt.
package plan

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/ent0n29/companion/internal/memory"
)

type Intent string

const (
	IntentGreeting Intent = "greeting"
	IntentFarewell Intent = "farewell"
	IntentQuestion Intent = "question"
	IntentRequest  Intent = "request"
	IntentVenting  Intent = "venting"
	IntentSharing  Intent = "sharing"
	IntentChat     Intent = "chat"
)

type Brevity string

const (
	BrevityShort  Brevity = "short"
	BrevityMedium Brevity = "medium"
	BrevityLong   Brevity = "long"
)

type Beat string

const (
	BeatHook     Beat = "hook"
	BeatAnswer   Beat = "answer"
	BeatFollowup Beat = "followup"
	BeatCallback Beat = "callback"
)

const maxKeywordHints = 5

var baseForbidden = []string{
	"as an ai",
	"as a language model",
	"i don't have feelings",
	"i'm just a program",
}

type Plan struct {
	Intent           Intent
	Tone             string
	Brevity          Brevity
	Empathy          float64
	Beats            []Beat
	ForbiddenPhrases []string
	KeywordHints     []string
}

// Input is what the planner looks at. HasMemories enables the callback beat.
type Input struct {
	Text        string
	Profile     memory.Profile
	HasMemories bool
	HistoryLen  int
}

func Build(in Input) Plan {
	text := strings.TrimSpace(in.Text)
	lower := strings.ToLower(text)
	words := splitWords(lower)

	p := Plan{
		Intent:           classify(lower, words, in.HistoryLen),
		ForbiddenPhrases: append([]string(nil), baseForbidden...),
		KeywordHints:     keywords(words),
	}

	switch p.Intent {
	case IntentGreeting, IntentFarewell:
		p.Brevity = BrevityShort
		p.Empathy = 0.3
	case IntentVenting:
		p.Brevity = BrevityMedium
		p.Empathy = 0.9
	case IntentQuestion, IntentRequest:
		p.Brevity = BrevityMedium
		if len(words) > 25 {
			p.Brevity = BrevityLong
		}
		p.Empathy = 0.4
	case IntentSharing:
		p.Brevity = BrevityMedium
		p.Empathy = 0.7
	default:
		p.Brevity = BrevityShort
		p.Empathy = 0.5
	}
	if in.Profile.RelationshipLevel == memory.RelationshipClose || in.Profile.RelationshipLevel == memory.RelationshipIntimate {
		p.Empathy += 0.1
		p.ForbiddenPhrases = append(p.ForbiddenPhrases, "how can i help you today", "nice to meet you")
	}
	p.Empathy = memory.ClampUnit(p.Empathy)
	p.Tone = tone(p.Intent, in.Profile)

	p.Beats = []Beat{BeatHook}
	if p.Intent == IntentQuestion || p.Intent == IntentRequest {
		p.Beats = append(p.Beats, BeatAnswer)
	}
	if in.HasMemories && p.Intent != IntentFarewell {
		p.Beats = append(p.Beats, BeatCallback)
	}
	if p.Intent != IntentFarewell {
		p.Beats = append(p.Beats, BeatFollowup)
	}
	return p
}

// Guidance renders the plan as prompt text.
func (p Plan) Guidance() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Turn plan: the user's intent looks like %s. ", p.Intent)
	fmt.Fprintf(&b, "Use a %s tone and keep the reply %s (%s). ", p.Tone, p.Brevity, brevityHint(p.Brevity))
	switch {
	case p.Empathy >= 0.8:
		b.WriteString("Lead with empathy and acknowledge how they feel before anything else. ")
	case p.Empathy >= 0.5:
		b.WriteString("Show warmth without overdoing it. ")
	}
	beats := make([]string, len(p.Beats))
	for i, beat := range p.Beats {
		beats[i] = beatHint(beat)
	}
	fmt.Fprintf(&b, "Structure: %s.", strings.Join(beats, ", then "))
	if len(p.KeywordHints) > 0 {
		fmt.Fprintf(&b, " Pick up on: %s.", strings.Join(p.KeywordHints, ", "))
	}
	if len(p.ForbiddenPhrases) > 0 {
		fmt.Fprintf(&b, " Never say: %q.", p.ForbiddenPhrases)
	}
	return b.String()
}

func classify(lower string, words []string, historyLen int) Intent {
	if len(words) == 0 {
		return IntentChat
	}
	switch {
	case hasAny(words, "bye", "goodbye", "goodnight") || strings.Contains(lower, "talk later") || strings.Contains(lower, "see you"):
		return IntentFarewell
	case hasAny(words, "sad", "lonely", "anxious", "stressed", "tired", "angry", "upset", "depressed", "overwhelmed", "hurt", "worried", "exhausted"):
		return IntentVenting
	case strings.HasSuffix(lower, "?") || hasPrefixWord(words, "what", "why", "how", "when", "where", "who", "which", "do", "does", "is", "are", "can", "could", "should", "would"):
		return IntentQuestion
	case hasPrefixWord(words, "please", "help", "tell", "give", "show", "remind", "explain", "write"):
		return IntentRequest
	case len(words) <= 4 && (hasAny(words, "hi", "hello", "hey", "morning", "evening", "yo") || historyLen == 0 && strings.HasSuffix(lower, "!")):
		return IntentGreeting
	case hasPrefixWord(words, "i", "i'm", "im", "my", "today", "we"):
		return IntentSharing
	default:
		return IntentChat
	}
}

func tone(intent Intent, profile memory.Profile) string {
	switch intent {
	case IntentVenting:
		return "gentle, supportive"
	case IntentQuestion, IntentRequest:
		if strings.EqualFold(profile.CommunicationStyle, "direct") {
			return "clear, direct"
		}
		return "friendly, clear"
	}
	switch profile.RelationshipLevel {
	case memory.RelationshipClose, memory.RelationshipIntimate:
		return "affectionate, playful"
	case memory.RelationshipFriend:
		return "warm, playful"
	default:
		return "warm, curious"
	}
}

func brevityHint(b Brevity) string {
	switch b {
	case BrevityShort:
		return "one or two sentences"
	case BrevityLong:
		return "up to two short paragraphs"
	default:
		return "two to four sentences"
	}
}

func beatHint(b Beat) string {
	switch b {
	case BeatHook:
		return "open by reacting to what they said"
	case BeatAnswer:
		return "answer what they asked"
	case BeatCallback:
		return "reference something you remember about them if it fits naturally"
	case BeatFollowup:
		return "end with one natural follow-up"
	default:
		return string(b)
	}
}

var stopwords = map[string]struct{}{
	"this": {}, "that": {}, "with": {}, "have": {}, "from": {}, "your": {}, "about": {},
	"what": {}, "when": {}, "where": {}, "which": {}, "would": {}, "could": {}, "should": {},
	"there": {}, "their": {}, "they": {}, "them": {}, "were": {}, "been": {}, "just": {},
	"really": {}, "like": {}, "want": {}, "know": {}, "think": {}, "today": {}, "some": {},
	"very": {}, "much": {}, "then": {}, "than": {}, "into": {}, "does": {}, "will": {},
}

func keywords(words []string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, w := range words {
		w = strings.Trim(w, "'")
		if len([]rune(w)) < 4 {
			continue
		}
		if _, stop := stopwords[w]; stop {
			continue
		}
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
		if len(out) == maxKeywordHints {
			break
		}
	}
	return out
}

func splitWords(lower string) []string {
	return strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

func hasAny(words []string, targets ...string) bool {
	for _, w := range words {
		for _, t := range targets {
			if w == t {
				return true
			}
		}
	}
	return false
}

func hasPrefixWord(words []string, targets ...string) bool {
	if len(words) == 0 {
		return false
	}
	for _, t := range targets {
		if words[0] == t {
			return true
		}
	}
	return false
}
