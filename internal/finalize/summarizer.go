package finalize

import (
	"context"
	"fmt"
	"strings"

	"github.com/ent0n29/companion/internal/generation"
	"github.com/ent0n29/companion/internal/memory"
	"github.com/ent0n29/companion/internal/prompt"
)

const (
	DefaultSummaryWindow = 40

	maxSummaryRunes = 1200
)

// Summarizer condenses recent history, together with the previous summary,
// into a new conversation summary.
type Summarizer interface {
	Summarize(ctx context.Context, previous string, window []memory.Message) (string, error)
}

// ModelSummarizer asks a generation backend for the summary and falls back
// to Fallback when the backend fails.
type ModelSummarizer struct {
	Backend  generation.Backend
	Sampling generation.Sampling
	Fallback Summarizer
}

func (s ModelSummarizer) Summarize(ctx context.Context, previous string, window []memory.Message) (string, error) {
	var transcript strings.Builder
	for _, m := range window {
		fmt.Fprintf(&transcript, "%s: %s\n", m.Role, m.Content)
	}
	user := transcript.String()
	if strings.TrimSpace(previous) != "" {
		user = "Previous summary:\n" + previous + "\n\nRecent messages:\n" + user
	}

	sampling := s.Sampling
	sampling.Temperature = 0.2
	if sampling.MaxTokens <= 0 || sampling.MaxTokens > 300 {
		sampling.MaxTokens = 300
	}
	text, err := s.Backend.Complete(ctx, generation.Request{
		Messages: []prompt.Message{
			{Role: memory.RoleSystem, Content: "Summarize this conversation between a user and their companion in a short third-person paragraph. " +
				"Keep names, feelings, plans and anything the companion should remember. Do not invent details."},
			{Role: memory.RoleUser, Content: user},
		},
		Sampling: sampling,
	})
	if err == nil && strings.TrimSpace(text) != "" {
		return clip(strings.TrimSpace(text), maxSummaryRunes), nil
	}
	if s.Fallback == nil {
		if err == nil {
			err = generation.ErrEmptyCompletion
		}
		return "", fmt.Errorf("model summary: %w", err)
	}
	return s.Fallback.Summarize(ctx, previous, window)
}

// ExtractiveSummarizer builds a summary from the first sentence of each user
// message in the window. It never fails.
type ExtractiveSummarizer struct{}

func (ExtractiveSummarizer) Summarize(_ context.Context, previous string, window []memory.Message) (string, error) {
	var points []string
	for _, m := range window {
		if m.Role != memory.RoleUser {
			continue
		}
		first := firstSentence(m.Content)
		if first != "" {
			points = append(points, first)
		}
	}
	if len(points) == 0 {
		return strings.TrimSpace(previous), nil
	}
	summary := "The user talked about: " + strings.Join(points, " ")
	if p := strings.TrimSpace(previous); p != "" {
		summary = p + " " + summary
	}
	return clipTail(summary, maxSummaryRunes), nil
}

func firstSentence(text string) string {
	text = strings.TrimSpace(text)
	if idx := strings.IndexAny(text, ".!?"); idx >= 0 {
		return strings.TrimSpace(text[:idx+1])
	}
	return text
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// clipTail keeps the newest end of s.
func clipTail(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[len(r)-n:])
}
