package generation

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ent0n29/companion/internal/memory"
)

// Mock provides deterministic replies when no model backend is configured.
// By default it echoes the last user message word by word.
type Mock struct {
	// Reply overrides the echoed text.
	Reply string
	// Err, when set, is returned after FailAfter fragments.
	Err       error
	FailAfter int
	// Delay is slept before each fragment.
	Delay time.Duration

	calls atomic.Int64
}

var _ Backend = (*Mock)(nil)

func NewMock() *Mock { return &Mock{} }

func (m *Mock) Name() string { return "mock" }

// Calls returns how many Stream or Complete calls the mock has served.
func (m *Mock) Calls() int { return int(m.calls.Load()) }

func (m *Mock) Stream(ctx context.Context, req Request) (*Stream, error) {
	m.calls.Add(1)
	frags := splitWords(m.reply(req))
	return NewStream(ctx, func(ctx context.Context, emit func(string) bool) error {
		for i, f := range frags {
			if m.Err != nil && i >= m.FailAfter {
				return m.Err
			}
			if m.Delay > 0 {
				select {
				case <-time.After(m.Delay):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			if !emit(f) {
				return ctx.Err()
			}
		}
		return m.Err
	}), nil
}

func (m *Mock) Complete(ctx context.Context, req Request) (string, error) {
	m.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if m.Err != nil {
		return "", m.Err
	}
	return m.reply(req), nil
}

func (m *Mock) reply(req Request) string {
	if m.Reply != "" {
		return m.Reply
	}
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == memory.RoleUser {
			if text := strings.TrimSpace(req.Messages[i].Content); text != "" {
				return fmt.Sprintf("I hear you: %s", text)
			}
			break
		}
	}
	return "I am listening."
}

// splitWords cuts text into fragments that keep their trailing whitespace,
// so concatenating them reproduces the input.
func splitWords(text string) []string {
	var out []string
	start := 0
	for i := 1; i < len(text); i++ {
		if text[i-1] == ' ' && text[i] != ' ' {
			out = append(out, text[start:i])
			start = i
		}
	}
	if start < len(text) {
		out = append(out, text[start:])
	}
	return out
}
