// Package generation streams assistant replies from language model backends.
package generation

import (
	"context"
	"errors"

	"github.com/ent0n29/companion/internal/memory"
	"github.com/ent0n29/companion/internal/prompt"
)

var (
	ErrUnknownProvider      = errors.New("unknown generation provider")
	ErrFirstFragmentTimeout = errors.New("no fragment before first-fragment timeout")
	ErrEmptyCompletion      = errors.New("backend returned an empty completion")
)

type Sampling struct {
	Temperature      float64
	MaxTokens        int
	TopP             float64
	PresencePenalty  float64
	FrequencyPenalty float64
}

func DefaultSampling() Sampling {
	return Sampling{
		Temperature:      0.8,
		MaxTokens:        512,
		TopP:             1,
		PresencePenalty:  0.3,
		FrequencyPenalty: 0.2,
	}
}

type Request struct {
	// Model is the backend-specific model name. Routed backends fill it in
	// when empty.
	Model    string
	Messages []prompt.Message
	Sampling Sampling
}

// Backend produces assistant text for an ordered message list.
type Backend interface {
	// Name identifies the backend in logs and metrics.
	Name() string
	// Stream starts a streaming completion. Failures that happen after the
	// call returns are reported by Stream.Err.
	Stream(ctx context.Context, req Request) (*Stream, error)
	// Complete runs a single non-streaming completion.
	Complete(ctx context.Context, req Request) (string, error)
}

// Collect drains a stream into a single string.
func Collect(s *Stream) (string, error) {
	defer s.Close()
	var out []byte
	for s.Next() {
		out = append(out, s.Fragment()...)
	}
	return string(out), s.Err()
}

// splitSystem separates leading and interleaved system/developer content
// from the conversational turns, for providers that take the system prompt
// out of band.
func splitSystem(msgs []prompt.Message) (system []string, turns []prompt.Message) {
	for _, m := range msgs {
		switch m.Role {
		case memory.RoleSystem, memory.RoleDeveloper:
			system = append(system, m.Content)
		default:
			turns = append(turns, m)
		}
	}
	return system, turns
}
