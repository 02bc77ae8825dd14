package generation

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/ent0n29/companion/internal/memory"
	"github.com/ent0n29/companion/internal/prompt"
)

// Anthropic streams replies from the Anthropic Messages API. System and
// developer messages are folded into the system prompt.
type Anthropic struct {
	client *anthropic.Client
	model  string
}

var _ Backend = (*Anthropic)(nil)

func NewAnthropic(apiKey, defaultModel string) *Anthropic {
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	if defaultModel == "" {
		defaultModel = "claude-3-5-haiku-latest"
	}
	return &Anthropic{client: &client, model: defaultModel}
}

func (a *Anthropic) Name() string { return "anthropic" }

func (a *Anthropic) Stream(ctx context.Context, req Request) (*Stream, error) {
	params, err := a.params(req)
	if err != nil {
		return nil, err
	}
	return NewStream(ctx, func(ctx context.Context, emit func(string) bool) error {
		stream := a.client.Messages.NewStreaming(ctx, params)
		defer stream.Close()
		for stream.Next() {
			event := stream.Current()
			switch ev := event.AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				switch delta := ev.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					if !emit(delta.Text) {
						return ctx.Err()
					}
				}
			}
		}
		if err := stream.Err(); err != nil {
			return fmt.Errorf("anthropic stream: %w", err)
		}
		return nil
	}), nil
}

func (a *Anthropic) Complete(ctx context.Context, req Request) (string, error) {
	params, err := a.params(req)
	if err != nil {
		return "", err
	}
	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic completion: %w", err)
	}
	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	if strings.TrimSpace(b.String()) == "" {
		return "", ErrEmptyCompletion
	}
	return b.String(), nil
}

func (a *Anthropic) params(req Request) (anthropic.MessageNewParams, error) {
	model := req.Model
	if model == "" {
		model = a.model
	}
	system, turns := splitSystem(req.Messages)
	msgs := anthropicMessages(turns)
	if len(msgs) == 0 {
		return anthropic.MessageNewParams{}, fmt.Errorf("anthropic request needs at least one user message")
	}

	maxTokens := req.Sampling.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultSampling().MaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}
	if len(system) > 0 {
		params.System = []anthropic.TextBlockParam{{Text: strings.Join(system, "\n\n")}}
	}
	if t := req.Sampling.Temperature; t > 0 {
		params.Temperature = anthropic.Float(min(t, 1))
	}
	if p := req.Sampling.TopP; p > 0 && p < 1 {
		params.TopP = anthropic.Float(p)
	}
	return params, nil
}

// anthropicMessages enforces the alternation the Messages API expects: the
// first turn is the user's and consecutive turns of one role are merged.
func anthropicMessages(turns []prompt.Message) []anthropic.MessageParam {
	type merged struct {
		role memory.Role
		text []string
	}
	var runs []merged
	for _, m := range turns {
		role := m.Role
		if role != memory.RoleAssistant {
			role = memory.RoleUser
		}
		if len(runs) == 0 && role == memory.RoleAssistant {
			continue
		}
		if n := len(runs); n > 0 && runs[n-1].role == role {
			runs[n-1].text = append(runs[n-1].text, m.Content)
			continue
		}
		runs = append(runs, merged{role: role, text: []string{m.Content}})
	}

	out := make([]anthropic.MessageParam, 0, len(runs))
	for _, r := range runs {
		block := anthropic.NewTextBlock(strings.Join(r.text, "\n\n"))
		if r.role == memory.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(block))
		} else {
			out = append(out, anthropic.NewUserMessage(block))
		}
	}
	return out
}
