package generation

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/ent0n29/companion/internal/memory"
)

// OpenAI streams chat completions from the OpenAI API or any compatible
// server reachable through baseURL.
type OpenAI struct {
	client *openai.Client
	model  string
}

var _ Backend = (*OpenAI)(nil)

func NewOpenAI(apiKey, baseURL, defaultModel string) *OpenAI {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if strings.TrimSpace(baseURL) != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := openai.NewClient(opts...)
	if defaultModel == "" {
		defaultModel = "gpt-4o-mini"
	}
	return &OpenAI{client: &client, model: defaultModel}
}

func (o *OpenAI) Name() string { return "openai" }

func (o *OpenAI) Stream(ctx context.Context, req Request) (*Stream, error) {
	params := o.params(req)
	return NewStream(ctx, func(ctx context.Context, emit func(string) bool) error {
		stream := o.client.Chat.Completions.NewStreaming(ctx, params)
		defer stream.Close()
		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			if !emit(chunk.Choices[0].Delta.Content) {
				return ctx.Err()
			}
		}
		if err := stream.Err(); err != nil {
			return fmt.Errorf("openai stream: %w", err)
		}
		return nil
	}), nil
}

func (o *OpenAI) Complete(ctx context.Context, req Request) (string, error) {
	resp, err := o.client.Chat.Completions.New(ctx, o.params(req))
	if err != nil {
		return "", fmt.Errorf("openai completion: %w", err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", ErrEmptyCompletion
	}
	return resp.Choices[0].Message.Content, nil
}

func (o *OpenAI) params(req Request) openai.ChatCompletionNewParams {
	model := req.Model
	if model == "" {
		model = o.model
	}
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case memory.RoleSystem:
			msgs = append(msgs, openai.SystemMessage(m.Content))
		case memory.RoleDeveloper:
			msgs = append(msgs, openai.DeveloperMessage(m.Content))
		case memory.RoleAssistant:
			msgs = append(msgs, openai.AssistantMessage(m.Content))
		default:
			msgs = append(msgs, openai.UserMessage(m.Content))
		}
	}

	s := req.Sampling
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: msgs,
	}
	if s.Temperature > 0 {
		params.Temperature = openai.Float(s.Temperature)
	}
	if s.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(s.MaxTokens))
	}
	if s.TopP > 0 {
		params.TopP = openai.Float(s.TopP)
	}
	if s.PresencePenalty != 0 {
		params.PresencePenalty = openai.Float(s.PresencePenalty)
	}
	if s.FrequencyPenalty != 0 {
		params.FrequencyPenalty = openai.Float(s.FrequencyPenalty)
	}
	return params
}
