package generation

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/companion/internal/prompt"
	"github.com/ent0n29/companion/internal/reliability"
)

var httpRetry = reliability.Backoff{
	Attempts: 3,
	Base:     200 * time.Millisecond,
	Cap:      2 * time.Second,
}

// HTTP talks to a generic completion endpoint. The endpoint receives
// {model, messages, stream, ...sampling} and may answer with SSE, NDJSON or a
// single JSON object. Retryable statuses are retried before any body is read.
type HTTP struct {
	url    string
	client *http.Client
}

var _ Backend = (*HTTP)(nil)

func NewHTTP(url string) *HTTP {
	return &HTTP{
		url: strings.TrimSpace(url),
		// No overall timeout: streams are bounded by the turn context.
		client: &http.Client{},
	}
}

func (h *HTTP) Name() string { return "http" }

type httpRequest struct {
	Model            string           `json:"model,omitempty"`
	Messages         []prompt.Message `json:"messages"`
	Stream           bool             `json:"stream"`
	Temperature      float64          `json:"temperature,omitempty"`
	MaxTokens        int              `json:"max_tokens,omitempty"`
	TopP             float64          `json:"top_p,omitempty"`
	PresencePenalty  float64          `json:"presence_penalty,omitempty"`
	FrequencyPenalty float64          `json:"frequency_penalty,omitempty"`
}

func (h *HTTP) Stream(ctx context.Context, req Request) (*Stream, error) {
	return NewStream(ctx, func(ctx context.Context, emit func(string) bool) error {
		res, err := h.do(ctx, req, true)
		if err != nil {
			return err
		}
		defer res.Body.Close()

		ct := strings.ToLower(res.Header.Get("Content-Type"))
		if strings.Contains(ct, "text/event-stream") || strings.Contains(ct, "application/x-ndjson") {
			return consumeStreaming(ctx, res.Body, emit)
		}
		text, err := readSingle(res.Body)
		if err != nil {
			return err
		}
		emit(text)
		return nil
	}), nil
}

func (h *HTTP) Complete(ctx context.Context, req Request) (string, error) {
	res, err := h.do(ctx, req, false)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()

	ct := strings.ToLower(res.Header.Get("Content-Type"))
	if strings.Contains(ct, "text/event-stream") || strings.Contains(ct, "application/x-ndjson") {
		var b strings.Builder
		err := consumeStreaming(ctx, res.Body, func(f string) bool {
			b.WriteString(f)
			return true
		})
		return b.String(), err
	}
	text, err := readSingle(res.Body)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyCompletion
	}
	return text, nil
}

func (h *HTTP) do(ctx context.Context, req Request, stream bool) (*http.Response, error) {
	payload, err := json.Marshal(httpRequest{
		Model:            req.Model,
		Messages:         req.Messages,
		Stream:           stream,
		Temperature:      req.Sampling.Temperature,
		MaxTokens:        req.Sampling.MaxTokens,
		TopP:             req.Sampling.TopP,
		PresencePenalty:  req.Sampling.PresencePenalty,
		FrequencyPenalty: req.Sampling.FrequencyPenalty,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	var res *http.Response
	err = httpRetry.Do(ctx, func(int) (bool, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(payload))
		if err != nil {
			return false, fmt.Errorf("create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "text/event-stream, application/x-ndjson, application/json")

		r, err := h.client.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			return reliability.IsTransientNetError(err), fmt.Errorf("send request: %w", err)
		}
		if r.StatusCode >= 200 && r.StatusCode < 300 {
			res = r
			return false, nil
		}

		body, _ := io.ReadAll(io.LimitReader(r.Body, 4<<10))
		r.Body.Close()
		return reliability.IsRetryableHTTPStatus(r.StatusCode),
			fmt.Errorf("generation http status %d: %s", r.StatusCode, strings.TrimSpace(string(body)))
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func consumeStreaming(ctx context.Context, body io.Reader, emit func(string) bool) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") || strings.HasPrefix(line, "event:") {
			continue
		}
		if strings.HasPrefix(line, "data:") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
		if line == "[DONE]" {
			return nil
		}

		delta := line
		var obj map[string]any
		if err := json.Unmarshal([]byte(line), &obj); err == nil {
			if msg, ok := obj["error"].(string); ok && msg != "" {
				return fmt.Errorf("generation stream error: %s", msg)
			}
			delta = extractText(obj)
		}
		if !emit(delta) {
			return ctx.Err()
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stream read: %w", err)
	}
	return nil
}

func readSingle(body io.Reader) (string, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return strings.TrimSpace(string(raw)), nil
	}
	return extractText(obj), nil
}

// extractText understands flat {text|delta|output|message} payloads as well
// as OpenAI-style choices.
func extractText(obj map[string]any) string {
	for _, k := range []string{"text", "delta", "output", "message", "content"} {
		if s, ok := obj[k].(string); ok {
			return s
		}
	}
	choices, ok := obj["choices"].([]any)
	if !ok || len(choices) == 0 {
		return ""
	}
	choice, ok := choices[0].(map[string]any)
	if !ok {
		return ""
	}
	for _, k := range []string{"delta", "message"} {
		if inner, ok := choice[k].(map[string]any); ok {
			if s, ok := inner["content"].(string); ok {
				return s
			}
		}
	}
	if s, ok := choice["text"].(string); ok {
		return s
	}
	return ""
}
