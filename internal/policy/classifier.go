package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const (
	LabelToxic = "toxic"
	LabelOK    = "ok"

	// ToxicityThreshold is the fixed decision boundary: toxic when score > 0.5.
	ToxicityThreshold = 0.5
)

// Classification is the label and confidence returned by a toxicity classifier.
type Classification struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// IsToxic applies the fixed decision rule.
func (c Classification) IsToxic() bool {
	return strings.EqualFold(c.Label, LabelToxic) && c.Score > ToxicityThreshold
}

// Classifier scores a single utterance.
type Classifier interface {
	Classify(ctx context.Context, text string) (Classification, error)
}

// NopClassifier never flags anything.
type NopClassifier struct{}

func (NopClassifier) Classify(context.Context, string) (Classification, error) {
	return Classification{Label: LabelOK}, nil
}

// ModerationClassifier maps the OpenAI moderation scores onto a single toxic label.
type ModerationClassifier struct {
	client *openai.Client
	model  openai.ModerationModel
}

func NewModerationClassifier(apiKey, baseURL string) *ModerationClassifier {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := openai.NewClient(opts...)
	return &ModerationClassifier{
		client: &client,
		model:  openai.ModerationModelOmniModerationLatest,
	}
}

func (c *ModerationClassifier) Classify(ctx context.Context, text string) (Classification, error) {
	resp, err := c.client.Moderations.New(ctx, openai.ModerationNewParams{
		Input: openai.ModerationNewParamsInputUnion{OfString: openai.String(text)},
		Model: c.model,
	})
	if err != nil {
		return Classification{}, fmt.Errorf("moderation request: %w", err)
	}
	if len(resp.Results) == 0 {
		return Classification{}, fmt.Errorf("moderation response has no results")
	}

	s := resp.Results[0].CategoryScores
	score := maxScore(
		s.Harassment,
		s.HarassmentThreatening,
		s.Hate,
		s.HateThreatening,
		s.Violence,
		s.Sexual,
		s.SelfHarm,
	)
	if score > ToxicityThreshold {
		return Classification{Label: LabelToxic, Score: score}, nil
	}
	return Classification{Label: LabelOK, Score: score}, nil
}

// HTTPClassifier posts {"text": ...} to a JSON endpoint that answers {"label", "score"}.
type HTTPClassifier struct {
	url    string
	client *http.Client
}

func NewHTTPClassifier(url string, timeout time.Duration) *HTTPClassifier {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &HTTPClassifier{
		url:    strings.TrimSpace(url),
		client: &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClassifier) Classify(ctx context.Context, text string) (Classification, error) {
	payload, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return Classification{}, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return Classification{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.client.Do(req)
	if err != nil {
		return Classification{}, fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return Classification{}, fmt.Errorf("classifier http status %d: %s", res.StatusCode, string(body))
	}

	var out Classification
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return Classification{}, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}

func maxScore(vals ...float64) float64 {
	var m float64
	for _, v := range vals {
		if v > m {
			m = v
		}
	}
	return m
}
