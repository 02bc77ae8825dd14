package voice

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// ErrEmptyAudio is returned when a transcription request carries no audio.
var ErrEmptyAudio = errors.New("voice: empty audio")

// Whisper transcribes clips through the OpenAI audio transcription API.
type Whisper struct {
	client openai.Client
	model  string
}

func NewWhisper(apiKey, baseURL, model string) *Whisper {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if model == "" {
		model = "whisper-1"
	}
	return &Whisper{client: openai.NewClient(opts...), model: model}
}

func (w *Whisper) Transcribe(ctx context.Context, clip []byte, language string) (Transcript, error) {
	if len(clip) == 0 {
		return Transcript{}, ErrEmptyAudio
	}
	name, contentType := clipFilename(clip)
	params := openai.AudioTranscriptionNewParams{
		File:  openai.File(bytes.NewReader(clip), name, contentType),
		Model: openai.AudioModel(w.model),
	}
	if lang := strings.TrimSpace(language); lang != "" {
		params.Language = openai.String(lang)
	}
	resp, err := w.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return Transcript{}, fmt.Errorf("transcribe: %w", err)
	}
	text := strings.TrimSpace(resp.Text)
	// The json response format carries no confidence score.
	confidence := 0.0
	if text != "" {
		confidence = 1.0
	}
	return Transcript{Text: text, Confidence: confidence}, nil
}

// clipFilename picks an upload name whose extension matches the sniffed
// container, since the API infers the codec from it.
func clipFilename(clip []byte) (string, string) {
	ct := http.DetectContentType(clip)
	switch {
	case strings.HasPrefix(ct, "audio/wave"), strings.HasPrefix(ct, "audio/wav"):
		return "clip.wav", "audio/wav"
	case strings.HasPrefix(ct, "audio/mpeg"):
		return "clip.mp3", "audio/mpeg"
	case strings.HasPrefix(ct, "video/webm"), strings.HasPrefix(ct, "audio/webm"):
		return "clip.webm", "audio/webm"
	case strings.HasPrefix(ct, "application/ogg"), strings.HasPrefix(ct, "audio/ogg"):
		return "clip.ogg", "audio/ogg"
	default:
		return "clip.wav", "audio/wav"
	}
}
