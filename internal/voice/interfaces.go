// Package voice turns finished assistant replies into audio and caller
// audio into text.
package voice

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNothingToSpeak is returned when the text has no speakable content left
// after markup and symbols are stripped.
var ErrNothingToSpeak = errors.New("voice: nothing to speak")

// Audio is a complete synthesized clip.
type Audio struct {
	Data     []byte
	Format   string
	Duration time.Duration
}

// Transcript is the text recognized from an uploaded clip.
type Transcript struct {
	Text       string
	Confidence float64
}

// Synthesizer renders text with the given voice.
type Synthesizer interface {
	Name() string
	Synthesize(ctx context.Context, text, voiceID string) (Audio, error)
}

// Transcriber recognizes speech in an encoded audio clip.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, language string) (Transcript, error)
}

// ProviderError is an error reported by the upstream speech service.
type ProviderError struct {
	Provider  string
	Code      string
	Detail    string
	Retryable bool
}

func (e *ProviderError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("%s: %s", e.Provider, e.Detail)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Code, e.Detail)
}
