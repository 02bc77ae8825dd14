package voice

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/ent0n29/companion/internal/audio"
)

const mockSampleRate = 16000

// Mock is a local synthesizer used when no speech provider is configured.
// It renders silence sized to the estimated speaking time of the text.
type Mock struct {
	Err   error
	calls atomic.Int64
}

func NewMock() *Mock { return &Mock{} }

func (m *Mock) Name() string { return "mock" }

func (m *Mock) Calls() int64 { return m.calls.Load() }

func (m *Mock) Synthesize(ctx context.Context, text, _ string) (Audio, error) {
	m.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return Audio{}, err
	}
	if m.Err != nil {
		return Audio{}, m.Err
	}
	spoken := SpeakableText(text)
	if spoken == "" {
		return Audio{}, ErrNothingToSpeak
	}
	d := EstimateSpeechDuration(spoken)
	samples := int(d.Seconds() * mockSampleRate)
	pcm := make([]byte, samples*2)
	wav, err := audio.EncodeWAVPCM16LE(pcm, mockSampleRate)
	if err != nil {
		return Audio{}, err
	}
	return Audio{Data: wav, Format: "wav", Duration: audio.PCM16Duration(pcm, mockSampleRate)}, nil
}

// MockTranscriber returns a fixed transcript for any non-empty clip.
type MockTranscriber struct {
	Text string
}

func (m MockTranscriber) Transcribe(ctx context.Context, clip []byte, _ string) (Transcript, error) {
	if err := ctx.Err(); err != nil {
		return Transcript{}, err
	}
	if len(clip) == 0 {
		return Transcript{}, ErrEmptyAudio
	}
	text := strings.TrimSpace(m.Text)
	if text == "" {
		text = "simulated voice input"
	}
	return Transcript{Text: text, Confidence: 0.7}, nil
}
