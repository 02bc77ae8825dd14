package voice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
)

// Failover prefers the primary synthesizer and switches to the fallback when
// the primary fails. Once the fallback succeeds it stays active until it
// fails itself; then the primary is retried.
type Failover struct {
	primary         Synthesizer
	fallback        Synthesizer
	fallbackVoiceID string
	fallbackActive  atomic.Bool
}

func NewFailover(primary, fallback Synthesizer, fallbackVoiceID string) *Failover {
	return &Failover{
		primary:         primary,
		fallback:        fallback,
		fallbackVoiceID: strings.TrimSpace(fallbackVoiceID),
	}
}

func (f *Failover) Name() string {
	if f.fallbackActive.Load() {
		return f.fallback.Name()
	}
	return f.primary.Name()
}

func (f *Failover) Synthesize(ctx context.Context, text, voiceID string) (Audio, error) {
	if f.fallbackActive.Load() {
		out, fbErr := f.fallback.Synthesize(ctx, text, f.fallbackVoiceID)
		if fbErr == nil || stopFailover(ctx, fbErr) {
			return out, fbErr
		}
		out, prErr := f.primary.Synthesize(ctx, text, voiceID)
		if prErr == nil {
			f.fallbackActive.Store(false)
			return out, nil
		}
		return Audio{}, fmt.Errorf("tts fallback failed: %v; tts primary failed: %w", fbErr, prErr)
	}

	out, prErr := f.primary.Synthesize(ctx, text, voiceID)
	if prErr == nil || stopFailover(ctx, prErr) {
		return out, prErr
	}
	out, fbErr := f.fallback.Synthesize(ctx, text, f.fallbackVoiceID)
	if fbErr != nil {
		return Audio{}, fmt.Errorf("tts primary failed: %v; tts fallback failed: %w", prErr, fbErr)
	}
	f.fallbackActive.Store(true)
	return out, nil
}

// stopFailover reports errors that another provider cannot fix.
func stopFailover(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, ErrNothingToSpeak)
}
