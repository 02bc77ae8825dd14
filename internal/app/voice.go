package app

import (
	"fmt"
	"strings"

	"github.com/ent0n29/companion/internal/config"
	"github.com/ent0n29/companion/internal/voice"
)

type voiceSetup struct {
	synthesizer      voice.Synthesizer
	transcriber      voice.Transcriber
	resolvedProvider string
	defaultVoiceID   string
	detail           string
}

func resolveVoice(cfg config.Config) (voiceSetup, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.VoiceProvider))
	if mode == "" {
		mode = "auto"
	}

	transcriber := resolveTranscriber(cfg)

	elevenLabs := func() (*voice.ElevenLabs, bool) {
		if strings.TrimSpace(cfg.ElevenLabsAPIKey) == "" {
			return nil, false
		}
		return voice.NewElevenLabs(voice.ElevenLabsConfig{
			APIKey:         cfg.ElevenLabsAPIKey,
			WSBaseURL:      cfg.ElevenLabsWSBaseURL,
			DefaultVoiceID: cfg.ElevenLabsVoiceID,
			ModelID:        cfg.ElevenLabsModelID,
			OutputFormat:   cfg.ElevenLabsFormat,
		}), true
	}

	switch mode {
	case "off":
		return voiceSetup{resolvedProvider: "off", detail: "voice disabled"}, nil
	case "elevenlabs":
		p, ok := elevenLabs()
		if !ok {
			return voiceSetup{}, fmt.Errorf("VOICE_PROVIDER=elevenlabs but ELEVENLABS_API_KEY is not set")
		}
		return voiceSetup{
			synthesizer:      p,
			transcriber:      transcriber,
			resolvedProvider: "elevenlabs",
			defaultVoiceID:   cfg.ElevenLabsVoiceID,
			detail:           "elevenlabs stream-input",
		}, nil
	case "mock":
		return voiceSetup{
			synthesizer:      voice.NewMock(),
			transcriber:      transcriber,
			resolvedProvider: "mock",
			detail:           "mock",
		}, nil
	case "auto":
		if p, ok := elevenLabs(); ok {
			return voiceSetup{
				synthesizer:      voice.NewFailover(p, voice.NewMock(), ""),
				transcriber:      transcriber,
				resolvedProvider: "elevenlabs",
				defaultVoiceID:   cfg.ElevenLabsVoiceID,
				detail:           "elevenlabs stream-input (automatic mock fallback)",
			}, nil
		}
		return voiceSetup{
			synthesizer:      voice.NewMock(),
			transcriber:      transcriber,
			resolvedProvider: "mock",
			detail:           "mock (no elevenlabs key)",
		}, nil
	default:
		return voiceSetup{}, fmt.Errorf("invalid VOICE_PROVIDER: %q (expected auto|elevenlabs|mock|off)", cfg.VoiceProvider)
	}
}

func resolveTranscriber(cfg config.Config) voice.Transcriber {
	if strings.TrimSpace(cfg.OpenAIAPIKey) != "" {
		return voice.NewWhisper(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.TranscriptionModel)
	}
	return voice.MockTranscriber{}
}
