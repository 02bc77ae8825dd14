package voice

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/companion/internal/audio"
	"github.com/ent0n29/companion/internal/reliability"
)

const maxChunkRunes = 220

// ElevenLabsConfig configures the streaming text-to-speech client.
type ElevenLabsConfig struct {
	APIKey         string
	WSBaseURL      string
	DefaultVoiceID string
	ModelID        string
	// OutputFormat is an ElevenLabs format id. pcm_<rate> output is wrapped
	// in a WAV container before it is returned.
	OutputFormat string
	Settings     VoiceSettings
}

// VoiceSettings are the tuning knobs sent when the stream opens.
type VoiceSettings struct {
	Stability       float64
	SimilarityBoost float64
	Speed           float64
}

func (s VoiceSettings) withDefaults() VoiceSettings {
	if s.Stability <= 0 {
		s.Stability = 0.42
	}
	if s.SimilarityBoost <= 0 {
		s.SimilarityBoost = 0.85
	}
	if s.Speed <= 0 {
		s.Speed = 1.0
	}
	s.Stability = clamp(s.Stability, 0, 1)
	s.SimilarityBoost = clamp(s.SimilarityBoost, 0, 1)
	s.Speed = clamp(s.Speed, 0.7, 1.2)
	return s
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ElevenLabs synthesizes speech over the stream-input websocket and collects
// the streamed audio into one clip.
type ElevenLabs struct {
	cfg    ElevenLabsConfig
	dialer *websocket.Dialer
}

func NewElevenLabs(cfg ElevenLabsConfig) *ElevenLabs {
	if strings.TrimSpace(cfg.WSBaseURL) == "" {
		cfg.WSBaseURL = "wss://api.elevenlabs.io"
	}
	if strings.TrimSpace(cfg.ModelID) == "" {
		cfg.ModelID = "eleven_multilingual_v2"
	}
	if strings.TrimSpace(cfg.OutputFormat) == "" {
		cfg.OutputFormat = "pcm_16000"
	}
	cfg.Settings = cfg.Settings.withDefaults()
	return &ElevenLabs{cfg: cfg, dialer: websocket.DefaultDialer}
}

func (p *ElevenLabs) Name() string { return "elevenlabs" }

func (p *ElevenLabs) Synthesize(ctx context.Context, text, voiceID string) (Audio, error) {
	spoken := SpeakableText(text)
	if spoken == "" {
		return Audio{}, ErrNothingToSpeak
	}
	voiceID = strings.TrimSpace(voiceID)
	if voiceID == "" {
		voiceID = p.cfg.DefaultVoiceID
	}
	if voiceID == "" {
		return Audio{}, errors.New("elevenlabs: voice_id is required")
	}

	u, err := url.Parse(strings.TrimRight(p.cfg.WSBaseURL, "/") + "/v1/text-to-speech/" + url.PathEscape(voiceID) + "/stream-input")
	if err != nil {
		return Audio{}, err
	}
	q := u.Query()
	q.Set("model_id", p.cfg.ModelID)
	q.Set("output_format", p.cfg.OutputFormat)
	q.Set("auto_mode", "true")
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("xi-api-key", p.cfg.APIKey)

	conn, resp, err := p.dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		if resp != nil {
			return Audio{}, &ProviderError{
				Provider:  p.Name(),
				Code:      strconv.Itoa(resp.StatusCode),
				Detail:    err.Error(),
				Retryable: reliability.IsRetryableHTTPStatus(resp.StatusCode),
			}
		}
		return Audio{}, fmt.Errorf("dial tts websocket: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	if err := p.sendText(conn, spoken); err != nil {
		return Audio{}, fmt.Errorf("send tts text: %w", err)
	}

	raw, err := p.collect(conn)
	if err != nil {
		if ctx.Err() != nil {
			return Audio{}, ctx.Err()
		}
		return Audio{}, err
	}
	if len(raw) == 0 {
		return Audio{}, &ProviderError{Provider: p.Name(), Code: "empty_audio", Detail: "stream ended without audio", Retryable: true}
	}
	return p.wrap(raw, spoken)
}

func (p *ElevenLabs) sendText(conn *websocket.Conn, spoken string) error {
	// The first message must carry a single space and the voice settings.
	if err := conn.WriteJSON(map[string]any{
		"text": " ",
		"voice_settings": map[string]any{
			"stability":        p.cfg.Settings.Stability,
			"similarity_boost": p.cfg.Settings.SimilarityBoost,
			"speed":            p.cfg.Settings.Speed,
		},
	}); err != nil {
		return err
	}
	for _, chunk := range sentenceChunks(spoken, maxChunkRunes) {
		if err := conn.WriteJSON(map[string]any{
			"text":                   chunk + " ",
			"try_trigger_generation": true,
		}); err != nil {
			return err
		}
	}
	return conn.WriteJSON(map[string]any{"text": ""})
}

func (p *ElevenLabs) collect(conn *websocket.Conn) ([]byte, error) {
	var out []byte
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) && len(out) > 0 {
				return out, nil
			}
			return nil, fmt.Errorf("read tts websocket: %w", err)
		}
		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			continue
		}
		if errMsg := asString(raw["error"]); errMsg != "" {
			code := asString(raw["message_type"])
			return nil, &ProviderError{
				Provider:  p.Name(),
				Code:      code,
				Detail:    errMsg,
				Retryable: reliability.IsRetryableRealtimeMessageType(code),
			}
		}
		if chunk := asString(raw["audio"]); chunk != "" {
			decoded, err := base64.StdEncoding.DecodeString(chunk)
			if err != nil {
				return nil, fmt.Errorf("decode tts audio: %w", err)
			}
			out = append(out, decoded...)
		}
		if asBool(raw["isFinal"]) || asBool(raw["is_final"]) {
			return out, nil
		}
	}
}

func (p *ElevenLabs) wrap(raw []byte, spoken string) (Audio, error) {
	format := p.cfg.OutputFormat
	if rate, ok := pcmSampleRate(format); ok {
		wav, err := audio.EncodeWAVPCM16LE(raw, rate)
		if err != nil {
			return Audio{}, fmt.Errorf("wrap pcm: %w", err)
		}
		return Audio{Data: wav, Format: "wav", Duration: audio.PCM16Duration(raw, rate)}, nil
	}
	codec, _, _ := strings.Cut(format, "_")
	return Audio{Data: raw, Format: codec, Duration: EstimateSpeechDuration(spoken)}, nil
}

func pcmSampleRate(format string) (int, bool) {
	rest, ok := strings.CutPrefix(format, "pcm_")
	if !ok {
		return 0, false
	}
	rate, err := strconv.Atoi(rest)
	if err != nil || rate <= 0 {
		return 0, false
	}
	return rate, true
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}

func asBool(v any) bool {
	if b, ok := v.(bool); ok {
		return b
	}
	return false
}
