package voice

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeElevenLabs(t *testing.T, handle func(conn *websocket.Conn, r *http.Request)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn, r)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestElevenLabsCollectsPCMIntoWAV(t *testing.T) {
	var (
		gotPath  string
		gotKey   string
		gotTexts []string
	)
	pcm := make([]byte, 3200)
	base := fakeElevenLabs(t, func(conn *websocket.Conn, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("xi-api-key")
		for {
			var msg map[string]any
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			text, _ := msg["text"].(string)
			gotTexts = append(gotTexts, text)
			if text == "" {
				break
			}
		}
		enc := base64.StdEncoding.EncodeToString(pcm[:1600])
		_ = conn.WriteJSON(map[string]any{"audio": enc})
		_ = conn.WriteJSON(map[string]any{"audio": enc, "isFinal": true})
	})

	p := NewElevenLabs(ElevenLabsConfig{APIKey: "k", WSBaseURL: base, DefaultVoiceID: "v1", OutputFormat: "pcm_16000"})
	out, err := p.Synthesize(context.Background(), "Hi *there* friend! How are you?", "")
	require.NoError(t, err)

	assert.Equal(t, "/v1/text-to-speech/v1/stream-input", gotPath)
	assert.Equal(t, "k", gotKey)
	require.GreaterOrEqual(t, len(gotTexts), 3)
	assert.Equal(t, " ", gotTexts[0])
	assert.Equal(t, "Hi there friend! How are you? ", gotTexts[1])
	assert.Equal(t, "", gotTexts[len(gotTexts)-1])

	assert.Equal(t, "wav", out.Format)
	assert.Len(t, out.Data, 44+len(pcm))
	assert.Equal(t, 100*time.Millisecond, out.Duration)
}

func TestElevenLabsReportsProviderError(t *testing.T) {
	base := fakeElevenLabs(t, func(conn *websocket.Conn, _ *http.Request) {
		for {
			var msg map[string]any
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if msg["text"] == "" {
				break
			}
		}
		_ = conn.WriteJSON(map[string]any{"message_type": "rate_limited", "error": "slow down"})
	})

	p := NewElevenLabs(ElevenLabsConfig{WSBaseURL: base, DefaultVoiceID: "v1"})
	_, err := p.Synthesize(context.Background(), "hello", "")
	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "rate_limited", perr.Code)
	assert.True(t, perr.Retryable)
}

func TestElevenLabsRejectsUnspeakableText(t *testing.T) {
	p := NewElevenLabs(ElevenLabsConfig{WSBaseURL: "ws://127.0.0.1:1", DefaultVoiceID: "v1"})
	_, err := p.Synthesize(context.Background(), "🎉🎉", "")
	assert.ErrorIs(t, err, ErrNothingToSpeak)
}

func TestElevenLabsHonorsContextDeadline(t *testing.T) {
	base := fakeElevenLabs(t, func(conn *websocket.Conn, _ *http.Request) {
		// never answers
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	p := NewElevenLabs(ElevenLabsConfig{WSBaseURL: base, DefaultVoiceID: "v1"})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := p.Synthesize(ctx, "hello", "")
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestMockSynthesizerProducesWAV(t *testing.T) {
	m := NewMock()
	out, err := m.Synthesize(context.Background(), "one two three four five", "")
	require.NoError(t, err)
	assert.Equal(t, "wav", out.Format)
	assert.Equal(t, "RIFF", string(out.Data[:4]))
	assert.InDelta(t, EstimateSpeechDuration("one two three four five").Seconds(), out.Duration.Seconds(), 0.01)
	assert.EqualValues(t, 1, m.Calls())
}

func TestMockTranscriber(t *testing.T) {
	tr, err := MockTranscriber{}.Transcribe(context.Background(), []byte{1, 2, 3}, "en")
	require.NoError(t, err)
	assert.Equal(t, "simulated voice input", tr.Text)

	_, err = MockTranscriber{}.Transcribe(context.Background(), nil, "")
	assert.ErrorIs(t, err, ErrEmptyAudio)
}

func TestFailoverSticksToFallbackUntilItFails(t *testing.T) {
	primary := &Mock{Err: errors.New("primary down")}
	fallback := NewMock()
	f := NewFailover(primary, fallback, "backup")

	_, err := f.Synthesize(context.Background(), "hello", "v1")
	require.NoError(t, err)
	assert.Equal(t, "mock", f.Name())
	assert.EqualValues(t, 1, primary.Calls())
	assert.EqualValues(t, 1, fallback.Calls())

	_, err = f.Synthesize(context.Background(), "hello again", "v1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, primary.Calls(), "primary is skipped while fallback is healthy")

	fallback.Err = errors.New("fallback down")
	primary.Err = nil
	_, err = f.Synthesize(context.Background(), "third", "v1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, primary.Calls())
	assert.False(t, f.fallbackActive.Load())
}

func TestFailoverDoesNotRetryUnspeakableText(t *testing.T) {
	primary := NewMock()
	fallback := NewMock()
	f := NewFailover(primary, fallback, "")

	_, err := f.Synthesize(context.Background(), "✨", "")
	assert.ErrorIs(t, err, ErrNothingToSpeak)
	assert.EqualValues(t, 0, fallback.Calls())
}

func TestClipFilename(t *testing.T) {
	wav := append([]byte("RIFF\x24\x00\x00\x00WAVEfmt "), make([]byte, 32)...)
	name, ct := clipFilename(wav)
	assert.Equal(t, "clip.wav", name)
	assert.Equal(t, "audio/wav", ct)

	name, _ = clipFilename([]byte("OggS\x00\x02rest-of-page"))
	assert.Equal(t, "clip.ogg", name)
}
