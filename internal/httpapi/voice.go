package httpapi

import (
	"encoding/base64"
	"errors"
	"net/http"
	"strings"

	"github.com/ent0n29/companion/internal/logging"
	"github.com/ent0n29/companion/internal/voice"
)

type transcriptionRequest struct {
	AudioBase64 string `json:"audio_base64" validate:"required,base64"`
	Language    string `json:"language" validate:"omitempty,max=16"`
}

type transcriptionResponse struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

type previewRequest struct {
	Text    string `json:"text" validate:"max=500"`
	VoiceID string `json:"voice_id" validate:"omitempty,max=128"`
}

const defaultPreviewText = "Hi, it's good to hear from you. How has your day been?"

func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	if s.Transcriber == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "transcription is not configured")
		return
	}
	var req transcriptionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := validateStruct(req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	clip, err := base64.StdEncoding.DecodeString(req.AudioBase64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "audio_base64 must be base64")
		return
	}

	tr, err := s.Transcriber.Transcribe(r.Context(), clip, req.Language)
	if errors.Is(err, voice.ErrEmptyAudio) {
		respondError(w, http.StatusBadRequest, "empty_audio", err.Error())
		return
	}
	if err != nil {
		logging.FromCtx(r.Context()).Warn().Err(err).Msg("transcription failed")
		respondError(w, http.StatusBadGateway, "transcription_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, transcriptionResponse{Text: tr.Text, Confidence: tr.Confidence})
}

// handlePreviewVoice renders a short sample so clients can audition a voice.
func (s *Server) handlePreviewVoice(w http.ResponseWriter, r *http.Request) {
	if s.Synthesizer == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "voice is not configured")
		return
	}
	var req previewRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := validateStruct(req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		text = defaultPreviewText
	}

	clip, err := s.Synthesizer.Synthesize(r.Context(), text, req.VoiceID)
	if errors.Is(err, voice.ErrNothingToSpeak) {
		respondError(w, http.StatusBadRequest, "nothing_to_speak", err.Error())
		return
	}
	if err != nil {
		respondError(w, http.StatusBadGateway, "tts_preview_failed", err.Error())
		return
	}

	w.Header().Set("Content-Type", mimeForFormat(clip.Format))
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Audio-Format", clip.Format)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(clip.Data)
}

func mimeForFormat(format string) string {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "wav":
		return "audio/wav"
	case "mp3":
		return "audio/mpeg"
	case "opus", "ogg":
		return "audio/ogg"
	default:
		return "application/octet-stream"
	}
}
