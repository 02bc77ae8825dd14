// Package httpapi exposes the turn pipeline and its supporting resources
// over HTTP, Server-Sent Events and websockets.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/companion/internal/config"
	"github.com/ent0n29/companion/internal/logging"
	"github.com/ent0n29/companion/internal/memory"
	"github.com/ent0n29/companion/internal/observability"
	"github.com/ent0n29/companion/internal/protocol"
	"github.com/ent0n29/companion/internal/session"
	"github.com/ent0n29/companion/internal/voice"
)

// TurnRunner starts a turn and streams its events.
type TurnRunner interface {
	Run(ctx context.Context, req protocol.TurnRequest) <-chan protocol.Event
}

// MemoryWriter stores explicit memories so they become recallable.
type MemoryWriter interface {
	Remember(ctx context.Context, mem memory.Memory) (memory.Memory, error)
	BreakerState() string
}

// Deps are the collaborators served by the API. Synthesizer and Transcriber
// may be nil when voice is disabled.
type Deps struct {
	Config      config.Config
	Store       memory.Store
	Turns       TurnRunner
	Memories    MemoryWriter
	Sessions    *session.Manager
	Synthesizer voice.Synthesizer
	Transcriber voice.Transcriber
	Metrics     *observability.Metrics
}

type Server struct {
	Deps
	upgrader websocket.Upgrader
}

func New(deps Deps) *Server {
	allowAny := deps.Config.AllowAnyOrigin
	return &Server{
		Deps: deps,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if allowAny {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	if s.Metrics != nil {
		r.Handle("/metrics", s.Metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/turns", s.handleTurnSSE)
		r.Get("/turns/ws", s.handleTurnWS)

		r.Get("/conversations/{id}", s.handleGetConversation)

		r.Route("/users/{id}", func(r chi.Router) {
			r.Get("/profile", s.handleGetProfile)
			r.Put("/profile", s.handlePutProfile)
			r.Get("/memories", s.handleListMemories)
			r.Post("/memories", s.handleCreateMemory)
		})

		r.Post("/transcriptions", s.handleTranscribe)
		r.Post("/voice/preview", s.handlePreviewVoice)
		r.Get("/perf/stages", s.handlePerfStages)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"store_driver":   s.Config.StoreDriver,
		"voice_enabled":  s.Synthesizer != nil,
		"model_route":    s.Config.ModelRoute,
		"fallback_route": s.Config.FallbackModelRoute,
	})
}

type readinessCheck struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := []readinessCheck{{Name: "turns", OK: s.Turns != nil}}

	store := readinessCheck{Name: "store", OK: true}
	if s.Store == nil {
		store.OK = false
	} else if _, err := s.Store.GetUser(ctx, "readiness-probe"); err != nil && !errors.Is(err, memory.ErrNotFound) {
		store.OK = false
		store.Detail = err.Error()
	}
	checks = append(checks, store)

	if s.Memories != nil {
		state := s.Memories.BreakerState()
		// An open breaker degrades recall but does not make the service unready.
		checks = append(checks, readinessCheck{Name: "recall_breaker", OK: true, Detail: state})
	}

	status, code := "ready", http.StatusOK
	for _, c := range checks {
		if !c.OK {
			status, code = "not_ready", http.StatusServiceUnavailable
			break
		}
	}
	respondJSON(w, code, map[string]any{"status": status, "checks": checks})
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	convo, err := s.Store.GetConversation(r.Context(), id)
	if errors.Is(err, memory.ErrNotFound) {
		respondError(w, http.StatusNotFound, "conversation_not_found", "conversation not found")
		return
	}
	if err != nil {
		logging.FromCtx(r.Context()).Error().Err(err).Str("convo_id", id).Msg("get conversation failed")
		respondError(w, http.StatusInternalServerError, "internal_error", "conversation lookup failed")
		return
	}
	count, err := s.Store.CountMessages(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal_error", "message count failed")
		return
	}

	resp := map[string]any{"conversation": convo, "message_count": count}
	if s.Sessions != nil {
		if st, err := s.Sessions.Get(id); err == nil {
			resp["gate"] = st
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

const maxBodyBytes = 16 << 20

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
