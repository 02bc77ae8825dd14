package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/companion/internal/logging"
	"github.com/ent0n29/companion/internal/memory"
)

const (
	defaultMemoryLimit = 20
	maxMemoryLimit     = 100
)

type profileRequest struct {
	Name               string            `json:"name" validate:"max=128"`
	Preferences        map[string]string `json:"preferences" validate:"max=64,dive,keys,max=64,endkeys,max=256"`
	Interests          []string          `json:"interests" validate:"max=64,dive,max=64"`
	CommunicationStyle string            `json:"communication_style" validate:"max=64"`
	RelationshipLevel  string            `json:"relationship_level" validate:"omitempty,oneof=new acquaintance friend close intimate"`
}

type memoryRequest struct {
	Kind       string   `json:"kind" validate:"omitempty,oneof=fact moment preference memory"`
	Content    string   `json:"content" validate:"required,max=4000"`
	Importance float64  `json:"importance"`
	Tags       []string `json:"tags" validate:"max=32,dive,max=64"`
}

func userIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" || len(id) > 128 {
		respondError(w, http.StatusBadRequest, "invalid_user_id", "user id must be 1-128 characters")
		return "", false
	}
	return id, true
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}
	u, err := s.Store.GetUser(r.Context(), userID)
	if errors.Is(err, memory.ErrNotFound) {
		respondError(w, http.StatusNotFound, "user_not_found", "user not found")
		return
	}
	if err != nil {
		logging.FromCtx(r.Context()).Error().Err(err).Str("user_id", userID).Msg("get profile failed")
		respondError(w, http.StatusInternalServerError, "internal_error", "profile lookup failed")
		return
	}
	respondJSON(w, http.StatusOK, u)
}

func (s *Server) handlePutProfile(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}
	var req profileRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := validateStruct(req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	u, err := s.Store.UpsertProfile(r.Context(), userID, memory.Profile{
		Name:               strings.TrimSpace(req.Name),
		Preferences:        req.Preferences,
		Interests:          req.Interests,
		CommunicationStyle: strings.TrimSpace(req.CommunicationStyle),
		RelationshipLevel:  memory.RelationshipLevel(req.RelationshipLevel),
	})
	if err != nil {
		logging.FromCtx(r.Context()).Error().Err(err).Str("user_id", userID).Msg("upsert profile failed")
		respondError(w, http.StatusInternalServerError, "internal_error", "profile update failed")
		return
	}
	respondJSON(w, http.StatusOK, u)
}

func (s *Server) handleListMemories(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}
	limit := defaultMemoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = min(n, maxMemoryLimit)
	}

	mems, err := s.Store.RecentMemories(r.Context(), userID, limit)
	if err != nil {
		logging.FromCtx(r.Context()).Error().Err(err).Str("user_id", userID).Msg("list memories failed")
		respondError(w, http.StatusInternalServerError, "internal_error", "memory lookup failed")
		return
	}
	if mems == nil {
		mems = []memory.Memory{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"memories": mems})
}

func (s *Server) handleCreateMemory(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}
	var req memoryRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := validateStruct(req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	mem, err := s.Memories.Remember(r.Context(), memory.Memory{
		UserID:     userID,
		Kind:       memory.Kind(req.Kind),
		Content:    strings.TrimSpace(req.Content),
		Importance: req.Importance,
		Tags:       req.Tags,
	})
	if errors.Is(err, memory.ErrInvalidKind) {
		respondError(w, http.StatusBadRequest, "invalid_kind", err.Error())
		return
	}
	if err != nil {
		logging.FromCtx(r.Context()).Error().Err(err).Str("user_id", userID).Msg("create memory failed")
		respondError(w, http.StatusInternalServerError, "internal_error", "memory create failed")
		return
	}
	respondJSON(w, http.StatusCreated, mem)
}
