package httpapi

import (
	"net/http"
	"time"

	"github.com/ent0n29/companion/internal/observability"
)

func (s *Server) handlePerfStages(w http.ResponseWriter, _ *http.Request) {
	if s.Metrics == nil {
		respondJSON(w, http.StatusOK, observability.TurnStageSnapshot{
			GeneratedAt: time.Now().UTC(),
			Stages:      []observability.TurnStageStats{},
		})
		return
	}
	respondJSON(w, http.StatusOK, s.Metrics.SnapshotTurnStages())
}
