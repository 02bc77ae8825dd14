package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTurnStageWindowSnapshot(t *testing.T) {
	w := newTurnStageWindow(8)
	w.Observe(StageFirstToken, 500)
	w.Observe(StageFirstToken, 700)
	w.Observe(StageFirstToken, 900)
	w.ObserveIndicator("recall_degraded")
	w.ObserveIndicator("recall_degraded")

	snap := w.Snapshot()
	assert.Equal(t, 8, snap.WindowSize)
	require.Len(t, snap.Stages, 1)

	s := snap.Stages[0]
	assert.Equal(t, StageFirstToken, s.Stage)
	assert.Equal(t, 3, s.Samples)
	assert.Equal(t, 900.0, s.LastMS)
	assert.Equal(t, 700.0, s.P50MS)
	assert.Greater(t, s.P95MS, 700.0)
	assert.LessOrEqual(t, s.P95MS, 900.0)
	assert.Equal(t, 900.0, s.TargetP95MS)
	assert.Zero(t, s.OverTarget)

	require.Len(t, snap.Indicators, 1)
	assert.Equal(t, TurnIndicator{Name: "recall_degraded", Count: 2}, snap.Indicators[0])
}

func TestTurnStageWindowWrapsAround(t *testing.T) {
	w := newTurnStageWindow(2)
	w.Observe(StageAssemble, 10)
	w.Observe(StageAssemble, 20)
	w.Observe(StageAssemble, 30)

	snap := w.Snapshot()
	require.Len(t, snap.Stages, 1)
	assert.Equal(t, 2, snap.Stages[0].Samples)
	assert.Equal(t, 25.0, snap.Stages[0].AvgMS)
	assert.Equal(t, 30.0, snap.Stages[0].LastMS)
}

func TestTurnStageWindowCountsSamplesOverTarget(t *testing.T) {
	w := newTurnStageWindow(16)
	w.Observe(StageScreen, 100)
	w.Observe(StageScreen, 200)
	w.Observe(StageScreen, 300)
	w.Observe("custom", 5000)

	snap := w.Snapshot()
	require.Len(t, snap.Stages, 2)
	assert.Equal(t, "custom", snap.Stages[0].Stage)
	assert.Zero(t, snap.Stages[0].TargetP95MS)
	assert.Zero(t, snap.Stages[0].OverTarget)
	assert.Equal(t, StageScreen, snap.Stages[1].Stage)
	assert.Equal(t, 2, snap.Stages[1].OverTarget)
	assert.Empty(t, snap.Indicators)
}

func TestMetricsAreIsolatedPerInstance(t *testing.T) {
	a := NewMetrics("companion")
	b := NewMetrics("companion")

	a.ObserveStage(StageScreen, 12*time.Millisecond)
	a.Turns.WithLabelValues("complete").Inc()

	assert.Len(t, a.SnapshotTurnStages().Stages, 1)
	assert.Empty(t, b.SnapshotTurnStages().Stages)

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `companion_turns_total{outcome="complete"} 1`)
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.ObserveStage(StageScreen, time.Millisecond)
	m.ObserveIndicator("x")
}
