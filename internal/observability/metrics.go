package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Turn stages observed by the pipeline.
const (
	StageScreen     = "screen"
	StageAssemble   = "assemble"
	StageFirstToken = "first_token"
	StageGenerate   = "generate"
	StageSynthesize = "synthesize"
	StageFinalize   = "finalize"
	StageTurnTotal  = "turn_total"
)

// Metrics groups all Prometheus instruments used by the service. Each
// instance owns its registry so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry
	stages   *turnStageWindow

	ActiveTurns           prometheus.Gauge
	Turns                 *prometheus.CounterVec
	StageLatency          *prometheus.HistogramVec
	BlockedUtterances     *prometheus.CounterVec
	ClassifierFailures    prometheus.Counter
	RecallResults         *prometheus.CounterVec
	GenerationErrors      *prometheus.CounterVec
	FallbackSwitches      prometheus.Counter
	FinalizerSoftFailures *prometheus.CounterVec
	SynthesisFailures     prometheus.Counter
	WSMessages            *prometheus.CounterVec
}

func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		stages:   newTurnStageWindow(256),
		ActiveTurns: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_turns",
			Help:      "Number of turns currently in flight.",
		}),
		Turns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Finished turns by outcome.",
		}, []string{"outcome"}),
		StageLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_stage_latency_ms",
			Help:      "Latency of each turn stage in milliseconds.",
			Buckets:   []float64{5, 20, 50, 100, 250, 500, 1000, 2000, 4000, 8000},
		}, []string{"stage"}),
		BlockedUtterances: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocked_utterances_total",
			Help:      "Utterances rejected by the safety guard, by reason.",
		}, []string{"reason"}),
		ClassifierFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classifier_failures_total",
			Help:      "Toxicity classifier calls that failed open.",
		}),
		RecallResults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recall_results_total",
			Help:      "Memory recall results by kind.",
		}, []string{"kind"}),
		GenerationErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_errors_total",
			Help:      "Generation failures by backend.",
		}, []string{"provider"}),
		FallbackSwitches: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_fallback_switches_total",
			Help:      "Turns served by the secondary generation backend.",
		}),
		FinalizerSoftFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "finalizer_soft_failures_total",
			Help:      "Swallowed finalizer failures by step.",
		}, []string{"step"}),
		SynthesisFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "synthesis_failures_total",
			Help:      "Voice synthesis attempts that produced no audio.",
		}),
		WSMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
	}
}

// ObserveStage records a stage duration in both the histogram and the
// in-process window served by the perf endpoint.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	ms := float64(d.Microseconds()) / 1000
	m.StageLatency.WithLabelValues(stage).Observe(ms)
	m.stages.Observe(stage, ms)
}

// ObserveIndicator counts a notable turn event in the perf window.
func (m *Metrics) ObserveIndicator(name string) {
	if m == nil {
		return
	}
	m.stages.ObserveIndicator(name)
}

func (m *Metrics) SnapshotTurnStages() TurnStageSnapshot {
	return m.stages.Snapshot()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
