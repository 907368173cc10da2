package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	Queries          *prometheus.CounterVec
	StageLatency     *prometheus.HistogramVec
	StageErrors      *prometheus.CounterVec
	FallbackOutcomes *prometheus.CounterVec
	PersistErrors    prometheus.Counter
	ActiveStreams    prometheus.Gauge
	WSMessages       *prometheus.CounterVec

	stages *stageWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		Queries: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_total",
			Help:      "Resolved queries by pipeline path and final confidence.",
		}, []string{"path", "confidence"}),
		StageLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_latency_ms",
			Help:      "Pipeline stage latency in milliseconds.",
			Buckets:   []float64{5, 25, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		}, []string{"stage"}),
		StageErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_errors_total",
			Help:      "Pipeline stage failures by stage and error class.",
		}, []string{"stage", "class"}),
		FallbackOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallback_outcomes_total",
			Help:      "Fallback stage results by source.",
		}, []string{"source"}),
		PersistErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_errors_total",
			Help:      "Failed interaction writes.",
		}),
		ActiveStreams: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_streams",
			Help:      "Number of open query WebSocket connections.",
		}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		stages: newStageWindow(256),
	}
}

// ObserveStage records a stage duration in the histogram and the rolling window.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	ms := float64(d.Microseconds()) / 1000
	m.StageLatency.WithLabelValues(stage).Observe(ms)
	m.stages.Observe(stage, ms)
}

func (m *Metrics) ObserveIndicator(name string) {
	if m == nil {
		return
	}
	m.stages.ObserveIndicator(name)
}

func (m *Metrics) ObserveQuery(path, confidence string) {
	if m == nil {
		return
	}
	m.Queries.WithLabelValues(path, confidence).Inc()
	m.stages.ObserveIndicator("path_" + path)
}

func (m *Metrics) ObserveStageError(stage, class string) {
	if m == nil {
		return
	}
	m.StageErrors.WithLabelValues(stage, class).Inc()
	m.stages.ObserveError(stage)
}

func (m *Metrics) ObserveFallback(source string) {
	if m == nil {
		return
	}
	m.FallbackOutcomes.WithLabelValues(source).Inc()
}

func (m *Metrics) ObservePersistError() {
	if m == nil {
		return
	}
	m.PersistErrors.Inc()
}

func (m *Metrics) SnapshotStages() StageSnapshot {
	if m == nil {
		return StageSnapshot{Stages: []StageStats{}}
	}
	return m.stages.Snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
