// Package observability groups Prometheus metrics and OpenTelemetry
// tracing for the orchestrator: per-turn-stage latency histograms, a
// rolling percentile window for the status surface, and one trace span
// per turn with child spans per stage.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups every Prometheus instrument the orchestrator records.
type Metrics struct {
	ActiveSessions    prometheus.Gauge
	SessionEvents     *prometheus.CounterVec
	TurnEvents        *prometheus.CounterVec
	BargeIns          prometheus.Counter
	ContextRollovers  prometheus.Counter
	ProviderErrors    *prometheus.CounterVec
	BackpressureLevel prometheus.Gauge
	FirstAudioLatency prometheus.Histogram
	BargeInLatency    prometheus.Histogram
	TurnStageLatency  *prometheus.HistogramVec
	AnimationFPS      prometheus.Gauge
	turnStageWindow   *turnStageWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active conversational sessions.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type (created, closed, rejected, queued, idle_expired).",
		}, []string{"event"}),
		TurnEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turn_events_total",
			Help:      "Turn FSM events by type.",
		}, []string{"event"}),
		BargeIns: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "barge_ins_total",
			Help:      "Total user barge-ins across all sessions.",
		}),
		ContextRollovers: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "context_rollovers_total",
			Help:      "Total LLM context rollovers (summarization of the rolling window).",
		}),
		ProviderErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Provider errors by provider and stage.",
		}, []string{"provider", "stage"}),
		BackpressureLevel: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backpressure_level",
			Help:      "Current backpressure ladder rung (0=NORMAL .. 5=SESSION_REJECT).",
		}),
		FirstAudioLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_audio_latency_ms",
			Help:      "Latency from endpoint detection to first assistant audio packet, in milliseconds.",
			Buckets:   []float64{100, 150, 200, 250, 300, 400, 500, 700, 1000, 2000},
		}),
		BargeInLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "barge_in_latency_ms",
			Help:      "Latency from a barge-in event to full stage cancellation, in milliseconds.",
			Buckets:   []float64{10, 20, 30, 50, 75, 100, 150, 250, 500},
		}),
		TurnStageLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_stage_latency_ms",
			Help:      "Per-stage turn latency in milliseconds.",
			Buckets:   []float64{10, 20, 30, 50, 100, 150, 250, 400, 700, 1200, 2000},
		}, []string{"stage"}),
		AnimationFPS: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "animation_heartbeat_fps",
			Help:      "Configured animation heartbeat cadence.",
		}),
		turnStageWindow: newTurnStageWindow(256),
	}
}

func (m *Metrics) ObserveFirstAudioLatency(d time.Duration) {
	m.FirstAudioLatency.Observe(float64(d.Milliseconds()))
}

func (m *Metrics) ObserveBargeInLatency(d time.Duration) {
	m.BargeInLatency.Observe(float64(d.Milliseconds()))
}

func (m *Metrics) ObserveTurnStage(stage string, d time.Duration) {
	ms := float64(d.Milliseconds())
	m.TurnStageLatency.WithLabelValues(stage).Observe(ms)
	m.turnStageWindow.Observe(stage, ms)
}

func (m *Metrics) ObserveTurnEvent(event string) {
	if m == nil || m.TurnEvents == nil {
		return
	}
	m.TurnEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ObserveSessionEvent(event string) {
	if m == nil || m.SessionEvents == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ObserveProviderError(provider, stage string) {
	if m == nil || m.ProviderErrors == nil {
		return
	}
	m.ProviderErrors.WithLabelValues(provider, stage).Inc()
}

func (m *Metrics) SetBackpressureLevel(level int) {
	if m == nil || m.BackpressureLevel == nil {
		return
	}
	m.BackpressureLevel.Set(float64(level))
}

func (m *Metrics) SnapshotTurnStages() TurnStageSnapshot {
	if m.turnStageWindow == nil {
		return TurnStageSnapshot{}
	}
	return m.turnStageWindow.Snapshot()
}

func (m *Metrics) ResetTurnStages() {
	if m == nil || m.turnStageWindow == nil {
		return
	}
	m.turnStageWindow.Reset()
}

// MetricsHandler exposes the default Prometheus registry for scraping.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
