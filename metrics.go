package mcp

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the gateway's Prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	sessionsActive  *prometheus.GaugeVec
	sessionsTotal   *prometheus.CounterVec
	framesTotal     *prometheus.CounterVec
	toolCallsTotal  *prometheus.CounterVec
	toolCallSeconds *prometheus.HistogramVec
	replayedEvents  prometheus.Counter
}

// NewMetrics creates the gateway collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sessionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mcp",
			Name:      "sessions_active",
			Help:      "Number of live sessions by transport.",
		}, []string{"transport"}),
		sessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcp",
			Name:      "sessions_total",
			Help:      "Sessions created by transport.",
		}, []string{"transport"}),
		framesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcp",
			Name:      "frames_total",
			Help:      "Inbound request frames by method and outcome.",
		}, []string{"method", "outcome"}),
		toolCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcp",
			Name:      "tool_calls_total",
			Help:      "Tool calls by tool and outcome.",
		}, []string{"tool", "outcome"}),
		toolCallSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mcp",
			Name:      "tool_call_duration_seconds",
			Help:      "Tool call latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"}),
		replayedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mcp",
			Name:      "replayed_events_total",
			Help:      "Events re-delivered on resumed streams.",
		}),
	}
	reg.MustRegister(
		m.sessionsActive,
		m.sessionsTotal,
		m.framesTotal,
		m.toolCallsTotal,
		m.toolCallSeconds,
		m.replayedEvents,
	)
	return m
}

func (m *Metrics) sessionOpened(kind TransportKind) {
	if m == nil {
		return
	}
	m.sessionsActive.WithLabelValues(string(kind)).Inc()
	m.sessionsTotal.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) sessionClosed(kind TransportKind) {
	if m == nil {
		return
	}
	m.sessionsActive.WithLabelValues(string(kind)).Dec()
}

func (m *Metrics) frame(method, outcome string) {
	if m == nil {
		return
	}
	m.framesTotal.WithLabelValues(method, outcome).Inc()
}

func (m *Metrics) toolCall(tool, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.toolCallsTotal.WithLabelValues(tool, outcome).Inc()
	m.toolCallSeconds.WithLabelValues(tool).Observe(d.Seconds())
}

func (m *Metrics) replayed(n int) {
	if m == nil || n == 0 {
		return
	}
	m.replayedEvents.Add(float64(n))
}
