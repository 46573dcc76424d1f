// Package metrics holds the Prometheus collectors of the messaging core.
//
// A nil *Core is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Core groups every collector exported on /metrics.
type Core struct {
	activeSessions    prometheus.Gauge
	sessionTotal      prometheus.Counter
	framesIn          *prometheus.CounterVec
	frameErrors       *prometheus.CounterVec
	dropped           *prometheus.CounterVec
	backpressure      prometheus.Counter
	replayed          prometheus.Counter
	statusTransitions *prometheus.CounterVec
	dispatchRetries   *prometheus.CounterVec
	purged            *prometheus.CounterVec
}

// New builds and registers the collectors on reg, or on the default registerer when reg is nil.
func New(reg prometheus.Registerer) *Core {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Core{
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chiffer_sessions_active",
			Help: "Current number of authenticated sessions.",
		}),
		sessionTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chiffer_sessions_total",
			Help: "Total number of sessions authenticated since start.",
		}),
		framesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chiffer_frames_received_total",
			Help: "Inbound control frames by kind.",
		}, []string{"kind"}),
		frameErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chiffer_frame_errors_total",
			Help: "ERROR frames sent to clients by code.",
		}, []string{"code"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chiffer_frames_dropped_total",
			Help: "Best-effort frames dropped on a full outbound queue.",
		}, []string{"kind"}),
		backpressure: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chiffer_backpressure_closes_total",
			Help: "Sessions closed because a critical frame could not be queued in time.",
		}),
		replayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chiffer_replayed_messages_total",
			Help: "Undelivered direct messages replayed on session attach.",
		}),
		statusTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chiffer_status_transitions_total",
			Help: "Direct message delivery state transitions by target status.",
		}, []string{"status"}),
		dispatchRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chiffer_dispatch_retries_total",
			Help: "Background markDispatched retries by outcome.",
		}, []string{"result"}),
		purged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chiffer_purged_total",
			Help: "Rows removed by the retention sweeper.",
		}, []string{"table"}),
	}

	reg.MustRegister(
		m.activeSessions,
		m.sessionTotal,
		m.framesIn,
		m.frameErrors,
		m.dropped,
		m.backpressure,
		m.replayed,
		m.statusTransitions,
		m.dispatchRetries,
		m.purged,
	)
	return m
}

func (m *Core) IncSession() {
	if m == nil {
		return
	}
	m.activeSessions.Inc()
	m.sessionTotal.Inc()
}

func (m *Core) DecSession() {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
}

func (m *Core) RecordFrame(kind string) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "unknown"
	}
	m.framesIn.WithLabelValues(kind).Inc()
}

func (m *Core) RecordError(code string) {
	if m == nil {
		return
	}
	m.frameErrors.WithLabelValues(code).Inc()
}

func (m *Core) RecordDrop(kind string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(kind).Inc()
}

func (m *Core) RecordBackpressure() {
	if m == nil {
		return
	}
	m.backpressure.Inc()
}

func (m *Core) RecordReplay(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.replayed.Add(float64(n))
}

func (m *Core) RecordTransition(status string) {
	if m == nil {
		return
	}
	m.statusTransitions.WithLabelValues(status).Inc()
}

func (m *Core) RecordRetry(result string) {
	if m == nil {
		return
	}
	m.dispatchRetries.WithLabelValues(result).Inc()
}

func (m *Core) RecordPurge(table string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.purged.WithLabelValues(table).Add(float64(n))
}
