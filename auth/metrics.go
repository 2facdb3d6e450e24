package auth

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// HandshakeMetrics tracks Prometheus metrics for server-side handshakes.
//
// All metrics use the "negotiate_" prefix. Methods handle a nil receiver,
// so a nil *HandshakeMetrics is a no-op.
type HandshakeMetrics struct {
	// Rounds counts accept rounds by resulting status.
	// Labels: status=[ok, continue_needed, complete_needed, complete_and_continue, error]
	Rounds *prometheus.CounterVec

	// Outcomes counts finished handshakes.
	// Labels: result=[success, failure]
	Outcomes *prometheus.CounterVec

	// ActiveContexts tracks contexts that hold a provider handle.
	ActiveContexts prometheus.Gauge

	// Duration tracks time from construction to completion or failure.
	Duration prometheus.Histogram
}

var (
	handshakeMetricsOnce     sync.Once
	handshakeMetricsInstance *HandshakeMetrics
)

// NewHandshakeMetrics creates and registers handshake metrics once per
// process. If registerer is nil, prometheus.DefaultRegisterer is used.
func NewHandshakeMetrics(registerer prometheus.Registerer) *HandshakeMetrics {
	handshakeMetricsOnce.Do(func() {
		handshakeMetricsInstance = newHandshakeMetrics(registerer)
	})
	return handshakeMetricsInstance
}

func newHandshakeMetrics(registerer prometheus.Registerer) *HandshakeMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &HandshakeMetrics{
		Rounds: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "negotiate_accept_rounds_total",
				Help: "Total AcceptSecurityContext rounds by status",
			},
			[]string{"status"},
		),
		Outcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "negotiate_handshakes_total",
				Help: "Total finished handshakes by result",
			},
			[]string{"result"},
		),
		ActiveContexts: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "negotiate_active_contexts",
				Help: "Current number of server contexts holding a provider handle",
			},
		),
		Duration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "negotiate_handshake_duration_seconds",
				Help:    "Handshake duration from first token to completion or failure",
				Buckets: prometheus.DefBuckets,
			},
		),
	}

	registerer.MustRegister(m.Rounds, m.Outcomes, m.ActiveContexts, m.Duration)
	return m
}

// RecordRound records one accept round.
func (m *HandshakeMetrics) RecordRound(status Status) {
	if m == nil {
		return
	}
	m.Rounds.WithLabelValues(roundLabel(status)).Inc()
}

// RecordOutcome records a finished handshake and its duration.
func (m *HandshakeMetrics) RecordOutcome(success bool, d time.Duration) {
	if m == nil {
		return
	}
	if success {
		m.Outcomes.WithLabelValues("success").Inc()
	} else {
		m.Outcomes.WithLabelValues("failure").Inc()
	}
	m.Duration.Observe(d.Seconds())
}

// ContextOpened records a provider handle being acquired.
func (m *HandshakeMetrics) ContextOpened() {
	if m == nil {
		return
	}
	m.ActiveContexts.Inc()
}

// ContextClosed records a provider handle being released.
func (m *HandshakeMetrics) ContextClosed() {
	if m == nil {
		return
	}
	m.ActiveContexts.Dec()
}

func roundLabel(s Status) string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusContinueNeeded:
		return "continue_needed"
	case StatusCompleteNeeded:
		return "complete_needed"
	case StatusCompleteAndContinue:
		return "complete_and_continue"
	default:
		return "error"
	}
}
