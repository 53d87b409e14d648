// Package metrics exports execution and session metrics to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roach88/sqlfwd/internal/executor"
	"github.com/roach88/sqlfwd/internal/session"
)

// Metrics observes the executor and the session registry.
type Metrics struct {
	programs        *prometheus.CounterVec
	steps           *prometheus.CounterVec
	programDuration prometheus.Histogram
	sessionsActive  prometheus.Gauge
	evictions       *prometheus.CounterVec
}

var (
	_ executor.Observer = (*Metrics)(nil)
	_ session.Observer  = (*Metrics)(nil)
)

// New registers the metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		programs: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sqlfwd_programs_total",
				Help: "Programs executed, by session state afterwards",
			},
			[]string{"state"},
		),
		steps: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sqlfwd_steps_total",
				Help: "Program steps, by outcome",
			},
			[]string{"outcome"},
		),
		programDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "sqlfwd_program_duration_seconds",
				Help:    "Program execution latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		sessionsActive: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "sqlfwd_sessions_active",
				Help: "Sessions holding an open connection",
			},
		),
		evictions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sqlfwd_session_evictions_total",
				Help: "Sessions evicted by the sweeper, by reason",
			},
			[]string{"reason"},
		),
	}
}

// stepLabels maps executor outcomes to label values.
var stepLabels = map[string]string{
	executor.OutcomeOk:          "ok",
	executor.OutcomeSkipped:     "skipped",
	executor.SQLError.String():  "sql_error",
	executor.TxBusy.String():    "tx_busy",
	executor.TxTimeout.String(): "tx_timeout",
	executor.Internal.String():  "internal",
}

// ObserveStep counts one step.
func (m *Metrics) ObserveStep(outcome string) {
	label, ok := stepLabels[outcome]
	if !ok {
		label = "unknown"
	}
	m.steps.WithLabelValues(label).Inc()
}

// ObserveProgram counts one program and records its latency.
func (m *Metrics) ObserveProgram(state executor.State, elapsed time.Duration) {
	m.programs.WithLabelValues(state.String()).Inc()
	m.programDuration.Observe(elapsed.Seconds())
}

// ObserveActiveSessions sets the active session gauge.
func (m *Metrics) ObserveActiveSessions(n int) {
	m.sessionsActive.Set(float64(n))
}

// ObserveEviction counts one evicted session.
func (m *Metrics) ObserveEviction(reason string) {
	m.evictions.WithLabelValues(reason).Inc()
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
