// Package metrics exposes Prometheus collectors for run activity.
// Each Metrics value owns its registry so tests can build as many as
// they like without double-registration panics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Breaker state gauge values.
const (
	BreakerClosed   = 0
	BreakerOpen     = 1
	BreakerHalfOpen = 2
)

// Metrics bundles the collectors the engine updates during runs.
type Metrics struct {
	registry *prometheus.Registry

	RunsStarted   prometheus.Counter
	RunsCompleted *prometheus.CounterVec // outcome: success, failed, cancelled, abandoned
	Iterations    prometheus.Counter
	ModelCalls    *prometheus.CounterVec // operation: intent, plan, loop, verify, ...
	ModelTokens   *prometheus.CounterVec // direction: input, output
	BreakerState  prometheus.Gauge
	Verification  prometheus.Histogram
	JournalEvents prometheus.Counter
	Approvals     *prometheus.CounterVec // outcome: approved, denied, timeout
}

// New builds a metrics set on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		RunsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "deskpilot_runs_started_total",
			Help: "Number of runs started.",
		}),
		RunsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "deskpilot_runs_completed_total",
			Help: "Number of runs finished, by outcome.",
		}, []string{"outcome"}),
		Iterations: factory.NewCounter(prometheus.CounterOpts{
			Name: "deskpilot_iterations_total",
			Help: "Number of perception-action iterations executed.",
		}),
		ModelCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "deskpilot_model_calls_total",
			Help: "Number of model API calls, by operation.",
		}, []string{"operation"}),
		ModelTokens: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "deskpilot_model_tokens_total",
			Help: "Tokens exchanged with the model, by direction.",
		}, []string{"direction"}),
		BreakerState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "deskpilot_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open).",
		}),
		Verification: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "deskpilot_verification_score",
			Help:    "Verification scores on the 0-100 scale.",
			Buckets: prometheus.LinearBuckets(10, 10, 10),
		}),
		JournalEvents: factory.NewCounter(prometheus.CounterOpts{
			Name: "deskpilot_journal_events_total",
			Help: "Number of events appended to run journals.",
		}),
		Approvals: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "deskpilot_approvals_total",
			Help: "Supervisor approval outcomes.",
		}, []string{"outcome"}),
	}
}

// RecordCall updates the call and token counters for one model call.
func (m *Metrics) RecordCall(operation string, inputTokens, outputTokens int) {
	m.ModelCalls.WithLabelValues(operation).Inc()
	m.ModelTokens.WithLabelValues("input").Add(float64(inputTokens))
	m.ModelTokens.WithLabelValues("output").Add(float64(outputTokens))
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
