// Package metrics defines the prometheus collectors exported by convertica.
//
// Every method is nil-safe so components can be built without metrics in
// tests and CLI commands.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "convertica"

// Metrics bundles the service collectors.
type Metrics struct {
	rateLimitDecisions *prometheus.CounterVec
	quotaStoreErrors   prometheus.Counter
	statsWriteErrors   prometheus.Counter
	operationRuns      *prometheus.CounterVec
	runDuration        *prometheus.HistogramVec
	recorderErrors     *prometheus.CounterVec
	tasksDispatched    *prometheus.CounterVec
	runsAbandoned      prometheus.Counter

	gatherer prometheus.Gatherer
}

// New creates the collectors and registers them with reg.
// A nil reg uses a fresh private registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{
		rateLimitDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_decisions_total",
			Help:      "Rate limit decisions by group, tier and outcome.",
		}, []string{"group", "tier", "outcome"}),
		quotaStoreErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_store_errors_total",
			Help:      "Quota store failures that were failed open.",
		}),
		statsWriteErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_stats_write_errors_total",
			Help:      "Failed writes to the rate limit stats buckets.",
		}),
		operationRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operation_runs_total",
			Help:      "Finished operation runs by conversion type and status.",
		}, []string{"conversion_type", "status"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_run_duration_seconds",
			Help:      "Handler duration of tracked operation runs.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"conversion_type"}),
		recorderErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operation_run_store_errors_total",
			Help:      "Swallowed accounting store failures by operation.",
		}, []string{"op"}),
		tasksDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_dispatched_total",
			Help:      "Conversion tasks dispatched by queue.",
		}, []string{"queue"}),
		runsAbandoned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operation_runs_abandoned_total",
			Help:      "Runs marked abandoned by the maintenance sweep.",
		}),
		gatherer: reg,
	}

	reg.MustRegister(
		m.rateLimitDecisions,
		m.quotaStoreErrors,
		m.statsWriteErrors,
		m.operationRuns,
		m.runDuration,
		m.recorderErrors,
		m.tasksDispatched,
		m.runsAbandoned,
	)
	return m
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) RateLimitDecision(group, tier, outcome string) {
	if m == nil {
		return
	}
	m.rateLimitDecisions.WithLabelValues(group, tier, outcome).Inc()
}

func (m *Metrics) QuotaStoreError() {
	if m == nil {
		return
	}
	m.quotaStoreErrors.Inc()
}

func (m *Metrics) StatsWriteError() {
	if m == nil {
		return
	}
	m.statsWriteErrors.Inc()
}

// OperationRunFinished observes a terminal transition made by the tracking
// middleware.
func (m *Metrics) OperationRunFinished(conversionType, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.operationRuns.WithLabelValues(conversionType, status).Inc()
	m.runDuration.WithLabelValues(conversionType).Observe(d.Seconds())
}

func (m *Metrics) RecorderError(op string) {
	if m == nil {
		return
	}
	m.recorderErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) TaskDispatched(queue string) {
	if m == nil {
		return
	}
	m.tasksDispatched.WithLabelValues(queue).Inc()
}

func (m *Metrics) RunsAbandoned(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.runsAbandoned.Add(float64(n))
}
