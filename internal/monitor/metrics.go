package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	Registry *prometheus.Registry

	ExecutionsTotal     *prometheus.CounterVec
	ExecutionDuration   *prometheus.HistogramVec
	SecurityRejections  *prometheus.CounterVec
	SecurityWarnings    *prometheus.CounterVec
	OutputLeaks         *prometheus.CounterVec
	RateLimited         prometheus.Counter
	TierLimitRejections *prometheus.CounterVec
	ComputeUnits        *prometheus.CounterVec
	Cost                *prometheus.CounterVec
	DispatchFailures    prometheus.Counter
	LedgerErrors        *prometheus.CounterVec
	ActiveExecutions    prometheus.Gauge
	RequestsInFlight    prometheus.Gauge
	SessionsCleaned     prometheus.Counter
	CodeSizeBytes       prometheus.Histogram
}

// NewMetrics creates and registers all Prometheus metrics using a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Name:      "executions_total",
				Help:      "Total dispatched executions by language, final status and tier.",
			},
			[]string{"language", "status", "tier"},
		),

		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "gateway",
				Name:      "execution_duration_seconds",
				Help:      "Worker-reported execution time in seconds.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
			},
			[]string{"language"},
		),

		SecurityRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Name:      "security_rejections_total",
				Help:      "Blocking scanner issues by rule.",
			},
			[]string{"rule"},
		),

		SecurityWarnings: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Name:      "security_warnings_total",
				Help:      "Advisory scanner issues by rule.",
			},
			[]string{"rule"},
		),

		OutputLeaks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Name:      "output_leaks_total",
				Help:      "Host information markers found in worker output.",
			},
			[]string{"rule"},
		),

		RateLimited: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Name:      "rate_limited_total",
				Help:      "Requests refused by the rate limiter.",
			},
		),

		TierLimitRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Name:      "tier_limit_rejections_total",
				Help:      "Requests exceeding their tier by dimension.",
			},
			[]string{"dimension"},
		),

		ComputeUnits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Name:      "compute_units_total",
				Help:      "Compute units billed by tier.",
			},
			[]string{"tier"},
		),

		Cost: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Name:      "cost_total",
				Help:      "Cost billed by tier.",
			},
			[]string{"tier"},
		),

		DispatchFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Name:      "dispatch_failures_total",
				Help:      "Worker calls that failed at the transport or worker level.",
			},
		),

		LedgerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Name:      "ledger_errors_total",
				Help:      "Ledger writes that failed after dispatch, by operation.",
			},
			[]string{"op"},
		),

		ActiveExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "gateway",
				Name:      "active_executions",
				Help:      "Executions currently dispatched to a worker.",
			},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "gateway",
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed.",
			},
		),

		SessionsCleaned: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Name:      "sessions_expired_total",
				Help:      "Expired sessions removed by cleanup.",
			},
		),

		CodeSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "gateway",
				Name:      "code_size_bytes",
				Help:      "Size of submitted code in bytes.",
				Buckets:   prometheus.ExponentialBuckets(100, 4, 8),
			},
		),
	}

	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.SecurityRejections,
		m.SecurityWarnings,
		m.OutputLeaks,
		m.RateLimited,
		m.TierLimitRejections,
		m.ComputeUnits,
		m.Cost,
		m.DispatchFailures,
		m.LedgerErrors,
		m.ActiveExecutions,
		m.RequestsInFlight,
		m.SessionsCleaned,
		m.CodeSizeBytes,
	)

	return m
}

// RecordExecution records a finalized execution and what it was billed.
func (m *Metrics) RecordExecution(language, status, tier string, durationSec, units, cost float64) {
	m.ExecutionsTotal.WithLabelValues(language, status, tier).Inc()
	m.ExecutionDuration.WithLabelValues(language).Observe(durationSec)
	m.ComputeUnits.WithLabelValues(tier).Add(units)
	m.Cost.WithLabelValues(tier).Add(cost)
}

// RecordSecurityIssue counts a scanner finding as a rejection or a warning.
func (m *Metrics) RecordSecurityIssue(rule string, blocking bool) {
	if blocking {
		m.SecurityRejections.WithLabelValues(rule).Inc()
		return
	}
	m.SecurityWarnings.WithLabelValues(rule).Inc()
}

func (m *Metrics) RecordLedgerError(op string) {
	m.LedgerErrors.WithLabelValues(op).Inc()
}

// WorkerMetrics are exported by cmd/worker.
type WorkerMetrics struct {
	Registry *prometheus.Registry

	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	ActiveExecutions  prometheus.Gauge
	Rejected          *prometheus.CounterVec
}

func NewWorkerMetrics() *WorkerMetrics {
	reg := prometheus.NewRegistry()

	m := &WorkerMetrics{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "worker",
				Name:      "executions_total",
				Help:      "Executions run by language and outcome.",
			},
			[]string{"language", "outcome"},
		),

		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "worker",
				Name:      "execution_duration_seconds",
				Help:      "Wall-clock execution time in seconds.",
				Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"language"},
		),

		ActiveExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "worker",
				Name:      "active_executions",
				Help:      "Executions currently running.",
			},
		),

		Rejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "worker",
				Name:      "rejected_total",
				Help:      "Requests refused before running, by reason.",
			},
			[]string{"reason"},
		),
	}

	reg.MustRegister(m.ExecutionsTotal, m.ExecutionDuration, m.ActiveExecutions, m.Rejected)
	return m
}
