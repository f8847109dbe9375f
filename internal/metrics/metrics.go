package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the engine's collectors.
	Registry = prometheus.NewRegistry()

	executions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dca",
			Subsystem: "executor",
			Name:      "executions_total",
			Help:      "Finished strategy executions by final status and failure kind.",
		},
		[]string{"status", "kind"},
	)

	executionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dca",
			Subsystem: "executor",
			Name:      "execution_duration_seconds",
			Help:      "Wall time of strategy executions.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s to ~4m
		},
		[]string{"status"},
	)

	strandedFunds = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dca",
			Subsystem: "executor",
			Name:      "stranded_funds_total",
			Help:      "Executions whose swap succeeded but whose payout did not.",
		},
	)

	schedulerRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dca",
			Subsystem: "scheduler",
			Name:      "strategies_total",
			Help:      "Due strategies seen by the scheduler, by outcome.",
		},
		[]string{"outcome"},
	)

	schedulerScanErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dca",
			Subsystem: "scheduler",
			Name:      "scan_errors_total",
			Help:      "Scheduler ticks abandoned because the due-strategy scan failed.",
		},
	)

	deposits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dca",
			Subsystem: "deposits",
			Name:      "claims_total",
			Help:      "Deposit claims by result.",
		},
		[]string{"result"},
	)

	queueJobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dca",
			Subsystem: "queue",
			Name:      "jobs_total",
			Help:      "Handled queue jobs by outcome (completed, retried, dead).",
		},
		[]string{"outcome"},
	)
)

func init() {
	Registry.MustRegister(
		executions,
		executionDuration,
		strandedFunds,
		schedulerRuns,
		schedulerScanErrors,
		deposits,
		queueJobs,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler exposes the registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

func RecordExecution(status, kind string, seconds float64) {
	if kind == "" {
		kind = "none"
	}
	executions.WithLabelValues(status, kind).Inc()
	if seconds > 0 {
		executionDuration.WithLabelValues(status).Observe(seconds)
	}
}

func RecordStrandedFunds() {
	strandedFunds.Inc()
}

// RecordScheduled takes one of: enqueued, skipped_pending, skipped_open, error.
func RecordScheduled(outcome string) {
	schedulerRuns.WithLabelValues(outcome).Inc()
}

func RecordScanError() {
	schedulerScanErrors.Inc()
}

func RecordDeposit(result string) {
	deposits.WithLabelValues(result).Inc()
}

func RecordJob(outcome string) {
	queueJobs.WithLabelValues(outcome).Inc()
}
