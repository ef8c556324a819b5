// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the engine.
type Metrics struct {
	// Admission metrics
	AdmissionResults *prometheus.CounterVec
	LedgerWrites     *prometheus.CounterVec
	BalanceCacheHits *prometheus.CounterVec

	// Submission metrics
	SubmissionOutcomes *prometheus.CounterVec
	NoncesIssued       prometheus.Counter
	NonceRollbacks     prometheus.Counter
	NonceWaitDuration  prometheus.Histogram

	// Coordination metrics
	WorkerTransitions *prometheus.CounterVec
	IntakePaused      prometheus.Gauge

	// Compensation metrics
	CompensationsTotal  *prometheus.CounterVec
	CompensationBatch   prometheus.Histogram
	LastCompensationRun prometheus.Gauge

	// Node metrics
	RPCCallLatency *prometheus.HistogramVec
	HeadHeight     prometheus.Gauge

	// Database metrics
	DBQueryDuration *prometheus.HistogramVec
	DBQueryErrors   *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "tokenrail"
	}

	return &Metrics{
		// Admission metrics
		AdmissionResults: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "admission",
			Name:      "results_total",
			Help:      "Total number of admission decisions by result",
		}, []string{"result"}),
		LedgerWrites: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "writes_total",
			Help:      "Total number of ledger writes by outcome",
		}, []string{"outcome"}),
		BalanceCacheHits: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "balance_cache_lookups_total",
			Help:      "Total number of balance cache lookups by result",
		}, []string{"result"}),

		// Submission metrics
		SubmissionOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "submission",
			Name:      "outcomes_total",
			Help:      "Total number of submission attempts by recorded status",
		}, []string{"status"}),
		NoncesIssued: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "nonce",
			Name:      "issued_total",
			Help:      "Total number of nonces issued",
		}),
		NonceRollbacks: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "nonce",
			Name:      "rollbacks_total",
			Help:      "Total number of nonce reservations rolled back for reissue",
		}),
		NonceWaitDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "nonce",
			Name:      "wait_duration_seconds",
			Help:      "Time spent waiting in the per-address ticket queue",
			Buckets:   prometheus.DefBuckets,
		}),

		// Coordination metrics
		WorkerTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "transitions_total",
			Help:      "Total number of worker status transitions",
		}, []string{"to"}),
		IntakePaused: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "intake_paused",
			Help:      "Whether queue intake is currently paused (1) or running (0)",
		}),

		// Compensation metrics
		CompensationsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "compensator",
			Name:      "compensations_total",
			Help:      "Total number of compensated transactions by outcome",
		}, []string{"outcome"}),
		CompensationBatch: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "compensator",
			Name:      "batch_size",
			Help:      "Number of rows claimed per compensation batch",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 100},
		}),
		LastCompensationRun: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "compensator",
			Name:      "last_run_timestamp",
			Help:      "Unix timestamp of the last completed compensation pass",
		}),

		// Node metrics
		RPCCallLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "chain",
			Name:      "rpc_call_latency_seconds",
			Help:      "Chain node RPC call latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		HeadHeight: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "chain",
			Name:      "head_height",
			Help:      "Latest chain head height observed over the head subscription",
		}),

		// Database metrics
		DBQueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"database", "operation"}),
		DBQueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_errors_total",
			Help:      "Total number of database query errors",
		}, []string{"database", "operation"}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordDBQuery records database query metrics.
func (m *Metrics) RecordDBQuery(database, operation string, seconds float64, err error) {
	m.DBQueryDuration.WithLabelValues(database, operation).Observe(seconds)
	if err != nil {
		m.DBQueryErrors.WithLabelValues(database, operation).Inc()
	}
}
