// Package metrics exposes Prometheus collectors for verification, oracle
// health and retention. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all collectors for the service.
type Metrics struct {
	registry *prometheus.Registry

	// Verification metrics
	Verifications        *prometheus.CounterVec
	VerificationDuration prometheus.Histogram

	// Oracle metrics
	OracleFetches     *prometheus.CounterVec
	OracleLatency     *prometheus.HistogramVec
	SignatureFailures *prometheus.CounterVec
	OutliersRemoved   *prometheus.CounterVec

	// Health metrics
	OracleReliability *prometheus.GaugeVec
	OracleActive      *prometheus.GaugeVec
	HealthCycles      prometheus.Counter

	// Retention metrics
	RecordsArchived prometheus.Counter
	RecordsPurged   prometheus.Counter
	CleanupFailures prometheus.Counter
}

// New registers every collector on a fresh registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "oracle_consensus"
	}
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		Verifications: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "verification",
			Name:      "results_total",
			Help:      "Verification results by status and rejection reason",
		}, []string{"status", "reason"}),
		VerificationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "verification",
			Name:      "duration_seconds",
			Help:      "End-to-end verification latency",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2, 3, 5, 8},
		}),

		OracleFetches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "oracle",
			Name:      "fetches_total",
			Help:      "Oracle fetch attempts by oracle and status",
		}, []string{"oracle_id", "status"}),
		OracleLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "oracle",
			Name:      "fetch_latency_seconds",
			Help:      "Oracle fetch latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"oracle_id"}),
		SignatureFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "oracle",
			Name:      "signature_failures_total",
			Help:      "Quotes excluded for an invalid signature",
		}, []string{"oracle_id"}),
		OutliersRemoved: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "oracle",
			Name:      "outliers_removed_total",
			Help:      "Quotes discarded by outlier detection",
		}, []string{"oracle_id"}),

		OracleReliability: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "reliability_score",
			Help:      "Rolling reliability score per oracle",
		}, []string{"oracle_id"}),
		OracleActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "oracle_active",
			Help:      "1 when the oracle is eligible for dispatch",
		}, []string{"oracle_id"}),
		HealthCycles: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "cycles_total",
			Help:      "Completed health probe cycles",
		}),

		RecordsArchived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retention",
			Name:      "records_archived_total",
			Help:      "Verification results moved to the archive tier",
		}),
		RecordsPurged: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retention",
			Name:      "records_purged_total",
			Help:      "Archived verification results permanently deleted",
		}),
		CleanupFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retention",
			Name:      "cleanup_failures_total",
			Help:      "Cleanup cycles that ended with an error",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveVerification(status, reason string, took time.Duration) {
	if m == nil {
		return
	}
	m.Verifications.WithLabelValues(status, reason).Inc()
	m.VerificationDuration.Observe(took.Seconds())
}

func (m *Metrics) ObserveQuote(oracleID, status string, latency time.Duration) {
	if m == nil {
		return
	}
	m.OracleFetches.WithLabelValues(oracleID, status).Inc()
	m.OracleLatency.WithLabelValues(oracleID).Observe(latency.Seconds())
}

func (m *Metrics) ObserveSignatureFailure(oracleID string) {
	if m == nil {
		return
	}
	m.SignatureFailures.WithLabelValues(oracleID).Inc()
}

func (m *Metrics) ObserveOutlier(oracleID string) {
	if m == nil {
		return
	}
	m.OutliersRemoved.WithLabelValues(oracleID).Inc()
}

func (m *Metrics) SetOracleHealth(oracleID string, score float64, active bool) {
	if m == nil {
		return
	}
	m.OracleReliability.WithLabelValues(oracleID).Set(score)
	v := 0.0
	if active {
		v = 1
	}
	m.OracleActive.WithLabelValues(oracleID).Set(v)
}

func (m *Metrics) ObserveHealthCycle() {
	if m == nil {
		return
	}
	m.HealthCycles.Inc()
}

func (m *Metrics) ObserveCleanup(archived, purged int64, err error) {
	if m == nil {
		return
	}
	m.RecordsArchived.Add(float64(archived))
	m.RecordsPurged.Add(float64(purged))
	if err != nil {
		m.CleanupFailures.Inc()
	}
}
