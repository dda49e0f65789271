package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics implements entitlement.Metrics using Prometheus.
type Metrics struct {
	decisionsTotal             *prometheus.CounterVec
	usageTotal                 *prometheus.CounterVec
	mergesTotal                *prometheus.CounterVec
	mergedUses                 prometheus.Counter
	degradedTotal              *prometheus.CounterVec
	storageOpsDuration         *prometheus.HistogramVec
	storageOpsErrors           *prometheus.CounterVec
	circuitBreakerStateChanges *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		decisionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gate_decisions_total",
			Help:      "Total number of quota evaluations.",
		}, []string{"display", "allowed"}),

		usageTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feature_usage_total",
			Help:      "Total number of recorded feature uses.",
		}, []string{"display"}),

		mergesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signin_merges_total",
			Help:      "Total number of sign-in merges.",
		}, []string{"created"}),

		mergedUses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signin_merged_uses_total",
			Help:      "Anonymous uses folded into accounts at sign-in.",
		}),

		degradedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "degraded_total",
			Help:      "Total number of fallbacks taken while the store was unavailable.",
		}, []string{"operation"}),

		storageOpsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_operation_duration_seconds",
			Help:      "Latency of storage operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		storageOpsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_operation_errors_total",
			Help:      "Total number of storage operation errors.",
		}, []string{"operation"}),

		circuitBreakerStateChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state_changes_total",
			Help:      "Total number of circuit breaker state changes.",
		}, []string{"state"}),
	}
}

func (m *Metrics) RecordDecision(display string, allowed bool) {
	m.decisionsTotal.WithLabelValues(display, strconv.FormatBool(allowed)).Inc()
}

func (m *Metrics) RecordUsage(display string) {
	m.usageTotal.WithLabelValues(display).Inc()
}

func (m *Metrics) RecordMerge(created bool, merged int) {
	m.mergesTotal.WithLabelValues(strconv.FormatBool(created)).Inc()
	if merged > 0 {
		m.mergedUses.Add(float64(merged))
	}
}

func (m *Metrics) RecordDegraded(operation string) {
	m.degradedTotal.WithLabelValues(operation).Inc()
}

func (m *Metrics) RecordStorageOperation(operation string, duration time.Duration, err error) {
	m.storageOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.storageOpsErrors.WithLabelValues(operation).Inc()
	}
}

func (m *Metrics) RecordCircuitBreakerStateChange(state string) {
	m.circuitBreakerStateChanges.WithLabelValues(state).Inc()
}
