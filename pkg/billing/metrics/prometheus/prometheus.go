package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics implements billing.Metrics using Prometheus.
type Metrics struct {
	webhookEvents   *prometheus.CounterVec
	webhookDuration *prometheus.HistogramVec
	webhookErrors   *prometheus.CounterVec
	accountSyncs    *prometheus.CounterVec
	tierChanges     *prometheus.CounterVec
	apiCalls        *prometheus.CounterVec
	apiCallDuration *prometheus.HistogramVec
}

// NewMetrics registers the billing collectors on reg under namespace_billing_*.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)
	opts := func(name, help string) prometheus.CounterOpts {
		return prometheus.CounterOpts{Namespace: namespace, Subsystem: "billing", Name: name, Help: help}
	}

	return &Metrics{
		webhookEvents: factory.NewCounterVec(
			opts("webhook_events_total", "Webhook deliveries by event type and outcome."),
			[]string{"provider", "event_type", "status"}),

		webhookDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "webhook_processing_duration_seconds",
			Help:      "Duration of webhook processing in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider", "event_type"}),

		webhookErrors: factory.NewCounterVec(
			opts("webhook_errors_total", "Rejected or failed webhook deliveries."),
			[]string{"provider", "error_type"}),

		accountSyncs: factory.NewCounterVec(
			opts("account_sync_total", "On-demand subscription re-pulls."),
			[]string{"provider", "status"}),

		tierChanges: factory.NewCounterVec(
			opts("tier_changes_total", "Tier transitions applied from billing events."),
			[]string{"provider", "from_tier", "to_tier"}),

		apiCalls: factory.NewCounterVec(
			opts("api_calls_total", "Outbound billing API calls."),
			[]string{"provider", "endpoint", "status"}),

		apiCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "api_call_duration_seconds",
			Help:      "Duration of outbound billing API calls in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider", "endpoint"}),
	}
}

func (m *Metrics) RecordWebhookEvent(provider, eventType, status string) {
	m.webhookEvents.WithLabelValues(provider, eventType, status).Inc()
}

func (m *Metrics) RecordWebhookProcessingDuration(provider, eventType string, duration time.Duration) {
	m.webhookDuration.WithLabelValues(provider, eventType).Observe(duration.Seconds())
}

func (m *Metrics) RecordWebhookError(provider, errorType string) {
	m.webhookErrors.WithLabelValues(provider, errorType).Inc()
}

func (m *Metrics) RecordAccountSync(provider, status string) {
	m.accountSyncs.WithLabelValues(provider, status).Inc()
}

func (m *Metrics) RecordTierChange(provider, fromTier, toTier string) {
	if fromTier == "" {
		fromTier = "none"
	}
	m.tierChanges.WithLabelValues(provider, fromTier, toTier).Inc()
}

func (m *Metrics) RecordAPICall(provider, endpoint, status string) {
	m.apiCalls.WithLabelValues(provider, endpoint, status).Inc()
}

func (m *Metrics) RecordAPICallDuration(provider, endpoint string, duration time.Duration) {
	m.apiCallDuration.WithLabelValues(provider, endpoint).Observe(duration.Seconds())
}
