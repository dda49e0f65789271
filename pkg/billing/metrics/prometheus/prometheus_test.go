package prommetrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/mihaimyh/rewordgate/pkg/billing"
)

var _ billing.Metrics = (*Metrics)(nil)

func gather(t *testing.T, reg *prometheus.Registry) map[string]*dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	out := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		out[f.GetName()] = f
	}
	return out
}

func labelValue(m *dto.Metric, name string) string {
	for _, l := range m.GetLabel() {
		if l.GetName() == name {
			return l.GetValue()
		}
	}
	return ""
}

func TestMetrics_WebhookCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")

	m.RecordWebhookEvent("stripe", "customer.subscription.updated", "applied")
	m.RecordWebhookEvent("stripe", "customer.subscription.updated", "applied")
	m.RecordWebhookError("stripe", "invalid_signature")
	m.RecordWebhookProcessingDuration("stripe", "customer.subscription.updated", 20*time.Millisecond)

	families := gather(t, reg)

	events := families["test_billing_webhook_events_total"]
	if events == nil {
		t.Fatal("webhook events metric missing")
	}
	if v := events.GetMetric()[0].GetCounter().GetValue(); v != 2 {
		t.Errorf("applied events = %v, want 2", v)
	}

	errs := families["test_billing_webhook_errors_total"]
	if errs == nil || labelValue(errs.GetMetric()[0], "error_type") != "invalid_signature" {
		t.Errorf("Expected invalid_signature error series")
	}

	if families["test_billing_webhook_processing_duration_seconds"] == nil {
		t.Error("webhook duration metric missing")
	}
}

func TestMetrics_TierChangeFromNone(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")

	m.RecordTierChange("stripe", "", "premium")

	changes := gather(t, reg)["test_billing_tier_changes_total"]
	if changes == nil {
		t.Fatal("tier change metric missing")
	}
	if got := labelValue(changes.GetMetric()[0], "from_tier"); got != "none" {
		t.Errorf("from_tier = %q, want none", got)
	}
}

func TestMetrics_APICalls(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")

	m.RecordAPICall("stripe", "/checkout/sessions", "success")
	m.RecordAPICallDuration("stripe", "/checkout/sessions", time.Millisecond)
	m.RecordAccountSync("stripe", "success")

	if n := len(gather(t, reg)); n != 3 {
		t.Errorf("Expected 3 metric families, got %d", n)
	}
}
