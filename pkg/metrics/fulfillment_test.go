package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestFulfillmentMetricsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewFulfillmentMetrics(reg)

	m.IncTransition("pending", "paid")
	m.IncTransition("pending", "paid")
	m.IncTransitionRejected("done", "cancelled")
	m.IncReservation("reserve", "insufficient_stock")
	m.IncWebhookEvent("payment_intent.succeeded", "")
	m.IncOutboxPublish("published")
	m.IncPickupVerification("otp", "credential_expired")

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}

	if got := counterWithLabels(t, mfs, "refillpoint_orders_transitions_total", map[string]string{"from": "pending", "to": "paid"}); got != 2 {
		t.Fatalf("expected 2 transitions, got %f", got)
	}
	if got := counterWithLabels(t, mfs, "refillpoint_orders_transition_rejections_total", map[string]string{"from": "done", "to": "cancelled"}); got != 1 {
		t.Fatalf("expected 1 rejection, got %f", got)
	}
	if got := counterWithLabels(t, mfs, "refillpoint_reservations_operations_total", map[string]string{"operation": "reserve", "outcome": "insufficient_stock"}); got != 1 {
		t.Fatalf("expected 1 reservation outcome, got %f", got)
	}
	if got := counterWithLabels(t, mfs, "refillpoint_payments_webhook_events_total", map[string]string{"type": "payment_intent.succeeded", "outcome": "unknown"}); got != 1 {
		t.Fatalf("expected empty outcome to be labelled unknown, got %f", got)
	}
	if got := counterWithLabels(t, mfs, "refillpoint_pickup_verifications_total", map[string]string{"method": "otp", "outcome": "credential_expired"}); got != 1 {
		t.Fatalf("expected 1 pickup verification, got %f", got)
	}
}

func TestFulfillmentMetricsNilIsNoop(t *testing.T) {
	var m *FulfillmentMetrics
	m.IncTransition("pending", "paid")
	m.IncReservation("release", "ok")
	if NewFulfillmentMetrics(nil) != nil {
		t.Fatal("expected nil metrics without a registerer")
	}
}

func counterWithLabels(t *testing.T, mfs []*dto.MetricFamily, name string, labels map[string]string) float64 {
	t.Helper()
	mf := findMetricFamily(mfs, name)
	if mf == nil {
		t.Fatalf("metric %q not found", name)
	}
	for _, metric := range mf.GetMetric() {
		matched := true
		for k, v := range labels {
			if !matchesLabel(metric.GetLabel(), k, v) {
				matched = false
				break
			}
		}
		if matched {
			return metric.GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %q missing labels %v", name, labels)
	return 0
}
