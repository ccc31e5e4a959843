package metrics

import "github.com/prometheus/client_golang/prometheus"

// FulfillmentMetrics counts order lifecycle, reservation and payment outcomes.
// A nil receiver is a no-op so services can run without a registry.
type FulfillmentMetrics struct {
	transitions   *prometheus.CounterVec
	rejections    *prometheus.CounterVec
	reservations  *prometheus.CounterVec
	webhookEvents *prometheus.CounterVec
	outbox        *prometheus.CounterVec
	pickup        *prometheus.CounterVec
}

// NewFulfillmentMetrics registers the fulfillment collectors on reg.
func NewFulfillmentMetrics(reg prometheus.Registerer) *FulfillmentMetrics {
	if reg == nil {
		return nil
	}
	m := &FulfillmentMetrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orders",
			Name:      "transitions_total",
			Help:      "Committed order status transitions.",
		}, []string{"from", "to"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orders",
			Name:      "transition_rejections_total",
			Help:      "Order status transitions refused by the transition table.",
		}, []string{"from", "to"}),
		reservations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reservations",
			Name:      "operations_total",
			Help:      "Stock reservation operations by outcome.",
		}, []string{"operation", "outcome"}),
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "payments",
			Name:      "webhook_events_total",
			Help:      "Payment processor webhook events by type and outcome.",
		}, []string{"type", "outcome"}),
		outbox: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "publish_total",
			Help:      "Outbox publish attempts by outcome.",
		}, []string{"outcome"}),
		pickup: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pickup",
			Name:      "verifications_total",
			Help:      "Pickup credential checks by method and outcome.",
		}, []string{"method", "outcome"}),
	}
	reg.MustRegister(m.transitions, m.rejections, m.reservations, m.webhookEvents, m.outbox, m.pickup)
	return m
}

func (m *FulfillmentMetrics) IncTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(normalizeLabel(from), normalizeLabel(to)).Inc()
}

func (m *FulfillmentMetrics) IncTransitionRejected(from, to string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(normalizeLabel(from), normalizeLabel(to)).Inc()
}

func (m *FulfillmentMetrics) IncReservation(operation, outcome string) {
	if m == nil {
		return
	}
	m.reservations.WithLabelValues(normalizeLabel(operation), normalizeLabel(outcome)).Inc()
}

func (m *FulfillmentMetrics) IncWebhookEvent(eventType, outcome string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(normalizeLabel(eventType), normalizeLabel(outcome)).Inc()
}

func (m *FulfillmentMetrics) IncOutboxPublish(outcome string) {
	if m == nil {
		return
	}
	m.outbox.WithLabelValues(normalizeLabel(outcome)).Inc()
}

func (m *FulfillmentMetrics) IncPickupVerification(method, outcome string) {
	if m == nil {
		return
	}
	m.pickup.WithLabelValues(normalizeLabel(method), normalizeLabel(outcome)).Inc()
}
