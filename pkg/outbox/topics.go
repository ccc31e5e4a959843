package outbox

import (
	"fmt"

	"github.com/refillpoint/fulfillment-backend/pkg/db/models"
	"github.com/refillpoint/fulfillment-backend/pkg/enums"
)

// Message is the transport-neutral unit handed to a Sink.
type Message struct {
	Topic      string
	Key        string
	Data       []byte
	Attributes map[string]string
}

// Router maps stored outbox rows to broadcast messages.
type Router struct {
	topics map[enums.OutboxEventType]string
}

// NewRouter sends every known order lifecycle event to ordersTopic.
func NewRouter(ordersTopic string) *Router {
	return &Router{topics: map[enums.OutboxEventType]string{
		enums.EventOrderCreated:       ordersTopic,
		enums.EventOrderStatusChanged: ordersTopic,
		enums.EventPaymentFailed:      ordersTopic,
		enums.EventPickupTokenIssued:  ordersTopic,
	}}
}

// Resolve builds the message for row. Rows keyed by aggregate id keep
// per-order ordering on partitioned transports.
func (r *Router) Resolve(row models.OutboxEvent) (Message, PayloadEnvelope, error) {
	topic, ok := r.topics[row.EventType]
	if !ok || topic == "" {
		return Message{}, PayloadEnvelope{}, fmt.Errorf("no topic registered for %s", row.EventType)
	}
	env, err := DecodeEnvelope(row.Payload)
	if err != nil {
		return Message{}, PayloadEnvelope{}, fmt.Errorf("decode envelope %s: %w", row.ID, err)
	}
	return Message{
		Topic: topic,
		Key:   row.AggregateID.String(),
		Data:  row.Payload,
		Attributes: map[string]string{
			"event_id":       env.EventID,
			"event_type":     string(row.EventType),
			"aggregate_type": string(row.AggregateType),
			"aggregate_id":   row.AggregateID.String(),
			"version":        fmt.Sprintf("%d", env.Version),
		},
	}, env, nil
}
