package outbox

import (
	"time"

	"github.com/google/uuid"

	"github.com/refillpoint/fulfillment-backend/pkg/enums"
)

// OrderCreatedEvent is emitted when checkout persists a pending order.
type OrderCreatedEvent struct {
	OrderID           uuid.UUID               `json:"order_id"`
	OrderNumber       string                  `json:"order_number"`
	FulfillmentMethod enums.FulfillmentMethod `json:"fulfillment_method"`
	Currency          enums.Currency          `json:"currency"`
	TotalCents        int64                   `json:"total_cents"`
	TotalDisplay      string                  `json:"total_display"`
	ItemCount         int                     `json:"item_count"`
}

// OrderStatusChangedEvent carries the previous and new status of a committed transition.
type OrderStatusChangedEvent struct {
	OrderID           uuid.UUID               `json:"order_id"`
	OrderNumber       string                  `json:"order_number"`
	FulfillmentMethod enums.FulfillmentMethod `json:"fulfillment_method"`
	Previous          enums.OrderStatus       `json:"previous_status"`
	Current           enums.OrderStatus       `json:"current_status"`
	ChangedAt         time.Time               `json:"changed_at"`
}

// PaymentFailedEvent reports a failed payment attempt for an order.
type PaymentFailedEvent struct {
	OrderID         uuid.UUID `json:"order_id"`
	OrderNumber     string    `json:"order_number"`
	PaymentIntentID string    `json:"payment_intent_id"`
	Cancelled       bool      `json:"cancelled"`
}

// PickupTokenIssuedEvent announces a fresh pickup credential. The OTP and
// token never leave the issuing response.
type PickupTokenIssuedEvent struct {
	OrderID     uuid.UUID `json:"order_id"`
	OrderNumber string    `json:"order_number"`
	ExpiresAt   time.Time `json:"expires_at"`
}
