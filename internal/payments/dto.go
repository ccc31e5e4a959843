package payments

import (
	"github.com/google/uuid"

	"github.com/refillpoint/fulfillment-backend/pkg/enums"
)

// IntentResult is returned to the client so it can confirm payment.
type IntentResult struct {
	OrderID         uuid.UUID      `json:"order_id"`
	OrderNumber     string         `json:"order_number"`
	PaymentIntentID string         `json:"payment_intent_id"`
	ClientSecret    string         `json:"client_secret"`
	AmountCents     int64          `json:"amount_cents"`
	Currency        enums.Currency `json:"currency"`
}

// WebhookResult describes how an inbound webhook was handled.
type WebhookResult struct {
	EventID   string                    `json:"event_id"`
	EventType string                    `json:"event_type"`
	Duplicate bool                      `json:"duplicate"`
	Outcome   enums.PaymentEventOutcome `json:"outcome,omitempty"`
}
