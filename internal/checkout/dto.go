package checkout

import (
	"github.com/google/uuid"

	"github.com/refillpoint/fulfillment-backend/internal/payments"
	"github.com/refillpoint/fulfillment-backend/pkg/db/models"
	"github.com/refillpoint/fulfillment-backend/pkg/enums"
)

// LineInput is one requested variant and quantity.
type LineInput struct {
	VariantID uuid.UUID `json:"variant_id" validate:"required"`
	Quantity  int       `json:"quantity" validate:"required,gt=0"`
}

// Input describes a checkout. Exactly one of Items or ReservationIDs is set:
// Items reserves fresh stock, ReservationIDs converts holds placed earlier
// from the cart.
type Input struct {
	OwnerID           string
	Role              enums.Role
	FulfillmentMethod enums.FulfillmentMethod
	AddressID         *uuid.UUID
	Items             []LineInput
	ReservationIDs    []uuid.UUID
}

// Result is the created order and the payment intent the client confirms.
type Result struct {
	Order        *models.Order          `json:"order"`
	Payment      *payments.IntentResult `json:"payment"`
	TotalDisplay string                 `json:"total_display"`
}
