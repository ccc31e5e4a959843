package orders

import (
	"time"

	"github.com/google/uuid"

	"github.com/refillpoint/fulfillment-backend/pkg/enums"
)

// Actor identifies who requested a transition. System jobs use RoleAdmin
// with a descriptive ID such as "cron:pending-order-ttl".
type Actor struct {
	ID   string
	Role enums.Role
}

// TransitionRejection is attached to STATE_CONFLICT errors.
type TransitionRejection struct {
	OrderID uuid.UUID           `json:"order_id"`
	Current enums.OrderStatus   `json:"current_status"`
	Target  enums.OrderStatus   `json:"target_status"`
	Legal   []enums.OrderStatus `json:"legal_targets"`
}

// StatusChange describes a committed transition.
type StatusChange struct {
	OrderID           uuid.UUID
	OrderNumber       string
	FulfillmentMethod enums.FulfillmentMethod
	Previous          enums.OrderStatus
	Current           enums.OrderStatus
	ChangedAt         time.Time
	Actor             Actor
}

// NextStates is the read model behind LegalNextStates.
type NextStates struct {
	OrderID uuid.UUID           `json:"order_id"`
	Current enums.OrderStatus   `json:"current_status"`
	Legal   []enums.OrderStatus `json:"legal_targets"`
}
