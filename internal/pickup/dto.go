package pickup

import (
	"time"

	"github.com/google/uuid"

	"github.com/refillpoint/fulfillment-backend/pkg/enums"
)

// Credential is returned once at issuance; the OTP is stored only as a hash.
type Credential struct {
	OrderID     uuid.UUID `json:"order_id"`
	OrderNumber string    `json:"order_number"`
	OTP         string    `json:"otp"`
	Token       string    `json:"token"`
	IssuedAt    time.Time `json:"issued_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Match is a verified credential.
type Match struct {
	TokenID     uuid.UUID  `json:"token_id"`
	OrderID     uuid.UUID  `json:"order_id"`
	OrderNumber string     `json:"order_number"`
	ExpiresAt   time.Time  `json:"expires_at"`
	Used        bool       `json:"used"`
	UsedAt      *time.Time `json:"used_at,omitempty"`
}

// Handover is a consumed credential together with the order's new status.
type Handover struct {
	Match
	OrderStatus enums.OrderStatus `json:"order_status"`
}
