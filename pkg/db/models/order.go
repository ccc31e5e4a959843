package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/refillpoint/fulfillment-backend/pkg/enums"
)

// Order is a customer order; rows are never deleted.
type Order struct {
	ID                uuid.UUID               `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	OrderNumber       string                  `gorm:"column:order_number;not null;uniqueIndex"`
	OwnerID           string                  `gorm:"column:owner_id;not null"`
	FulfillmentMethod enums.FulfillmentMethod `gorm:"column:fulfillment_method;not null"`
	Status            enums.OrderStatus       `gorm:"column:status;not null"`
	Currency          enums.Currency          `gorm:"column:currency;not null"`
	SubtotalCents     int64                   `gorm:"column:subtotal_cents;not null"`
	ShippingCents     int64                   `gorm:"column:shipping_cents;not null"`
	TotalCents        int64                   `gorm:"column:total_cents;not null"`
	AddressID         *uuid.UUID              `gorm:"column:address_id;type:uuid"`
	PaymentIntentID   *string                 `gorm:"column:payment_intent_id;uniqueIndex"`
	PaidAt            *time.Time              `gorm:"column:paid_at"`
	PickupReadyAt     *time.Time              `gorm:"column:pickup_ready_at"`
	PickedUpAt        *time.Time              `gorm:"column:picked_up_at"`
	DeliveredAt       *time.Time              `gorm:"column:delivered_at"`
	CompletedAt       *time.Time              `gorm:"column:completed_at"`
	CancelledAt       *time.Time              `gorm:"column:cancelled_at"`
	CreatedAt         time.Time               `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time               `gorm:"column:updated_at;autoUpdateTime"`

	Items []OrderItem `gorm:"foreignKey:OrderID"`
}

func (o *Order) BeforeCreate(*gorm.DB) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	return nil
}
