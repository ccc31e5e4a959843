package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// OrderItem snapshots a variant's price at checkout.
type OrderItem struct {
	ID              uuid.UUID  `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	OrderID         uuid.UUID  `gorm:"column:order_id;type:uuid;not null;index"`
	VariantID       uuid.UUID  `gorm:"column:variant_id;type:uuid;not null"`
	Quantity        int        `gorm:"column:quantity;not null"`
	UnitPriceCents  int64      `gorm:"column:unit_price_cents;not null"`
	LineTotalCents  int64      `gorm:"column:line_total_cents;not null"`
	StockDeductedAt *time.Time `gorm:"column:stock_deducted_at"`
	CreatedAt       time.Time  `gorm:"column:created_at;autoCreateTime"`
}

func (i *OrderItem) BeforeCreate(*gorm.DB) error {
	if i.ID == uuid.Nil {
		i.ID = uuid.New()
	}
	return nil
}
