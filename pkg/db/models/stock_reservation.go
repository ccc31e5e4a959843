package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// StockReservation is a time-bounded hold on variant stock.
type StockReservation struct {
	ID               uuid.UUID  `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	VariantID        uuid.UUID  `gorm:"column:variant_id;type:uuid;not null;index"`
	OwnerID          string     `gorm:"column:owner_id;not null"`
	OrderID          *uuid.UUID `gorm:"column:order_id;type:uuid;index"`
	QuantityReserved int        `gorm:"column:quantity_reserved;not null"`
	ExpiresAt        time.Time  `gorm:"column:expires_at;not null;index"`
	CreatedAt        time.Time  `gorm:"column:created_at;autoCreateTime"`
}

func (r *StockReservation) BeforeCreate(*gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}
