package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// PaymentEvent is an inbound processor webhook, stored once per EventID.
type PaymentEvent struct {
	ID              uuid.UUID       `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	EventID         string          `gorm:"column:event_id;not null;uniqueIndex"`
	EventType       string          `gorm:"column:event_type;not null"`
	PaymentIntentID *string         `gorm:"column:payment_intent_id"`
	Payload         json.RawMessage `gorm:"column:payload;type:jsonb;not null"`
	Processed       bool            `gorm:"column:processed;not null;default:false"`
	ProcessedAt     *time.Time      `gorm:"column:processed_at"`
	Outcome         *string         `gorm:"column:outcome"`
	CreatedAt       time.Time       `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time       `gorm:"column:updated_at;autoUpdateTime"`
}

func (e *PaymentEvent) BeforeCreate(*gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}
