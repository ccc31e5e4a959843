package payments

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/refillpoint/fulfillment-backend/pkg/db/models"
	"github.com/refillpoint/fulfillment-backend/pkg/enums"
)

type repository struct {
	db *gorm.DB
}

// NewRepository builds a payment event Repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) InsertIgnore(ctx context.Context, event *models.PaymentEvent) (bool, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "event_id"}},
			DoNothing: true,
		}).
		Create(event)
	return res.RowsAffected == 1, res.Error
}

func (r *repository) FindByEventID(ctx context.Context, eventID string) (*models.PaymentEvent, error) {
	var row models.PaymentEvent
	if err := r.db.WithContext(ctx).First(&row, "event_id = ?", eventID).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *repository) FindByEventIDForUpdate(ctx context.Context, eventID string) (*models.PaymentEvent, error) {
	var row models.PaymentEvent
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&row, "event_id = ?", eventID).Error
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *repository) MarkProcessed(ctx context.Context, id uuid.UUID, outcome enums.PaymentEventOutcome, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&models.PaymentEvent{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"processed":    true,
			"processed_at": at,
			"outcome":      outcome.String(),
			"updated_at":   at,
		}).Error
}
