package pickup

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/refillpoint/fulfillment-backend/pkg/db/models"
)

// Repository persists pickup credentials, one row per order.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	FindByID(ctx context.Context, id uuid.UUID) (*models.PickupToken, error)
	FindByIDForUpdate(ctx context.Context, id uuid.UUID) (*models.PickupToken, error)
	FindByOrderID(ctx context.Context, orderID uuid.UUID) (*models.PickupToken, error)
	FindByOrderIDForUpdate(ctx context.Context, orderID uuid.UUID) (*models.PickupToken, error)
	// Replace drops any credential for the order and stores token in its place.
	Replace(ctx context.Context, token *models.PickupToken) error
	// MarkUsed flips used only while it is still false; it returns the rows affected.
	MarkUsed(ctx context.Context, id uuid.UUID, at time.Time) (int64, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository builds a pickup token Repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.PickupToken, error) {
	var row models.PickupToken
	if err := r.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *repository) FindByIDForUpdate(ctx context.Context, id uuid.UUID) (*models.PickupToken, error) {
	var row models.PickupToken
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&row, "id = ?", id).Error
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *repository) FindByOrderID(ctx context.Context, orderID uuid.UUID) (*models.PickupToken, error) {
	var row models.PickupToken
	if err := r.db.WithContext(ctx).First(&row, "order_id = ?", orderID).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *repository) FindByOrderIDForUpdate(ctx context.Context, orderID uuid.UUID) (*models.PickupToken, error) {
	var row models.PickupToken
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&row, "order_id = ?", orderID).Error
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *repository) Replace(ctx context.Context, token *models.PickupToken) error {
	db := r.db.WithContext(ctx)
	if err := db.Where("order_id = ?", token.OrderID).Delete(&models.PickupToken{}).Error; err != nil {
		return err
	}
	return db.Create(token).Error
}

func (r *repository) MarkUsed(ctx context.Context, id uuid.UUID, at time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Model(&models.PickupToken{}).
		Where("id = ? AND used = ?", id, false).
		Updates(map[string]any{
			"used":       true,
			"used_at":    at,
			"updated_at": at,
		})
	return res.RowsAffected, res.Error
}
