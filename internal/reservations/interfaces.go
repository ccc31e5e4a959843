package reservations

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/refillpoint/fulfillment-backend/pkg/db/models"
)

// Repository defines persistence operations for stock reservations and the
// stock columns they guard.
type Repository interface {
	WithTx(tx *gorm.DB) Repository

	// LockVariant takes the per-variant row lock that serializes availability checks.
	LockVariant(ctx context.Context, variantID uuid.UUID) (*models.ProductVariant, error)
	SetStock(ctx context.Context, variantID uuid.UUID, quantity int, at time.Time) error
	ActiveReservedQty(ctx context.Context, variantID uuid.UUID, now time.Time) (int, error)
	// PendingDeductionQty sums order items of paid orders whose stock was not deducted yet.
	PendingDeductionQty(ctx context.Context, variantID uuid.UUID) (int, error)

	Create(ctx context.Context, reservation *models.StockReservation) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.StockReservation, error)
	FindByIDForUpdate(ctx context.Context, id uuid.UUID) (*models.StockReservation, error)
	ListByOrder(ctx context.Context, orderID uuid.UUID) ([]models.StockReservation, error)
	Delete(ctx context.Context, id uuid.UUID) (int64, error)
	DeleteByOrder(ctx context.Context, orderID uuid.UUID) (int64, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
	AttachToOrder(ctx context.Context, ids []uuid.UUID, orderID uuid.UUID) (int64, error)

	UndeductedItems(ctx context.Context, orderID uuid.UUID) ([]models.OrderItem, error)
	MarkItemsDeducted(ctx context.Context, orderID, variantID uuid.UUID, at time.Time) error
}
