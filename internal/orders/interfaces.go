package orders

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/refillpoint/fulfillment-backend/pkg/db/models"
	"github.com/refillpoint/fulfillment-backend/pkg/enums"
)

// Repository defines persistence operations for orders and their items.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, order *models.Order) error
	FindByID(ctx context.Context, orderID uuid.UUID) (*models.Order, error)
	FindByIDForUpdate(ctx context.Context, orderID uuid.UUID) (*models.Order, error)
	FindByNumber(ctx context.Context, orderNumber string) (*models.Order, error)
	FindByPaymentIntentForUpdate(ctx context.Context, paymentIntentID string) (*models.Order, error)
	FindItems(ctx context.Context, orderID uuid.UUID) ([]models.OrderItem, error)
	// UpdateStatus writes to only if the row still holds from; it returns the rows affected.
	UpdateStatus(ctx context.Context, orderID uuid.UUID, from, to enums.OrderStatus, updates map[string]any, at time.Time) (int64, error)
	SetPaymentIntent(ctx context.Context, orderID uuid.UUID, paymentIntentID string, at time.Time) error
	// ListStalePending pages pending orders created before cutoff, oldest
	// first, resuming after the cursor when one is given.
	ListStalePending(ctx context.Context, cutoff time.Time, after *PageCursor, limit int) ([]models.Order, error)
}

// PageCursor marks the last row of a page ordered by created_at then id.
type PageCursor struct {
	CreatedAt time.Time
	ID        uuid.UUID
}
