package reservations

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

// NewRepository builds a Repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) LockVariant(ctx context.Context, variantID uuid.UUID) (*models.ProductVariant, error) {
	var variant models.ProductVariant
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&variant, "id = ?", variantID).Error
	if err != nil {
		return nil, err
	}
	return &variant, nil
}

func (r *repository) SetStock(ctx context.Context, variantID uuid.UUID, quantity int, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&models.ProductVariant{}).
		Where("id = ?", variantID).
		Updates(map[string]any{
			"stock_quantity": quantity,
			"updated_at":     at,
		}).Error
}

func (r *repository) ActiveReservedQty(ctx context.Context, variantID uuid.UUID, now time.Time) (int, error) {
	var total int
	err := r.db.WithContext(ctx).
		Model(&models.StockReservation{}).
		Select("COALESCE(SUM(quantity_reserved), 0)").
		Where("variant_id = ? AND expires_at > ?", variantID, now).
		Scan(&total).Error
	return total, err
}

func (r *repository) PendingDeductionQty(ctx context.Context, variantID uuid.UUID) (int, error) {
	var total int
	err := r.db.WithContext(ctx).
		Table("order_items").
		Joins("JOIN orders ON orders.id = order_items.order_id").
		Select("COALESCE(SUM(order_items.quantity), 0)").
		Where("order_items.variant_id = ?", variantID).
		Where("order_items.stock_deducted_at IS NULL").
		Where("orders.status NOT IN ?", []enums.OrderStatus{enums.OrderStatusPending, enums.OrderStatusCancelled}).
		Scan(&total).Error
	return total, err
}

func (r *repository) Create(ctx context.Context, reservation *models.StockReservation) error {
	return r.db.WithContext(ctx).Create(reservation).Error
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.StockReservation, error) {
	var row models.StockReservation
	if err := r.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *repository) FindByIDForUpdate(ctx context.Context, id uuid.UUID) (*models.StockReservation, error) {
	var row models.StockReservation
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&row, "id = ?", id).Error
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *repository) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]models.StockReservation, error) {
	var rows []models.StockReservation
	err := r.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("variant_id ASC").
		Find(&rows).Error
	return rows, err
}

func (r *repository) Delete(ctx context.Context, id uuid.UUID) (int64, error) {
	res := r.db.WithContext(ctx).Where("id = ?", id).Delete(&models.StockReservation{})
	return res.RowsAffected, res.Error
}

func (r *repository) DeleteByOrder(ctx context.Context, orderID uuid.UUID) (int64, error) {
	res := r.db.WithContext(ctx).Where("order_id = ?", orderID).Delete(&models.StockReservation{})
	return res.RowsAffected, res.Error
}

func (r *repository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("expires_at <= ?", now).Delete(&models.StockReservation{})
	return res.RowsAffected, res.Error
}

func (r *repository) AttachToOrder(ctx context.Context, ids []uuid.UUID, orderID uuid.UUID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := r.db.WithContext(ctx).
		Model(&models.StockReservation{}).
		Where("id IN ? AND order_id IS NULL", ids).
		Update("order_id", orderID)
	return res.RowsAffected, res.Error
}

func (r *repository) UndeductedItems(ctx context.Context, orderID uuid.UUID) ([]models.OrderItem, error) {
	var items []models.OrderItem
	err := r.db.WithContext(ctx).
		Where("order_id = ? AND stock_deducted_at IS NULL", orderID).
		Order("variant_id ASC").
		Find(&items).Error
	return items, err
}

func (r *repository) MarkItemsDeducted(ctx context.Context, orderID, variantID uuid.UUID, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&models.OrderItem{}).
		Where("order_id = ? AND variant_id = ? AND stock_deducted_at IS NULL", orderID, variantID).
		Update("stock_deducted_at", at).Error
}
