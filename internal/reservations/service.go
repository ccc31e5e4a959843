package reservations

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/refillpoint/fulfillment-backend/pkg/clock"
	"github.com/refillpoint/fulfillment-backend/pkg/db/models"
	pkgerrors "github.com/refillpoint/fulfillment-backend/pkg/errors"
	"github.com/refillpoint/fulfillment-backend/pkg/logger"
	"github.com/refillpoint/fulfillment-backend/pkg/metrics"
)

const (
	opReserve = "reserve"
	opRelease = "release"
	opCommit  = "commit"
	opSweep   = "sweep"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Manager holds, releases and converts time-bounded stock reservations.
type Manager interface {
	Reserve(ctx context.Context, variantID uuid.UUID, ownerID string, quantity int, ttl time.Duration) (*models.StockReservation, error)
	ReserveTx(ctx context.Context, tx *gorm.DB, variantID uuid.UUID, ownerID string, quantity int, ttl time.Duration) (*models.StockReservation, error)
	Get(ctx context.Context, reservationID uuid.UUID) (*models.StockReservation, error)
	Release(ctx context.Context, reservationID uuid.UUID) error
	Commit(ctx context.Context, reservationID uuid.UUID) error
	CommitTx(ctx context.Context, tx *gorm.DB, reservationID uuid.UUID) error
	SweepExpired(ctx context.Context) (int64, error)

	AttachToOrderTx(ctx context.Context, tx *gorm.DB, reservationIDs []uuid.UUID, orderID uuid.UUID) error
	CommitForOrderTx(ctx context.Context, tx *gorm.DB, orderID uuid.UUID) (CommitSummary, error)
	ReleaseForOrderTx(ctx context.Context, tx *gorm.DB, orderID uuid.UUID) (int64, error)
}

// ManagerParams wires the reservation manager.
type ManagerParams struct {
	Repository Repository
	Tx         txRunner
	Logger     *logger.Logger
	Metrics    *metrics.FulfillmentMetrics
	Now        clock.Func
	DefaultTTL time.Duration
}

type manager struct {
	repo       Repository
	tx         txRunner
	logg       *logger.Logger
	metrics    *metrics.FulfillmentMetrics
	now        clock.Func
	defaultTTL time.Duration
}

// NewManager builds the stock reservation manager.
func NewManager(params ManagerParams) (Manager, error) {
	if params.Repository == nil {
		return nil, fmt.Errorf("reservations repository required")
	}
	if params.Tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	ttl := params.DefaultTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &manager{
		repo:       params.Repository,
		tx:         params.Tx,
		logg:       params.Logger,
		metrics:    params.Metrics,
		now:        clock.OrDefault(params.Now),
		defaultTTL: ttl,
	}, nil
}

func (m *manager) Reserve(ctx context.Context, variantID uuid.UUID, ownerID string, quantity int, ttl time.Duration) (*models.StockReservation, error) {
	var reservation *models.StockReservation
	err := m.tx.WithTx(ctx, func(tx *gorm.DB) error {
		var err error
		reservation, err = m.ReserveTx(ctx, tx, variantID, ownerID, quantity, ttl)
		return err
	})
	if err != nil {
		return nil, err
	}
	return reservation, nil
}

func (m *manager) ReserveTx(ctx context.Context, tx *gorm.DB, variantID uuid.UUID, ownerID string, quantity int, ttl time.Duration) (*models.StockReservation, error) {
	if quantity <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "quantity must be positive")
	}
	if variantID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "variant id required")
	}
	if ownerID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "owner id required")
	}
	if ttl <= 0 {
		ttl = m.defaultTTL
	}

	repo := m.repo.WithTx(tx)
	variant, err := repo.LockVariant(ctx, variantID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "product variant not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lock product variant")
	}

	now := m.now()
	available, err := m.available(ctx, repo, variant, now)
	if err != nil {
		return nil, err
	}
	if quantity > available {
		m.metrics.IncReservation(opReserve, "insufficient")
		return nil, pkgerrors.New(pkgerrors.CodeInsufficientStock, fmt.Sprintf("only %d units of %s available", available, variant.SKU)).
			WithDetails(StockShortage{VariantID: variantID, Requested: quantity, Available: available})
	}

	reservation := &models.StockReservation{
		VariantID:        variantID,
		OwnerID:          ownerID,
		QuantityReserved: quantity,
		ExpiresAt:        now.Add(ttl),
		CreatedAt:        now,
	}
	if err := repo.Create(ctx, reservation); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create reservation")
	}
	m.metrics.IncReservation(opReserve, "ok")
	return reservation, nil
}

func (m *manager) available(ctx context.Context, repo Repository, variant *models.ProductVariant, now time.Time) (int, error) {
	reserved, err := repo.ActiveReservedQty(ctx, variant.ID, now)
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "sum active reservations")
	}
	pending, err := repo.PendingDeductionQty(ctx, variant.ID)
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "sum pending deductions")
	}
	available := variant.StockQuantity - reserved - pending
	if available < 0 {
		available = 0
	}
	return available, nil
}

func (m *manager) Get(ctx context.Context, reservationID uuid.UUID) (*models.StockReservation, error) {
	row, err := m.repo.FindByID(ctx, reservationID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "reservation not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load reservation")
	}
	return row, nil
}

// Release is idempotent: releasing a missing reservation succeeds.
func (m *manager) Release(ctx context.Context, reservationID uuid.UUID) error {
	affected, err := m.repo.Delete(ctx, reservationID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "release reservation")
	}
	if affected > 0 {
		m.metrics.IncReservation(opRelease, "ok")
	} else {
		m.metrics.IncReservation(opRelease, "noop")
	}
	return nil
}

func (m *manager) Commit(ctx context.Context, reservationID uuid.UUID) error {
	return m.tx.WithTx(ctx, func(tx *gorm.DB) error {
		return m.CommitTx(ctx, tx, reservationID)
	})
}

// CommitTx converts the reservation into a permanent deduction. Expired rows
// that were not swept yet still commit.
func (m *manager) CommitTx(ctx context.Context, tx *gorm.DB, reservationID uuid.UUID) error {
	repo := m.repo.WithTx(tx)
	reservation, err := repo.FindByIDForUpdate(ctx, reservationID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return pkgerrors.New(pkgerrors.CodeNotFound, "reservation not found")
		}
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load reservation")
	}

	now := m.now()
	if clock.Expired(reservation.ExpiresAt, now) {
		m.logg.Warn(m.logg.WithFields(ctx, map[string]any{
			"reservation_id": reservation.ID.String(),
			"expires_at":     reservation.ExpiresAt,
		}), "committing expired reservation")
	}
	if _, err := m.deduct(ctx, repo, reservation.VariantID, reservation.QuantityReserved); err != nil {
		return err
	}
	if reservation.OrderID != nil {
		if err := repo.MarkItemsDeducted(ctx, *reservation.OrderID, reservation.VariantID, now); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark order items deducted")
		}
	}
	if _, err := repo.Delete(ctx, reservation.ID); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "delete committed reservation")
	}
	m.metrics.IncReservation(opCommit, "ok")
	return nil
}

// deduct removes quantity from stock, flooring at zero. It reports whether the
// deduction exceeded stock on hand.
func (m *manager) deduct(ctx context.Context, repo Repository, variantID uuid.UUID, quantity int) (bool, error) {
	variant, err := repo.LockVariant(ctx, variantID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, pkgerrors.New(pkgerrors.CodeNotFound, "product variant not found")
		}
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lock product variant")
	}
	remaining := variant.StockQuantity - quantity
	oversold := remaining < 0
	if oversold {
		m.logg.Warn(m.logg.WithFields(ctx, map[string]any{
			"variant_id": variantID.String(),
			"sku":        variant.SKU,
			"stock":      variant.StockQuantity,
			"deducted":   quantity,
		}), "stock deduction exceeds stock on hand")
		remaining = 0
	}
	if err := repo.SetStock(ctx, variantID, remaining, m.now()); err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "deduct stock")
	}
	return oversold, nil
}

func (m *manager) SweepExpired(ctx context.Context) (int64, error) {
	removed, err := m.repo.DeleteExpired(ctx, m.now())
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "sweep expired reservations")
	}
	if removed > 0 {
		m.metrics.IncReservation(opSweep, "removed")
	}
	return removed, nil
}

func (m *manager) AttachToOrderTx(ctx context.Context, tx *gorm.DB, reservationIDs []uuid.UUID, orderID uuid.UUID) error {
	if orderID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "order id required")
	}
	affected, err := m.repo.WithTx(tx).AttachToOrder(ctx, reservationIDs, orderID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "attach reservations to order")
	}
	if int(affected) != len(reservationIDs) {
		return pkgerrors.New(pkgerrors.CodeConflict, "reservation missing or already attached")
	}
	return nil
}

// CommitForOrderTx deducts stock for every order item not deducted yet and
// drops the order's reservations. Items whose reservation was swept are
// deducted directly; payment always wins.
func (m *manager) CommitForOrderTx(ctx context.Context, tx *gorm.DB, orderID uuid.UUID) (CommitSummary, error) {
	repo := m.repo.WithTx(tx)
	var summary CommitSummary

	items, err := repo.UndeductedItems(ctx, orderID)
	if err != nil {
		return summary, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order items")
	}
	held, err := repo.ListByOrder(ctx, orderID)
	if err != nil {
		return summary, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order reservations")
	}
	reserved := make(map[uuid.UUID]int, len(held))
	for _, r := range held {
		reserved[r.VariantID] += r.QuantityReserved
	}

	now := m.now()
	for _, item := range items {
		if reserved[item.VariantID] < item.Quantity {
			m.logg.Warn(m.logg.WithFields(ctx, map[string]any{
				"order_id":   orderID.String(),
				"variant_id": item.VariantID.String(),
				"reserved":   reserved[item.VariantID],
				"quantity":   item.Quantity,
			}), "committing order item without a live reservation")
			summary.Oversold = append(summary.Oversold, item.VariantID)
		}
		reserved[item.VariantID] -= item.Quantity
		if _, err := m.deduct(ctx, repo, item.VariantID, item.Quantity); err != nil {
			return summary, err
		}
		if err := repo.MarkItemsDeducted(ctx, orderID, item.VariantID, now); err != nil {
			return summary, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark order items deducted")
		}
		summary.ItemsDeducted++
	}

	if _, err := repo.DeleteByOrder(ctx, orderID); err != nil {
		return summary, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "delete order reservations")
	}
	m.metrics.IncReservation(opCommit, "order")
	return summary, nil
}

func (m *manager) ReleaseForOrderTx(ctx context.Context, tx *gorm.DB, orderID uuid.UUID) (int64, error) {
	removed, err := m.repo.WithTx(tx).DeleteByOrder(ctx, orderID)
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "release order reservations")
	}
	m.metrics.IncReservation(opRelease, "order")
	return removed, nil
}
