package reservations

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/refillpoint/fulfillment-backend/pkg/db"
	"github.com/refillpoint/fulfillment-backend/pkg/db/dbtest"
	"github.com/refillpoint/fulfillment-backend/pkg/db/models"
	"github.com/refillpoint/fulfillment-backend/pkg/enums"
	pkgerrors "github.com/refillpoint/fulfillment-backend/pkg/errors"
	"github.com/refillpoint/fulfillment-backend/pkg/logger"
)

var baseNow = time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestManager(t *testing.T) (Manager, *gorm.DB, *testClock) {
	t.Helper()
	client, conn := dbtest.Client(t)
	clk := &testClock{now: baseNow}
	mgr, err := NewManager(ManagerParams{
		Repository: NewRepository(conn),
		Tx:         client,
		Logger:     logger.New(logger.Options{ServiceName: "test", Output: io.Discard}),
		Now:        clk.Now,
		DefaultTTL: 15 * time.Minute,
	})
	require.NoError(t, err)
	return mgr, conn, clk
}

func seedVariant(t *testing.T, conn *gorm.DB, stock int) models.ProductVariant {
	t.Helper()
	variant := models.ProductVariant{
		SKU:           "SKU-" + uuid.NewString()[:8],
		Name:          "Propane 11kg",
		Category:      "refill",
		PriceCents:    2500,
		StockQuantity: stock,
	}
	require.NoError(t, conn.Create(&variant).Error)
	return variant
}

func stockOf(t *testing.T, conn *gorm.DB, variantID uuid.UUID) int {
	t.Helper()
	var variant models.ProductVariant
	require.NoError(t, conn.First(&variant, "id = ?", variantID).Error)
	return variant.StockQuantity
}

func TestReserveWithinStock(t *testing.T) {
	mgr, conn, _ := newTestManager(t)
	variant := seedVariant(t, conn, 5)

	res, err := mgr.Reserve(context.Background(), variant.ID, "customer-1", 3, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, res.QuantityReserved)
	assert.True(t, res.ExpiresAt.Equal(baseNow.Add(15*time.Minute)))
	assert.Equal(t, 5, stockOf(t, conn, variant.ID), "reserving never touches stock")
}

func TestReserveRejectsOverAvailable(t *testing.T) {
	mgr, conn, _ := newTestManager(t)
	variant := seedVariant(t, conn, 5)
	ctx := context.Background()

	_, err := mgr.Reserve(ctx, variant.ID, "customer-1", 3, time.Minute)
	require.NoError(t, err)

	_, err = mgr.Reserve(ctx, variant.ID, "customer-2", 3, time.Minute)
	require.Error(t, err)
	typed := pkgerrors.As(err)
	require.NotNil(t, typed)
	assert.Equal(t, pkgerrors.CodeInsufficientStock, typed.Code())
	assert.Equal(t, StockShortage{VariantID: variant.ID, Requested: 3, Available: 2}, typed.Details())

	var count int64
	require.NoError(t, conn.Model(&models.StockReservation{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestReserveValidatesInput(t *testing.T) {
	mgr, conn, _ := newTestManager(t)
	variant := seedVariant(t, conn, 5)
	ctx := context.Background()

	for _, qty := range []int{0, -2} {
		_, err := mgr.Reserve(ctx, variant.ID, "customer-1", qty, time.Minute)
		assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation), "qty %d", qty)
	}
	_, err := mgr.Reserve(ctx, variant.ID, "", 1, time.Minute)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	_, err = mgr.Reserve(ctx, uuid.New(), "customer-1", 1, time.Minute)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
}

func TestConcurrentReservesNeverExceedStock(t *testing.T) {
	mgr, conn, _ := newTestManager(t)
	variant := seedVariant(t, conn, 10)

	const attempts = 50
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		shortages int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := mgr.Reserve(context.Background(), variant.ID, uuid.NewString(), 1, time.Minute)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case pkgerrors.IsCode(err, pkgerrors.CodeInsufficientStock):
				shortages++
			default:
				t.Errorf("attempt %d: unexpected error %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 10, successes)
	assert.Equal(t, attempts-10, shortages)
}

func TestConcurrentReservesForWholeStock(t *testing.T) {
	mgr, conn, _ := newTestManager(t)
	variant := seedVariant(t, conn, 5)

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for _, owner := range []string{"a", "b"} {
		wg.Add(1)
		go func(owner string) {
			defer wg.Done()
			_, err := mgr.Reserve(context.Background(), variant.ID, owner, 5, time.Minute)
			errs <- err
		}(owner)
	}
	wg.Wait()
	close(errs)

	var failed int
	for err := range errs {
		if err != nil {
			assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeInsufficientStock))
			failed++
		}
	}
	assert.Equal(t, 1, failed)
}

func TestExpiredReservationsFreeStock(t *testing.T) {
	mgr, conn, clk := newTestManager(t)
	variant := seedVariant(t, conn, 2)
	ctx := context.Background()

	_, err := mgr.Reserve(ctx, variant.ID, "customer-1", 2, time.Minute)
	require.NoError(t, err)
	_, err = mgr.Reserve(ctx, variant.ID, "customer-2", 1, time.Minute)
	require.Error(t, err)

	clk.Advance(time.Minute)
	_, err = mgr.Reserve(ctx, variant.ID, "customer-2", 2, time.Minute)
	require.NoError(t, err, "a reservation expiring exactly now is no longer active")
}

func TestReleaseIsIdempotent(t *testing.T) {
	mgr, conn, _ := newTestManager(t)
	variant := seedVariant(t, conn, 3)
	ctx := context.Background()

	res, err := mgr.Reserve(ctx, variant.ID, "customer-1", 3, time.Minute)
	require.NoError(t, err)

	require.NoError(t, mgr.Release(ctx, res.ID))
	require.NoError(t, mgr.Release(ctx, res.ID))
	require.NoError(t, mgr.Release(ctx, uuid.New()))

	_, err = mgr.Reserve(ctx, variant.ID, "customer-2", 3, time.Minute)
	require.NoError(t, err)

	_, err = mgr.Get(ctx, res.ID)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
}

func TestCommitDeductsStock(t *testing.T) {
	mgr, conn, clk := newTestManager(t)
	variant := seedVariant(t, conn, 4)
	ctx := context.Background()

	res, err := mgr.Reserve(ctx, variant.ID, "customer-1", 3, time.Minute)
	require.NoError(t, err)

	// Late commit: expired but not swept.
	clk.Advance(2 * time.Minute)
	require.NoError(t, mgr.Commit(ctx, res.ID))
	assert.Equal(t, 1, stockOf(t, conn, variant.ID))
	var stored models.ProductVariant
	require.NoError(t, conn.First(&stored, "id = ?", variant.ID).Error)
	assert.True(t, stored.UpdatedAt.Equal(baseNow.Add(2*time.Minute)), "updated_at follows the manager clock")

	err = mgr.Commit(ctx, res.ID)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
}

func TestSweepExpiredRemovesOnlyExpired(t *testing.T) {
	mgr, conn, clk := newTestManager(t)
	variant := seedVariant(t, conn, 10)
	ctx := context.Background()

	short, err := mgr.Reserve(ctx, variant.ID, "customer-1", 1, time.Minute)
	require.NoError(t, err)
	long, err := mgr.Reserve(ctx, variant.ID, "customer-2", 1, time.Hour)
	require.NoError(t, err)

	removed, err := mgr.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed)

	clk.Advance(5 * time.Minute)
	removed, err = mgr.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	_, err = mgr.Get(ctx, short.ID)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
	_, err = mgr.Get(ctx, long.ID)
	assert.NoError(t, err)
}

func seedOrderWithItem(t *testing.T, conn *gorm.DB, variantID uuid.UUID, qty int, status enums.OrderStatus) models.Order {
	t.Helper()
	order := models.Order{
		OrderNumber:       "RP-261015-" + uuid.NewString()[:6],
		OwnerID:           "customer-1",
		FulfillmentMethod: enums.FulfillmentPickup,
		Status:            status,
		Currency:          enums.CurrencyEUR,
		SubtotalCents:     int64(qty) * 2500,
		TotalCents:        int64(qty) * 2500,
	}
	require.NoError(t, conn.Create(&order).Error)
	item := models.OrderItem{
		OrderID:        order.ID,
		VariantID:      variantID,
		Quantity:       qty,
		UnitPriceCents: 2500,
		LineTotalCents: int64(qty) * 2500,
	}
	require.NoError(t, conn.Create(&item).Error)
	return order
}

func TestCommitForOrderUsesReservations(t *testing.T) {
	mgr, conn, _ := newTestManager(t)
	variant := seedVariant(t, conn, 6)
	ctx := context.Background()
	client := db.Wrap(conn)

	res, err := mgr.Reserve(ctx, variant.ID, "customer-1", 2, time.Minute)
	require.NoError(t, err)
	order := seedOrderWithItem(t, conn, variant.ID, 2, enums.OrderStatusPending)

	require.NoError(t, client.WithTx(ctx, func(tx *gorm.DB) error {
		return mgr.AttachToOrderTx(ctx, tx, []uuid.UUID{res.ID}, order.ID)
	}))

	var summary CommitSummary
	require.NoError(t, client.WithTx(ctx, func(tx *gorm.DB) error {
		var err error
		summary, err = mgr.CommitForOrderTx(ctx, tx, order.ID)
		return err
	}))
	assert.Equal(t, 1, summary.ItemsDeducted)
	assert.Empty(t, summary.Oversold)
	assert.Equal(t, 4, stockOf(t, conn, variant.ID))

	var item models.OrderItem
	require.NoError(t, conn.First(&item, "order_id = ?", order.ID).Error)
	require.NotNil(t, item.StockDeductedAt)

	// A second commit finds nothing left to deduct.
	require.NoError(t, client.WithTx(ctx, func(tx *gorm.DB) error {
		var err error
		summary, err = mgr.CommitForOrderTx(ctx, tx, order.ID)
		return err
	}))
	assert.Zero(t, summary.ItemsDeducted)
	assert.Equal(t, 4, stockOf(t, conn, variant.ID))
}

func TestCommitForOrderAfterSweepStillDeducts(t *testing.T) {
	mgr, conn, clk := newTestManager(t)
	variant := seedVariant(t, conn, 1)
	ctx := context.Background()
	client := db.Wrap(conn)

	res, err := mgr.Reserve(ctx, variant.ID, "customer-1", 1, time.Minute)
	require.NoError(t, err)
	order := seedOrderWithItem(t, conn, variant.ID, 1, enums.OrderStatusPending)
	require.NoError(t, client.WithTx(ctx, func(tx *gorm.DB) error {
		return mgr.AttachToOrderTx(ctx, tx, []uuid.UUID{res.ID}, order.ID)
	}))

	clk.Advance(time.Hour)
	_, err = mgr.SweepExpired(ctx)
	require.NoError(t, err)

	// Someone else grabs the unit while the webhook is in flight.
	_, err = mgr.Reserve(ctx, variant.ID, "customer-2", 1, time.Minute)
	require.NoError(t, err)

	var summary CommitSummary
	require.NoError(t, client.WithTx(ctx, func(tx *gorm.DB) error {
		var err error
		summary, err = mgr.CommitForOrderTx(ctx, tx, order.ID)
		return err
	}))
	assert.Equal(t, []uuid.UUID{variant.ID}, summary.Oversold)
	assert.Equal(t, 0, stockOf(t, conn, variant.ID))
}

func TestPendingDeductionsReduceAvailability(t *testing.T) {
	mgr, conn, _ := newTestManager(t)
	variant := seedVariant(t, conn, 5)
	seedOrderWithItem(t, conn, variant.ID, 4, enums.OrderStatusPaid)
	seedOrderWithItem(t, conn, variant.ID, 5, enums.OrderStatusCancelled)

	_, err := mgr.Reserve(context.Background(), variant.ID, "customer-1", 2, time.Minute)
	require.Error(t, err)
	typed := pkgerrors.As(err)
	require.NotNil(t, typed)
	assert.Equal(t, 1, typed.Details().(StockShortage).Available)
}

func TestAttachRejectsForeignReservation(t *testing.T) {
	mgr, conn, _ := newTestManager(t)
	variant := seedVariant(t, conn, 5)
	ctx := context.Background()
	client := db.Wrap(conn)

	res, err := mgr.Reserve(ctx, variant.ID, "customer-1", 1, time.Minute)
	require.NoError(t, err)
	first := seedOrderWithItem(t, conn, variant.ID, 1, enums.OrderStatusPending)
	second := seedOrderWithItem(t, conn, variant.ID, 1, enums.OrderStatusPending)

	require.NoError(t, client.WithTx(ctx, func(tx *gorm.DB) error {
		return mgr.AttachToOrderTx(ctx, tx, []uuid.UUID{res.ID}, first.ID)
	}))
	err = client.WithTx(ctx, func(tx *gorm.DB) error {
		return mgr.AttachToOrderTx(ctx, tx, []uuid.UUID{res.ID}, second.ID)
	})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeConflict))

	removed, err := func() (int64, error) {
		var n int64
		err := client.WithTx(ctx, func(tx *gorm.DB) error {
			var err error
			n, err = mgr.ReleaseForOrderTx(ctx, tx, first.ID)
			return err
		})
		return n, err
	}()
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
}
