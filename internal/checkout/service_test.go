package checkout

import (
	"context"
	"errors"
	"io"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/refillpoint/fulfillment-backend/internal/catalog"
	"github.com/refillpoint/fulfillment-backend/internal/orders"
	"github.com/refillpoint/fulfillment-backend/internal/payments"
	"github.com/refillpoint/fulfillment-backend/internal/reservations"
	"github.com/refillpoint/fulfillment-backend/pkg/clock"
	"github.com/refillpoint/fulfillment-backend/pkg/db/dbtest"
	"github.com/refillpoint/fulfillment-backend/pkg/db/models"
	"github.com/refillpoint/fulfillment-backend/pkg/enums"
	pkgerrors "github.com/refillpoint/fulfillment-backend/pkg/errors"
	"github.com/refillpoint/fulfillment-backend/pkg/logger"
	"github.com/refillpoint/fulfillment-backend/pkg/outbox"
)

var checkoutNow = time.Date(2026, 10, 15, 11, 0, 0, 0, time.UTC)

type stubPayments struct {
	mu    sync.Mutex
	err   error
	calls []uuid.UUID
}

func (s *stubPayments) CreateIntent(_ context.Context, orderID uuid.UUID) (*payments.IntentResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, orderID)
	if s.err != nil {
		return nil, s.err
	}
	return &payments.IntentResult{
		OrderID:         orderID,
		PaymentIntentID: "pi_" + orderID.String()[:8],
		ClientSecret:    "secret_123",
	}, nil
}

type fixture struct {
	svc          Service
	conn         *gorm.DB
	payments     *stubPayments
	reservations reservations.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	client, conn := dbtest.Client(t)
	logg := logger.New(logger.Options{ServiceName: "test", Output: io.Discard})
	now := clock.Fixed(checkoutNow)

	engine, err := orders.NewEngine(orders.EngineParams{
		Repository: orders.NewRepository(conn),
		Tx:         client,
		Logger:     logg,
		Now:        now,
	})
	require.NoError(t, err)
	manager, err := reservations.NewManager(reservations.ManagerParams{
		Repository: reservations.NewRepository(conn),
		Tx:         client,
		Logger:     logg,
		Now:        now,
	})
	require.NoError(t, err)

	stub := &stubPayments{}
	svc, err := NewService(ServiceParams{
		Tx:               client,
		Orders:           orders.NewRepository(conn),
		Engine:           engine,
		Catalog:          catalog.NewRepository(conn),
		Policy:           catalog.NewPolicy([]string{"refill"}),
		Reservations:     manager,
		Payments:         stub,
		Outbox:           outbox.NewService(outbox.NewRepository(conn), logg),
		Logger:           logg,
		Now:              now,
		Currency:         enums.CurrencyEUR,
		DeliveryFeeCents: 500,
	})
	require.NoError(t, err)
	return &fixture{svc: svc, conn: conn, payments: stub, reservations: manager}
}

func (f *fixture) seedVariant(t *testing.T, sku, category string, price int64, stock int) models.ProductVariant {
	t.Helper()
	variant := models.ProductVariant{SKU: sku, Name: sku, Category: category, PriceCents: price, StockQuantity: stock}
	require.NoError(t, f.conn.Create(&variant).Error)
	return variant
}

func (f *fixture) countReservations(t *testing.T) int64 {
	t.Helper()
	var count int64
	require.NoError(t, f.conn.Model(&models.StockReservation{}).Count(&count).Error)
	return count
}

func (f *fixture) countOrders(t *testing.T) int64 {
	t.Helper()
	var count int64
	require.NoError(t, f.conn.Model(&models.Order{}).Count(&count).Error)
	return count
}

func TestExecutePickupCreatesOrderAndHolds(t *testing.T) {
	f := newFixture(t)
	gas := f.seedVariant(t, "GAS-11KG", "refill", 2450, 5)

	result, err := f.svc.Execute(context.Background(), Input{
		OwnerID:           "customer-1",
		Role:              enums.RoleCustomer,
		FulfillmentMethod: enums.FulfillmentPickup,
		Items:             []LineInput{{VariantID: gas.ID, Quantity: 2}},
	})
	require.NoError(t, err)

	order := result.Order
	assert.Regexp(t, regexp.MustCompile(`^RP-261015-[A-HJ-NP-Z2-9]{6}$`), order.OrderNumber)
	assert.Equal(t, enums.OrderStatusPending, order.Status)
	assert.Equal(t, int64(4900), order.SubtotalCents)
	assert.Equal(t, int64(0), order.ShippingCents)
	assert.Equal(t, int64(4900), order.TotalCents)
	assert.Equal(t, "49.00", result.TotalDisplay)
	require.NotNil(t, result.Payment)
	assert.Equal(t, []uuid.UUID{order.ID}, f.payments.calls)

	var items []models.OrderItem
	require.NoError(t, f.conn.Find(&items, "order_id = ?", order.ID).Error)
	require.Len(t, items, 1)
	assert.Equal(t, int64(2450), items[0].UnitPriceCents)
	assert.Equal(t, int64(4900), items[0].LineTotalCents)
	assert.Nil(t, items[0].StockDeductedAt)

	var holds []models.StockReservation
	require.NoError(t, f.conn.Find(&holds).Error)
	require.Len(t, holds, 1)
	require.NotNil(t, holds[0].OrderID)
	assert.Equal(t, order.ID, *holds[0].OrderID)
	assert.Equal(t, 2, holds[0].QuantityReserved)

	var events []models.OutboxEvent
	require.NoError(t, f.conn.Find(&events, "event_type = ?", enums.EventOrderCreated).Error)
	require.Len(t, events, 1)
	assert.Contains(t, string(events[0].Payload), `"total_display":"49.00"`)
}

func TestExecuteDeliveryAddsFeeAndNeedsAddress(t *testing.T) {
	f := newFixture(t)
	hose := f.seedVariant(t, "HOSE-1M", "accessory", 900, 10)
	ctx := context.Background()

	_, err := f.svc.Execute(ctx, Input{
		OwnerID:           "customer-1",
		FulfillmentMethod: enums.FulfillmentDelivery,
		Items:             []LineInput{{VariantID: hose.ID, Quantity: 1}},
	})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	address := uuid.New()
	result, err := f.svc.Execute(ctx, Input{
		OwnerID:           "customer-1",
		FulfillmentMethod: enums.FulfillmentDelivery,
		AddressID:         &address,
		Items:             []LineInput{{VariantID: hose.ID, Quantity: 1}, {VariantID: hose.ID, Quantity: 2}},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2700), result.Order.SubtotalCents)
	assert.Equal(t, int64(500), result.Order.ShippingCents)
	assert.Equal(t, int64(3200), result.Order.TotalCents)
	assert.Equal(t, "32.00", result.TotalDisplay)
	require.Len(t, result.Order.Items, 1, "repeated variants merge into one line")
	assert.Equal(t, 3, result.Order.Items[0].Quantity)
}

func TestExecuteRejectsDeliveryOfPickupOnlyItems(t *testing.T) {
	f := newFixture(t)
	gas := f.seedVariant(t, "GAS-11KG", "refill", 2450, 5)
	address := uuid.New()

	_, err := f.svc.Execute(context.Background(), Input{
		OwnerID:           "customer-1",
		FulfillmentMethod: enums.FulfillmentDelivery,
		AddressID:         &address,
		Items:             []LineInput{{VariantID: gas.ID, Quantity: 1}},
	})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
	assert.Zero(t, f.countReservations(t))
	assert.Zero(t, f.countOrders(t))
	assert.Empty(t, f.payments.calls)
}

func TestExecuteShortStockLeavesNothingBehind(t *testing.T) {
	f := newFixture(t)
	gas := f.seedVariant(t, "GAS-11KG", "refill", 2450, 5)
	valve := f.seedVariant(t, "VALVE", "accessory", 1200, 1)

	_, err := f.svc.Execute(context.Background(), Input{
		OwnerID:           "customer-1",
		FulfillmentMethod: enums.FulfillmentPickup,
		Items: []LineInput{
			{VariantID: gas.ID, Quantity: 2},
			{VariantID: valve.ID, Quantity: 3},
		},
	})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeInsufficientStock))
	assert.Zero(t, f.countReservations(t))
	assert.Zero(t, f.countOrders(t))
}

func TestExecuteUnknownVariant(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Execute(context.Background(), Input{
		OwnerID:           "customer-1",
		FulfillmentMethod: enums.FulfillmentPickup,
		Items:             []LineInput{{VariantID: uuid.New(), Quantity: 1}},
	})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
}

func TestExecuteGatewayFailureCancelsAndReleases(t *testing.T) {
	f := newFixture(t)
	gas := f.seedVariant(t, "GAS-11KG", "refill", 2450, 5)
	f.payments.err = pkgerrors.Wrap(pkgerrors.CodeDependency, errors.New("stripe down"), "create payment intent")

	_, err := f.svc.Execute(context.Background(), Input{
		OwnerID:           "customer-1",
		FulfillmentMethod: enums.FulfillmentPickup,
		Items:             []LineInput{{VariantID: gas.ID, Quantity: 2}},
	})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeDependency))

	var order models.Order
	require.NoError(t, f.conn.First(&order).Error)
	assert.Equal(t, enums.OrderStatusCancelled, order.Status)
	require.NotNil(t, order.CancelledAt)
	assert.Zero(t, f.countReservations(t))

	var variant models.ProductVariant
	require.NoError(t, f.conn.First(&variant, "id = ?", gas.ID).Error)
	assert.Equal(t, 5, variant.StockQuantity)
}

func TestExecuteConvertsCartReservations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	gas := f.seedVariant(t, "GAS-11KG", "refill", 2450, 5)

	hold, err := f.reservations.Reserve(ctx, gas.ID, "guest-42", 3, 0)
	require.NoError(t, err)

	_, err = f.svc.Execute(ctx, Input{
		OwnerID:           "guest-7",
		FulfillmentMethod: enums.FulfillmentPickup,
		ReservationIDs:    []uuid.UUID{hold.ID},
	})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound), "holds belong to their owner")

	result, err := f.svc.Execute(ctx, Input{
		OwnerID:           "guest-42",
		Role:              enums.RoleGuest,
		FulfillmentMethod: enums.FulfillmentPickup,
		ReservationIDs:    []uuid.UUID{hold.ID, hold.ID},
	})
	require.NoError(t, err)
	require.Len(t, result.Order.Items, 1)
	assert.Equal(t, 3, result.Order.Items[0].Quantity)
	assert.Equal(t, int64(1), f.countReservations(t), "the hold is reused, not duplicated")

	converted, err := f.reservations.Get(ctx, hold.ID)
	require.NoError(t, err)
	require.NotNil(t, converted.OrderID)
	assert.Equal(t, result.Order.ID, *converted.OrderID)

	_, err = f.svc.Execute(ctx, Input{
		OwnerID:           "guest-42",
		FulfillmentMethod: enums.FulfillmentPickup,
		ReservationIDs:    []uuid.UUID{hold.ID},
	})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeConflict))
}

func TestExecuteRejectsExpiredCartReservation(t *testing.T) {
	f := newFixture(t)
	gas := f.seedVariant(t, "GAS-11KG", "refill", 2450, 5)
	expired := models.StockReservation{
		VariantID:        gas.ID,
		OwnerID:          "guest-42",
		QuantityReserved: 1,
		ExpiresAt:        checkoutNow,
		CreatedAt:        checkoutNow.Add(-15 * time.Minute),
	}
	require.NoError(t, f.conn.Create(&expired).Error)

	_, err := f.svc.Execute(context.Background(), Input{
		OwnerID:           "guest-42",
		FulfillmentMethod: enums.FulfillmentPickup,
		ReservationIDs:    []uuid.UUID{expired.ID},
	})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeStateConflict))
}

func TestExecuteValidatesInput(t *testing.T) {
	f := newFixture(t)
	variant := uuid.New()
	cases := map[string]Input{
		"missing owner":  {FulfillmentMethod: enums.FulfillmentPickup, Items: []LineInput{{VariantID: variant, Quantity: 1}}},
		"unknown method": {OwnerID: "c", FulfillmentMethod: "drone", Items: []LineInput{{VariantID: variant, Quantity: 1}}},
		"no items":       {OwnerID: "c", FulfillmentMethod: enums.FulfillmentPickup},
		"zero quantity":  {OwnerID: "c", FulfillmentMethod: enums.FulfillmentPickup, Items: []LineInput{{VariantID: variant, Quantity: 0}}},
		"nil variant":    {OwnerID: "c", FulfillmentMethod: enums.FulfillmentPickup, Items: []LineInput{{Quantity: 1}}},
		"items and holds": {
			OwnerID:           "c",
			FulfillmentMethod: enums.FulfillmentPickup,
			Items:             []LineInput{{VariantID: variant, Quantity: 1}},
			ReservationIDs:    []uuid.UUID{uuid.New()},
		},
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.Execute(context.Background(), input)
			require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation), "got %v", err)
		})
	}
}

func TestFormatCents(t *testing.T) {
	assert.Equal(t, "0.00", FormatCents(0))
	assert.Equal(t, "0.05", FormatCents(5))
	assert.Equal(t, "1234.50", FormatCents(123450))
	assert.Equal(t, "-3.10", FormatCents(-310))
}
