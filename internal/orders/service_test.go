package orders

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/refillpoint/fulfillment-backend/pkg/clock"
	"github.com/refillpoint/fulfillment-backend/pkg/db"
	"github.com/refillpoint/fulfillment-backend/pkg/db/dbtest"
	"github.com/refillpoint/fulfillment-backend/pkg/db/models"
	"github.com/refillpoint/fulfillment-backend/pkg/enums"
	pkgerrors "github.com/refillpoint/fulfillment-backend/pkg/errors"
	"github.com/refillpoint/fulfillment-backend/pkg/logger"
	"github.com/refillpoint/fulfillment-backend/pkg/outbox"
)

var fixedNow = time.Date(2026, 10, 15, 9, 30, 0, 0, time.UTC)

var adminActor = Actor{ID: "admin-1", Role: enums.RoleAdmin}

type recordingNotifier struct {
	mu      sync.Mutex
	changes []StatusChange
	err     error
}

func (n *recordingNotifier) OrderStatusChanged(_ context.Context, change StatusChange) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.changes = append(n.changes, change)
	return n.err
}

func newTestEngine(t *testing.T, notifier Notifier) (Engine, *gorm.DB) {
	t.Helper()
	client, conn := dbtest.Client(t)
	eng, err := NewEngine(EngineParams{
		Repository: NewRepository(conn),
		Tx:         client,
		Notifier:   notifier,
		Logger:     logger.New(logger.Options{ServiceName: "test", Output: io.Discard}),
		Now:        clock.Fixed(fixedNow),
	})
	require.NoError(t, err)
	return eng, conn
}

func seedOrder(t *testing.T, conn *gorm.DB, method enums.FulfillmentMethod, status enums.OrderStatus) models.Order {
	t.Helper()
	order := models.Order{
		OrderNumber:       "RP-261015-" + uuid.NewString()[:6],
		OwnerID:           "customer-1",
		FulfillmentMethod: method,
		Status:            status,
		Currency:          enums.CurrencyEUR,
		SubtotalCents:     2500,
		TotalCents:        2500,
		CreatedAt:         fixedNow.Add(-time.Hour),
	}
	require.NoError(t, conn.Create(&order).Error)
	return order
}

func TestTransitionHappyPathPickup(t *testing.T) {
	notifier := &recordingNotifier{}
	eng, conn := newTestEngine(t, notifier)
	order := seedOrder(t, conn, enums.FulfillmentPickup, enums.OrderStatusPending)
	ctx := context.Background()

	for _, target := range []enums.OrderStatus{
		enums.OrderStatusPaid,
		enums.OrderStatusProcessed,
		enums.OrderStatusWaitingForPickup,
		enums.OrderStatusPickedUp,
		enums.OrderStatusDone,
	} {
		updated, err := eng.Transition(ctx, order.ID, target, adminActor)
		require.NoError(t, err, "transition to %s", target)
		assert.Equal(t, target, updated.Status)
	}

	var stored models.Order
	require.NoError(t, conn.First(&stored, "id = ?", order.ID).Error)
	assert.Equal(t, enums.OrderStatusDone, stored.Status)
	require.NotNil(t, stored.PaidAt)
	require.NotNil(t, stored.PickupReadyAt)
	require.NotNil(t, stored.PickedUpAt)
	require.NotNil(t, stored.CompletedAt)
	assert.Nil(t, stored.DeliveredAt, "pickup orders never record a delivery")
	assert.True(t, stored.CompletedAt.Equal(fixedNow))
	assert.True(t, stored.UpdatedAt.Equal(fixedNow), "updated_at follows the engine clock")

	require.Len(t, notifier.changes, 5)
	assert.Equal(t, enums.OrderStatusPending, notifier.changes[0].Previous)
	assert.Equal(t, enums.OrderStatusPaid, notifier.changes[0].Current)
	assert.Equal(t, order.OrderNumber, notifier.changes[0].OrderNumber)
}

func TestTransitionDeliveryDoneStampsDeliveredAt(t *testing.T) {
	eng, conn := newTestEngine(t, nil)
	order := seedOrder(t, conn, enums.FulfillmentDelivery, enums.OrderStatusOnDelivery)

	_, err := eng.Transition(context.Background(), order.ID, enums.OrderStatusDone, adminActor)
	require.NoError(t, err)

	var stored models.Order
	require.NoError(t, conn.First(&stored, "id = ?", order.ID).Error)
	require.NotNil(t, stored.DeliveredAt)
	require.NotNil(t, stored.CompletedAt)
}

func TestTransitionRejectsIllegalTarget(t *testing.T) {
	cases := []struct {
		name    string
		current enums.OrderStatus
		legal   []enums.OrderStatus
	}{
		{"paid pickup", enums.OrderStatusPaid, []enums.OrderStatus{enums.OrderStatusProcessed, enums.OrderStatusCancelled}},
		{"processed pickup", enums.OrderStatusProcessed, []enums.OrderStatus{enums.OrderStatusWaitingForPickup, enums.OrderStatusCancelled}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			notifier := &recordingNotifier{}
			eng, conn := newTestEngine(t, notifier)
			order := seedOrder(t, conn, enums.FulfillmentPickup, tc.current)

			_, err := eng.Transition(context.Background(), order.ID, enums.OrderStatusOnDelivery, adminActor)
			require.Error(t, err)

			typed := pkgerrors.As(err)
			require.NotNil(t, typed)
			assert.Equal(t, pkgerrors.CodeStateConflict, typed.Code())
			details, ok := typed.Details().(TransitionRejection)
			require.True(t, ok)
			assert.Equal(t, order.ID, details.OrderID)
			assert.Equal(t, tc.current, details.Current)
			assert.Equal(t, enums.OrderStatusOnDelivery, details.Target)
			assert.ElementsMatch(t, tc.legal, details.Legal)

			var stored models.Order
			require.NoError(t, conn.First(&stored, "id = ?", order.ID).Error)
			assert.Equal(t, tc.current, stored.Status)
			assert.Empty(t, notifier.changes)
		})
	}
}

func TestTransitionFromTerminalStateIsRejected(t *testing.T) {
	eng, conn := newTestEngine(t, nil)
	order := seedOrder(t, conn, enums.FulfillmentDelivery, enums.OrderStatusDone)

	_, err := eng.Transition(context.Background(), order.ID, enums.OrderStatusCancelled, adminActor)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeStateConflict))
}

func TestTransitionUnknownOrderAndStatus(t *testing.T) {
	eng, _ := newTestEngine(t, nil)
	ctx := context.Background()

	_, err := eng.Transition(ctx, uuid.New(), enums.OrderStatusPaid, adminActor)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))

	_, err = eng.Transition(ctx, uuid.New(), "shipped", adminActor)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

func TestNotificationFailureDoesNotRollBack(t *testing.T) {
	notifier := &recordingNotifier{err: errors.New("broker down")}
	eng, conn := newTestEngine(t, notifier)
	order := seedOrder(t, conn, enums.FulfillmentPickup, enums.OrderStatusPending)

	updated, err := eng.Transition(context.Background(), order.ID, enums.OrderStatusCancelled, adminActor)
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusCancelled, updated.Status)

	var stored models.Order
	require.NoError(t, conn.First(&stored, "id = ?", order.ID).Error)
	assert.Equal(t, enums.OrderStatusCancelled, stored.Status)
	require.NotNil(t, stored.CancelledAt)
}

func TestConcurrentTransitionsApplyOnce(t *testing.T) {
	notifier := &recordingNotifier{}
	eng, conn := newTestEngine(t, notifier)
	order := seedOrder(t, conn, enums.FulfillmentPickup, enums.OrderStatusPending)

	const attempts = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := eng.Transition(context.Background(), order.ID, enums.OrderStatusPaid, adminActor)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case pkgerrors.IsCode(err, pkgerrors.CodeStateConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, attempts-1, conflicts)
	assert.Len(t, notifier.changes, 1)
}

func TestTransitionTxRollsBackWithCaller(t *testing.T) {
	notifier := &recordingNotifier{}
	eng, conn := newTestEngine(t, notifier)
	order := seedOrder(t, conn, enums.FulfillmentPickup, enums.OrderStatusPending)

	err := db.Wrap(conn).WithTx(context.Background(), func(tx *gorm.DB) error {
		if _, _, err := eng.TransitionTx(context.Background(), tx, order.ID, enums.OrderStatusPaid, adminActor); err != nil {
			return err
		}
		return errors.New("reservation commit failed")
	})
	require.Error(t, err)

	var stored models.Order
	require.NoError(t, conn.First(&stored, "id = ?", order.ID).Error)
	assert.Equal(t, enums.OrderStatusPending, stored.Status)
	assert.Nil(t, stored.PaidAt)
	assert.Empty(t, notifier.changes, "TransitionTx never notifies on its own")
}

func TestLegalNextStates(t *testing.T) {
	eng, conn := newTestEngine(t, nil)
	order := seedOrder(t, conn, enums.FulfillmentDelivery, enums.OrderStatusProcessed)

	next, err := eng.LegalNextStates(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusProcessed, next.Current)
	assert.Equal(t, []enums.OrderStatus{enums.OrderStatusOnDelivery, enums.OrderStatusCancelled}, next.Legal)

	_, err = eng.LegalNextStates(context.Background(), uuid.New())
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
}

func TestOutboxNotifierQueuesEvent(t *testing.T) {
	client, conn := dbtest.Client(t)
	notifier, err := NewOutboxNotifier(client, outbox.NewService(outbox.NewRepository(conn), nil))
	require.NoError(t, err)

	orderID := uuid.New()
	err = notifier.OrderStatusChanged(context.Background(), StatusChange{
		OrderID:     orderID,
		OrderNumber: "RP-261015-ABCDEF",
		Previous:    enums.OrderStatusPaid,
		Current:     enums.OrderStatusProcessed,
		ChangedAt:   fixedNow,
		Actor:       adminActor,
	})
	require.NoError(t, err)

	var row models.OutboxEvent
	require.NoError(t, conn.First(&row, "aggregate_id = ?", orderID).Error)
	assert.Equal(t, enums.EventOrderStatusChanged, row.EventType)
	assert.Contains(t, string(row.Payload), `"previous_status":"paid"`)
	assert.Contains(t, string(row.Payload), `"role":"admin"`)
}
