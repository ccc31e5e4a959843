package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/refillpoint/fulfillment-backend/pkg/clock"
	"github.com/refillpoint/fulfillment-backend/pkg/db/models"
	"github.com/refillpoint/fulfillment-backend/pkg/enums"
	pkgerrors "github.com/refillpoint/fulfillment-backend/pkg/errors"
	"github.com/refillpoint/fulfillment-backend/pkg/logger"
	"github.com/refillpoint/fulfillment-backend/pkg/metrics"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Notifier receives committed status changes. Failures are logged only.
type Notifier interface {
	OrderStatusChanged(ctx context.Context, change StatusChange) error
}

// Engine is the only writer of order status.
type Engine interface {
	// Transition moves the order to target in its own transaction and
	// notifies after commit.
	Transition(ctx context.Context, orderID uuid.UUID, target enums.OrderStatus, actor Actor) (*models.Order, error)
	// TransitionTx performs the same move inside the caller's transaction.
	// The caller must pass the returned change to Notify once it commits.
	TransitionTx(ctx context.Context, tx *gorm.DB, orderID uuid.UUID, target enums.OrderStatus, actor Actor) (*models.Order, StatusChange, error)
	LegalNextStates(ctx context.Context, orderID uuid.UUID) (*NextStates, error)
	Notify(ctx context.Context, change StatusChange)
}

// EngineParams wires the status engine.
type EngineParams struct {
	Repository Repository
	Tx         txRunner
	Notifier   Notifier
	Logger     *logger.Logger
	Metrics    *metrics.FulfillmentMetrics
	Now        clock.Func
}

type engine struct {
	repo     Repository
	tx       txRunner
	notifier Notifier
	logg     *logger.Logger
	metrics  *metrics.FulfillmentMetrics
	now      clock.Func
}

// NewEngine builds the order status engine.
func NewEngine(params EngineParams) (Engine, error) {
	if params.Repository == nil {
		return nil, fmt.Errorf("orders repository required")
	}
	if params.Tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &engine{
		repo:     params.Repository,
		tx:       params.Tx,
		notifier: params.Notifier,
		logg:     params.Logger,
		metrics:  params.Metrics,
		now:      clock.OrDefault(params.Now),
	}, nil
}

func (e *engine) Transition(ctx context.Context, orderID uuid.UUID, target enums.OrderStatus, actor Actor) (*models.Order, error) {
	var (
		order  *models.Order
		change StatusChange
	)
	err := e.tx.WithTx(ctx, func(tx *gorm.DB) error {
		var err error
		order, change, err = e.TransitionTx(ctx, tx, orderID, target, actor)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.Notify(ctx, change)
	return order, nil
}

func (e *engine) TransitionTx(ctx context.Context, tx *gorm.DB, orderID uuid.UUID, target enums.OrderStatus, actor Actor) (*models.Order, StatusChange, error) {
	if orderID == uuid.Nil {
		return nil, StatusChange{}, pkgerrors.New(pkgerrors.CodeValidation, "order id required")
	}
	if !target.IsValid() {
		return nil, StatusChange{}, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("unknown order status %q", target))
	}

	repo := e.repo.WithTx(tx)
	order, err := repo.FindByIDForUpdate(ctx, orderID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, StatusChange{}, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
		}
		return nil, StatusChange{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order")
	}

	previous := order.Status
	if !CanTransition(previous, target, order.FulfillmentMethod) {
		e.metrics.IncTransitionRejected(previous.String(), target.String())
		return nil, StatusChange{}, rejection(order, target)
	}

	now := e.now()
	updates := stampTransition(order, target, now)
	affected, err := repo.UpdateStatus(ctx, order.ID, previous, target, updates, now)
	if err != nil {
		return nil, StatusChange{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update order status")
	}
	if affected != 1 {
		return nil, StatusChange{}, pkgerrors.New(pkgerrors.CodeStateConflict, "order status changed concurrently")
	}
	order.Status = target
	order.UpdatedAt = now

	return order, StatusChange{
		OrderID:           order.ID,
		OrderNumber:       order.OrderNumber,
		FulfillmentMethod: order.FulfillmentMethod,
		Previous:          previous,
		Current:           target,
		ChangedAt:         now,
		Actor:             actor,
	}, nil
}

func (e *engine) LegalNextStates(ctx context.Context, orderID uuid.UUID) (*NextStates, error) {
	order, err := e.repo.FindByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order")
	}
	return &NextStates{
		OrderID: order.ID,
		Current: order.Status,
		Legal:   LegalTargets(order.Status, order.FulfillmentMethod),
	}, nil
}

func (e *engine) Notify(ctx context.Context, change StatusChange) {
	if change.OrderID == uuid.Nil {
		return
	}
	e.metrics.IncTransition(change.Previous.String(), change.Current.String())

	logCtx := e.logg.WithOrder(ctx, change.OrderID.String(), change.OrderNumber)
	logCtx = e.logg.WithFields(logCtx, map[string]any{
		"previous_status": change.Previous,
		"status":          change.Current,
		"actor_id":        change.Actor.ID,
		"actor_role":      change.Actor.Role,
	})
	e.logg.Info(logCtx, "order status changed")

	if e.notifier == nil {
		return
	}
	if err := e.notifier.OrderStatusChanged(logCtx, change); err != nil {
		e.logg.Warn(e.logg.WithField(logCtx, "error", err.Error()), "order status notification failed")
	}
}

func rejection(order *models.Order, target enums.OrderStatus) error {
	msg := fmt.Sprintf("cannot move order from %s to %s", order.Status, target)
	return pkgerrors.New(pkgerrors.CodeStateConflict, msg).WithDetails(TransitionRejection{
		OrderID: order.ID,
		Current: order.Status,
		Target:  target,
		Legal:   LegalTargets(order.Status, order.FulfillmentMethod),
	})
}

// stampTransition sets the lifecycle timestamp for target on order and returns
// the matching column updates.
func stampTransition(order *models.Order, target enums.OrderStatus, now time.Time) map[string]any {
	updates := map[string]any{}
	ts := now
	switch target {
	case enums.OrderStatusPaid:
		order.PaidAt = &ts
		updates["paid_at"] = ts
	case enums.OrderStatusWaitingForPickup:
		order.PickupReadyAt = &ts
		updates["pickup_ready_at"] = ts
	case enums.OrderStatusPickedUp:
		order.PickedUpAt = &ts
		updates["picked_up_at"] = ts
	case enums.OrderStatusDone:
		order.CompletedAt = &ts
		updates["completed_at"] = ts
		if order.FulfillmentMethod == enums.FulfillmentDelivery {
			order.DeliveredAt = &ts
			updates["delivered_at"] = ts
		}
	case enums.OrderStatusCancelled:
		order.CancelledAt = &ts
		updates["cancelled_at"] = ts
	}
	return updates
}
