package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/refillpoint/fulfillment-backend/internal/orders"
	"github.com/refillpoint/fulfillment-backend/pkg/clock"
	"github.com/refillpoint/fulfillment-backend/pkg/db/models"
	"github.com/refillpoint/fulfillment-backend/pkg/enums"
	pkgerrors "github.com/refillpoint/fulfillment-backend/pkg/errors"
	"github.com/refillpoint/fulfillment-backend/pkg/logger"
	pkgstripe "github.com/refillpoint/fulfillment-backend/pkg/stripe"
)

const (
	defaultPendingTTL = 24 * time.Hour
	stalePageSize     = 100
)

// expiryActor attributes cancellations made by the stale order job.
var expiryActor = orders.Actor{ID: "system:cron", Role: enums.RoleAdmin}

// intentsInFlight are processor states in which money may still arrive, so
// the order is left for the webhook to settle.
var intentsInFlight = map[string]struct{}{
	"succeeded":        {},
	"processing":       {},
	"requires_capture": {},
}

const intentCanceled = "canceled"

type staleOrderReader interface {
	ListStalePending(ctx context.Context, cutoff time.Time, after *orders.PageCursor, limit int) ([]models.Order, error)
}

type reservationReleaser interface {
	ReleaseForOrderTx(ctx context.Context, tx *gorm.DB, orderID uuid.UUID) (int64, error)
}

type intentGateway interface {
	GetPaymentIntent(ctx context.Context, id string) (*pkgstripe.Intent, error)
	CancelPaymentIntent(ctx context.Context, id string) (*pkgstripe.Intent, error)
}

// StaleOrderJobParams configure the stale pending order job. Intents is
// optional; without it every stale order is cancelled and its intent, if
// any, is left with the processor.
type StaleOrderJobParams struct {
	Logger       *logger.Logger
	DB           txRunner
	Orders       staleOrderReader
	Engine       orders.Engine
	Reservations reservationReleaser
	Intents      intentGateway
	PendingTTL   time.Duration
	PageSize     int
	Now          clock.Func
}

// NewStaleOrderJob cancels PENDING orders older than PendingTTL and returns
// their held stock.
func NewStaleOrderJob(params StaleOrderJobParams) (Job, error) {
	switch {
	case params.Logger == nil:
		return nil, fmt.Errorf("logger required")
	case params.DB == nil:
		return nil, fmt.Errorf("db runner required")
	case params.Orders == nil:
		return nil, fmt.Errorf("orders reader required")
	case params.Engine == nil:
		return nil, fmt.Errorf("order status engine required")
	case params.Reservations == nil:
		return nil, fmt.Errorf("reservation releaser required")
	}
	ttl := params.PendingTTL
	if ttl <= 0 {
		ttl = defaultPendingTTL
	}
	pageSize := params.PageSize
	if pageSize <= 0 {
		pageSize = stalePageSize
	}
	return &staleOrderJob{
		logg:         params.Logger,
		db:           params.DB,
		orders:       params.Orders,
		engine:       params.Engine,
		reservations: params.Reservations,
		intents:      params.Intents,
		ttl:          ttl,
		pageSize:     pageSize,
		now:          clock.OrDefault(params.Now),
	}, nil
}

type staleOrderJob struct {
	logg         *logger.Logger
	db           txRunner
	orders       staleOrderReader
	engine       orders.Engine
	reservations reservationReleaser
	intents      intentGateway
	ttl          time.Duration
	pageSize     int
	now          clock.Func
}

func (j *staleOrderJob) Name() string { return "stale-pending-orders" }

// Run walks every stale order page by page. Orders left pending stay behind
// the cursor, so a page full of them never starves the ones after it.
func (j *staleOrderJob) Run(ctx context.Context) error {
	cutoff := j.now().Add(-j.ttl)

	var (
		errs      error
		after     *orders.PageCursor
		found     int
		cancelled int
		skipped   int
	)
	for {
		if err := ctx.Err(); err != nil {
			return multierr.Append(errs, err)
		}
		stale, err := j.orders.ListStalePending(ctx, cutoff, after, j.pageSize)
		if err != nil {
			return multierr.Append(errs, fmt.Errorf("list stale pending orders: %w", err))
		}
		found += len(stale)
		for _, order := range stale {
			done, err := j.expire(ctx, order)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("order %s: %w", order.OrderNumber, err))
				continue
			}
			if done {
				cancelled++
			} else {
				skipped++
			}
		}
		if len(stale) < j.pageSize {
			break
		}
		last := stale[len(stale)-1]
		after = &orders.PageCursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}

	logCtx := j.logg.WithFields(ctx, map[string]any{
		"cutoff":    cutoff,
		"found":     found,
		"cancelled": cancelled,
		"skipped":   skipped,
	})
	j.logg.Info(logCtx, "stale pending order sweep complete")
	return errs
}

// expire reports false when the order was left alone.
func (j *staleOrderJob) expire(ctx context.Context, order models.Order) (bool, error) {
	logCtx := j.logg.WithOrder(ctx, order.ID.String(), order.OrderNumber)

	if j.intents != nil && order.PaymentIntentID != nil && *order.PaymentIntentID != "" {
		intent, err := j.intents.GetPaymentIntent(ctx, *order.PaymentIntentID)
		if err != nil {
			return false, fmt.Errorf("check payment intent: %w", err)
		}
		if _, inFlight := intentsInFlight[intent.Status]; inFlight {
			j.logg.Warn(j.logg.WithField(logCtx, "intent_status", intent.Status), "stale order has a payment in flight; leaving it pending")
			return false, nil
		}
		// The intent goes first: once it is cancelled no payment can land on
		// an order this job is about to cancel.
		if intent.Status != intentCanceled {
			if _, err := j.intents.CancelPaymentIntent(ctx, intent.ID); err != nil {
				return false, fmt.Errorf("cancel payment intent: %w", err)
			}
			j.logg.Info(j.logg.WithField(logCtx, "payment_intent_id", intent.ID), "payment intent cancelled for stale order")
		}
	}

	var change orders.StatusChange
	err := j.db.WithTx(ctx, func(tx *gorm.DB) error {
		var err error
		_, change, err = j.engine.TransitionTx(ctx, tx, order.ID, enums.OrderStatusCancelled, expiryActor)
		if err != nil {
			return err
		}
		_, err = j.reservations.ReleaseForOrderTx(ctx, tx, order.ID)
		return err
	})
	if err != nil {
		if pkgerrors.IsCode(err, pkgerrors.CodeStateConflict) {
			// Moved on since the listing, most likely paid by a webhook.
			return false, nil
		}
		return false, err
	}
	j.engine.Notify(ctx, change)
	return true, nil
}
