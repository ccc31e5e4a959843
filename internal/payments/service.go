package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v84"
	"gorm.io/gorm"

	"github.com/refillpoint/fulfillment-backend/internal/orders"
	"github.com/refillpoint/fulfillment-backend/internal/reservations"
	"github.com/refillpoint/fulfillment-backend/pkg/clock"
	"github.com/refillpoint/fulfillment-backend/pkg/db/models"
	"github.com/refillpoint/fulfillment-backend/pkg/enums"
	pkgerrors "github.com/refillpoint/fulfillment-backend/pkg/errors"
	"github.com/refillpoint/fulfillment-backend/pkg/logger"
	"github.com/refillpoint/fulfillment-backend/pkg/metrics"
	"github.com/refillpoint/fulfillment-backend/pkg/outbox"
	pkgstripe "github.com/refillpoint/fulfillment-backend/pkg/stripe"
)

// webhookActor attributes reconciliation transitions in logs and events.
var webhookActor = orders.Actor{ID: "stripe:webhook", Role: enums.RoleAdmin}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Reconciler opens payment intents and applies processor webhooks to orders.
type Reconciler interface {
	CreateIntent(ctx context.Context, orderID uuid.UUID) (*IntentResult, error)
	HandleWebhookEvent(ctx context.Context, payload []byte, signature string) (*WebhookResult, error)
}

// ReconcilerParams wires the payment reconciler.
type ReconcilerParams struct {
	Repository   Repository
	Orders       orders.Repository
	Engine       orders.Engine
	Reservations reservations.Manager
	Gateway      Gateway
	Verifier     EventVerifier
	Guard        WebhookGuard
	Outbox       outboxEmitter
	Tx           txRunner
	Logger       *logger.Logger
	Metrics      *metrics.FulfillmentMetrics
	Now          clock.Func
	// CancelOnFailure cancels the order on a failed payment instead of
	// leaving it pending for another attempt.
	CancelOnFailure bool
}

type reconciler struct {
	repo            Repository
	orders          orders.Repository
	engine          orders.Engine
	reservations    reservations.Manager
	gateway         Gateway
	verifier        EventVerifier
	guard           WebhookGuard
	outbox          outboxEmitter
	tx              txRunner
	logg            *logger.Logger
	metrics         *metrics.FulfillmentMetrics
	now             clock.Func
	cancelOnFailure bool
}

// NewReconciler builds the payment reconciler. Guard and Outbox are optional.
func NewReconciler(params ReconcilerParams) (Reconciler, error) {
	switch {
	case params.Repository == nil:
		return nil, fmt.Errorf("payment events repository required")
	case params.Orders == nil:
		return nil, fmt.Errorf("orders repository required")
	case params.Engine == nil:
		return nil, fmt.Errorf("order status engine required")
	case params.Reservations == nil:
		return nil, fmt.Errorf("reservation manager required")
	case params.Gateway == nil:
		return nil, fmt.Errorf("payment gateway required")
	case params.Verifier == nil:
		return nil, fmt.Errorf("webhook verifier required")
	case params.Tx == nil:
		return nil, fmt.Errorf("transaction runner required")
	case params.Logger == nil:
		return nil, fmt.Errorf("logger required")
	}
	return &reconciler{
		repo:            params.Repository,
		orders:          params.Orders,
		engine:          params.Engine,
		reservations:    params.Reservations,
		gateway:         params.Gateway,
		verifier:        params.Verifier,
		guard:           params.Guard,
		outbox:          params.Outbox,
		tx:              params.Tx,
		logg:            params.Logger,
		metrics:         params.Metrics,
		now:             clock.OrDefault(params.Now),
		cancelOnFailure: params.CancelOnFailure,
	}, nil
}

func (r *reconciler) CreateIntent(ctx context.Context, orderID uuid.UUID) (*IntentResult, error) {
	order, err := r.orders.FindByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order")
	}
	if order.Status != enums.OrderStatusPending {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, fmt.Sprintf("order is %s; payment intents require a pending order", order.Status))
	}

	// A canceled intent cannot be confirmed, so the order gets a fresh one
	// keyed to the intent it replaces.
	replaced := ""
	idempotencyKey := order.OrderNumber
	if order.PaymentIntentID != nil && *order.PaymentIntentID != "" {
		intent, err := r.gateway.GetPaymentIntent(ctx, *order.PaymentIntentID)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "retrieve payment intent")
		}
		if intent.Status != string(stripe.PaymentIntentStatusCanceled) {
			return intentResult(order, intent), nil
		}
		replaced = intent.ID
		idempotencyKey = order.OrderNumber + ":" + replaced
	}

	intent, err := r.gateway.CreatePaymentIntent(ctx, pkgstripe.IntentRequest{
		AmountCents:    order.TotalCents,
		Currency:       order.Currency.String(),
		OrderID:        order.ID.String(),
		OrderNumber:    order.OrderNumber,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create payment intent")
	}

	winner := ""
	err = r.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := r.orders.WithTx(tx)
		locked, err := repo.FindByIDForUpdate(ctx, order.ID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lock order")
		}
		if locked.PaymentIntentID != nil && *locked.PaymentIntentID != replaced {
			winner = *locked.PaymentIntentID
			return nil
		}
		if err := repo.SetPaymentIntent(ctx, order.ID, intent.ID, r.now()); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "store payment intent")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logCtx := r.logg.WithOrder(ctx, order.ID.String(), order.OrderNumber)
	if winner != "" {
		stored, err := r.gateway.GetPaymentIntent(ctx, winner)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "retrieve payment intent")
		}
		r.logg.Info(r.logg.WithField(logCtx, "payment_intent_id", stored.ID), "payment intent already stored")
		return intentResult(order, stored), nil
	}
	if replaced != "" {
		logCtx = r.logg.WithField(logCtx, "replaced_payment_intent_id", replaced)
	}
	r.logg.Info(r.logg.WithField(logCtx, "payment_intent_id", intent.ID), "payment intent created")
	return intentResult(order, intent), nil
}

func intentResult(order *models.Order, intent *pkgstripe.Intent) *IntentResult {
	return &IntentResult{
		OrderID:         order.ID,
		OrderNumber:     order.OrderNumber,
		PaymentIntentID: intent.ID,
		ClientSecret:    intent.ClientSecret,
		AmountCents:     order.TotalCents,
		Currency:        order.Currency,
	}
}

func (r *reconciler) HandleWebhookEvent(ctx context.Context, payload []byte, signature string) (*WebhookResult, error) {
	event, err := r.verifier.ConstructEvent(payload, signature)
	if err != nil {
		r.metrics.IncWebhookEvent("unknown", "signature_invalid")
		return nil, pkgerrors.Wrap(pkgerrors.CodeSignatureInvalid, err, "verify webhook signature")
	}
	if event.ID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "event id missing")
	}

	eventType := string(event.Type)
	result := &WebhookResult{EventID: event.ID, EventType: eventType}
	logCtx := r.logg.WithFields(ctx, map[string]any{
		"event_id":   event.ID,
		"event_type": eventType,
	})

	guarded := false
	if r.guard != nil {
		seen, err := r.guard.CheckAndMark(ctx, event.ID)
		switch {
		case err != nil:
			r.logg.Warn(r.logg.WithField(logCtx, "error", err.Error()), "webhook guard unavailable")
		case seen:
			if existing, err := r.repo.FindByEventID(ctx, event.ID); err == nil && existing.Processed {
				result.Duplicate = true
				r.metrics.IncWebhookEvent(eventType, "duplicate")
				return result, nil
			}
		default:
			guarded = true
		}
	}

	outcome, change, err := r.apply(logCtx, event, payload)
	if err != nil {
		if guarded {
			if delErr := r.guard.Delete(ctx, event.ID); delErr != nil {
				r.logg.Warn(r.logg.WithField(logCtx, "error", delErr.Error()), "webhook guard release failed")
			}
		}
		r.metrics.IncWebhookEvent(eventType, "error")
		return nil, err
	}
	if outcome == "" {
		result.Duplicate = true
		r.metrics.IncWebhookEvent(eventType, "duplicate")
		return result, nil
	}

	r.engine.Notify(ctx, change)
	result.Outcome = outcome
	r.metrics.IncWebhookEvent(eventType, outcome.String())
	r.logg.Info(r.logg.WithField(logCtx, "outcome", outcome), "payment event processed")
	return result, nil
}

// apply records the event and drives the order in one transaction. An empty
// outcome means the event had already been processed.
func (r *reconciler) apply(ctx context.Context, event stripe.Event, payload []byte) (enums.PaymentEventOutcome, orders.StatusChange, error) {
	var (
		outcome enums.PaymentEventOutcome
		change  orders.StatusChange
	)
	intentID := event.GetObjectValue("id")
	record := &models.PaymentEvent{
		EventID:   event.ID,
		EventType: string(event.Type),
		Payload:   json.RawMessage(payload),
	}
	if intentID != "" && isPaymentIntentEvent(event.Type) {
		record.PaymentIntentID = &intentID
	}
	if _, err := r.repo.InsertIgnore(ctx, record); err != nil {
		return "", change, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "record payment event")
	}

	err := r.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := r.repo.WithTx(tx)
		row, err := repo.FindByEventIDForUpdate(ctx, event.ID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lock payment event")
		}
		if row.Processed {
			return nil
		}

		switch event.Type {
		case stripe.EventTypePaymentIntentSucceeded:
			outcome, change, err = r.applySucceeded(ctx, tx, event)
		case stripe.EventTypePaymentIntentPaymentFailed, stripe.EventTypePaymentIntentCanceled:
			outcome, change, err = r.applyFailed(ctx, tx, event)
		default:
			outcome = enums.PaymentOutcomeIgnored
		}
		if err != nil {
			return err
		}
		if err := repo.MarkProcessed(ctx, row.ID, outcome, r.now()); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark payment event processed")
		}
		return nil
	})
	if err != nil {
		return "", orders.StatusChange{}, err
	}
	return outcome, change, nil
}

func (r *reconciler) applySucceeded(ctx context.Context, tx *gorm.DB, event stripe.Event) (enums.PaymentEventOutcome, orders.StatusChange, error) {
	order, err := r.matchOrder(ctx, tx, event)
	if err != nil || order == nil {
		return enums.PaymentOutcomeUnmatched, orders.StatusChange{}, err
	}

	_, change, err := r.engine.TransitionTx(ctx, tx, order.ID, enums.OrderStatusPaid, webhookActor)
	if err != nil {
		if pkgerrors.IsCode(err, pkgerrors.CodeStateConflict) {
			r.logg.Warn(r.logg.WithOrder(ctx, order.ID.String(), order.OrderNumber), "payment succeeded for an order that already left pending")
			return enums.PaymentOutcomeRejected, orders.StatusChange{}, nil
		}
		return "", orders.StatusChange{}, err
	}

	summary, err := r.reservations.CommitForOrderTx(ctx, tx, order.ID)
	if err != nil {
		return "", orders.StatusChange{}, err
	}
	if len(summary.Oversold) > 0 {
		r.logg.Warn(r.logg.WithFields(r.logg.WithOrder(ctx, order.ID.String(), order.OrderNumber), map[string]any{
			"oversold_variants": len(summary.Oversold),
		}), "payment committed stock without live reservations")
	}
	return enums.PaymentOutcomePaid, change, nil
}

func (r *reconciler) applyFailed(ctx context.Context, tx *gorm.DB, event stripe.Event) (enums.PaymentEventOutcome, orders.StatusChange, error) {
	order, err := r.matchOrder(ctx, tx, event)
	if err != nil || order == nil {
		return enums.PaymentOutcomeUnmatched, orders.StatusChange{}, err
	}
	if order.Status != enums.OrderStatusPending {
		return enums.PaymentOutcomeRejected, orders.StatusChange{}, nil
	}

	if _, err := r.reservations.ReleaseForOrderTx(ctx, tx, order.ID); err != nil {
		return "", orders.StatusChange{}, err
	}

	outcome := enums.PaymentOutcomeReleased
	var change orders.StatusChange
	if r.cancelOnFailure {
		_, change, err = r.engine.TransitionTx(ctx, tx, order.ID, enums.OrderStatusCancelled, webhookActor)
		if err != nil {
			return "", orders.StatusChange{}, err
		}
		outcome = enums.PaymentOutcomeCancelled
	}

	if r.outbox != nil {
		err := r.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventPaymentFailed,
			AggregateType: enums.AggregateOrder,
			AggregateID:   order.ID,
			Actor:         &outbox.ActorRef{ID: webhookActor.ID, Role: webhookActor.Role.String()},
			Data: outbox.PaymentFailedEvent{
				OrderID:         order.ID,
				OrderNumber:     order.OrderNumber,
				PaymentIntentID: event.GetObjectValue("id"),
				Cancelled:       outcome == enums.PaymentOutcomeCancelled,
			},
		})
		if err != nil {
			return "", orders.StatusChange{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "emit payment failed event")
		}
	}
	return outcome, change, nil
}

// matchOrder locks the order by payment intent id, falling back to the
// order_id metadata. A nil order with a nil error means no match.
func (r *reconciler) matchOrder(ctx context.Context, tx *gorm.DB, event stripe.Event) (*models.Order, error) {
	repo := r.orders.WithTx(tx)
	if intentID := event.GetObjectValue("id"); intentID != "" {
		order, err := repo.FindByPaymentIntentForUpdate(ctx, intentID)
		if err == nil {
			return order, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "match order by payment intent")
		}
	}
	if raw := event.GetObjectValue("metadata", "order_id"); raw != "" {
		orderID, err := uuid.Parse(raw)
		if err == nil {
			order, err := repo.FindByIDForUpdate(ctx, orderID)
			if err == nil {
				return order, nil
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "match order by metadata")
			}
		}
	}
	r.logg.Warn(ctx, "payment event matches no order")
	return nil, nil
}

func isPaymentIntentEvent(t stripe.EventType) bool {
	switch t {
	case stripe.EventTypePaymentIntentSucceeded,
		stripe.EventTypePaymentIntentPaymentFailed,
		stripe.EventTypePaymentIntentCanceled:
		return true
	}
	return false
}
