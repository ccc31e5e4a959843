package checkout

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/refillpoint/fulfillment-backend/internal/catalog"
	"github.com/refillpoint/fulfillment-backend/internal/orders"
	"github.com/refillpoint/fulfillment-backend/internal/payments"
	"github.com/refillpoint/fulfillment-backend/internal/reservations"
	"github.com/refillpoint/fulfillment-backend/pkg/clock"
	"github.com/refillpoint/fulfillment-backend/pkg/db/models"
	"github.com/refillpoint/fulfillment-backend/pkg/enums"
	pkgerrors "github.com/refillpoint/fulfillment-backend/pkg/errors"
	"github.com/refillpoint/fulfillment-backend/pkg/logger"
	"github.com/refillpoint/fulfillment-backend/pkg/outbox"
)

// cleanupActor attributes cancellations of orders whose payment intent could not be opened.
var cleanupActor = orders.Actor{ID: "system:checkout", Role: enums.RoleAdmin}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type intentCreator interface {
	CreateIntent(ctx context.Context, orderID uuid.UUID) (*payments.IntentResult, error)
}

type outboxEmitter interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// Service executes checkout orchestration.
type Service interface {
	Execute(ctx context.Context, input Input) (*Result, error)
}

// ServiceParams wires the checkout orchestrator.
type ServiceParams struct {
	Tx               txRunner
	Orders           orders.Repository
	Engine           orders.Engine
	Catalog          catalog.Repository
	Policy           catalog.Policy
	Reservations     reservations.Manager
	Payments         intentCreator
	Outbox           outboxEmitter
	Logger           *logger.Logger
	Now              clock.Func
	Currency         enums.Currency
	DeliveryFeeCents int64
	ReservationTTL   time.Duration
}

type service struct {
	tx               txRunner
	orders           orders.Repository
	engine           orders.Engine
	catalog          catalog.Repository
	policy           catalog.Policy
	reservations     reservations.Manager
	payments         intentCreator
	outbox           outboxEmitter
	logg             *logger.Logger
	now              clock.Func
	currency         enums.Currency
	deliveryFeeCents int64
	reservationTTL   time.Duration
}

// NewService builds the checkout service. Outbox is optional.
func NewService(params ServiceParams) (Service, error) {
	switch {
	case params.Tx == nil:
		return nil, fmt.Errorf("tx runner required")
	case params.Orders == nil:
		return nil, fmt.Errorf("orders repository required")
	case params.Engine == nil:
		return nil, fmt.Errorf("order status engine required")
	case params.Catalog == nil:
		return nil, fmt.Errorf("catalog repository required")
	case params.Reservations == nil:
		return nil, fmt.Errorf("reservation manager required")
	case params.Payments == nil:
		return nil, fmt.Errorf("payment reconciler required")
	case params.Logger == nil:
		return nil, fmt.Errorf("logger required")
	case params.DeliveryFeeCents < 0:
		return nil, fmt.Errorf("delivery fee must be non-negative")
	}
	currency := params.Currency
	if currency == "" {
		currency = enums.CurrencyEUR
	}
	if !currency.IsValid() {
		return nil, fmt.Errorf("unsupported currency %q", currency)
	}
	return &service{
		tx:               params.Tx,
		orders:           params.Orders,
		engine:           params.Engine,
		catalog:          params.Catalog,
		policy:           params.Policy,
		reservations:     params.Reservations,
		payments:         params.Payments,
		outbox:           params.Outbox,
		logg:             params.Logger,
		now:              clock.OrDefault(params.Now),
		currency:         currency,
		deliveryFeeCents: params.DeliveryFeeCents,
		reservationTTL:   params.ReservationTTL,
	}, nil
}

type line struct {
	variantID uuid.UUID
	quantity  int
}

func (s *service) Execute(ctx context.Context, input Input) (*Result, error) {
	if err := validateInput(&input); err != nil {
		return nil, err
	}

	var (
		lines []line
		held  []uuid.UUID
		err   error
	)
	if len(input.ReservationIDs) > 0 {
		lines, held, err = s.linesFromReservations(ctx, input.OwnerID, input.ReservationIDs)
	} else {
		lines = mergeLines(input.Items)
	}
	if err != nil {
		return nil, err
	}

	ids := make([]uuid.UUID, len(lines))
	for i, l := range lines {
		ids[i] = l.variantID
	}
	variants, err := catalog.NewLookup(s.catalog).Variants(ctx, ids)
	if err != nil {
		return nil, err
	}
	ordered := make([]*models.ProductVariant, len(lines))
	for i, l := range lines {
		ordered[i] = variants[l.variantID]
	}
	if err := s.policy.CheckFulfillment(input.FulfillmentMethod, ordered); err != nil {
		return nil, err
	}

	now := s.now()
	order := &models.Order{
		OwnerID:           input.OwnerID,
		FulfillmentMethod: input.FulfillmentMethod,
		Status:            enums.OrderStatusPending,
		Currency:          s.currency,
		AddressID:         input.AddressID,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	for _, l := range lines {
		variant := variants[l.variantID]
		lineTotal := variant.PriceCents * int64(l.quantity)
		order.SubtotalCents += lineTotal
		order.Items = append(order.Items, models.OrderItem{
			VariantID:      variant.ID,
			Quantity:       l.quantity,
			UnitPriceCents: variant.PriceCents,
			LineTotalCents: lineTotal,
			CreatedAt:      now,
		})
	}
	if input.FulfillmentMethod == enums.FulfillmentDelivery {
		order.ShippingCents = s.deliveryFeeCents
	}
	order.TotalCents = order.SubtotalCents + order.ShippingCents

	number, err := NewOrderNumber(now)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "generate order number")
	}
	order.OrderNumber = number

	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		reservationIDs := held
		if len(reservationIDs) == 0 {
			for _, l := range lines {
				reservation, err := s.reservations.ReserveTx(ctx, tx, l.variantID, input.OwnerID, l.quantity, s.reservationTTL)
				if err != nil {
					return err
				}
				reservationIDs = append(reservationIDs, reservation.ID)
			}
		}

		if err := s.orders.WithTx(tx).Create(ctx, order); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create order")
		}
		if err := s.reservations.AttachToOrderTx(ctx, tx, reservationIDs, order.ID); err != nil {
			return err
		}

		if s.outbox == nil {
			return nil
		}
		if err := s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventOrderCreated,
			AggregateType: enums.AggregateOrder,
			AggregateID:   order.ID,
			Actor:         &outbox.ActorRef{ID: input.OwnerID, Role: input.Role.String()},
			OccurredAt:    now,
			Data: outbox.OrderCreatedEvent{
				OrderID:           order.ID,
				OrderNumber:       order.OrderNumber,
				FulfillmentMethod: order.FulfillmentMethod,
				Currency:          order.Currency,
				TotalCents:        order.TotalCents,
				TotalDisplay:      FormatCents(order.TotalCents),
				ItemCount:         len(order.Items),
			},
		}); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "emit order created")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logCtx := s.logg.WithOrder(ctx, order.ID.String(), order.OrderNumber)
	s.logg.Info(logCtx, "order created")

	intent, err := s.payments.CreateIntent(ctx, order.ID)
	if err != nil {
		s.abandon(logCtx, order, err)
		return nil, err
	}
	order.PaymentIntentID = &intent.PaymentIntentID

	return &Result{
		Order:        order,
		Payment:      intent,
		TotalDisplay: FormatCents(order.TotalCents),
	}, nil
}

// abandon releases the order's reservations and cancels it after the payment
// intent could not be opened. Failures are logged; the original error wins.
func (s *service) abandon(ctx context.Context, order *models.Order, cause error) {
	s.logg.Error(ctx, "payment intent creation failed; cancelling order", cause)

	var change orders.StatusChange
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		if _, err := s.reservations.ReleaseForOrderTx(ctx, tx, order.ID); err != nil {
			return err
		}
		var err error
		_, change, err = s.engine.TransitionTx(ctx, tx, order.ID, enums.OrderStatusCancelled, cleanupActor)
		return err
	})
	if err != nil {
		s.logg.Error(ctx, "failed to cancel order after payment intent failure", err)
		return
	}
	s.engine.Notify(ctx, change)
}

func (s *service) linesFromReservations(ctx context.Context, ownerID string, ids []uuid.UUID) ([]line, []uuid.UUID, error) {
	now := s.now()
	quantities := map[uuid.UUID]int{}
	held := make([]uuid.UUID, 0, len(ids))
	seen := map[uuid.UUID]struct{}{}

	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		reservation, err := s.reservations.Get(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		if reservation.OwnerID != ownerID {
			return nil, nil, pkgerrors.New(pkgerrors.CodeNotFound, "reservation not found")
		}
		if reservation.OrderID != nil {
			return nil, nil, pkgerrors.New(pkgerrors.CodeConflict, "reservation already belongs to an order")
		}
		if clock.Expired(reservation.ExpiresAt, now) {
			return nil, nil, pkgerrors.New(pkgerrors.CodeStateConflict, "reservation expired").
				WithDetails(map[string]any{"reservation_id": id, "expires_at": reservation.ExpiresAt})
		}
		quantities[reservation.VariantID] += reservation.QuantityReserved
		held = append(held, id)
	}

	lines := make([]line, 0, len(quantities))
	for variantID, qty := range quantities {
		lines = append(lines, line{variantID: variantID, quantity: qty})
	}
	sortLines(lines)
	return lines, held, nil
}

func validateInput(input *Input) error {
	input.OwnerID = strings.TrimSpace(input.OwnerID)
	if input.OwnerID == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "owner id required")
	}
	if !input.FulfillmentMethod.IsValid() {
		return pkgerrors.New(pkgerrors.CodeValidation, "fulfillment method must be pickup or delivery")
	}
	if input.FulfillmentMethod == enums.FulfillmentDelivery && (input.AddressID == nil || *input.AddressID == uuid.Nil) {
		return pkgerrors.New(pkgerrors.CodeValidation, "delivery orders require an address")
	}
	if input.FulfillmentMethod == enums.FulfillmentPickup {
		input.AddressID = nil
	}
	hasItems, hasHolds := len(input.Items) > 0, len(input.ReservationIDs) > 0
	switch {
	case !hasItems && !hasHolds:
		return pkgerrors.New(pkgerrors.CodeValidation, "checkout requires items")
	case hasItems && hasHolds:
		return pkgerrors.New(pkgerrors.CodeValidation, "send either items or reservation ids, not both")
	}
	for _, item := range input.Items {
		if item.VariantID == uuid.Nil {
			return pkgerrors.New(pkgerrors.CodeValidation, "variant id required")
		}
		if item.Quantity <= 0 {
			return pkgerrors.New(pkgerrors.CodeValidation, "quantity must be positive").
				WithDetails(map[string]any{"variant_id": item.VariantID})
		}
	}
	return nil
}

// mergeLines folds repeated variants into one line so each variant row is
// locked once per checkout.
func mergeLines(items []LineInput) []line {
	quantities := map[uuid.UUID]int{}
	for _, item := range items {
		quantities[item.VariantID] += item.Quantity
	}
	lines := make([]line, 0, len(quantities))
	for variantID, qty := range quantities {
		lines = append(lines, line{variantID: variantID, quantity: qty})
	}
	sortLines(lines)
	return lines
}

// sortLines fixes the variant lock order across concurrent checkouts.
func sortLines(lines []line) {
	sort.Slice(lines, func(i, j int) bool {
		return lines[i].variantID.String() < lines[j].variantID.String()
	})
}
