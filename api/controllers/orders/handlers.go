package orders

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/refillpoint/fulfillment-backend/api/middleware"
	"github.com/refillpoint/fulfillment-backend/api/responses"
	"github.com/refillpoint/fulfillment-backend/api/validators"
	internalorders "github.com/refillpoint/fulfillment-backend/internal/orders"
	"github.com/refillpoint/fulfillment-backend/internal/payments"
	"github.com/refillpoint/fulfillment-backend/internal/pickup"
	"github.com/refillpoint/fulfillment-backend/pkg/db/models"
	"github.com/refillpoint/fulfillment-backend/pkg/enums"
	pkgerrors "github.com/refillpoint/fulfillment-backend/pkg/errors"
	"github.com/refillpoint/fulfillment-backend/pkg/logger"
)

type orderReader interface {
	FindByID(ctx context.Context, orderID uuid.UUID) (*models.Order, error)
}

type intentCreator interface {
	CreateIntent(ctx context.Context, orderID uuid.UUID) (*payments.IntentResult, error)
}

type statusEngine interface {
	Transition(ctx context.Context, orderID uuid.UUID, target enums.OrderStatus, actor internalorders.Actor) (*models.Order, error)
	LegalNextStates(ctx context.Context, orderID uuid.UUID) (*internalorders.NextStates, error)
}

type credentialIssuer interface {
	Issue(ctx context.Context, orderID uuid.UUID, actor internalorders.Actor) (*pickup.Credential, error)
}

type transitionRequest struct {
	Status string `json:"status" validate:"required"`
}

type orderResponse struct {
	ID                uuid.UUID               `json:"id"`
	OrderNumber       string                  `json:"order_number"`
	Status            enums.OrderStatus       `json:"status"`
	FulfillmentMethod enums.FulfillmentMethod `json:"fulfillment_method"`
	TotalCents        int64                   `json:"total_cents"`
	Currency          enums.Currency          `json:"currency"`
}

func toOrderResponse(o *models.Order) orderResponse {
	return orderResponse{
		ID:                o.ID,
		OrderNumber:       o.OrderNumber,
		Status:            o.Status,
		FulfillmentMethod: o.FulfillmentMethod,
		TotalCents:        o.TotalCents,
		Currency:          o.Currency,
	}
}

// PaymentIntent opens or returns the payment intent for one of the caller's
// pending orders.
func PaymentIntent(repo orderReader, svc intentCreator, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		orderID, err := validators.ParseUUIDParam(r, "orderId")
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		order, err := repo.FindByID(ctx, orderID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				err = pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
			} else {
				err = pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order")
			}
			responses.WriteError(ctx, logg, w, err)
			return
		}
		if middleware.RoleFromContext(ctx) != enums.RoleAdmin && order.OwnerID != middleware.SubjectFromContext(ctx) {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeNotFound, "order not found"))
			return
		}

		intent, err := svc.CreateIntent(ctx, orderID)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, intent)
	}
}

// NextStates lists the statuses the order may move to.
func NextStates(engine statusEngine, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		orderID, err := validators.ParseUUIDParam(r, "orderId")
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		next, err := engine.LegalNextStates(ctx, orderID)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, next)
	}
}

// Transition moves the order to the requested status as the caller.
func Transition(engine statusEngine, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		orderID, err := validators.ParseUUIDParam(r, "orderId")
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		var req transitionRequest
		if err := validators.DecodeJSONBody(w, r, &req); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		target, err := enums.ParseOrderStatus(strings.ToLower(strings.TrimSpace(req.Status)))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "unknown order status").
				WithDetails(map[string]any{"status": req.Status, "allowed": enums.OrderStatuses()}))
			return
		}

		order, err := engine.Transition(ctx, orderID, target, middleware.ActorFromContext(ctx))
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, toOrderResponse(order))
	}
}

// IssuePickupToken mints a fresh pickup credential, replacing any earlier one.
// The OTP appears only in this response.
func IssuePickupToken(svc credentialIssuer, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		orderID, err := validators.ParseUUIDParam(r, "orderId")
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		credential, err := svc.Issue(ctx, orderID, middleware.ActorFromContext(ctx))
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		w.Header().Set("Cache-Control", "no-store")
		responses.WriteSuccessStatus(w, http.StatusCreated, credential)
	}
}
