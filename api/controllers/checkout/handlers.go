package checkout

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/refillpoint/fulfillment-backend/api/middleware"
	"github.com/refillpoint/fulfillment-backend/api/responses"
	"github.com/refillpoint/fulfillment-backend/api/validators"
	checkoutsvc "github.com/refillpoint/fulfillment-backend/internal/checkout"
	"github.com/refillpoint/fulfillment-backend/pkg/enums"
	pkgerrors "github.com/refillpoint/fulfillment-backend/pkg/errors"
	"github.com/refillpoint/fulfillment-backend/pkg/logger"
)

type checkoutExecutor interface {
	Execute(ctx context.Context, input checkoutsvc.Input) (*checkoutsvc.Result, error)
}

type createRequest struct {
	FulfillmentMethod string                  `json:"fulfillment_method" validate:"required,oneof=pickup delivery"`
	AddressID         *uuid.UUID              `json:"address_id,omitempty"`
	Items             []checkoutsvc.LineInput `json:"items,omitempty" validate:"omitempty,dive"`
	ReservationIDs    []uuid.UUID             `json:"reservation_ids,omitempty"`
}

// Create places an order for the caller and returns the payment intent the
// client confirms.
func Create(svc checkoutExecutor, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "checkout service unavailable"))
			return
		}

		var req createRequest
		if err := validators.DecodeJSONBody(w, r, &req); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		result, err := svc.Execute(ctx, checkoutsvc.Input{
			OwnerID:           middleware.SubjectFromContext(ctx),
			Role:              middleware.RoleFromContext(ctx),
			FulfillmentMethod: enums.FulfillmentMethod(req.FulfillmentMethod),
			AddressID:         req.AddressID,
			Items:             req.Items,
			ReservationIDs:    req.ReservationIDs,
		})
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, result)
	}
}
