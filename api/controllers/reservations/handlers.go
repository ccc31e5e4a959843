package reservations

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/refillpoint/fulfillment-backend/api/middleware"
	"github.com/refillpoint/fulfillment-backend/api/responses"
	"github.com/refillpoint/fulfillment-backend/api/validators"
	"github.com/refillpoint/fulfillment-backend/pkg/db/models"
	"github.com/refillpoint/fulfillment-backend/pkg/enums"
	pkgerrors "github.com/refillpoint/fulfillment-backend/pkg/errors"
	"github.com/refillpoint/fulfillment-backend/pkg/logger"
)

type reservationManager interface {
	Reserve(ctx context.Context, variantID uuid.UUID, ownerID string, quantity int, ttl time.Duration) (*models.StockReservation, error)
	Get(ctx context.Context, reservationID uuid.UUID) (*models.StockReservation, error)
	Release(ctx context.Context, reservationID uuid.UUID) error
}

type createRequest struct {
	VariantID uuid.UUID `json:"variant_id" validate:"required"`
	Quantity  int       `json:"quantity" validate:"required,gt=0,lte=1000"`
}

type reservationResponse struct {
	ID        uuid.UUID `json:"id"`
	VariantID uuid.UUID `json:"variant_id"`
	Quantity  int       `json:"quantity"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Create holds stock for the caller's cart.
func Create(mgr reservationManager, ttl time.Duration, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		var req createRequest
		if err := validators.DecodeJSONBody(w, r, &req); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		res, err := mgr.Reserve(ctx, req.VariantID, middleware.SubjectFromContext(ctx), req.Quantity, ttl)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, reservationResponse{
			ID:        res.ID,
			VariantID: res.VariantID,
			Quantity:  res.QuantityReserved,
			ExpiresAt: res.ExpiresAt,
		})
	}
}

// Release drops one of the caller's holds. Holds owned by someone else are
// reported as missing; releasing an already-gone hold succeeds.
func Release(mgr reservationManager, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id, err := validators.ParseUUIDParam(r, "reservationId")
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		res, err := mgr.Get(ctx, id)
		switch {
		case pkgerrors.IsCode(err, pkgerrors.CodeNotFound):
			w.WriteHeader(http.StatusNoContent)
			return
		case err != nil:
			responses.WriteError(ctx, logg, w, err)
			return
		}
		if !ownsReservation(ctx, res) {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeNotFound, "reservation not found"))
			return
		}
		if res.OrderID != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeConflict, "reservation belongs to an order"))
			return
		}

		if err := mgr.Release(ctx, id); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func ownsReservation(ctx context.Context, res *models.StockReservation) bool {
	if middleware.RoleFromContext(ctx) == enums.RoleAdmin {
		return true
	}
	return res.OwnerID == middleware.SubjectFromContext(ctx)
}
