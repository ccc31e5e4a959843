package pickup

import (
	"context"
	"net/http"
	"strings"

	"github.com/refillpoint/fulfillment-backend/api/middleware"
	"github.com/refillpoint/fulfillment-backend/api/responses"
	"github.com/refillpoint/fulfillment-backend/api/validators"
	internalorders "github.com/refillpoint/fulfillment-backend/internal/orders"
	pickupsvc "github.com/refillpoint/fulfillment-backend/internal/pickup"
	pkgerrors "github.com/refillpoint/fulfillment-backend/pkg/errors"
	"github.com/refillpoint/fulfillment-backend/pkg/logger"
)

type credentialChecker interface {
	VerifyByOTP(ctx context.Context, orderNumber, otp string) (*pickupsvc.Match, error)
	VerifyByToken(ctx context.Context, token string) (*pickupsvc.Match, error)
	HandoverByToken(ctx context.Context, token string, actor internalorders.Actor) (*pickupsvc.Handover, error)
	HandoverByOTP(ctx context.Context, orderNumber, otp string, actor internalorders.Actor) (*pickupsvc.Handover, error)
}

// credentialRequest carries either a scanned token or an order number with
// the OTP the customer reads out.
type credentialRequest struct {
	Token       string `json:"token,omitempty"`
	OrderNumber string `json:"order_number,omitempty"`
	OTP         string `json:"otp,omitempty"`
}

func (c credentialRequest) normalized() credentialRequest {
	return credentialRequest{
		Token:       strings.TrimSpace(c.Token),
		OrderNumber: strings.ToUpper(strings.TrimSpace(c.OrderNumber)),
		OTP:         strings.TrimSpace(c.OTP),
	}
}

func decodeCredential(w http.ResponseWriter, r *http.Request) (credentialRequest, error) {
	var req credentialRequest
	if err := validators.DecodeJSONBody(w, r, &req); err != nil {
		return credentialRequest{}, err
	}
	req = req.normalized()
	byToken := req.Token != ""
	byOTP := req.OrderNumber != "" || req.OTP != ""
	switch {
	case byToken && byOTP:
		return credentialRequest{}, pkgerrors.New(pkgerrors.CodeValidation, "provide either token or order_number with otp, not both")
	case !byToken && (req.OrderNumber == "" || req.OTP == ""):
		return credentialRequest{}, pkgerrors.New(pkgerrors.CodeValidation, "order_number and otp are required without a token")
	}
	return req, nil
}

// Verify checks a pickup credential without consuming it.
func Verify(svc credentialChecker, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		req, err := decodeCredential(w, r)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		var match *pickupsvc.Match
		if req.Token != "" {
			match, err = svc.VerifyByToken(ctx, req.Token)
		} else {
			match, err = svc.VerifyByOTP(ctx, req.OrderNumber, req.OTP)
		}
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, match)
	}
}

// Handover consumes the credential and moves the order to picked up. Both
// happen or neither does.
func Handover(svc credentialChecker, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		req, err := decodeCredential(w, r)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		actor := middleware.ActorFromContext(ctx)
		var handover *pickupsvc.Handover
		if req.Token != "" {
			handover, err = svc.HandoverByToken(ctx, req.Token, actor)
		} else {
			handover, err = svc.HandoverByOTP(ctx, req.OrderNumber, req.OTP, actor)
		}
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, handover)
	}
}
