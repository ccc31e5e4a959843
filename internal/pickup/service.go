package pickup

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/refillpoint/fulfillment-backend/internal/orders"
	"github.com/refillpoint/fulfillment-backend/pkg/clock"
	"github.com/refillpoint/fulfillment-backend/pkg/config"
	"github.com/refillpoint/fulfillment-backend/pkg/db/models"
	"github.com/refillpoint/fulfillment-backend/pkg/enums"
	pkgerrors "github.com/refillpoint/fulfillment-backend/pkg/errors"
	"github.com/refillpoint/fulfillment-backend/pkg/logger"
	"github.com/refillpoint/fulfillment-backend/pkg/metrics"
	"github.com/refillpoint/fulfillment-backend/pkg/outbox"
	"github.com/refillpoint/fulfillment-backend/pkg/security"
)

const (
	// DefaultTTL is how long an issued credential stays valid.
	DefaultTTL = 48 * time.Hour
	otpDigits  = 6

	methodOTP   = "otp"
	methodToken = "token"
)

// issuableStatuses are the order states in which a pickup credential may be issued.
var issuableStatuses = map[enums.OrderStatus]struct{}{
	enums.OrderStatusPaid:             {},
	enums.OrderStatusProcessed:        {},
	enums.OrderStatusWaitingForPickup: {},
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxEmitter interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// Service issues and verifies pickup credentials.
type Service interface {
	// Issue creates a fresh credential for a paid pickup order, replacing an
	// unused prior one. A spent credential cannot be replaced.
	Issue(ctx context.Context, orderID uuid.UUID, actor orders.Actor) (*Credential, error)
	// VerifyByOTP checks an OTP against the order's live credential without consuming it.
	VerifyByOTP(ctx context.Context, orderNumber, otp string) (*Match, error)
	// VerifyByToken checks a signed token without consuming it.
	VerifyByToken(ctx context.Context, token string) (*Match, error)
	// MarkUsed consumes the credential carried by token.
	MarkUsed(ctx context.Context, token string) (*Match, error)
	// MarkUsedByOTP consumes the order's credential after an OTP check.
	MarkUsedByOTP(ctx context.Context, orderNumber, otp string) (*Match, error)
	// HandoverByToken consumes the credential and moves the order to picked_up
	// in one transaction.
	HandoverByToken(ctx context.Context, token string, actor orders.Actor) (*Handover, error)
	// HandoverByOTP is HandoverByToken for the order number and OTP path.
	HandoverByOTP(ctx context.Context, orderNumber, otp string, actor orders.Actor) (*Handover, error)
}

// ServiceParams wires the pickup verification service.
type ServiceParams struct {
	Repository Repository
	Orders     orders.Repository
	Engine     orders.Engine
	Tx         txRunner
	Outbox     outboxEmitter
	Logger     *logger.Logger
	Metrics    *metrics.FulfillmentMetrics
	Now        clock.Func
	SigningKey string
	TTL        time.Duration
	Argon      config.PasswordConfig
}

type service struct {
	repo    Repository
	orders  orders.Repository
	engine  orders.Engine
	tx      txRunner
	outbox  outboxEmitter
	logg    *logger.Logger
	metrics *metrics.FulfillmentMetrics
	now     clock.Func
	signer  *tokenSigner
	ttl     time.Duration
	argon   config.PasswordConfig
}

// NewService builds the pickup verification service. Outbox is optional.
func NewService(params ServiceParams) (Service, error) {
	if params.Repository == nil {
		return nil, fmt.Errorf("pickup token repository required")
	}
	if params.Orders == nil {
		return nil, fmt.Errorf("orders repository required")
	}
	if params.Engine == nil {
		return nil, fmt.Errorf("order status engine required")
	}
	if params.Tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	signer, err := newTokenSigner(params.SigningKey)
	if err != nil {
		return nil, err
	}
	ttl := params.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &service{
		repo:    params.Repository,
		orders:  params.Orders,
		engine:  params.Engine,
		tx:      params.Tx,
		outbox:  params.Outbox,
		logg:    params.Logger,
		metrics: params.Metrics,
		now:     clock.OrDefault(params.Now),
		signer:  signer,
		ttl:     ttl,
		argon:   params.Argon,
	}, nil
}

func (s *service) Issue(ctx context.Context, orderID uuid.UUID, actor orders.Actor) (*Credential, error) {
	if orderID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id required")
	}

	otp, err := security.NumericCode(otpDigits)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "generate pickup otp")
	}
	otpHash, err := security.HashSecret(otp, s.argon)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "hash pickup otp")
	}

	var credential *Credential
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		order, err := s.orders.WithTx(tx).FindByIDForUpdate(ctx, orderID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
			}
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order")
		}
		if order.FulfillmentMethod != enums.FulfillmentPickup {
			return pkgerrors.New(pkgerrors.CodeValidation, "pickup credentials are only issued for pickup orders")
		}
		if _, ok := issuableStatuses[order.Status]; !ok {
			return pkgerrors.New(pkgerrors.CodeStateConflict, fmt.Sprintf("order is %s; pickup credentials require a paid order", order.Status)).
				WithDetails(map[string]any{"current_status": order.Status})
		}

		current, err := s.repo.WithTx(tx).FindByOrderIDForUpdate(ctx, order.ID)
		switch {
		case err == nil && current.Used:
			return pkgerrors.New(pkgerrors.CodeCredentialUsed, "order was already handed over with its pickup credential").
				WithDetails(map[string]any{"used_at": current.UsedAt})
		case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load pickup token")
		}

		issuedAt := s.now()
		row := &models.PickupToken{
			ID:        uuid.New(),
			OrderID:   order.ID,
			OTPHash:   otpHash,
			IssuedAt:  issuedAt,
			ExpiresAt: issuedAt.Add(s.ttl),
		}
		signed, err := s.signer.sign(row.ID, order.ID, order.OrderNumber, otp, row.IssuedAt, row.ExpiresAt)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "sign pickup token")
		}
		row.Token = signed

		if err := s.repo.WithTx(tx).Replace(ctx, row); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "store pickup token")
		}

		if s.outbox != nil {
			if err := s.outbox.Emit(ctx, tx, outbox.DomainEvent{
				EventType:     enums.EventPickupTokenIssued,
				AggregateType: enums.AggregatePickupToken,
				AggregateID:   row.ID,
				Actor:         &outbox.ActorRef{ID: actor.ID, Role: actor.Role.String()},
				OccurredAt:    issuedAt,
				Data: outbox.PickupTokenIssuedEvent{
					OrderID:     order.ID,
					OrderNumber: order.OrderNumber,
					ExpiresAt:   row.ExpiresAt,
				},
			}); err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "emit pickup token issued")
			}
		}

		credential = &Credential{
			OrderID:     order.ID,
			OrderNumber: order.OrderNumber,
			OTP:         otp,
			Token:       signed,
			IssuedAt:    row.IssuedAt,
			ExpiresAt:   row.ExpiresAt,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logCtx := s.logg.WithOrder(ctx, credential.OrderID.String(), credential.OrderNumber)
	logCtx = s.logg.WithField(logCtx, "expires_at", credential.ExpiresAt)
	s.logg.Info(logCtx, "pickup credential issued")
	return credential, nil
}

func (s *service) VerifyByOTP(ctx context.Context, orderNumber, otp string) (*Match, error) {
	match, err := s.checkOTP(ctx, s.repo, s.orders, orderNumber, otp, false)
	s.record(ctx, methodOTP, orderNumber, err)
	return match, err
}

func (s *service) VerifyByToken(ctx context.Context, token string) (*Match, error) {
	match, err := s.checkToken(ctx, s.repo, token, false)
	s.record(ctx, methodToken, "", err)
	return match, err
}

func (s *service) MarkUsed(ctx context.Context, token string) (*Match, error) {
	var match *Match
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		var err error
		match, err = s.checkToken(ctx, repo, token, true)
		if err != nil {
			return err
		}
		return s.consume(ctx, repo, match)
	})
	s.record(ctx, "consume_token", "", err)
	if err != nil {
		return nil, err
	}
	return match, nil
}

func (s *service) MarkUsedByOTP(ctx context.Context, orderNumber, otp string) (*Match, error) {
	var match *Match
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		var err error
		match, err = s.checkOTP(ctx, repo, s.orders.WithTx(tx), orderNumber, otp, true)
		if err != nil {
			return err
		}
		return s.consume(ctx, repo, match)
	})
	s.record(ctx, "consume_otp", orderNumber, err)
	if err != nil {
		return nil, err
	}
	return match, nil
}

func (s *service) HandoverByToken(ctx context.Context, token string, actor orders.Actor) (*Handover, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "pickup token required")
	}
	claims, err := s.signer.parse(token)
	if err != nil {
		s.record(ctx, "handover_token", "", err)
		return nil, pkgerrors.Wrap(pkgerrors.CodeSignatureInvalid, err, "pickup token signature invalid")
	}
	handover, err := s.handover(ctx, claims.OrderID, actor, func(tx *gorm.DB) (*Match, error) {
		return s.checkToken(ctx, s.repo.WithTx(tx), token, true)
	})
	s.record(ctx, "handover_token", claims.OrderNumber, err)
	return handover, err
}

func (s *service) HandoverByOTP(ctx context.Context, orderNumber, otp string, actor orders.Actor) (*Handover, error) {
	orderNumber = strings.TrimSpace(orderNumber)
	if orderNumber == "" || strings.TrimSpace(otp) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order number and otp required")
	}
	order, err := s.orders.FindByNumber(ctx, orderNumber)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			err = pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
		} else {
			err = pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order")
		}
		s.record(ctx, "handover_otp", orderNumber, err)
		return nil, err
	}
	handover, err := s.handover(ctx, order.ID, actor, func(tx *gorm.DB) (*Match, error) {
		return s.checkOTP(ctx, s.repo.WithTx(tx), s.orders.WithTx(tx), orderNumber, otp, true)
	})
	s.record(ctx, "handover_otp", orderNumber, err)
	return handover, err
}

// handover locks the order before the credential row, the same order Issue
// takes them in. The credential is spent only if the order moves to
// picked_up in the same transaction.
func (s *service) handover(ctx context.Context, orderID uuid.UUID, actor orders.Actor, check func(tx *gorm.DB) (*Match, error)) (*Handover, error) {
	var (
		result *Handover
		change orders.StatusChange
	)
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		order, err := s.orders.WithTx(tx).FindByIDForUpdate(ctx, orderID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
			}
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order")
		}

		match, err := check(tx)
		if err != nil {
			return err
		}
		if order.Status != enums.OrderStatusWaitingForPickup {
			return pkgerrors.New(pkgerrors.CodeStateConflict, fmt.Sprintf("order is %s; handover requires %s", order.Status, enums.OrderStatusWaitingForPickup)).
				WithDetails(map[string]any{
					"current_status": order.Status,
					"target_status":  enums.OrderStatusPickedUp,
				})
		}
		if err := s.consume(ctx, s.repo.WithTx(tx), match); err != nil {
			return err
		}

		updated, sc, err := s.engine.TransitionTx(ctx, tx, order.ID, enums.OrderStatusPickedUp, actor)
		if err != nil {
			return err
		}
		change = sc
		result = &Handover{Match: *match, OrderStatus: updated.Status}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.engine.Notify(ctx, change)

	logCtx := s.logg.WithOrder(ctx, result.OrderID.String(), result.OrderNumber)
	s.logg.Info(s.logg.WithActorRole(logCtx, actor.Role.String()), "pickup handover complete")
	return result, nil
}

func (s *service) consume(ctx context.Context, repo Repository, match *Match) error {
	usedAt := s.now()
	affected, err := repo.MarkUsed(ctx, match.TokenID, usedAt)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark pickup token used")
	}
	if affected == 0 {
		return pkgerrors.New(pkgerrors.CodeCredentialUsed, "pickup credential already used")
	}
	match.Used = true
	match.UsedAt = &usedAt
	return nil
}

func (s *service) checkOTP(ctx context.Context, repo Repository, orderRepo orders.Repository, orderNumber, otp string, lock bool) (*Match, error) {
	orderNumber = strings.TrimSpace(orderNumber)
	otp = strings.TrimSpace(otp)
	if orderNumber == "" || otp == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order number and otp required")
	}

	order, err := orderRepo.FindByNumber(ctx, orderNumber)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order")
	}

	row, err := s.loadByOrder(ctx, repo, order.ID, lock)
	if err != nil {
		return nil, err
	}

	ok, err := security.VerifySecret(otp, row.OTPHash)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "verify pickup otp")
	}
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeCredentialMismatch, "pickup code does not match")
	}
	if err := s.checkLive(row); err != nil {
		return nil, err
	}
	return matchFor(row, order.OrderNumber), nil
}

func (s *service) checkToken(ctx context.Context, repo Repository, token string, lock bool) (*Match, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "pickup token required")
	}

	claims, err := s.signer.parse(token)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeSignatureInvalid, err, "pickup token signature invalid")
	}
	tokenID, err := uuid.Parse(claims.ID)
	if err != nil {
		return nil, pkgerrors.New(pkgerrors.CodeCredentialMismatch, "pickup token id malformed")
	}

	row, err := s.loadByOrder(ctx, repo, claims.OrderID, lock)
	if err != nil {
		return nil, err
	}
	if row.ID != tokenID {
		return nil, pkgerrors.New(pkgerrors.CodeCredentialMismatch, "pickup token has been replaced")
	}
	ok, err := security.VerifySecret(claims.OTP, row.OTPHash)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "verify pickup otp")
	}
	if !ok || subtle.ConstantTimeCompare([]byte(row.Token), []byte(token)) != 1 {
		return nil, pkgerrors.New(pkgerrors.CodeCredentialMismatch, "pickup token does not match")
	}
	if err := s.checkLive(row); err != nil {
		return nil, err
	}
	return matchFor(row, claims.OrderNumber), nil
}

func (s *service) loadByOrder(ctx context.Context, repo Repository, orderID uuid.UUID, lock bool) (*models.PickupToken, error) {
	var (
		row *models.PickupToken
		err error
	)
	if lock {
		row, err = repo.FindByOrderIDForUpdate(ctx, orderID)
	} else {
		row, err = repo.FindByOrderID(ctx, orderID)
	}
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "no pickup credential issued for order")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load pickup token")
	}
	return row, nil
}

// checkLive runs after the secret matched, so an expired but correct code
// reports expiry rather than a mismatch.
func (s *service) checkLive(row *models.PickupToken) error {
	if row.Used {
		return pkgerrors.New(pkgerrors.CodeCredentialUsed, "pickup credential already used").
			WithDetails(map[string]any{"used_at": row.UsedAt})
	}
	if clock.Expired(row.ExpiresAt, s.now()) {
		return pkgerrors.New(pkgerrors.CodeCredentialExpired, "pickup credential expired").
			WithDetails(map[string]any{"expires_at": row.ExpiresAt})
	}
	return nil
}

func (s *service) record(ctx context.Context, method, orderNumber string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
		if typed := pkgerrors.As(err); typed != nil {
			outcome = strings.ToLower(string(typed.Code()))
		}
	}
	s.metrics.IncPickupVerification(method, outcome)
	if err == nil {
		return
	}
	logCtx := s.logg.WithFields(ctx, map[string]any{
		"method":       method,
		"outcome":      outcome,
		"order_number": orderNumber,
	})
	s.logg.Warn(logCtx, "pickup credential rejected")
}

func matchFor(row *models.PickupToken, orderNumber string) *Match {
	return &Match{
		TokenID:     row.ID,
		OrderID:     row.OrderID,
		OrderNumber: orderNumber,
		ExpiresAt:   row.ExpiresAt,
		Used:        row.Used,
		UsedAt:      row.UsedAt,
	}
}
