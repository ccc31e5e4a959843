package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/refillpoint/fulfillment-backend/api/controllers"
	"github.com/refillpoint/fulfillment-backend/internal/checkout"
	"github.com/refillpoint/fulfillment-backend/internal/orders"
	"github.com/refillpoint/fulfillment-backend/internal/payments"
	"github.com/refillpoint/fulfillment-backend/internal/pickup"
	"github.com/refillpoint/fulfillment-backend/internal/reservations"
	pkgauth "github.com/refillpoint/fulfillment-backend/pkg/auth"
	"github.com/refillpoint/fulfillment-backend/pkg/config"
	"github.com/refillpoint/fulfillment-backend/pkg/db/dbtest"
	"github.com/refillpoint/fulfillment-backend/pkg/db/models"
	"github.com/refillpoint/fulfillment-backend/pkg/enums"
	pkgerrors "github.com/refillpoint/fulfillment-backend/pkg/errors"
	"github.com/refillpoint/fulfillment-backend/pkg/logger"
	"github.com/refillpoint/fulfillment-backend/pkg/outbox"
)

type stubPinger struct{ err error }

func (s stubPinger) Ping(context.Context) error { return s.err }

type stubReconciler struct {
	intents   []uuid.UUID
	signature string
}

func (s *stubReconciler) CreateIntent(_ context.Context, orderID uuid.UUID) (*payments.IntentResult, error) {
	s.intents = append(s.intents, orderID)
	return &payments.IntentResult{OrderID: orderID, PaymentIntentID: "pi_test", ClientSecret: "cs_test"}, nil
}

func (s *stubReconciler) HandleWebhookEvent(_ context.Context, _ []byte, signature string) (*payments.WebhookResult, error) {
	s.signature = signature
	if signature == "bad" {
		return nil, pkgerrors.New(pkgerrors.CodeSignatureInvalid, "verify webhook signature")
	}
	return &payments.WebhookResult{EventID: "evt_1", EventType: "payment_intent.succeeded", Outcome: enums.PaymentOutcomePaid}, nil
}

type stubCheckout struct {
	input checkout.Input
}

func (s *stubCheckout) Execute(_ context.Context, input checkout.Input) (*checkout.Result, error) {
	s.input = input
	return &checkout.Result{Order: &models.Order{OrderNumber: "RP-261015-ABCDEF"}, TotalDisplay: "10.00"}, nil
}

type harness struct {
	t          *testing.T
	handler    http.Handler
	conn       *gorm.DB
	cfg        *config.Config
	reconciler *stubReconciler
	checkout   *stubCheckout
}

func newHarness(t *testing.T, readiness map[string]controllers.Pinger) *harness {
	t.Helper()
	client, conn := dbtest.Client(t)
	logg := logger.New(logger.Options{ServiceName: "test", Output: io.Discard})
	cfg := &config.Config{
		App:          config.AppConfig{Env: "test"},
		JWT:          config.JWTConfig{Secret: "jwt-secret", Issuer: "refillpoint", ExpirationMinutes: 30},
		Reservations: config.ReservationsConfig{TTL: 15 * time.Minute},
		CORS:         config.CORSConfig{AllowedOrigins: []string{"*"}},
	}

	orderRepo := orders.NewRepository(conn)
	engine, err := orders.NewEngine(orders.EngineParams{Repository: orderRepo, Tx: client, Logger: logg})
	require.NoError(t, err)
	manager, err := reservations.NewManager(reservations.ManagerParams{
		Repository: reservations.NewRepository(conn),
		Tx:         client,
		Logger:     logg,
	})
	require.NoError(t, err)
	pickupSvc, err := pickup.NewService(pickup.ServiceParams{
		Repository: pickup.NewRepository(conn),
		Orders:     orderRepo,
		Engine:     engine,
		Tx:         client,
		Outbox:     outbox.NewService(outbox.NewRepository(conn), logg),
		Logger:     logg,
		SigningKey: "pickup-key",
		Argon:      config.PasswordConfig{ArgonMemoryKB: 8, ArgonTime: 1, ArgonParallelism: 1, ArgonSaltLen: 8, ArgonKeyLen: 16},
	})
	require.NoError(t, err)

	h := &harness{t: t, conn: conn, cfg: cfg, reconciler: &stubReconciler{}, checkout: &stubCheckout{}}
	h.handler = NewRouter(Deps{
		Config:       cfg,
		Logger:       logg,
		Readiness:    readiness,
		Gatherer:     prometheus.NewRegistry(),
		Orders:       orderRepo,
		Engine:       engine,
		Reservations: manager,
		Payments:     h.reconciler,
		Pickup:       pickupSvc,
		Checkout:     h.checkout,
	})
	return h
}

func (h *harness) token(subject string, role enums.Role) string {
	h.t.Helper()
	tok, err := pkgauth.MintAccessToken(h.cfg.JWT, time.Now(), pkgauth.AccessTokenPayload{Subject: subject, Role: role})
	require.NoError(h.t, err)
	return tok
}

func (h *harness) do(method, path, token string, body any) *httptest.ResponseRecorder {
	h.t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(h.t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func (h *harness) seedVariant(stock int) models.ProductVariant {
	h.t.Helper()
	v := models.ProductVariant{SKU: "GAS-" + uuid.NewString()[:4], Name: "Gas 11kg", Category: "refill", PriceCents: 2450, StockQuantity: stock}
	require.NoError(h.t, h.conn.Create(&v).Error)
	return v
}

func (h *harness) seedOrder(owner string, status enums.OrderStatus) models.Order {
	h.t.Helper()
	order := models.Order{
		OrderNumber:       "RP-261015-" + strings.ToUpper(uuid.NewString()[:6]),
		OwnerID:           owner,
		FulfillmentMethod: enums.FulfillmentPickup,
		Status:            status,
		Currency:          enums.CurrencyEUR,
		SubtotalCents:     2450,
		TotalCents:        2450,
	}
	require.NoError(h.t, h.conn.Create(&order).Error)
	return order
}

func data(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var env struct {
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return env.Data
}

func errCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return env.Error.Code
}

func TestHealthAndMetricsRoutes(t *testing.T) {
	h := newHarness(t, map[string]controllers.Pinger{"db": stubPinger{}, "redis": stubPinger{}})

	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/health/live", "", nil).Code)
	rec := h.do(http.MethodGet, "/health/ready", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready", data(t, rec)["status"])
	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/metrics", "", nil).Code)

	down := newHarness(t, map[string]controllers.Pinger{"db": stubPinger{}, "redis": stubPinger{err: errors.New("dial tcp")}})
	rec = down.do(http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "DEPENDENCY_ERROR", errCode(t, rec))
}

func TestAdminRoutesRequireCapability(t *testing.T) {
	h := newHarness(t, nil)
	order := h.seedOrder("customer-1", enums.OrderStatusPaid)
	path := "/api/admin/v1/orders/" + order.ID.String() + "/transition"
	body := map[string]string{"status": "processed"}

	rec := h.do(http.MethodPost, path, "", body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(http.MethodPost, path, h.token("customer-1", enums.RoleCustomer), body)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(http.MethodPost, path, h.token("staff-1", enums.RoleMerchant), body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "processed", data(t, rec)["status"])
}

func TestTransitionRejectsIllegalAndUnknownStatus(t *testing.T) {
	h := newHarness(t, nil)
	order := h.seedOrder("customer-1", enums.OrderStatusPending)
	staff := h.token("staff-1", enums.RoleMerchant)
	path := "/api/admin/v1/orders/" + order.ID.String() + "/transition"

	rec := h.do(http.MethodPost, path, staff, map[string]string{"status": "done"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "STATE_CONFLICT", errCode(t, rec))

	rec = h.do(http.MethodPost, path, staff, map[string]string{"status": "shipped"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(http.MethodPost, "/api/admin/v1/orders/not-a-uuid/transition", staff, map[string]string{"status": "paid"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(http.MethodGet, "/api/admin/v1/orders/"+order.ID.String()+"/next-states", staff, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.ElementsMatch(t, []any{"paid", "cancelled"}, data(t, rec)["legal_targets"])
}

func TestPickupFlowOverHTTP(t *testing.T) {
	h := newHarness(t, nil)
	order := h.seedOrder("customer-1", enums.OrderStatusPaid)
	staff := h.token("staff-1", enums.RoleMerchant)
	base := "/api/admin/v1/orders/" + order.ID.String()

	for _, status := range []string{"processed", "waiting_for_pickup"} {
		rec := h.do(http.MethodPost, base+"/transition", staff, map[string]string{"status": status})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	rec := h.do(http.MethodPost, base+"/pickup-token", staff, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	cred := data(t, rec)
	otp, _ := cred["otp"].(string)
	token, _ := cred["token"].(string)
	require.Len(t, otp, 6)
	require.NotEmpty(t, token)

	byOTP := map[string]string{"order_number": strings.ToLower(order.OrderNumber), "otp": otp}
	rec = h.do(http.MethodPost, "/api/admin/v1/pickup/verify", staff, byOTP)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, false, data(t, rec)["used"])

	rec = h.do(http.MethodPost, "/api/admin/v1/pickup/verify", staff, map[string]string{"token": token})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(http.MethodPost, "/api/admin/v1/pickup/handover", staff, byOTP)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	handover := data(t, rec)
	assert.Equal(t, true, handover["used"])
	assert.Equal(t, "picked_up", handover["order_status"])

	rec = h.do(http.MethodPost, "/api/admin/v1/pickup/handover", staff, map[string]string{"token": token})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "CREDENTIAL_USED", errCode(t, rec))

	var stored models.Order
	require.NoError(t, h.conn.First(&stored, "id = ?", order.ID).Error)
	assert.Equal(t, enums.OrderStatusPickedUp, stored.Status)
}

func TestPickupVerifyRequiresOneCredential(t *testing.T) {
	h := newHarness(t, nil)
	staff := h.token("staff-1", enums.RoleMerchant)

	cases := []map[string]string{
		{},
		{"order_number": "RP-261015-ABCDEF"},
		{"token": "x", "otp": "123456"},
	}
	for _, body := range cases {
		rec := h.do(http.MethodPost, "/api/admin/v1/pickup/verify", staff, body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "body %v", body)
	}

	rec := h.do(http.MethodPost, "/api/admin/v1/pickup/verify", staff, map[string]string{"token": "garbage"})
	assert.Equal(t, "SIGNATURE_INVALID", errCode(t, rec))
}

func TestReservationRoutesScopeToOwner(t *testing.T) {
	h := newHarness(t, nil)
	variant := h.seedVariant(3)
	alice := h.token("alice", enums.RoleCustomer)
	bob := h.token("bob", enums.RoleGuest)

	rec := h.do(http.MethodPost, "/api/v1/reservations", alice, map[string]any{"variant_id": variant.ID, "quantity": 2})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id, _ := data(t, rec)["id"].(string)
	require.NotEmpty(t, id)

	rec = h.do(http.MethodPost, "/api/v1/reservations", bob, map[string]any{"variant_id": variant.ID, "quantity": 2})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "INSUFFICIENT_STOCK", errCode(t, rec))

	rec = h.do(http.MethodDelete, "/api/v1/reservations/"+id, bob, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(http.MethodDelete, "/api/v1/reservations/"+id, alice, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = h.do(http.MethodDelete, "/api/v1/reservations/"+id, alice, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = h.do(http.MethodPost, "/api/v1/reservations", h.token("staff", enums.RoleMerchant), map[string]any{"variant_id": variant.ID, "quantity": 1})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCheckoutRoutePassesCallerIdentity(t *testing.T) {
	h := newHarness(t, nil)
	variant := uuid.New()

	rec := h.do(http.MethodPost, "/api/v1/checkout", h.token("guest-session-1", enums.RoleGuest), map[string]any{
		"fulfillment_method": "pickup",
		"items":              []map[string]any{{"variant_id": variant, "quantity": 1}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "guest-session-1", h.checkout.input.OwnerID)
	assert.Equal(t, enums.RoleGuest, h.checkout.input.Role)
	assert.Equal(t, enums.FulfillmentPickup, h.checkout.input.FulfillmentMethod)
	require.Len(t, h.checkout.input.Items, 1)

	rec = h.do(http.MethodPost, "/api/v1/checkout", h.token("guest-session-1", enums.RoleGuest), map[string]any{
		"fulfillment_method": "teleport",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPaymentIntentRouteChecksOwnership(t *testing.T) {
	h := newHarness(t, nil)
	order := h.seedOrder("alice", enums.OrderStatusPending)
	path := "/api/v1/orders/" + order.ID.String() + "/payment-intent"

	rec := h.do(http.MethodPost, path, h.token("bob", enums.RoleCustomer), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, h.reconciler.intents)

	rec = h.do(http.MethodPost, path, h.token("alice", enums.RoleCustomer), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "cs_test", data(t, rec)["client_secret"])
}

func TestStripeWebhookRoute(t *testing.T) {
	h := newHarness(t, nil)
	post := func(sig string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/stripe", strings.NewReader(`{"id":"evt_1"}`))
		if sig != "" {
			req.Header.Set("Stripe-Signature", sig)
		}
		rec := httptest.NewRecorder()
		h.handler.ServeHTTP(rec, req)
		return rec
	}

	rec := post("")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "SIGNATURE_INVALID", errCode(t, rec))

	rec = post("bad")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = post("t=1,v1=abc")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "t=1,v1=abc", h.reconciler.signature)
	assert.Equal(t, "evt_1", data(t, rec)["event_id"])
}
