package routes

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/refillpoint/fulfillment-backend/api/controllers"
	checkoutcontrollers "github.com/refillpoint/fulfillment-backend/api/controllers/checkout"
	ordercontrollers "github.com/refillpoint/fulfillment-backend/api/controllers/orders"
	pickupcontrollers "github.com/refillpoint/fulfillment-backend/api/controllers/pickup"
	reservationcontrollers "github.com/refillpoint/fulfillment-backend/api/controllers/reservations"
	webhookcontrollers "github.com/refillpoint/fulfillment-backend/api/controllers/webhooks"
	"github.com/refillpoint/fulfillment-backend/api/middleware"
	"github.com/refillpoint/fulfillment-backend/internal/authz"
	"github.com/refillpoint/fulfillment-backend/internal/checkout"
	"github.com/refillpoint/fulfillment-backend/internal/orders"
	"github.com/refillpoint/fulfillment-backend/internal/payments"
	"github.com/refillpoint/fulfillment-backend/internal/pickup"
	"github.com/refillpoint/fulfillment-backend/internal/reservations"
	"github.com/refillpoint/fulfillment-backend/pkg/config"
	"github.com/refillpoint/fulfillment-backend/pkg/logger"
)

// Deps are the services the API routes dispatch to.
type Deps struct {
	Config       *config.Config
	Logger       *logger.Logger
	Readiness    map[string]controllers.Pinger
	Gatherer     prometheus.Gatherer
	Orders       orders.Repository
	Engine       orders.Engine
	Reservations reservations.Manager
	Payments     payments.Reconciler
	Pickup       pickup.Service
	Checkout     checkout.Service
}

func NewRouter(d Deps) http.Handler {
	cfg, logg := d.Config, d.Logger
	reservationTTL := cfg.Reservations.TTL
	if reservationTTL <= 0 {
		reservationTTL = 15 * time.Minute
	}
	gatherer := d.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.CORS(cfg.CORS.AllowedOrigins),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, d.Readiness))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1/webhooks", func(r chi.Router) {
		r.Post("/stripe", webhookcontrollers.StripeWebhook(d.Payments, logg))
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT, logg))

		r.With(middleware.RequireCapability(authz.CheckoutCreate, logg)).
			Post("/checkout", checkoutcontrollers.Create(d.Checkout, logg))
		r.With(middleware.RequireCapability(authz.CheckoutCreate, logg)).
			Post("/orders/{orderId}/payment-intent", ordercontrollers.PaymentIntent(d.Orders, d.Payments, logg))

		r.Route("/reservations", func(r chi.Router) {
			r.Use(middleware.RequireCapability(authz.CartReserve, logg))
			r.Post("/", reservationcontrollers.Create(d.Reservations, reservationTTL, logg))
			r.Delete("/{reservationId}", reservationcontrollers.Release(d.Reservations, logg))
		})
	})

	r.Route("/api/admin/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT, logg))

		r.Route("/orders/{orderId}", func(r chi.Router) {
			r.With(middleware.RequireCapability(authz.OrdersTransition, logg)).
				Get("/next-states", ordercontrollers.NextStates(d.Engine, logg))
			r.With(middleware.RequireCapability(authz.OrdersTransition, logg)).
				Post("/transition", ordercontrollers.Transition(d.Engine, logg))
			r.With(middleware.RequireCapability(authz.PickupIssue, logg)).
				Post("/pickup-token", ordercontrollers.IssuePickupToken(d.Pickup, logg))
		})

		r.Route("/pickup", func(r chi.Router) {
			r.With(middleware.RequireCapability(authz.PickupVerify, logg)).
				Post("/verify", pickupcontrollers.Verify(d.Pickup, logg))
			r.With(middleware.RequireCapability(authz.PickupHandover, logg)).
				Post("/handover", pickupcontrollers.Handover(d.Pickup, logg))
		})
	})

	return r
}
