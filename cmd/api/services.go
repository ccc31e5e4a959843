package main

import (
	"fmt"

	"github.com/refillpoint/fulfillment-backend/internal/catalog"
	"github.com/refillpoint/fulfillment-backend/internal/checkout"
	"github.com/refillpoint/fulfillment-backend/internal/orders"
	"github.com/refillpoint/fulfillment-backend/internal/payments"
	"github.com/refillpoint/fulfillment-backend/internal/pickup"
	"github.com/refillpoint/fulfillment-backend/internal/reservations"
	"github.com/refillpoint/fulfillment-backend/pkg/config"
	"github.com/refillpoint/fulfillment-backend/pkg/db"
	"github.com/refillpoint/fulfillment-backend/pkg/enums"
	"github.com/refillpoint/fulfillment-backend/pkg/logger"
	"github.com/refillpoint/fulfillment-backend/pkg/metrics"
	"github.com/refillpoint/fulfillment-backend/pkg/outbox"
	"github.com/refillpoint/fulfillment-backend/pkg/redis"
	pkgstripe "github.com/refillpoint/fulfillment-backend/pkg/stripe"
)

type services struct {
	orderRepo    orders.Repository
	engine       orders.Engine
	reservations reservations.Manager
	payments     payments.Reconciler
	pickup       pickup.Service
	checkout     checkout.Service
}

func buildServices(
	cfg *config.Config,
	logg *logger.Logger,
	dbClient *db.Client,
	redisClient *redis.Client,
	stripeClient *pkgstripe.Client,
	fm *metrics.FulfillmentMetrics,
) (*services, error) {
	conn := dbClient.DB()
	outboxSvc := outbox.NewService(outbox.NewRepository(conn), logg)
	orderRepo := orders.NewRepository(conn)

	currency, err := enums.ParseCurrency(cfg.Payments.Currency)
	if err != nil {
		return nil, err
	}

	notifier, err := orders.NewOutboxNotifier(dbClient, outboxSvc)
	if err != nil {
		return nil, fmt.Errorf("order notifier: %w", err)
	}
	engine, err := orders.NewEngine(orders.EngineParams{
		Repository: orderRepo,
		Tx:         dbClient,
		Notifier:   notifier,
		Logger:     logg,
		Metrics:    fm,
	})
	if err != nil {
		return nil, fmt.Errorf("order engine: %w", err)
	}

	manager, err := reservations.NewManager(reservations.ManagerParams{
		Repository: reservations.NewRepository(conn),
		Tx:         dbClient,
		Logger:     logg,
		Metrics:    fm,
		DefaultTTL: cfg.Reservations.TTL,
	})
	if err != nil {
		return nil, fmt.Errorf("reservation manager: %w", err)
	}

	guard, err := payments.NewRedisGuard(redisClient, cfg.Payments.WebhookDedupTTL)
	if err != nil {
		return nil, fmt.Errorf("webhook guard: %w", err)
	}
	reconciler, err := payments.NewReconciler(payments.ReconcilerParams{
		Repository:      payments.NewRepository(conn),
		Orders:          orderRepo,
		Engine:          engine,
		Reservations:    manager,
		Gateway:         stripeClient,
		Verifier:        stripeClient,
		Guard:           guard,
		Outbox:          outboxSvc,
		Tx:              dbClient,
		Logger:          logg,
		Metrics:         fm,
		CancelOnFailure: cfg.Payments.CancelOnFailure(),
	})
	if err != nil {
		return nil, fmt.Errorf("payment reconciler: %w", err)
	}

	pickupSvc, err := pickup.NewService(pickup.ServiceParams{
		Repository: pickup.NewRepository(conn),
		Orders:     orderRepo,
		Engine:     engine,
		Tx:         dbClient,
		Outbox:     outboxSvc,
		Logger:     logg,
		Metrics:    fm,
		SigningKey: cfg.Pickup.SigningKey,
		TTL:        cfg.Pickup.TokenTTL,
		Argon:      cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("pickup service: %w", err)
	}

	checkoutSvc, err := checkout.NewService(checkout.ServiceParams{
		Tx:               dbClient,
		Orders:           orderRepo,
		Engine:           engine,
		Catalog:          catalog.NewRepository(conn),
		Policy:           catalog.NewPolicy(cfg.Orders.PickupOnlyCategories),
		Reservations:     manager,
		Payments:         reconciler,
		Outbox:           outboxSvc,
		Logger:           logg,
		Currency:         currency,
		DeliveryFeeCents: cfg.Orders.DeliveryFeeCents,
		ReservationTTL:   cfg.Reservations.TTL,
	})
	if err != nil {
		return nil, fmt.Errorf("checkout service: %w", err)
	}

	return &services{
		orderRepo:    orderRepo,
		engine:       engine,
		reservations: manager,
		payments:     reconciler,
		pickup:       pickupSvc,
		checkout:     checkoutSvc,
	}, nil
}
