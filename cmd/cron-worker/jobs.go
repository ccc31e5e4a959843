package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/refillpoint/fulfillment-backend/internal/cron"
	"github.com/refillpoint/fulfillment-backend/internal/orders"
	"github.com/refillpoint/fulfillment-backend/internal/reservations"
	"github.com/refillpoint/fulfillment-backend/pkg/config"
	"github.com/refillpoint/fulfillment-backend/pkg/db"
	"github.com/refillpoint/fulfillment-backend/pkg/logger"
	"github.com/refillpoint/fulfillment-backend/pkg/outbox"
	pkgstripe "github.com/refillpoint/fulfillment-backend/pkg/stripe"
)

// buildRegistry wires the housekeeping jobs. Without Stripe credentials the
// stale order job cancels without asking the processor first.
func buildRegistry(ctx context.Context, cfg *config.Config, logg *logger.Logger, dbClient *db.Client) (*cron.Registry, error) {
	conn := dbClient.DB()
	outboxRepo := outbox.NewRepository(conn)
	orderRepo := orders.NewRepository(conn)

	notifier, err := orders.NewOutboxNotifier(dbClient, outbox.NewService(outboxRepo, logg))
	if err != nil {
		return nil, err
	}
	engine, err := orders.NewEngine(orders.EngineParams{
		Repository: orderRepo,
		Tx:         dbClient,
		Notifier:   notifier,
		Logger:     logg,
	})
	if err != nil {
		return nil, fmt.Errorf("order engine: %w", err)
	}
	manager, err := reservations.NewManager(reservations.ManagerParams{
		Repository: reservations.NewRepository(conn),
		Tx:         dbClient,
		Logger:     logg,
		DefaultTTL: cfg.Reservations.TTL,
	})
	if err != nil {
		return nil, fmt.Errorf("reservation manager: %w", err)
	}

	staleParams := cron.StaleOrderJobParams{
		Logger:       logg,
		DB:           dbClient,
		Orders:       orderRepo,
		Engine:       engine,
		Reservations: manager,
		PendingTTL:   cfg.Orders.PendingTTL,
	}
	if strings.TrimSpace(cfg.Stripe.APIKey) != "" {
		stripeClient, err := pkgstripe.NewClient(ctx, cfg.Stripe, logg)
		if err != nil {
			return nil, fmt.Errorf("stripe client: %w", err)
		}
		staleParams.Intents = stripeClient
	} else {
		logg.Warn(ctx, "stripe api key not set; stale orders are cancelled without checking their intents")
	}

	sweep, err := cron.NewReservationSweepJob(cron.ReservationSweepJobParams{Logger: logg, Reservations: manager})
	if err != nil {
		return nil, err
	}
	stale, err := cron.NewStaleOrderJob(staleParams)
	if err != nil {
		return nil, err
	}
	retention, err := cron.NewOutboxRetentionJob(cron.OutboxRetentionJobParams{
		Logger:     logg,
		DB:         dbClient,
		Repository: outboxRepo,
		Retention:  cfg.Outbox.Retention,
	})
	if err != nil {
		return nil, err
	}

	registry := cron.NewRegistry()
	for _, job := range []cron.Job{sweep, stale, retention} {
		if err := registry.Register(job); err != nil {
			return nil, err
		}
	}
	return registry, nil
}
