package cron

import (
	"context"
	"fmt"

	"github.com/refillpoint/fulfillment-backend/pkg/logger"
)

type reservationSweeper interface {
	SweepExpired(ctx context.Context) (int64, error)
}

// ReservationSweepJobParams configure the expired reservation sweep.
type ReservationSweepJobParams struct {
	Logger       *logger.Logger
	Reservations reservationSweeper
}

// NewReservationSweepJob deletes reservations whose TTL has lapsed.
// Availability already ignores expired rows; the sweep keeps the table small.
func NewReservationSweepJob(params ReservationSweepJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Reservations == nil {
		return nil, fmt.Errorf("reservation manager required")
	}
	return &reservationSweepJob{logg: params.Logger, reservations: params.Reservations}, nil
}

type reservationSweepJob struct {
	logg         *logger.Logger
	reservations reservationSweeper
}

func (j *reservationSweepJob) Name() string { return "reservation-sweep" }

func (j *reservationSweepJob) Run(ctx context.Context) error {
	removed, err := j.reservations.SweepExpired(ctx)
	if err != nil {
		return fmt.Errorf("sweep expired reservations: %w", err)
	}
	j.logg.Info(j.logg.WithField(ctx, "rows_deleted", removed), "expired reservations swept")
	return nil
}
