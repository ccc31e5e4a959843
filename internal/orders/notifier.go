package orders

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/refillpoint/fulfillment-backend/pkg/enums"
	"github.com/refillpoint/fulfillment-backend/pkg/outbox"
)

type outboxEmitter interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// OutboxNotifier queues order_status_changed events in a short transaction of
// its own, after the status write has committed.
type OutboxNotifier struct {
	tx     txRunner
	outbox outboxEmitter
}

// NewOutboxNotifier builds a Notifier that writes to the outbox.
func NewOutboxNotifier(tx txRunner, emitter outboxEmitter) (*OutboxNotifier, error) {
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if emitter == nil {
		return nil, fmt.Errorf("outbox emitter required")
	}
	return &OutboxNotifier{tx: tx, outbox: emitter}, nil
}

func (n *OutboxNotifier) OrderStatusChanged(ctx context.Context, change StatusChange) error {
	event := outbox.DomainEvent{
		EventType:     enums.EventOrderStatusChanged,
		AggregateType: enums.AggregateOrder,
		AggregateID:   change.OrderID,
		OccurredAt:    change.ChangedAt,
		Data: outbox.OrderStatusChangedEvent{
			OrderID:           change.OrderID,
			OrderNumber:       change.OrderNumber,
			FulfillmentMethod: change.FulfillmentMethod,
			Previous:          change.Previous,
			Current:           change.Current,
			ChangedAt:         change.ChangedAt,
		},
	}
	if change.Actor.ID != "" {
		event.Actor = &outbox.ActorRef{ID: change.Actor.ID, Role: change.Actor.Role.String()}
	}
	return n.tx.WithTx(ctx, func(tx *gorm.DB) error {
		return n.outbox.Emit(ctx, tx, event)
	})
}
