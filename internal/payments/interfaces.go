package payments

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v84"
	"gorm.io/gorm"

	"github.com/refillpoint/fulfillment-backend/pkg/db/models"
	"github.com/refillpoint/fulfillment-backend/pkg/enums"
	"github.com/refillpoint/fulfillment-backend/pkg/outbox"
	pkgstripe "github.com/refillpoint/fulfillment-backend/pkg/stripe"
)

// Gateway is the payment processor surface used to open intents.
type Gateway interface {
	CreatePaymentIntent(ctx context.Context, req pkgstripe.IntentRequest) (*pkgstripe.Intent, error)
	GetPaymentIntent(ctx context.Context, id string) (*pkgstripe.Intent, error)
}

// EventVerifier authenticates and decodes webhook payloads.
type EventVerifier interface {
	ConstructEvent(payload []byte, signature string) (stripe.Event, error)
}

// WebhookGuard is the fast-path redelivery check in front of the database.
type WebhookGuard interface {
	CheckAndMark(ctx context.Context, eventID string) (bool, error)
	Delete(ctx context.Context, eventID string) error
}

type outboxEmitter interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// Repository persists inbound payment events.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	// InsertIgnore records the event unless its event_id exists; it reports whether a row was written.
	InsertIgnore(ctx context.Context, event *models.PaymentEvent) (bool, error)
	FindByEventID(ctx context.Context, eventID string) (*models.PaymentEvent, error)
	FindByEventIDForUpdate(ctx context.Context, eventID string) (*models.PaymentEvent, error)
	MarkProcessed(ctx context.Context, id uuid.UUID, outcome enums.PaymentEventOutcome, at time.Time) error
}
