package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/refillpoint/fulfillment-backend/pkg/redis"
)

const webhookGuardScope = "stripe_webhook"

// RedisGuard remembers recently seen webhook event ids in Redis.
type RedisGuard struct {
	store redis.IdempotencyStore
	ttl   time.Duration
}

// NewRedisGuard builds a WebhookGuard on top of the Redis idempotency store.
func NewRedisGuard(store redis.IdempotencyStore, ttl time.Duration) (*RedisGuard, error) {
	if store == nil {
		return nil, errors.New("idempotency store is required")
	}
	if ttl < 0 {
		return nil, errors.New("ttl must be non-negative")
	}
	return &RedisGuard{store: store, ttl: ttl}, nil
}

// CheckAndMark reports true when eventID was already seen.
func (g *RedisGuard) CheckAndMark(ctx context.Context, eventID string) (bool, error) {
	if eventID == "" {
		return false, errors.New("event id is required")
	}
	key := g.store.IdempotencyKey(webhookGuardScope, eventID)
	set, err := g.store.SetNX(ctx, key, "1", g.ttl)
	if err != nil {
		return false, fmt.Errorf("set idempotency key: %w", err)
	}
	return !set, nil
}

func (g *RedisGuard) Delete(ctx context.Context, eventID string) error {
	if eventID == "" {
		return errors.New("event id is required")
	}
	return g.store.Del(ctx, g.store.IdempotencyKey(webhookGuardScope, eventID))
}
