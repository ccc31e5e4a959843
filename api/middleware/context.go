package middleware

import (
	"context"

	"github.com/refillpoint/fulfillment-backend/internal/orders"
	"github.com/refillpoint/fulfillment-backend/pkg/enums"
)

type contextKey string

const (
	ctxSubject contextKey = "subject"
	ctxRole    contextKey = "actor_role"
)

// SubjectFromContext returns the authenticated principal: a user id or a
// guest checkout session id.
func SubjectFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(ctxSubject).(string); ok {
		return v
	}
	return ""
}

func RoleFromContext(ctx context.Context) enums.Role {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(ctxRole).(enums.Role); ok {
		return v
	}
	return ""
}

// WithPrincipal injects an authenticated subject and role.
func WithPrincipal(ctx context.Context, subject string, role enums.Role) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = context.WithValue(ctx, ctxSubject, subject)
	return context.WithValue(ctx, ctxRole, role)
}

// ActorFromContext returns the caller as an order transition actor.
func ActorFromContext(ctx context.Context) orders.Actor {
	return orders.Actor{ID: SubjectFromContext(ctx), Role: RoleFromContext(ctx)}
}
