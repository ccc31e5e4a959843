package catalog

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/refillpoint/fulfillment-backend/pkg/db/models"
	pkgerrors "github.com/refillpoint/fulfillment-backend/pkg/errors"
)

// Lookup memoizes variant reads for the lifetime of one request or job run.
// It is never shared across requests, so prices and categories cannot go stale
// between checkouts.
type Lookup struct {
	repo Repository

	mu       sync.Mutex
	variants map[uuid.UUID]*models.ProductVariant
}

// NewLookup returns an empty memo over repo.
func NewLookup(repo Repository) *Lookup {
	return &Lookup{repo: repo, variants: map[uuid.UUID]*models.ProductVariant{}}
}

// Variant returns one variant or a NOT_FOUND error.
func (l *Lookup) Variant(ctx context.Context, id uuid.UUID) (*models.ProductVariant, error) {
	l.mu.Lock()
	cached, ok := l.variants[id]
	l.mu.Unlock()
	if ok {
		return cached, nil
	}

	variant, err := l.repo.FindVariant(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "product variant not found").
				WithDetails(map[string]any{"variant_id": id})
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load product variant")
	}

	l.mu.Lock()
	l.variants[id] = variant
	l.mu.Unlock()
	return variant, nil
}

// Variants loads every id, fetching only the ones not seen yet. Any unknown id
// fails the whole call.
func (l *Lookup) Variants(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*models.ProductVariant, error) {
	out := make(map[uuid.UUID]*models.ProductVariant, len(ids))
	var missing []uuid.UUID
	queued := map[uuid.UUID]struct{}{}

	l.mu.Lock()
	for _, id := range ids {
		if cached, ok := l.variants[id]; ok {
			out[id] = cached
			continue
		}
		if _, ok := queued[id]; !ok {
			queued[id] = struct{}{}
			missing = append(missing, id)
		}
	}
	l.mu.Unlock()

	if len(missing) > 0 {
		rows, err := l.repo.FindVariants(ctx, missing)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load product variants")
		}
		l.mu.Lock()
		for i := range rows {
			variant := rows[i]
			l.variants[variant.ID] = &variant
			out[variant.ID] = &variant
		}
		l.mu.Unlock()
	}

	for _, id := range ids {
		if _, ok := out[id]; !ok {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "product variant not found").
				WithDetails(map[string]any{"variant_id": id})
		}
	}
	return out, nil
}
