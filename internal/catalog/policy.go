package catalog

import (
	"strings"

	"github.com/refillpoint/fulfillment-backend/pkg/db/models"
	"github.com/refillpoint/fulfillment-backend/pkg/enums"
	pkgerrors "github.com/refillpoint/fulfillment-backend/pkg/errors"
)

// Policy holds the fulfillment rules derived from catalog categories.
type Policy struct {
	pickupOnly map[string]struct{}
}

// NewPolicy builds a Policy; category names compare case-insensitively.
func NewPolicy(pickupOnlyCategories []string) Policy {
	set := make(map[string]struct{}, len(pickupOnlyCategories))
	for _, category := range pickupOnlyCategories {
		normalized := normalizeCategory(category)
		if normalized == "" {
			continue
		}
		set[normalized] = struct{}{}
	}
	return Policy{pickupOnly: set}
}

// PickupOnly reports whether variants in category must be collected in person.
func (p Policy) PickupOnly(category string) bool {
	_, ok := p.pickupOnly[normalizeCategory(category)]
	return ok
}

// CheckFulfillment rejects delivery when any variant is pickup-only.
func (p Policy) CheckFulfillment(method enums.FulfillmentMethod, variants []*models.ProductVariant) error {
	if method != enums.FulfillmentDelivery {
		return nil
	}
	var blocked []string
	for _, variant := range variants {
		if variant != nil && p.PickupOnly(variant.Category) {
			blocked = append(blocked, variant.SKU)
		}
	}
	if len(blocked) == 0 {
		return nil
	}
	return pkgerrors.New(pkgerrors.CodeValidation, "some items can only be picked up").
		WithDetails(map[string]any{"pickup_only_skus": blocked})
}

func normalizeCategory(category string) string {
	return strings.ToLower(strings.TrimSpace(category))
}
