// Package authz maps actor roles onto the closed set of capabilities that
// guard order, checkout and pickup operations.
package authz

import (
	"fmt"

	"github.com/refillpoint/fulfillment-backend/pkg/enums"
	pkgerrors "github.com/refillpoint/fulfillment-backend/pkg/errors"
)

// Capability names one guarded operation.
type Capability string

const (
	CheckoutCreate   Capability = "checkout:create"
	CartReserve      Capability = "cart:reserve"
	OrdersTransition Capability = "orders:transition"
	PickupIssue      Capability = "pickup:issue"
	PickupVerify     Capability = "pickup:verify"
	PickupHandover   Capability = "pickup:handover"
)

var allCapabilities = []Capability{
	CheckoutCreate,
	CartReserve,
	OrdersTransition,
	PickupIssue,
	PickupVerify,
	PickupHandover,
}

var grants = map[enums.Role][]Capability{
	enums.RoleAdmin:    allCapabilities,
	enums.RoleMerchant: {OrdersTransition, PickupIssue, PickupVerify, PickupHandover},
	enums.RoleCustomer: {CheckoutCreate, CartReserve},
	enums.RoleGuest:    {CheckoutCreate, CartReserve},
}

// IsValid reports whether c belongs to the closed set.
func (c Capability) IsValid() bool {
	for _, candidate := range allCapabilities {
		if candidate == c {
			return true
		}
	}
	return false
}

// Allows reports whether role holds capability.
func Allows(role enums.Role, capability Capability) bool {
	for _, granted := range grants[role] {
		if granted == capability {
			return true
		}
	}
	return false
}

// Require returns FORBIDDEN unless role holds capability.
func Require(role enums.Role, capability Capability) error {
	if !capability.IsValid() {
		return pkgerrors.New(pkgerrors.CodeInternal, fmt.Sprintf("unknown capability %q", capability))
	}
	if !role.IsValid() {
		return pkgerrors.New(pkgerrors.CodeUnauthorized, "actor role missing")
	}
	if !Allows(role, capability) {
		return pkgerrors.New(pkgerrors.CodeForbidden, fmt.Sprintf("%s lacks %s", role, capability))
	}
	return nil
}

// CapabilitiesFor returns a copy of the capabilities granted to role.
func CapabilitiesFor(role enums.Role) []Capability {
	granted := grants[role]
	out := make([]Capability, len(granted))
	copy(out, granted)
	return out
}
