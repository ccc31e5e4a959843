package orders

import "github.com/refillpoint/fulfillment-backend/pkg/enums"

type transitionKey struct {
	from   enums.OrderStatus
	method enums.FulfillmentMethod
}

// transitionTable lists every legal move. Only PROCESSED depends on the
// fulfillment method; every other row applies to both methods.
var transitionTable = buildTransitionTable()

func buildTransitionTable() map[transitionKey][]enums.OrderStatus {
	shared := map[enums.OrderStatus][]enums.OrderStatus{
		enums.OrderStatusPending:          {enums.OrderStatusPaid, enums.OrderStatusCancelled},
		enums.OrderStatusPaid:             {enums.OrderStatusProcessed, enums.OrderStatusCancelled},
		enums.OrderStatusWaitingForPickup: {enums.OrderStatusPickedUp, enums.OrderStatusCancelled},
		enums.OrderStatusPickedUp:         {enums.OrderStatusDone},
		enums.OrderStatusOnDelivery:       {enums.OrderStatusDone, enums.OrderStatusCancelled},
		enums.OrderStatusDone:             {},
		enums.OrderStatusCancelled:        {},
	}

	table := make(map[transitionKey][]enums.OrderStatus)
	for _, method := range []enums.FulfillmentMethod{enums.FulfillmentPickup, enums.FulfillmentDelivery} {
		for from, targets := range shared {
			table[transitionKey{from: from, method: method}] = targets
		}
	}
	table[transitionKey{enums.OrderStatusProcessed, enums.FulfillmentPickup}] = []enums.OrderStatus{
		enums.OrderStatusWaitingForPickup, enums.OrderStatusCancelled,
	}
	table[transitionKey{enums.OrderStatusProcessed, enums.FulfillmentDelivery}] = []enums.OrderStatus{
		enums.OrderStatusOnDelivery, enums.OrderStatusCancelled,
	}
	return table
}

// LegalTargets returns the statuses reachable from status for the given method.
func LegalTargets(status enums.OrderStatus, method enums.FulfillmentMethod) []enums.OrderStatus {
	targets := transitionTable[transitionKey{from: status, method: method}]
	out := make([]enums.OrderStatus, len(targets))
	copy(out, targets)
	return out
}

// CanTransition reports whether from -> to is legal for method.
func CanTransition(from, to enums.OrderStatus, method enums.FulfillmentMethod) bool {
	for _, candidate := range transitionTable[transitionKey{from: from, method: method}] {
		if candidate == to {
			return true
		}
	}
	return false
}
