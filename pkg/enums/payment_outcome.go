package enums

// PaymentEventOutcome records what reconciliation did with a webhook event.
type PaymentEventOutcome string

const (
	PaymentOutcomePaid      PaymentEventOutcome = "paid"
	PaymentOutcomeReleased  PaymentEventOutcome = "released"
	PaymentOutcomeCancelled PaymentEventOutcome = "cancelled"
	PaymentOutcomeIgnored   PaymentEventOutcome = "ignored"
	PaymentOutcomeUnmatched PaymentEventOutcome = "unmatched"
	// PaymentOutcomeRejected means the order had already left pending.
	PaymentOutcomeRejected PaymentEventOutcome = "rejected"
)

// String implements fmt.Stringer.
func (o PaymentEventOutcome) String() string {
	return string(o)
}
