package reservations

import "github.com/google/uuid"

// StockShortage is attached to INSUFFICIENT_STOCK errors.
type StockShortage struct {
	VariantID uuid.UUID `json:"variant_id"`
	Requested int       `json:"requested"`
	Available int       `json:"available"`
}

// CommitSummary reports what CommitForOrderTx deducted.
type CommitSummary struct {
	ItemsDeducted int
	// Oversold lists variants deducted without a live reservation behind them.
	Oversold []uuid.UUID
}
