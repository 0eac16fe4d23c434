package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// CartLine is a single priced position inside a snapshot.
type CartLine struct {
	SKU       string          `json:"sku"`
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Quantity  int64           `json:"quantity"`
}

// Subtotal returns unit price times quantity, exact decimal.
func (l CartLine) Subtotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(l.Quantity))
}

// CartSnapshot is the immutable view of a cart taken at checkout start. It is
// created once per attempt and discarded when the saga reaches a terminal state;
// later cart mutations do not affect a running checkout.
type CartSnapshot struct {
	CustomerID string     `json:"customer_id"`
	Lines      []CartLine `json:"lines"`
	CapturedAt time.Time  `json:"captured_at"`
}

// Validate enforces the snapshot rules: at least one line, every quantity
// positive, no negative prices, no blank SKUs. Violations are ValidationErrors
// and are rejected before the saga takes its first step.
func (s CartSnapshot) Validate() error {
	if s.CustomerID == "" {
		return &ValidationError{Reason: "customer id is required"}
	}
	if len(s.Lines) == 0 {
		return &ValidationError{Reason: "cart is empty"}
	}
	for _, l := range s.Lines {
		if l.SKU == "" {
			return &ValidationError{Reason: "line has empty sku"}
		}
		if l.Quantity <= 0 {
			return &ValidationError{Reason: "quantity must be > 0 for sku " + l.SKU}
		}
		if l.UnitPrice.IsNegative() {
			return &ValidationError{Reason: "negative unit price for sku " + l.SKU}
		}
	}
	return nil
}

// Total sums unit price times quantity per line, in line order.
func (s CartSnapshot) Total() decimal.Decimal {
	total := decimal.Zero
	for _, l := range s.Lines {
		total = total.Add(l.Subtotal())
	}
	return total
}
