package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderStatusPending OrderStatus = "PENDING"
	OrderStatusPaid    OrderStatus = "PAID"
	OrderStatusFailed  OrderStatus = "FAILED"
)

// Terminal reports whether the status admits no further transitions.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusPaid || s == OrderStatusFailed
}

// CanTransition allows only PENDING -> PAID and PENDING -> FAILED. Everything
// else is an integrity violation.
func (s OrderStatus) CanTransition(to OrderStatus) bool {
	return s == OrderStatusPending && to.Terminal()
}

// OrderLine is a priced position copied from the cart snapshot, deliberately
// decoupled from live product data.
type OrderLine struct {
	SKU       string          `json:"sku"`
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Quantity  int64           `json:"quantity"`
}

// Order is an entry in the journal. Once a terminal status is recorded the
// order is never edited; corrections are appended as compensating entries.
type Order struct {
	ID         string          `json:"id"`
	SagaID     string          `json:"saga_id"`
	CustomerID string          `json:"customer_id"`
	Status     OrderStatus     `json:"status"`
	Total      decimal.Decimal `json:"total"`
	Lines      []OrderLine     `json:"lines"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// OrderLinesFromCart copies snapshot lines into journal lines.
func OrderLinesFromCart(lines []CartLine) []OrderLine {
	out := make([]OrderLine, 0, len(lines))
	for _, l := range lines {
		out = append(out, OrderLine{SKU: l.SKU, Name: l.Name, UnitPrice: l.UnitPrice, Quantity: l.Quantity})
	}
	return out
}
