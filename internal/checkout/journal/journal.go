// Package journal is the append-only order store. Orders are created once per
// saga, move Pending -> Paid or Pending -> Failed, and are never edited after
// that; corrections become new compensating entries.
package journal

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/nazeru/checkout-saga-go/internal/checkout/domain"
)

// CreateParams is everything needed to journal an order.
type CreateParams struct {
	SagaID     string
	CustomerID string
	Lines      []domain.OrderLine
	Total      decimal.Decimal
	Status     domain.OrderStatus
}

type Journal interface {
	// Create is idempotent on SagaID: a retry returns the stored order instead
	// of a duplicate.
	Create(ctx context.Context, p CreateParams) (domain.Order, error)

	// MarkStatus allows only Pending->Paid and Pending->Failed; anything else
	// is an InvalidTransitionError. Re-marking the same terminal status is a
	// no-op so retries stay safe.
	MarkStatus(ctx context.Context, orderID string, status domain.OrderStatus) error

	Get(ctx context.Context, orderID string) (domain.Order, error)

	// GetBySaga resolves the order a saga created, if any.
	GetBySaga(ctx context.Context, sagaID string) (domain.Order, error)
}
