// Package cart is the boundary to the cart collaborator. Checkout only ever
// sees an immutable snapshot taken at start; the live cart and its mutation
// API belong to another service.
package cart

import (
	"context"

	"github.com/nazeru/checkout-saga-go/internal/checkout/domain"
)

// SnapshotSource supplies the snapshot a checkout attempt runs on.
type SnapshotSource interface {
	// Snapshot returns the customer's cart frozen at call time, or ErrNotFound
	// if there is no cart.
	Snapshot(ctx context.Context, customerID string) (domain.CartSnapshot, error)
}

// Clearer empties the live cart. Called only after a checkout completes.
type Clearer interface {
	Clear(ctx context.Context, customerID string) error
}
