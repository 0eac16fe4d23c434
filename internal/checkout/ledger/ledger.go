// Package ledger holds per-SKU stock counts and the outstanding reservations
// against them. All mutation goes through reservation transitions keyed by the
// saga id, which doubles as the idempotency key.
package ledger

import (
	"context"
	"time"

	"github.com/nazeru/checkout-saga-go/internal/checkout/domain"
)

// Ledger is the inventory contract consumed by the checkout saga and the
// expiry sweeper.
type Ledger interface {
	// Reserve places a hold for every line or for none of them. Calling again
	// with a known sagaID replays the stored reservations without touching
	// stock. An insufficient line aborts the whole batch with OutOfStockError.
	Reserve(ctx context.Context, sagaID string, lines []domain.ReserveLine) ([]domain.Reservation, error)

	// Confirm turns the saga's held reservations into permanent decrements of
	// on-hand stock. Confirming twice is a no-op; an unknown saga is ErrNotFound.
	Confirm(ctx context.Context, sagaID string) error

	// Release frees the saga's held quantities without touching on-hand stock
	// and returns the reservations it released. Releasing an already released
	// saga is a no-op; releasing a confirmed one is a warning-level no-op.
	Release(ctx context.Context, sagaID string) ([]domain.Reservation, error)

	// SweepExpired releases every hold past its expiry and returns them.
	SweepExpired(ctx context.Context, now time.Time) ([]domain.Reservation, error)

	// Stock reports the current level for one SKU.
	Stock(ctx context.Context, sku string) (domain.StockLevel, error)
}

// DefaultHoldTTL is how long a hold survives without being confirmed or
// released before the sweeper may reclaim it.
const DefaultHoldTTL = 15 * time.Minute
