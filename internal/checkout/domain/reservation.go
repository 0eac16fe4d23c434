package domain

import "time"

type ReservationStatus string

const (
	ReservationHeld      ReservationStatus = "HELD"
	ReservationConfirmed ReservationStatus = "CONFIRMED"
	ReservationReleased  ReservationStatus = "RELEASED"
)

// Reservation is a temporary hold against available stock, keyed by the saga
// that created it. A hold past ExpiresAt that is still HELD is eligible for
// automatic release by the sweeper.
type Reservation struct {
	ID        string            `json:"id"`
	SagaID    string            `json:"saga_id"`
	SKU       string            `json:"sku"`
	Quantity  int64             `json:"quantity"`
	Status    ReservationStatus `json:"status"`
	ExpiresAt time.Time         `json:"expires_at"`
	CreatedAt time.Time         `json:"created_at"`
}

// Expired reports whether a still-held reservation has outlived its TTL.
func (r Reservation) Expired(now time.Time) bool {
	return r.Status == ReservationHeld && now.After(r.ExpiresAt)
}

// StockLevel is the per-SKU ledger row. OnHand is the physical count, Held the
// sum of active holds. Checkout never decrements OnHand directly; only a
// confirmed reservation does.
type StockLevel struct {
	SKU    string `json:"sku"`
	OnHand int64  `json:"on_hand"`
	Held   int64  `json:"held"`
}

// Available is what a new reservation may draw from.
func (s StockLevel) Available() int64 {
	return s.OnHand - s.Held
}

// ReserveLine is one requested position of a reservation batch.
type ReserveLine struct {
	SKU      string `json:"sku"`
	Quantity int64  `json:"quantity"`
}
