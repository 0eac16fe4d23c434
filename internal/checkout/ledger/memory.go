package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nazeru/checkout-saga-go/internal/checkout/domain"
)

// MemoryLedger keeps stock and reservations in process. Stock rows are guarded
// by one mutex per SKU; multi-line reservations take the locks in SKU order so
// two overlapping batches cannot deadlock. Used by tests, the bench runner and
// broker-less demo runs; the Postgres ledger is the durable twin.
type MemoryLedger struct {
	holdTTL time.Duration
	now     func() time.Time
	log     zerolog.Logger

	mu     sync.Mutex // guards the three maps, not the stock rows
	stock  map[string]*domain.StockLevel
	locks  map[string]*sync.Mutex
	bySaga map[string][]*domain.Reservation
}

// MemoryOption tweaks a MemoryLedger at construction.
type MemoryOption func(*MemoryLedger)

// WithHoldTTL overrides the default hold expiry.
func WithHoldTTL(ttl time.Duration) MemoryOption {
	return func(m *MemoryLedger) { m.holdTTL = ttl }
}

// WithClock injects a clock, for expiry tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryLedger) { m.now = now }
}

func NewMemoryLedger(log zerolog.Logger, opts ...MemoryOption) *MemoryLedger {
	m := &MemoryLedger{
		holdTTL: DefaultHoldTTL,
		now:     time.Now,
		log:     log,
		stock:   make(map[string]*domain.StockLevel),
		locks:   make(map[string]*sync.Mutex),
		bySaga:  make(map[string][]*domain.Reservation),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetStock seeds or resets the on-hand count for a SKU. The row mutates under
// its SKU lock, so restocking a live ledger cannot race a reservation.
func (m *MemoryLedger) SetStock(sku string, onHand int64) {
	m.mu.Lock()
	row, ok := m.stock[sku]
	if !ok {
		row = &domain.StockLevel{SKU: sku}
		m.stock[sku] = row
		m.locks[sku] = &sync.Mutex{}
	}
	lock := m.locks[sku]
	m.mu.Unlock()

	lock.Lock()
	row.OnHand = onHand
	lock.Unlock()
}

func (m *MemoryLedger) Reserve(ctx context.Context, sagaID string, lines []domain.ReserveLine) ([]domain.Reservation, error) {
	if err := ctx.Err(); err != nil {
		return nil, &domain.TransientIOError{Op: "ledger.reserve", Err: err}
	}

	m.mu.Lock()
	if existing, ok := m.bySaga[sagaID]; ok {
		out := copyReservations(existing)
		m.mu.Unlock()
		return out, nil
	}
	skus := uniqueSKUs(lines)
	rows := make(map[string]*domain.StockLevel, len(skus))
	for _, sku := range skus {
		row, ok := m.stock[sku]
		if !ok {
			row = &domain.StockLevel{SKU: sku}
			m.stock[sku] = row
			m.locks[sku] = &sync.Mutex{}
		}
		rows[sku] = row
	}
	locks := make([]*sync.Mutex, 0, len(skus))
	for _, sku := range skus {
		locks = append(locks, m.locks[sku])
	}
	m.mu.Unlock()

	// Sorted acquisition; released in reverse.
	for _, l := range locks {
		l.Lock()
	}
	defer func() {
		for i := len(locks) - 1; i >= 0; i-- {
			locks[i].Unlock()
		}
	}()

	// A duplicate saga may have lost the race to the same SKU locks.
	m.mu.Lock()
	if existing, ok := m.bySaga[sagaID]; ok {
		out := copyReservations(existing)
		m.mu.Unlock()
		return out, nil
	}
	m.mu.Unlock()

	for _, sku := range skus {
		row := rows[sku]
		want := requestedFor(lines, sku)
		if row.Available() < want {
			return nil, &domain.OutOfStockError{SKU: sku, Requested: want, Available: row.Available()}
		}
	}

	// One hold per SKU with the summed quantity, matching the durable ledger's
	// unique (saga_id, sku) row shape.
	now := m.now()
	holds := make([]*domain.Reservation, 0, len(skus))
	for _, sku := range skus {
		want := requestedFor(lines, sku)
		rows[sku].Held += want
		holds = append(holds, &domain.Reservation{
			ID:        uuid.NewString(),
			SagaID:    sagaID,
			SKU:       sku,
			Quantity:  want,
			Status:    domain.ReservationHeld,
			ExpiresAt: now.Add(m.holdTTL),
			CreatedAt: now,
		})
	}

	m.mu.Lock()
	m.bySaga[sagaID] = holds
	m.mu.Unlock()

	return copyReservations(holds), nil
}

func (m *MemoryLedger) Confirm(ctx context.Context, sagaID string) error {
	if err := ctx.Err(); err != nil {
		return &domain.TransientIOError{Op: "ledger.confirm", Err: err}
	}
	holds, locks, err := m.lockSaga(sagaID)
	if err != nil {
		return err
	}
	defer unlockReverse(locks)

	for _, r := range holds {
		if r.Status != domain.ReservationHeld {
			continue // already confirmed or released; idempotent
		}
		m.mu.Lock()
		row := m.stock[r.SKU]
		m.mu.Unlock()
		row.OnHand -= r.Quantity
		row.Held -= r.Quantity
		r.Status = domain.ReservationConfirmed
	}
	return nil
}

func (m *MemoryLedger) Release(ctx context.Context, sagaID string) ([]domain.Reservation, error) {
	if err := ctx.Err(); err != nil {
		return nil, &domain.TransientIOError{Op: "ledger.release", Err: err}
	}
	holds, locks, err := m.lockSaga(sagaID)
	if err != nil {
		return nil, err
	}
	defer unlockReverse(locks)

	var released []domain.Reservation
	for _, r := range holds {
		switch r.Status {
		case domain.ReservationHeld:
			m.mu.Lock()
			row := m.stock[r.SKU]
			m.mu.Unlock()
			row.Held -= r.Quantity
			r.Status = domain.ReservationReleased
			released = append(released, *r)
		case domain.ReservationConfirmed:
			// Releasing confirmed stock signals a misordered caller.
			m.log.Warn().Str("saga_id", sagaID).Str("sku", r.SKU).
				Msg("release called on confirmed reservation, ignoring")
		}
	}
	return released, nil
}

func (m *MemoryLedger) SweepExpired(ctx context.Context, now time.Time) ([]domain.Reservation, error) {
	m.mu.Lock()
	var candidates []string
	for sagaID, holds := range m.bySaga {
		for _, r := range holds {
			if r.Expired(now) {
				candidates = append(candidates, sagaID)
				break
			}
		}
	}
	m.mu.Unlock()

	sort.Strings(candidates)
	var swept []domain.Reservation
	for _, sagaID := range candidates {
		released, err := m.Release(ctx, sagaID)
		if err != nil {
			return swept, err
		}
		swept = append(swept, released...)
	}
	return swept, nil
}

func (m *MemoryLedger) Stock(ctx context.Context, sku string) (domain.StockLevel, error) {
	m.mu.Lock()
	row, ok := m.stock[sku]
	m.mu.Unlock()
	if !ok {
		return domain.StockLevel{}, domain.ErrNotFound
	}
	m.mu.Lock()
	lock := m.locks[sku]
	m.mu.Unlock()
	lock.Lock()
	defer lock.Unlock()
	return *row, nil
}

// lockSaga resolves a saga's reservations and takes their SKU locks in sorted
// order. Callers must unlockReverse the returned locks.
func (m *MemoryLedger) lockSaga(sagaID string) ([]*domain.Reservation, []*sync.Mutex, error) {
	m.mu.Lock()
	holds, ok := m.bySaga[sagaID]
	if !ok {
		m.mu.Unlock()
		return nil, nil, domain.ErrNotFound
	}
	skuSet := make(map[string]struct{}, len(holds))
	for _, r := range holds {
		skuSet[r.SKU] = struct{}{}
	}
	skus := make([]string, 0, len(skuSet))
	for sku := range skuSet {
		skus = append(skus, sku)
	}
	sort.Strings(skus)
	locks := make([]*sync.Mutex, 0, len(skus))
	for _, sku := range skus {
		locks = append(locks, m.locks[sku])
	}
	m.mu.Unlock()

	for _, l := range locks {
		l.Lock()
	}
	return holds, locks, nil
}

func unlockReverse(locks []*sync.Mutex) {
	for i := len(locks) - 1; i >= 0; i-- {
		locks[i].Unlock()
	}
}

func uniqueSKUs(lines []domain.ReserveLine) []string {
	set := make(map[string]struct{}, len(lines))
	for _, l := range lines {
		set[l.SKU] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for sku := range set {
		out = append(out, sku)
	}
	sort.Strings(out)
	return out
}

// requestedFor sums the batch quantity for one SKU, so a cart that repeats a
// SKU across lines is checked against the combined demand.
func requestedFor(lines []domain.ReserveLine, sku string) int64 {
	var total int64
	for _, l := range lines {
		if l.SKU == sku {
			total += l.Quantity
		}
	}
	return total
}

func copyReservations(in []*domain.Reservation) []domain.Reservation {
	out := make([]domain.Reservation, 0, len(in))
	for _, r := range in {
		out = append(out, *r)
	}
	return out
}
