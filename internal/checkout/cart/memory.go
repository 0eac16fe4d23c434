package cart

import (
	"context"
	"sync"
	"time"

	"github.com/nazeru/checkout-saga-go/internal/checkout/domain"
)

// MemoryStore holds carts in process, for tests and runs without Redis.
type MemoryStore struct {
	mu    sync.Mutex
	carts map[string][]domain.CartLine

	ClearCalls int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{carts: make(map[string][]domain.CartLine)}
}

func (s *MemoryStore) Put(customerID string, lines []domain.CartLine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.carts[customerID] = append([]domain.CartLine(nil), lines...)
}

func (s *MemoryStore) Snapshot(ctx context.Context, customerID string) (domain.CartSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lines, ok := s.carts[customerID]
	if !ok {
		return domain.CartSnapshot{}, domain.ErrNotFound
	}
	return domain.CartSnapshot{
		CustomerID: customerID,
		Lines:      append([]domain.CartLine(nil), lines...),
		CapturedAt: time.Now().UTC(),
	}, nil
}

func (s *MemoryStore) Clear(ctx context.Context, customerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.carts, customerID)
	s.ClearCalls++
	return nil
}

// Has reports whether a live cart exists for the customer.
func (s *MemoryStore) Has(customerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.carts[customerID]
	return ok
}
