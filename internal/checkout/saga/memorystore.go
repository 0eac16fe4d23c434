package saga

import (
	"context"
	"sync"
	"time"

	"github.com/nazeru/checkout-saga-go/internal/checkout/domain"
)

// MemoryStore keeps saga state in process. The map insert under one mutex
// plays the role of the unique constraint the Postgres store gets from its
// primary key.
type MemoryStore struct {
	mu     sync.Mutex
	states map[string]domain.SagaState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]domain.SagaState)}
}

func (s *MemoryStore) Begin(ctx context.Context, state domain.SagaState) (domain.SagaState, error) {
	if err := ctx.Err(); err != nil {
		return domain.SagaState{}, &domain.TransientIOError{Op: "saga.begin", Err: err}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.states[state.ID]; ok {
		return existing, ErrAlreadyStarted
	}
	now := time.Now().UTC()
	state.CreatedAt = now
	state.UpdatedAt = now
	s.states[state.ID] = state
	return state, nil
}

func (s *MemoryStore) Update(ctx context.Context, state domain.SagaState) error {
	if err := ctx.Err(); err != nil {
		return &domain.TransientIOError{Op: "saga.update", Err: err}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.states[state.ID]; !ok {
		return domain.ErrNotFound
	}
	state.UpdatedAt = time.Now().UTC()
	s.states[state.ID] = state
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, sagaID string) (domain.SagaState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[sagaID]
	if !ok {
		return domain.SagaState{}, domain.ErrNotFound
	}
	return state, nil
}
