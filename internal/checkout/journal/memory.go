package journal

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nazeru/checkout-saga-go/internal/checkout/domain"
)

// MemoryJournal is the in-process journal for tests and broker-less runs.
type MemoryJournal struct {
	mu     sync.Mutex
	byID   map[string]*domain.Order
	bySaga map[string]string
	now    func() time.Time
}

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{
		byID:   make(map[string]*domain.Order),
		bySaga: make(map[string]string),
		now:    time.Now,
	}
}

func (j *MemoryJournal) Create(ctx context.Context, p CreateParams) (domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return domain.Order{}, &domain.TransientIOError{Op: "journal.create", Err: err}
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	if id, ok := j.bySaga[p.SagaID]; ok {
		return *j.byID[id], nil
	}

	now := j.now().UTC()
	order := &domain.Order{
		ID:         uuid.NewString(),
		SagaID:     p.SagaID,
		CustomerID: p.CustomerID,
		Status:     p.Status,
		Total:      p.Total,
		Lines:      append([]domain.OrderLine(nil), p.Lines...),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	j.byID[order.ID] = order
	j.bySaga[p.SagaID] = order.ID
	return *order, nil
}

func (j *MemoryJournal) MarkStatus(ctx context.Context, orderID string, status domain.OrderStatus) error {
	if err := ctx.Err(); err != nil {
		return &domain.TransientIOError{Op: "journal.mark", Err: err}
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	order, ok := j.byID[orderID]
	if !ok {
		return domain.ErrNotFound
	}
	if order.Status == status {
		return nil
	}
	if !order.Status.CanTransition(status) {
		return &domain.InvalidTransitionError{OrderID: orderID, From: order.Status, To: status}
	}
	order.Status = status
	order.UpdatedAt = j.now().UTC()
	return nil
}

func (j *MemoryJournal) Get(ctx context.Context, orderID string) (domain.Order, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	order, ok := j.byID[orderID]
	if !ok {
		return domain.Order{}, domain.ErrNotFound
	}
	return *order, nil
}

func (j *MemoryJournal) GetBySaga(ctx context.Context, sagaID string) (domain.Order, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	id, ok := j.bySaga[sagaID]
	if !ok {
		return domain.Order{}, domain.ErrNotFound
	}
	return *j.byID[id], nil
}
