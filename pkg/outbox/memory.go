package outbox

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nazeru/checkout-saga-go/pkg/contracts"
)

// MemoryStore is the in-process outbox used by tests and broker-less runs.
type MemoryStore struct {
	mu     sync.Mutex
	nextID int64
	rows   []Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(ctx context.Context, topic string, event contracts.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.rows = append(s.rows, Record{
		ID:        s.nextID,
		EventID:   event.EventID,
		Topic:     topic,
		Key:       event.SagaID,
		Payload:   data,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (s *MemoryStore) FetchPending(ctx context.Context, limit int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Record
	for _, rec := range s.rows {
		if rec.SentAt == nil {
			out = append(out, rec)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) MarkSent(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.rows {
		if s.rows[i].ID == id {
			now := time.Now().UTC()
			s.rows[i].SentAt = &now
			return nil
		}
	}
	return nil
}

// Events decodes every appended event, sent or not. Test helper.
func (s *MemoryStore) Events() []contracts.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]contracts.Event, 0, len(s.rows))
	for _, rec := range s.rows {
		var ev contracts.Event
		if err := json.Unmarshal(rec.Payload, &ev); err == nil {
			out = append(out, ev)
		}
	}
	return out
}
