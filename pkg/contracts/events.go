// Package contracts carries the event envelope shared with the consumers that
// live outside this repository. Delivery is at-least-once; consumers dedup on
// EventID.
package contracts

import (
	"time"

	"github.com/google/uuid"
)

type Event struct {
	EventID   string         `json:"event_id"`
	SagaID    string         `json:"saga_id"`
	OrderID   string         `json:"order_id,omitempty"`
	Type      string         `json:"type"`
	CreatedAt time.Time      `json:"created_at"`
	Payload   map[string]any `json:"payload,omitempty"`
}

const (
	EventOrderCreated  = "order.created"
	EventOrderFailed   = "order.failed"
	EventStockReleased = "stock.released"
)

// TopicCheckoutEvents is the single stream all checkout events go to, keyed by
// saga id so per-checkout ordering survives partitioning.
const TopicCheckoutEvents = "checkout.events"

func New(eventType, sagaID, orderID string, payload map[string]any) Event {
	return Event{
		EventID:   uuid.NewString(),
		SagaID:    sagaID,
		OrderID:   orderID,
		Type:      eventType,
		CreatedAt: time.Now().UTC(),
		Payload:   payload,
	}
}
