// Package outbox decouples event emission from the request path. Producers
// append rows; the relay drains pending rows to Kafka and marks them sent.
package outbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nazeru/checkout-saga-go/pkg/contracts"
)

type Record struct {
	ID        int64           `json:"id"`
	EventID   string          `json:"event_id"`
	Topic     string          `json:"topic"`
	Key       string          `json:"key"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	SentAt    *time.Time      `json:"sent_at"`
}

// Store is the outbox persistence contract. Append is expected to be cheap and
// local; publishing happens later in the relay.
type Store interface {
	Append(ctx context.Context, topic string, event contracts.Event) error
	FetchPending(ctx context.Context, limit int) ([]Record, error)
	MarkSent(ctx context.Context, id int64) error
}
