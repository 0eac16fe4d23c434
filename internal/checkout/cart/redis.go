package cart

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nazeru/checkout-saga-go/internal/checkout/domain"
)

const keyPrefix = "cart:"

// RedisStore reads and clears carts kept in Redis by the cart service. The
// value at cart:{customerID} is a JSON array of lines; decoding it with a
// fresh timestamp is what makes the snapshot.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Snapshot(ctx context.Context, customerID string) (domain.CartSnapshot, error) {
	data, err := s.client.Get(ctx, keyPrefix+customerID).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.CartSnapshot{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.CartSnapshot{}, &domain.TransientIOError{Op: "cart.snapshot", Err: err}
	}

	var lines []domain.CartLine
	if err := json.Unmarshal(data, &lines); err != nil {
		return domain.CartSnapshot{}, &domain.ValidationError{Reason: "malformed cart payload"}
	}
	return domain.CartSnapshot{
		CustomerID: customerID,
		Lines:      lines,
		CapturedAt: time.Now().UTC(),
	}, nil
}

func (s *RedisStore) Clear(ctx context.Context, customerID string) error {
	if err := s.client.Del(ctx, keyPrefix+customerID).Err(); err != nil {
		return &domain.TransientIOError{Op: "cart.clear", Err: err}
	}
	return nil
}

// Put writes the cart lines for a customer. Seeding helper for demos and the
// bench runner; the real cart service owns this key in production.
func (s *RedisStore) Put(ctx context.Context, customerID string, lines []domain.CartLine) error {
	data, err := json.Marshal(lines)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, keyPrefix+customerID, data, 0).Err(); err != nil {
		return &domain.TransientIOError{Op: "cart.put", Err: err}
	}
	return nil
}
