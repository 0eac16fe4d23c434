package outbox

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	pkgkafka "github.com/nazeru/checkout-saga-go/pkg/kafka"
)

// Relay drains pending outbox rows to Kafka on a fixed interval. A row is
// marked sent only after the write succeeds, so delivery is at-least-once and
// a crash between publish and mark just re-sends.
type Relay struct {
	store    Store
	client   *pkgkafka.Client
	interval time.Duration
	batch    int
	log      zerolog.Logger

	writers map[string]*kafka.Writer
}

func NewRelay(store Store, client *pkgkafka.Client, interval time.Duration, log zerolog.Logger) *Relay {
	if interval <= 0 {
		interval = time.Second
	}
	return &Relay{
		store:    store,
		client:   client,
		interval: interval,
		batch:    100,
		log:      log,
		writers:  make(map[string]*kafka.Writer),
	}
}

// Run blocks until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	defer r.closeWriters()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Drain(ctx); err != nil && ctx.Err() == nil {
				r.log.Error().Err(err).Msg("outbox drain failed")
			}
		}
	}
}

// Drain publishes one batch of pending rows.
func (r *Relay) Drain(ctx context.Context) error {
	pending, err := r.store.FetchPending(ctx, r.batch)
	if err != nil {
		return err
	}
	for _, rec := range pending {
		w := r.writer(rec.Topic)
		if err := pkgkafka.Publish(ctx, w, rec.Key, rec.Payload, rec.CreatedAt); err != nil {
			// Leave the row pending; the next tick retries it.
			return err
		}
		if err := r.store.MarkSent(ctx, rec.ID); err != nil {
			return err
		}
	}
	return nil
}

func (r *Relay) writer(topic string) *kafka.Writer {
	if w, ok := r.writers[topic]; ok {
		return w
	}
	w := r.client.NewWriter(topic)
	r.writers[topic] = w
	return w
}

func (r *Relay) closeWriters() {
	for _, w := range r.writers {
		_ = w.Close()
	}
}
