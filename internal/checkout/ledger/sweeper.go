package ledger

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/nazeru/checkout-saga-go/pkg/contracts"
	"github.com/nazeru/checkout-saga-go/pkg/metrics"
	"github.com/nazeru/checkout-saga-go/pkg/outbox"
)

// DefaultSweepInterval is how often expired holds are reclaimed.
const DefaultSweepInterval = time.Minute

// Sweeper releases holds whose saga never called Confirm or Release, so a
// crashed checkout cannot pin stock forever. Single goroutine, fixed interval.
type Sweeper struct {
	ledger   Ledger
	events   outbox.Store
	interval time.Duration
	metrics  *metrics.SagaMetrics
	log      zerolog.Logger
	now      func() time.Time
}

func NewSweeper(l Ledger, events outbox.Store, interval time.Duration, m *metrics.SagaMetrics, log zerolog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{ledger: l, events: events, interval: interval, metrics: m, log: log, now: time.Now}
}

// Run blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce reclaims every expired hold and emits a stock.released event for
// each. Failures are logged and left for the next tick.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	swept, err := s.ledger.SweepExpired(ctx, s.now())
	if err != nil && ctx.Err() == nil {
		s.log.Error().Err(err).Msg("reservation sweep failed")
	}
	for _, r := range swept {
		s.log.Warn().
			Str("saga_id", r.SagaID).
			Str("sku", r.SKU).
			Int64("quantity", r.Quantity).
			Msg("expired hold released")
		s.metrics.IncSwept()
		if s.events == nil {
			continue
		}
		ev := contracts.New(contracts.EventStockReleased, r.SagaID, "", map[string]any{
			"sku":      r.SKU,
			"quantity": r.Quantity,
			"reason":   "hold_expired",
		})
		if err := s.events.Append(ctx, contracts.TopicCheckoutEvents, ev); err != nil {
			s.log.Error().Err(err).Str("saga_id", r.SagaID).Msg("failed to append stock.released event")
		}
	}
}
