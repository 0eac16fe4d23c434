package payment

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/nazeru/checkout-saga-go/internal/checkout/domain"
)

const (
	defaultMaxAttempts = 3
	defaultBaseBackoff = 100 * time.Millisecond
)

// Retrying wraps a Port and retries transient transport failures with
// exponential backoff. Declines are never retried; the idempotency key makes
// the retries safe against double-billing.
type Retrying struct {
	inner       Port
	maxAttempts int
	baseBackoff time.Duration
	log         zerolog.Logger
	sleep       func(context.Context, time.Duration) error
}

type RetryOption func(*Retrying)

func WithMaxAttempts(n int) RetryOption {
	return func(r *Retrying) { r.maxAttempts = n }
}

func WithBaseBackoff(d time.Duration) RetryOption {
	return func(r *Retrying) { r.baseBackoff = d }
}

// withSleep replaces the backoff sleep, for tests.
func withSleep(fn func(context.Context, time.Duration) error) RetryOption {
	return func(r *Retrying) { r.sleep = fn }
}

func NewRetrying(inner Port, log zerolog.Logger, opts ...RetryOption) *Retrying {
	r := &Retrying{
		inner:       inner,
		maxAttempts: defaultMaxAttempts,
		baseBackoff: defaultBaseBackoff,
		log:         log,
		sleep:       sleepCtx,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Retrying) Charge(ctx context.Context, req ChargeRequest) (Result, error) {
	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		res, err := r.inner.Charge(ctx, req)
		if err == nil {
			return res, nil
		}
		if !domain.Transient(err) {
			return Result{}, err
		}
		lastErr = err
		r.log.Warn().Err(err).Int("attempt", attempt).Str("idempotency_key", req.IdempotencyKey).
			Msg("transient charge failure")
		if attempt == r.maxAttempts {
			break
		}
		if err := r.sleep(ctx, r.backoff(attempt)); err != nil {
			return Result{}, &domain.TransientIOError{Op: "payment.charge", Err: err}
		}
	}
	return Result{}, lastErr
}

func (r *Retrying) Refund(ctx context.Context, req RefundRequest) error {
	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		err := r.inner.Refund(ctx, req)
		if err == nil {
			return nil
		}
		if !domain.Transient(err) {
			return err
		}
		lastErr = err
		r.log.Warn().Err(err).Int("attempt", attempt).Str("idempotency_key", req.IdempotencyKey).
			Msg("transient refund failure")
		if attempt == r.maxAttempts {
			break
		}
		if err := r.sleep(ctx, r.backoff(attempt)); err != nil {
			return &domain.TransientIOError{Op: "payment.refund", Err: err}
		}
	}
	return lastErr
}

func (r *Retrying) backoff(attempt int) time.Duration {
	d := r.baseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
