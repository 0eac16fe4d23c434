// Package payment defines the gateway contract the saga consumes. The real
// adapter lives with the provider integration; this package carries the port,
// a bounded-retry wrapper for transient transport failures, and a scriptable
// mock for tests and demos.
package payment

import (
	"context"

	"github.com/shopspring/decimal"
)

// ChargeRequest always carries the saga id as the idempotency key, so a
// retried charge cannot double-bill.
type ChargeRequest struct {
	Amount         decimal.Decimal
	Currency       string
	Token          string
	IdempotencyKey string
}

// Result distinguishes a decline (Succeeded=false, Error set) from a transport
// failure: declines are values the saga branches on, transport failures come
// back as errors.
type Result struct {
	Succeeded   bool
	ProviderRef string
	Error       string
}

type RefundRequest struct {
	ProviderRef    string
	Amount         decimal.Decimal
	Currency       string
	IdempotencyKey string
}

type Port interface {
	Charge(ctx context.Context, req ChargeRequest) (Result, error)
	Refund(ctx context.Context, req RefundRequest) error
}
