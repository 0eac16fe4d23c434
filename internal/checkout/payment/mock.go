package payment

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/nazeru/checkout-saga-go/internal/checkout/domain"
)

// DeclineToken is always declined, so the failure path can be exercised
// against a running service without reconfiguring the gateway.
const DeclineToken = "tok_declined"

// MockGateway is a scriptable in-process gateway. Charges are recorded by
// idempotency key, so a replayed charge returns the original result without a
// second capture, matching how real providers treat the key.
type MockGateway struct {
	mu sync.Mutex

	declineAll    bool
	declineReason string
	failCharges   int // remaining charges to fail transiently
	failRefunds   int

	charges map[string]Result
	refunds map[string]struct{}

	ChargeCalls int
	RefundCalls int
}

func NewMockGateway() *MockGateway {
	return &MockGateway{
		charges: make(map[string]Result),
		refunds: make(map[string]struct{}),
	}
}

// DeclineAll makes every new charge a business decline.
func (g *MockGateway) DeclineAll(reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.declineAll = true
	g.declineReason = reason
}

// FailChargesTransiently makes the next n charges fail with a transport error.
func (g *MockGateway) FailChargesTransiently(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failCharges = n
}

// FailRefundsTransiently makes the next n refunds fail with a transport error.
func (g *MockGateway) FailRefundsTransiently(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failRefunds = n
}

func (g *MockGateway) Charge(ctx context.Context, req ChargeRequest) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, &domain.TransientIOError{Op: "payment.charge", Err: err}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ChargeCalls++

	if prev, ok := g.charges[req.IdempotencyKey]; ok {
		return prev, nil
	}
	if g.failCharges > 0 {
		g.failCharges--
		return Result{}, &domain.TransientIOError{Op: "payment.charge", Err: errors.New("gateway timeout")}
	}

	var res Result
	switch {
	case req.Token == DeclineToken:
		res = Result{Succeeded: false, Error: "card declined"}
	case g.declineAll:
		res = Result{Succeeded: false, Error: g.declineReason}
	default:
		res = Result{Succeeded: true, ProviderRef: "ch_" + uuid.NewString()}
	}
	g.charges[req.IdempotencyKey] = res
	return res, nil
}

func (g *MockGateway) Refund(ctx context.Context, req RefundRequest) error {
	if err := ctx.Err(); err != nil {
		return &domain.TransientIOError{Op: "payment.refund", Err: err}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.RefundCalls++

	if _, ok := g.refunds[req.IdempotencyKey]; ok {
		return nil
	}
	if g.failRefunds > 0 {
		g.failRefunds--
		return &domain.TransientIOError{Op: "payment.refund", Err: errors.New("gateway timeout")}
	}
	g.refunds[req.IdempotencyKey] = struct{}{}
	return nil
}

// Refunded reports whether a refund with the given key went through.
func (g *MockGateway) Refunded(idempotencyKey string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.refunds[idempotencyKey]
	return ok
}
