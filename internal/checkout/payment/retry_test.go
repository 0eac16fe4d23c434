package payment

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nazeru/checkout-saga-go/internal/checkout/domain"
	"github.com/nazeru/checkout-saga-go/pkg/logging"
)

func noSleep(context.Context, time.Duration) error { return nil }

func chargeReq(key string) ChargeRequest {
	return ChargeRequest{
		Amount:         decimal.RequireFromString("19.98"),
		Currency:       "USD",
		Token:          "tok_visa",
		IdempotencyKey: key,
	}
}

func TestChargeRetriesTransientFailures(t *testing.T) {
	gw := NewMockGateway()
	gw.FailChargesTransiently(2)
	p := NewRetrying(gw, logging.Nop(), withSleep(noSleep))

	res, err := p.Charge(context.Background(), chargeReq("saga-1"))
	require.NoError(t, err)
	assert.True(t, res.Succeeded)
	assert.NotEmpty(t, res.ProviderRef)
	assert.Equal(t, 3, gw.ChargeCalls)
}

func TestChargeGivesUpAfterMaxAttempts(t *testing.T) {
	gw := NewMockGateway()
	gw.FailChargesTransiently(10)
	p := NewRetrying(gw, logging.Nop(), WithMaxAttempts(3), withSleep(noSleep))

	_, err := p.Charge(context.Background(), chargeReq("saga-1"))
	require.Error(t, err)
	assert.True(t, domain.Transient(err))
	assert.Equal(t, 3, gw.ChargeCalls)
}

func TestChargeDoesNotRetryDeclines(t *testing.T) {
	gw := NewMockGateway()
	gw.DeclineAll("insufficient funds")
	p := NewRetrying(gw, logging.Nop(), withSleep(noSleep))

	res, err := p.Charge(context.Background(), chargeReq("saga-1"))
	require.NoError(t, err, "a decline is a result, not an error")
	assert.False(t, res.Succeeded)
	assert.Equal(t, "insufficient funds", res.Error)
	assert.Equal(t, 1, gw.ChargeCalls)
}

func TestChargeReplaySameKeyReturnsOriginal(t *testing.T) {
	gw := NewMockGateway()
	p := NewRetrying(gw, logging.Nop(), withSleep(noSleep))

	first, err := p.Charge(context.Background(), chargeReq("saga-1"))
	require.NoError(t, err)
	second, err := p.Charge(context.Background(), chargeReq("saga-1"))
	require.NoError(t, err)
	assert.Equal(t, first.ProviderRef, second.ProviderRef, "replay must not capture twice")
}

func TestDeclineToken(t *testing.T) {
	gw := NewMockGateway()
	req := chargeReq("saga-1")
	req.Token = DeclineToken

	res, err := gw.Charge(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, res.Succeeded)
}

func TestRefundRetriesAndReplays(t *testing.T) {
	gw := NewMockGateway()
	gw.FailRefundsTransiently(1)
	p := NewRetrying(gw, logging.Nop(), withSleep(noSleep))

	req := RefundRequest{
		ProviderRef:    "ch_123",
		Amount:         decimal.RequireFromString("19.98"),
		Currency:       "USD",
		IdempotencyKey: "refund-saga-1",
	}
	require.NoError(t, p.Refund(context.Background(), req))
	assert.Equal(t, 2, gw.RefundCalls)
	assert.True(t, gw.Refunded("refund-saga-1"))

	require.NoError(t, p.Refund(context.Background(), req))
	assert.Equal(t, 3, gw.RefundCalls, "replay hits the gateway but refunds once")
}
