package ledger

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nazeru/checkout-saga-go/internal/checkout/domain"
	"github.com/nazeru/checkout-saga-go/pkg/logging"
)

func newTestLedger(opts ...MemoryOption) *MemoryLedger {
	return NewMemoryLedger(logging.Nop(), opts...)
}

func TestReserveHoldsStock(t *testing.T) {
	led := newTestLedger()
	led.SetStock("SKU-1", 10)

	holds, err := led.Reserve(context.Background(), "saga-1", []domain.ReserveLine{{SKU: "SKU-1", Quantity: 4}})
	require.NoError(t, err)
	require.Len(t, holds, 1)
	assert.Equal(t, domain.ReservationHeld, holds[0].Status)
	assert.Equal(t, int64(4), holds[0].Quantity)

	stock, err := led.Stock(context.Background(), "SKU-1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), stock.OnHand)
	assert.Equal(t, int64(4), stock.Held)
	assert.Equal(t, int64(6), stock.Available())
}

func TestReserveExactAvailableSucceeds(t *testing.T) {
	led := newTestLedger()
	led.SetStock("SKU-1", 5)

	_, err := led.Reserve(context.Background(), "saga-1", []domain.ReserveLine{{SKU: "SKU-1", Quantity: 5}})
	require.NoError(t, err)

	stock, err := led.Stock(context.Background(), "SKU-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), stock.Available())
}

func TestReserveOneOverAvailableFails(t *testing.T) {
	led := newTestLedger()
	led.SetStock("SKU-1", 5)

	_, err := led.Reserve(context.Background(), "saga-1", []domain.ReserveLine{{SKU: "SKU-1", Quantity: 6}})
	var oos *domain.OutOfStockError
	require.ErrorAs(t, err, &oos)
	assert.Equal(t, "SKU-1", oos.SKU)
	assert.Equal(t, int64(6), oos.Requested)
	assert.Equal(t, int64(5), oos.Available)
}

func TestReserveBatchIsAllOrNothing(t *testing.T) {
	led := newTestLedger()
	led.SetStock("SKU-1", 10)
	led.SetStock("SKU-2", 1)

	_, err := led.Reserve(context.Background(), "saga-1", []domain.ReserveLine{
		{SKU: "SKU-1", Quantity: 3},
		{SKU: "SKU-2", Quantity: 5},
	})
	var oos *domain.OutOfStockError
	require.ErrorAs(t, err, &oos)
	assert.Equal(t, "SKU-2", oos.SKU)

	// No partial hold on the line that could have been covered.
	stock, err := led.Stock(context.Background(), "SKU-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), stock.Held)
}

func TestReserveRepeatedSKUCollapsesToOneHold(t *testing.T) {
	led := newTestLedger()
	led.SetStock("SKU-1", 10)

	// Two lines for the same SKU become one hold with the summed quantity, the
	// row shape the durable ledger's unique (saga_id, sku) constraint requires.
	holds, err := led.Reserve(context.Background(), "saga-1", []domain.ReserveLine{
		{SKU: "SKU-1", Quantity: 3},
		{SKU: "SKU-1", Quantity: 3},
	})
	require.NoError(t, err)
	require.Len(t, holds, 1)
	assert.Equal(t, int64(6), holds[0].Quantity)

	stock, err := led.Stock(context.Background(), "SKU-1")
	require.NoError(t, err)
	assert.Equal(t, int64(6), stock.Held)

	released, err := led.Release(context.Background(), "saga-1")
	require.NoError(t, err)
	require.Len(t, released, 1)
	stock, err = led.Stock(context.Background(), "SKU-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), stock.Held, "release returns the full combined hold")
}

func TestReserveSumsRepeatedSKU(t *testing.T) {
	led := newTestLedger()
	led.SetStock("SKU-1", 5)

	_, err := led.Reserve(context.Background(), "saga-1", []domain.ReserveLine{
		{SKU: "SKU-1", Quantity: 3},
		{SKU: "SKU-1", Quantity: 3},
	})
	var oos *domain.OutOfStockError
	require.ErrorAs(t, err, &oos)
	assert.Equal(t, int64(6), oos.Requested)
}

func TestReserveReplaySameSaga(t *testing.T) {
	led := newTestLedger()
	led.SetStock("SKU-1", 10)
	lines := []domain.ReserveLine{{SKU: "SKU-1", Quantity: 4}}

	first, err := led.Reserve(context.Background(), "saga-1", lines)
	require.NoError(t, err)
	second, err := led.Reserve(context.Background(), "saga-1", lines)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	stock, err := led.Stock(context.Background(), "SKU-1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), stock.Held, "replay must not double the hold")
}

func TestConfirmConsumesStock(t *testing.T) {
	led := newTestLedger()
	led.SetStock("SKU-1", 10)
	_, err := led.Reserve(context.Background(), "saga-1", []domain.ReserveLine{{SKU: "SKU-1", Quantity: 4}})
	require.NoError(t, err)

	require.NoError(t, led.Confirm(context.Background(), "saga-1"))
	require.NoError(t, led.Confirm(context.Background(), "saga-1"), "confirm is idempotent")

	stock, err := led.Stock(context.Background(), "SKU-1")
	require.NoError(t, err)
	assert.Equal(t, int64(6), stock.OnHand)
	assert.Equal(t, int64(0), stock.Held)
}

func TestReleaseRestoresAvailability(t *testing.T) {
	led := newTestLedger()
	led.SetStock("SKU-1", 10)
	_, err := led.Reserve(context.Background(), "saga-1", []domain.ReserveLine{{SKU: "SKU-1", Quantity: 4}})
	require.NoError(t, err)

	released, err := led.Release(context.Background(), "saga-1")
	require.NoError(t, err)
	require.Len(t, released, 1)
	assert.Equal(t, domain.ReservationReleased, released[0].Status)

	stock, err := led.Stock(context.Background(), "SKU-1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), stock.OnHand)
	assert.Equal(t, int64(10), stock.Available())

	// Second release finds nothing held.
	released, err = led.Release(context.Background(), "saga-1")
	require.NoError(t, err)
	assert.Empty(t, released)
}

func TestReleaseUnknownSaga(t *testing.T) {
	led := newTestLedger()
	_, err := led.Release(context.Background(), "no-such-saga")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestReleaseSkipsConfirmedHolds(t *testing.T) {
	led := newTestLedger()
	led.SetStock("SKU-1", 10)
	_, err := led.Reserve(context.Background(), "saga-1", []domain.ReserveLine{{SKU: "SKU-1", Quantity: 4}})
	require.NoError(t, err)
	require.NoError(t, led.Confirm(context.Background(), "saga-1"))

	released, err := led.Release(context.Background(), "saga-1")
	require.NoError(t, err)
	assert.Empty(t, released)

	stock, err := led.Stock(context.Background(), "SKU-1")
	require.NoError(t, err)
	assert.Equal(t, int64(6), stock.OnHand, "confirmed stock stays consumed")
}

func TestConcurrentReservesNeverOversell(t *testing.T) {
	led := newTestLedger()
	led.SetStock("SKU-1", 50)

	const workers = 100
	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := led.Reserve(context.Background(), sagaID(n), []domain.ReserveLine{{SKU: "SKU-1", Quantity: 1}})
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	var granted, rejected int
	for err := range results {
		if err == nil {
			granted++
			continue
		}
		var oos *domain.OutOfStockError
		require.ErrorAs(t, err, &oos)
		rejected++
	}
	assert.Equal(t, 50, granted)
	assert.Equal(t, 50, rejected)

	stock, err := led.Stock(context.Background(), "SKU-1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), stock.Held)
	assert.Equal(t, int64(0), stock.Available())
}

func TestConcurrentMultiSKUBatches(t *testing.T) {
	led := newTestLedger()
	led.SetStock("SKU-A", 100)
	led.SetStock("SKU-B", 100)

	// Opposite line orders would deadlock without sorted lock acquisition.
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(n int) {
			defer wg.Done()
			_, _ = led.Reserve(context.Background(), sagaID(n*2), []domain.ReserveLine{
				{SKU: "SKU-A", Quantity: 1}, {SKU: "SKU-B", Quantity: 1},
			})
		}(i)
		go func(n int) {
			defer wg.Done()
			_, _ = led.Reserve(context.Background(), sagaID(n*2+1), []domain.ReserveLine{
				{SKU: "SKU-B", Quantity: 1}, {SKU: "SKU-A", Quantity: 1},
			})
		}(i)
	}
	wg.Wait()

	a, err := led.Stock(context.Background(), "SKU-A")
	require.NoError(t, err)
	b, err := led.Stock(context.Background(), "SKU-B")
	require.NoError(t, err)
	assert.Equal(t, int64(100), a.Held)
	assert.Equal(t, int64(100), b.Held)
}

func TestSweepExpiredReclaimsOldHolds(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := now
	led := newTestLedger(
		WithHoldTTL(15*time.Minute),
		WithClock(func() time.Time { return clock }),
	)
	led.SetStock("SKU-1", 10)

	_, err := led.Reserve(context.Background(), "saga-old", []domain.ReserveLine{{SKU: "SKU-1", Quantity: 3}})
	require.NoError(t, err)

	clock = now.Add(10 * time.Minute)
	_, err = led.Reserve(context.Background(), "saga-new", []domain.ReserveLine{{SKU: "SKU-1", Quantity: 2}})
	require.NoError(t, err)

	// 16 minutes in: only the first hold has passed its TTL.
	swept, err := led.SweepExpired(context.Background(), now.Add(16*time.Minute))
	require.NoError(t, err)
	require.Len(t, swept, 1)
	assert.Equal(t, "saga-old", swept[0].SagaID)

	stock, err := led.Stock(context.Background(), "SKU-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), stock.Held)

	swept, err = led.SweepExpired(context.Background(), now.Add(16*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, swept)
}

func TestStockUnknownSKU(t *testing.T) {
	led := newTestLedger()
	_, err := led.Stock(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSetStockConcurrentWithReserves(t *testing.T) {
	led := newTestLedger()
	led.SetStock("SKU-1", 1000)

	// Restocking a live ledger must not race the reservation path.
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			led.SetStock("SKU-1", 1000)
		}()
		go func(n int) {
			defer wg.Done()
			_, _ = led.Reserve(context.Background(), sagaID(n), []domain.ReserveLine{{SKU: "SKU-1", Quantity: 1}})
		}(i)
	}
	wg.Wait()

	stock, err := led.Stock(context.Background(), "SKU-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), stock.OnHand)
	assert.Equal(t, int64(20), stock.Held)
}

func sagaID(n int) string {
	return "saga-" + strconv.Itoa(n)
}
