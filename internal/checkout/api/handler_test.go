package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nazeru/checkout-saga-go/internal/checkout/cart"
	"github.com/nazeru/checkout-saga-go/internal/checkout/journal"
	"github.com/nazeru/checkout-saga-go/internal/checkout/ledger"
	"github.com/nazeru/checkout-saga-go/internal/checkout/payment"
	"github.com/nazeru/checkout-saga-go/internal/checkout/saga"
	"github.com/nazeru/checkout-saga-go/pkg/logging"
	"github.com/nazeru/checkout-saga-go/pkg/outbox"
)

type fixture struct {
	mux *http.ServeMux
	led *ledger.MemoryLedger
	gw  *payment.MockGateway
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	led := ledger.NewMemoryLedger(logging.Nop())
	gw := payment.NewMockGateway()
	carts := cart.NewMemoryStore()
	orch := saga.NewOrchestrator(
		saga.NewMemoryStore(), led, journal.NewMemoryJournal(), gw,
		carts, carts, outbox.NewMemoryStore(), nil, logging.Nop(), saga.Config{},
	)
	mux := http.NewServeMux()
	NewHandler(orch, nil, logging.Nop()).Register(mux)
	return &fixture{mux: mux, led: led, gw: gw}
}

func (f *fixture) post(t *testing.T, body, idemKey string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/checkout", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if idemKey != "" {
		req.Header.Set(IdempotencyHeader, idemKey)
	}
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

const oneWidget = `{
	"customer_id": "cust-1",
	"payment_token": "tok_visa",
	"lines": [{"sku": "SKU-1", "name": "widget", "unit_price": "10.00", "quantity": 2}]
}`

func TestCheckoutEndpointPaid(t *testing.T) {
	f := newFixture(t)
	f.led.SetStock("SKU-1", 10)

	rec := f.post(t, oneWidget, "saga-1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decode[checkoutResponse](t, rec)
	assert.Equal(t, "saga-1", resp.SagaID)
	assert.Equal(t, "PAID", resp.Status)
	assert.Equal(t, "20.00", resp.Total)
	assert.NotEmpty(t, resp.OrderID)
	assert.Empty(t, resp.Warning)
}

func TestCheckoutEndpointOutOfStock(t *testing.T) {
	f := newFixture(t)
	f.led.SetStock("SKU-1", 1)

	rec := f.post(t, oneWidget, "saga-1")
	require.Equal(t, http.StatusConflict, rec.Code)

	resp := decode[errorResponse](t, rec)
	assert.Equal(t, "OUT_OF_STOCK", resp.ErrorCode)
	assert.Equal(t, "SKU-1", resp.SKU)
}

func TestCheckoutEndpointDeclined(t *testing.T) {
	f := newFixture(t)
	f.led.SetStock("SKU-1", 10)
	f.gw.DeclineAll("insufficient funds")

	rec := f.post(t, oneWidget, "saga-1")
	require.Equal(t, http.StatusOK, rec.Code, "a decline is a recorded outcome")

	resp := decode[checkoutResponse](t, rec)
	assert.Equal(t, "FAILED", resp.Status)
	assert.NotEmpty(t, resp.OrderID)
}

func TestCheckoutEndpointValidation(t *testing.T) {
	f := newFixture(t)

	rec := f.post(t, `{"payment_token": "tok_visa"}`, "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION", decode[errorResponse](t, rec).ErrorCode)

	rec = f.post(t, `{not json`, "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION", decode[errorResponse](t, rec).ErrorCode)

	// Empty cart and no snapshot source entry.
	rec = f.post(t, `{"customer_id": "cust-1", "payment_token": "tok_visa"}`, "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION", decode[errorResponse](t, rec).ErrorCode)
}

func TestCheckoutEndpointMethodNotAllowed(t *testing.T) {
	f := newFixture(t)
	rec := f.get(t, "/checkout")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestCheckoutEndpointIdempotencyReplay(t *testing.T) {
	f := newFixture(t)
	f.led.SetStock("SKU-1", 10)

	first := decode[checkoutResponse](t, f.post(t, oneWidget, "saga-1"))
	second := decode[checkoutResponse](t, f.post(t, oneWidget, "saga-1"))

	assert.Equal(t, first.OrderID, second.OrderID)
	assert.Equal(t, "PAID", second.Status)
	assert.Equal(t, 1, f.gw.ChargeCalls, "replay must not charge twice")
}

func TestStatusEndpoint(t *testing.T) {
	f := newFixture(t)
	f.led.SetStock("SKU-1", 10)

	created := decode[checkoutResponse](t, f.post(t, oneWidget, "saga-1"))

	rec := f.get(t, "/checkout/saga-1")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[checkoutResponse](t, rec)
	assert.Equal(t, created.OrderID, resp.OrderID)
	assert.Equal(t, "PAID", resp.Status)
	assert.Equal(t, "20.00", resp.Total)
}

func TestStatusEndpointUnknownSaga(t *testing.T) {
	f := newFixture(t)

	rec := f.get(t, "/checkout/nope")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", decode[errorResponse](t, rec).ErrorCode)

	rec = f.get(t, "/checkout/")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusEndpointReplaysOutOfStock(t *testing.T) {
	f := newFixture(t)
	f.led.SetStock("SKU-1", 1)
	f.post(t, oneWidget, "saga-1")

	rec := f.get(t, "/checkout/saga-1")
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "OUT_OF_STOCK", decode[errorResponse](t, rec).ErrorCode)
}
