// Package api exposes the synchronous checkout contract over HTTP. The caller
// always gets a terminal order status or a structured error code, never a
// generic 500 for business conditions.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/nazeru/checkout-saga-go/internal/checkout/domain"
	"github.com/nazeru/checkout-saga-go/internal/checkout/saga"
	"github.com/nazeru/checkout-saga-go/pkg/metrics"
)

// IdempotencyHeader carries the client's retry key; it becomes the saga id.
const IdempotencyHeader = "Idempotency-Key"

type checkoutRequest struct {
	CustomerID   string            `json:"customer_id"`
	PaymentToken string            `json:"payment_token"`
	Lines        []domain.CartLine `json:"lines,omitempty"`
}

type checkoutResponse struct {
	SagaID  string `json:"saga_id"`
	OrderID string `json:"order_id,omitempty"`
	Status  string `json:"status"`
	Total   string `json:"total"`
	Warning string `json:"warning,omitempty"`
}

type errorResponse struct {
	ErrorCode string `json:"error_code"`
	Error     string `json:"error"`
	SKU       string `json:"sku,omitempty"`
}

// Handler wires the orchestrator to the HTTP mux.
type Handler struct {
	saga    *saga.Orchestrator
	metrics *metrics.ServerMetrics
	log     zerolog.Logger
}

func NewHandler(orch *saga.Orchestrator, m *metrics.ServerMetrics, log zerolog.Logger) *Handler {
	return &Handler{saga: orch, metrics: m, log: log}
}

// Register mounts the checkout routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/checkout", h.handleCheckout)
	mux.HandleFunc("/checkout/", h.handleOutcome)
}

func (h *Handler) handleCheckout(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	status := h.serveCheckout(w, r)
	h.observe("checkout", status, start)
}

func (h *Handler) serveCheckout(w http.ResponseWriter, r *http.Request) int {
	if r.Method != http.MethodPost {
		return writeJSON(w, http.StatusMethodNotAllowed, errorResponse{ErrorCode: "METHOD_NOT_ALLOWED", Error: "method not allowed"})
	}
	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return writeJSON(w, http.StatusBadRequest, errorResponse{ErrorCode: "VALIDATION", Error: "invalid json"})
	}
	if strings.TrimSpace(req.CustomerID) == "" {
		return writeJSON(w, http.StatusBadRequest, errorResponse{ErrorCode: "VALIDATION", Error: "customer_id is required"})
	}

	sreq := saga.Request{
		CustomerID:     req.CustomerID,
		PaymentToken:   req.PaymentToken,
		IdempotencyKey: strings.TrimSpace(r.Header.Get(IdempotencyHeader)),
	}
	// Inline lines are accepted as a caller-provided snapshot; otherwise the
	// snapshot source supplies the cart.
	if len(req.Lines) > 0 {
		sreq.Snapshot = &domain.CartSnapshot{
			CustomerID: req.CustomerID,
			Lines:      req.Lines,
			CapturedAt: time.Now().UTC(),
		}
	}

	out, err := h.saga.Checkout(r.Context(), sreq)
	if err != nil {
		return h.writeError(w, out, err)
	}
	return writeJSON(w, http.StatusOK, responseFor(out))
}

func (h *Handler) handleOutcome(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	status := h.serveOutcome(w, r)
	h.observe("checkout_status", status, start)
}

func (h *Handler) serveOutcome(w http.ResponseWriter, r *http.Request) int {
	if r.Method != http.MethodGet {
		return writeJSON(w, http.StatusMethodNotAllowed, errorResponse{ErrorCode: "METHOD_NOT_ALLOWED", Error: "method not allowed"})
	}
	sagaID := strings.TrimPrefix(r.URL.Path, "/checkout/")
	if sagaID == "" || strings.Contains(sagaID, "/") {
		return writeJSON(w, http.StatusNotFound, errorResponse{ErrorCode: "NOT_FOUND", Error: "unknown saga"})
	}
	out, err := h.saga.Outcome(r.Context(), sagaID)
	if err != nil {
		return h.writeError(w, out, err)
	}
	return writeJSON(w, http.StatusOK, responseFor(out))
}

// writeError maps the error taxonomy onto status codes and stable error codes.
func (h *Handler) writeError(w http.ResponseWriter, out saga.Outcome, err error) int {
	var (
		validation *domain.ValidationError
		oos        *domain.OutOfStockError
		comp       *domain.CompensationFailureError
		invalid    *domain.InvalidTransitionError
		replayed   *saga.Failure
	)
	switch {
	case errors.As(err, &validation):
		return writeJSON(w, http.StatusBadRequest, errorResponse{ErrorCode: "VALIDATION", Error: validation.Reason})
	case errors.As(err, &oos):
		return writeJSON(w, http.StatusConflict, errorResponse{ErrorCode: "OUT_OF_STOCK", Error: err.Error(), SKU: oos.SKU})
	case errors.Is(err, saga.ErrInProgress):
		return writeJSON(w, http.StatusConflict, errorResponse{ErrorCode: "IN_PROGRESS", Error: "checkout in progress, retry shortly"})
	case errors.Is(err, domain.ErrNotFound):
		return writeJSON(w, http.StatusNotFound, errorResponse{ErrorCode: "NOT_FOUND", Error: "unknown saga"})
	case errors.As(err, &comp), errors.As(err, &invalid):
		h.log.Error().Err(err).Str("saga_id", out.SagaID).Msg("checkout needs operator attention")
		return writeJSON(w, http.StatusInternalServerError, errorResponse{ErrorCode: "RECONCILIATION_REQUIRED", Error: err.Error()})
	case errors.As(err, &replayed):
		return h.writeReplayed(w, replayed)
	default:
		h.log.Error().Err(err).Str("saga_id", out.SagaID).Msg("checkout failed")
		return writeJSON(w, http.StatusInternalServerError, errorResponse{ErrorCode: "INTERNAL", Error: err.Error()})
	}
}

func (h *Handler) writeReplayed(w http.ResponseWriter, f *saga.Failure) int {
	switch f.Code {
	case saga.FailureOutOfStock:
		return writeJSON(w, http.StatusConflict, errorResponse{ErrorCode: "OUT_OF_STOCK", Error: f.Reason})
	case saga.FailureCompensation:
		return writeJSON(w, http.StatusInternalServerError, errorResponse{ErrorCode: "RECONCILIATION_REQUIRED", Error: f.Reason})
	default:
		return writeJSON(w, http.StatusInternalServerError, errorResponse{ErrorCode: "INTERNAL", Error: f.Reason})
	}
}

func responseFor(out saga.Outcome) checkoutResponse {
	resp := checkoutResponse{
		SagaID:  out.SagaID,
		OrderID: out.OrderID,
		Status:  string(out.Status),
		Total:   out.Total.StringFixed(2),
	}
	if out.ConfirmWarning {
		resp.Warning = "inventory confirmation deferred"
	}
	return resp
}

func (h *Handler) observe(handler string, status int, start time.Time) {
	if h.metrics == nil {
		return
	}
	h.metrics.Requests.WithLabelValues(handler, httpStatusLabel(status)).Inc()
	h.metrics.LatencyMS.WithLabelValues(handler).Observe(float64(time.Since(start).Milliseconds()))
}

func httpStatusLabel(code int) string {
	switch {
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) int {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
	return code
}
