package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ServerMetrics covers the HTTP surface of a service.
type ServerMetrics struct {
	Requests  *prometheus.CounterVec
	LatencyMS *prometheus.HistogramVec
}

func NewServerMetrics(service string) *ServerMetrics {
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "checkout",
		Subsystem: service,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests.",
	}, []string{"handler", "status"})
	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "checkout",
		Subsystem: service,
		Name:      "http_request_duration_ms",
		Help:      "HTTP request latency in milliseconds.",
		Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
	}, []string{"handler"})

	prometheus.MustRegister(requests, latency)
	return &ServerMetrics{Requests: requests, LatencyMS: latency}
}

// SagaMetrics covers the orchestration itself: how checkouts end and how long
// each step takes.
type SagaMetrics struct {
	Outcomes        *prometheus.CounterVec
	StepLatencyMS   *prometheus.HistogramVec
	Compensations   *prometheus.CounterVec
	ConfirmWarnings prometheus.Counter
	SweptHolds      prometheus.Counter
}

func NewSagaMetrics() *SagaMetrics {
	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "checkout",
		Subsystem: "saga",
		Name:      "outcomes_total",
		Help:      "Terminal checkout outcomes by result.",
	}, []string{"result"})
	stepLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "checkout",
		Subsystem: "saga",
		Name:      "step_duration_ms",
		Help:      "Saga step latency in milliseconds.",
		Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
	}, []string{"step"})
	compensations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "checkout",
		Subsystem: "saga",
		Name:      "compensations_total",
		Help:      "Compensation actions executed, by action and result.",
	}, []string{"action", "result"})
	confirmWarnings := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "checkout",
		Subsystem: "saga",
		Name:      "confirm_warnings_total",
		Help:      "Completed checkouts whose inventory confirm or cart clear failed.",
	})
	swept := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "checkout",
		Subsystem: "ledger",
		Name:      "swept_holds_total",
		Help:      "Expired reservations reclaimed by the sweeper.",
	})

	prometheus.MustRegister(outcomes, stepLatency, compensations, confirmWarnings, swept)
	return &SagaMetrics{
		Outcomes:        outcomes,
		StepLatencyMS:   stepLatency,
		Compensations:   compensations,
		ConfirmWarnings: confirmWarnings,
		SweptHolds:      swept,
	}
}

// ObserveStep records one step's duration.
func (m *SagaMetrics) ObserveStep(step string, d time.Duration) {
	if m == nil {
		return
	}
	m.StepLatencyMS.WithLabelValues(step).Observe(float64(d.Milliseconds()))
}

// IncOutcome records a terminal result (paid, failed, out_of_stock, ...).
func (m *SagaMetrics) IncOutcome(result string) {
	if m == nil {
		return
	}
	m.Outcomes.WithLabelValues(result).Inc()
}

// IncCompensation records one compensation action and how it went.
func (m *SagaMetrics) IncCompensation(action, result string) {
	if m == nil {
		return
	}
	m.Compensations.WithLabelValues(action, result).Inc()
}

// IncConfirmWarning records a completed checkout whose cleanup failed.
func (m *SagaMetrics) IncConfirmWarning() {
	if m == nil {
		return
	}
	m.ConfirmWarnings.Inc()
}

// IncSwept records one reclaimed expired hold.
func (m *SagaMetrics) IncSwept() {
	if m == nil {
		return
	}
	m.SweptHolds.Inc()
}

func Handler() http.Handler {
	return promhttp.Handler()
}
