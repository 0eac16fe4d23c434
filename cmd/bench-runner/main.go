// bench-runner drives concurrent checkouts at a running checkout-service and
// reports latency percentiles plus an oversell check: with --stock set, the
// number of paid units must never exceed the seeded stock.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type benchResult struct {
	Timestamp       string         `json:"timestamp"`
	BaseURL         string         `json:"base_url"`
	SKU             string         `json:"sku"`
	QuantityPerTx   int64          `json:"quantity_per_checkout"`
	Checkouts       int            `json:"checkouts"`
	Concurrency     int            `json:"concurrency"`
	Paid            int            `json:"paid"`
	OutOfStock      int            `json:"out_of_stock"`
	Failed          int            `json:"failed"`
	TransportErrors int            `json:"transport_errors"`
	PaidUnits       int64          `json:"paid_units"`
	SeededStock     int64          `json:"seeded_stock,omitempty"`
	Oversold        bool           `json:"oversold"`
	DurationSeconds float64        `json:"duration_seconds"`
	ThroughputRPS   float64        `json:"throughput_rps"`
	AvgLatencyMs    float64        `json:"avg_latency_ms"`
	MinLatencyMs    float64        `json:"min_latency_ms"`
	MaxLatencyMs    float64        `json:"max_latency_ms"`
	P50LatencyMs    float64        `json:"p50_latency_ms"`
	P90LatencyMs    float64        `json:"p90_latency_ms"`
	P95LatencyMs    float64        `json:"p95_latency_ms"`
	P99LatencyMs    float64        `json:"p99_latency_ms"`
	StatusCounts    map[string]int `json:"status_counts"`
	ErrorCodes      map[string]int `json:"error_codes"`
	FirstError      string         `json:"first_error"`
}

type tally struct {
	mu          sync.Mutex
	paid        int
	outOfStock  int
	failed      int
	transport   int
	paidUnits   int64
	total       time.Duration
	minLatency  time.Duration
	maxLatency  time.Duration
	latenciesMs []float64
	statuses    map[string]int
	errorCodes  map[string]int
	firstError  string
}

func newTally() *tally {
	return &tally{
		statuses:   make(map[string]int),
		errorCodes: make(map[string]int),
	}
}

func (t *tally) record(res checkoutResult, latency time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.total += latency
	if t.minLatency == 0 || latency < t.minLatency {
		t.minLatency = latency
	}
	if latency > t.maxLatency {
		t.maxLatency = latency
	}
	t.latenciesMs = append(t.latenciesMs, float64(latency.Milliseconds()))

	if res.transportErr != nil {
		t.transport++
		if t.firstError == "" {
			t.firstError = res.transportErr.Error()
		}
		return
	}
	t.statuses[strconv.Itoa(res.httpStatus)]++
	if res.errorCode != "" {
		t.errorCodes[res.errorCode]++
	}
	switch {
	case res.status == "PAID":
		t.paid++
		t.paidUnits += res.units
	case res.errorCode == "OUT_OF_STOCK":
		t.outOfStock++
	default:
		t.failed++
		if t.firstError == "" && res.body != "" {
			t.firstError = res.body
		}
	}
}

type checkoutResult struct {
	httpStatus   int
	status       string
	errorCode    string
	units        int64
	body         string
	transportErr error
}

func main() {
	baseURL := flag.String("base-url", getenv("CHECKOUT_BASE_URL", "http://localhost:8080"), "checkout-service base URL")
	sku := flag.String("sku", "SKU-1", "SKU every checkout contends for")
	quantity := flag.Int64("quantity", 1, "units per checkout")
	price := flag.String("price", "9.99", "unit price sent with each checkout")
	total := flag.Int("total", 200, "number of checkouts to run")
	concurrency := flag.Int("concurrency", 10, "number of concurrent workers")
	stock := flag.Int64("stock", 0, "seeded on-hand for the SKU; enables the oversell check")
	timeout := flag.Duration("timeout", 35*time.Second, "per-request timeout")
	output := flag.String("output", "", "optional output path for JSON result")
	flag.Parse()

	if *total <= 0 || *concurrency <= 0 || *quantity <= 0 {
		fmt.Fprintln(os.Stderr, "total, concurrency, and quantity must be > 0")
		os.Exit(1)
	}

	endpoint := strings.TrimRight(*baseURL, "/") + "/checkout"
	tasks := make(chan int)
	var wg sync.WaitGroup
	t := newTally()
	client := &http.Client{}

	start := time.Now()
	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := range tasks {
				begin := time.Now()
				res := runCheckout(client, endpoint, *sku, *quantity, *price, n, *timeout)
				t.record(res, time.Since(begin))
			}
		}()
	}
	for i := 0; i < *total; i++ {
		tasks <- i
	}
	close(tasks)
	wg.Wait()
	duration := time.Since(start)

	attempts := len(t.latenciesMs)
	avg := 0.0
	if attempts > 0 {
		avg = float64(t.total.Milliseconds()) / float64(attempts)
	}
	p50, p90, p95, p99 := calcPercentiles(t.latenciesMs)

	result := benchResult{
		Timestamp:       time.Now().UTC().Format(time.RFC3339),
		BaseURL:         *baseURL,
		SKU:             *sku,
		QuantityPerTx:   *quantity,
		Checkouts:       *total,
		Concurrency:     *concurrency,
		Paid:            t.paid,
		OutOfStock:      t.outOfStock,
		Failed:          t.failed,
		TransportErrors: t.transport,
		PaidUnits:       t.paidUnits,
		SeededStock:     *stock,
		Oversold:        *stock > 0 && t.paidUnits > *stock,
		DurationSeconds: duration.Seconds(),
		ThroughputRPS:   float64(attempts) / duration.Seconds(),
		AvgLatencyMs:    avg,
		MinLatencyMs:    float64(t.minLatency.Milliseconds()),
		MaxLatencyMs:    float64(t.maxLatency.Milliseconds()),
		P50LatencyMs:    p50,
		P90LatencyMs:    p90,
		P95LatencyMs:    p95,
		P99LatencyMs:    p99,
		StatusCounts:    t.statuses,
		ErrorCodes:      t.errorCodes,
		FirstError:      t.firstError,
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(result); err != nil {
		fmt.Fprintf(os.Stderr, "failed to encode result: %v\n", err)
		os.Exit(1)
	}
	if *output != "" {
		data, _ := json.MarshalIndent(result, "", "  ")
		if err := os.WriteFile(*output, data, 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "failed to write output: %v\n", err)
			os.Exit(1)
		}
	}
	if result.Oversold {
		fmt.Fprintf(os.Stderr, "OVERSOLD: %d paid units against %d seeded\n", t.paidUnits, *stock)
		os.Exit(2)
	}
}

func runCheckout(client *http.Client, endpoint, sku string, quantity int64, price string, n int, timeout time.Duration) checkoutResult {
	payload := map[string]any{
		"customer_id":   fmt.Sprintf("bench-%d", n),
		"payment_token": "tok_bench",
		"lines": []map[string]any{
			{"sku": sku, "name": "bench item", "unit_price": price, "quantity": quantity},
		},
	}
	data, _ := json.Marshal(payload)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return checkoutResult{transportErr: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", uuid.NewString())

	resp, err := client.Do(req)
	if err != nil {
		return checkoutResult{transportErr: err}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	var parsed struct {
		Status    string `json:"status"`
		ErrorCode string `json:"error_code"`
	}
	_ = json.Unmarshal(body, &parsed)
	return checkoutResult{
		httpStatus: resp.StatusCode,
		status:     strings.ToUpper(parsed.Status),
		errorCode:  parsed.ErrorCode,
		units:      quantity,
		body:       strings.TrimSpace(string(body)),
	}
}

func getenv(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func calcPercentiles(values []float64) (float64, float64, float64, float64) {
	if len(values) == 0 {
		return 0, 0, 0, 0
	}
	sort.Float64s(values)
	return percentile(values, 0.50), percentile(values, 0.90), percentile(values, 0.95), percentile(values, 0.99)
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 1 {
		return sorted[len(sorted)-1]
	}
	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}
