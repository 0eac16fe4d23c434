// cli is a small interactive console for poking a running checkout-service:
// run a successful checkout, a declined card, an out-of-stock cart, or replay
// the same idempotency key twice and compare the responses.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
)

type scenario struct {
	Name        string
	Description string
}

type model struct {
	scenarios []scenario
	selected  int
	status    string
	detail    string
	busy      bool
	baseURL   string
}

func initialModel(baseURL string) model {
	return model{
		scenarios: []scenario{
			{"success", "Checkout that reserves, charges, and lands PAID"},
			{"declined", "Card declined; order recorded FAILED, stock restored"},
			{"oos", "Quantity far above stock; no order, no charge"},
			{"duplicate", "Same Idempotency-Key twice; second call replays"},
		},
		status:  "Ready",
		baseURL: baseURL,
	}
}

func (m model) Init() tea.Cmd {
	return nil
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "up":
			if m.selected > 0 {
				m.selected--
			}
		case "down":
			if m.selected < len(m.scenarios)-1 {
				m.selected++
			}
		case "enter":
			if m.busy {
				return m, nil
			}
			m.busy = true
			m.status = "Running..."
			name := m.scenarios[m.selected].Name
			base := m.baseURL
			return m, func() tea.Msg { return runScenario(base, name) }
		}
	case scenarioResult:
		m.busy = false
		m.status = msg.status
		m.detail = msg.detail
	}
	return m, nil
}

func (m model) View() string {
	b := &strings.Builder{}
	fmt.Fprintln(b, "checkout-saga console")
	fmt.Fprintln(b, "")
	for i, scn := range m.scenarios {
		marker := " "
		if i == m.selected {
			marker = ">"
		}
		fmt.Fprintf(b, " %s %-9s %s\n", marker, scn.Name, scn.Description)
	}
	fmt.Fprintln(b, "")
	fmt.Fprintf(b, "Status: %s\n", m.status)
	if m.detail != "" {
		fmt.Fprintf(b, "%s\n", m.detail)
	}
	fmt.Fprintln(b, "\nControls: up/down select, enter to run, q to quit")
	return b.String()
}

type scenarioResult struct {
	status string
	detail string
}

func runScenario(baseURL, name string) scenarioResult {
	customer := "console-" + uuid.NewString()[:8]
	switch name {
	case "success":
		status, body, err := checkout(baseURL, customer, "tok_visa", 1, uuid.NewString())
		return summarize("success", status, body, err)
	case "declined":
		status, body, err := checkout(baseURL, customer, "tok_declined", 1, uuid.NewString())
		return summarize("declined", status, body, err)
	case "oos":
		status, body, err := checkout(baseURL, customer, "tok_visa", 1_000_000, uuid.NewString())
		return summarize("oos", status, body, err)
	case "duplicate":
		key := uuid.NewString()
		s1, b1, err := checkout(baseURL, customer, "tok_visa", 1, key)
		if err != nil {
			return scenarioResult{status: fmt.Sprintf("first call failed: %v", err)}
		}
		s2, b2, err := checkout(baseURL, customer, "tok_visa", 1, key)
		if err != nil {
			return scenarioResult{status: fmt.Sprintf("replay failed: %v", err)}
		}
		verdict := "replay matched"
		if b1 != b2 {
			verdict = "replay DIFFERED"
		}
		return scenarioResult{
			status: fmt.Sprintf("%s (first=%d second=%d)", verdict, s1, s2),
			detail: "first:  " + b1 + "\nsecond: " + b2,
		}
	default:
		return scenarioResult{status: "unknown scenario: " + name}
	}
}

func summarize(name string, status int, body string, err error) scenarioResult {
	if err != nil {
		return scenarioResult{status: fmt.Sprintf("%s: transport error: %v", name, err)}
	}
	return scenarioResult{status: fmt.Sprintf("%s: HTTP %d", name, status), detail: body}
}

func checkout(baseURL, customerID, token string, quantity int64, idemKey string) (int, string, error) {
	payload := map[string]any{
		"customer_id":   customerID,
		"payment_token": token,
		"lines": []map[string]any{
			{"sku": "SKU-1", "name": "console item", "unit_price": "9.99", "quantity": quantity},
		},
	}
	data, _ := json.Marshal(payload)

	ctx, cancel := context.WithTimeout(context.Background(), 35*time.Second)
	defer cancel()
	url := strings.TrimRight(baseURL, "/") + "/checkout"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idemKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, strings.TrimSpace(string(body)), nil
}

func main() {
	runCmd := flag.String("run", "", "run one scenario non-interactively: success|declined|oos|duplicate")
	baseURL := flag.String("base-url", getenv("CHECKOUT_BASE_URL", "http://localhost:8080"), "checkout-service base URL")
	flag.Parse()

	if *runCmd != "" {
		res := runScenario(*baseURL, *runCmd)
		fmt.Println(res.status)
		if res.detail != "" {
			fmt.Println(res.detail)
		}
		return
	}

	p := tea.NewProgram(initialModel(*baseURL))
	if _, err := p.Run(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func getenv(k, def string) string {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	return v
}
