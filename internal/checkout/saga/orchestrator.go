// Package saga drives the checkout workflow: reserve inventory, charge
// payment, journal the order, confirm and clear. Every step is a potentially
// blocking call into another component, so no in-process lock is held across
// steps; consistency between them rests on persisted SagaState and on the saga
// id acting as the idempotency key everywhere.
package saga

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/nazeru/checkout-saga-go/internal/checkout/cart"
	"github.com/nazeru/checkout-saga-go/internal/checkout/domain"
	"github.com/nazeru/checkout-saga-go/internal/checkout/journal"
	"github.com/nazeru/checkout-saga-go/internal/checkout/ledger"
	"github.com/nazeru/checkout-saga-go/internal/checkout/payment"
	"github.com/nazeru/checkout-saga-go/pkg/contracts"
	"github.com/nazeru/checkout-saga-go/pkg/metrics"
	"github.com/nazeru/checkout-saga-go/pkg/outbox"
)

// ErrInProgress tells a duplicate caller that the first execution has not
// reached a terminal state yet; poll again.
var ErrInProgress = errors.New("checkout in progress")

// Failure mirrors a recorded terminal failure when a finished saga is
// replayed. Code matches the FailureCode constants below.
type Failure struct {
	Code   string
	Reason string
}

func (e *Failure) Error() string { return e.Reason }

const (
	FailureOutOfStock   = "OUT_OF_STOCK"
	FailureDeclined     = "PAYMENT_DECLINED"
	FailureTransient    = "TRANSIENT"
	FailureCompensation = "COMPENSATION"
)

// Config carries the orchestration knobs. Zero values fall back to defaults.
type Config struct {
	LedgerTimeout  time.Duration // per ledger call, default 5s
	PaymentTimeout time.Duration // per gateway call, default 10s
	SagaTimeout    time.Duration // whole checkout, default 30s
	Currency       string        // default USD
	PollInterval   time.Duration // duplicate-caller poll, default 50ms
	MaxAttempts    int           // transient retries per step, default 3
	RetryBackoff   time.Duration // base backoff, default 100ms
}

func (c Config) withDefaults() Config {
	if c.LedgerTimeout <= 0 {
		c.LedgerTimeout = 5 * time.Second
	}
	if c.PaymentTimeout <= 0 {
		c.PaymentTimeout = 10 * time.Second
	}
	if c.SagaTimeout <= 0 {
		c.SagaTimeout = 30 * time.Second
	}
	if c.Currency == "" {
		c.Currency = "USD"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 50 * time.Millisecond
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 100 * time.Millisecond
	}
	return c
}

// Request is one checkout attempt. Snapshot may be supplied by the caller;
// when nil it is fetched from the snapshot source. An empty IdempotencyKey
// gets a generated saga id, returned in the outcome for retry safety.
type Request struct {
	CustomerID     string
	Snapshot       *domain.CartSnapshot
	PaymentToken   string
	IdempotencyKey string
}

// Outcome is the terminal answer for a checkout attempt. Status is always
// Paid or Failed; the synchronous contract never answers "processing".
type Outcome struct {
	SagaID         string
	OrderID        string
	Status         domain.OrderStatus
	Total          decimal.Decimal
	ConfirmWarning bool
}

// Orchestrator coordinates the ledger, the gateway, the journal and the cart.
// It owns SagaState exclusively; reservations and orders stay owned by their
// stores.
type Orchestrator struct {
	store   Store
	ledger  ledger.Ledger
	journal journal.Journal
	gateway payment.Port
	carts   cart.SnapshotSource
	clearer cart.Clearer
	events  outbox.Store
	metrics *metrics.SagaMetrics
	log     zerolog.Logger
	cfg     Config
	sleep   func(context.Context, time.Duration) error
}

func NewOrchestrator(
	store Store,
	l ledger.Ledger,
	j journal.Journal,
	gateway payment.Port,
	carts cart.SnapshotSource,
	clearer cart.Clearer,
	events outbox.Store,
	m *metrics.SagaMetrics,
	log zerolog.Logger,
	cfg Config,
) *Orchestrator {
	return &Orchestrator{
		store:   store,
		ledger:  l,
		journal: j,
		gateway: gateway,
		carts:   carts,
		clearer: clearer,
		events:  events,
		metrics: m,
		log:     log,
		cfg:     cfg.withDefaults(),
		sleep:   sleepCtx,
	}
}

// Checkout runs one attempt end to end and returns its terminal outcome. A
// repeated idempotency key replays the recorded outcome instead of executing
// again; a concurrent duplicate waits for the winner.
func (o *Orchestrator) Checkout(ctx context.Context, req Request) (Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.SagaTimeout)
	defer cancel()

	// A known key replays before the cart is touched: the first execution may
	// already have cleared it, and the recorded outcome outlives the cart.
	if req.IdempotencyKey != "" {
		state, err := o.store.Get(ctx, req.IdempotencyKey)
		if err == nil {
			return o.awaitOutcome(ctx, state)
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return Outcome{}, err
		}
	}

	snap, err := o.snapshot(ctx, req)
	if err != nil {
		return Outcome{}, err
	}
	if err := snap.Validate(); err != nil {
		return Outcome{}, err
	}

	sagaID := req.IdempotencyKey
	if sagaID == "" {
		sagaID = uuid.NewString()
	}

	state, err := o.store.Begin(ctx, domain.SagaState{
		ID:         sagaID,
		CustomerID: snap.CustomerID,
		Step:       domain.SagaStarted,
	})
	if errors.Is(err, ErrAlreadyStarted) {
		return o.awaitOutcome(ctx, state)
	}
	if err != nil {
		return Outcome{}, err
	}

	return o.run(ctx, state, snap, req.PaymentToken)
}

// Outcome resolves a saga id to its recorded result, for the status endpoint.
func (o *Orchestrator) Outcome(ctx context.Context, sagaID string) (Outcome, error) {
	state, err := o.store.Get(ctx, sagaID)
	if err != nil {
		return Outcome{}, err
	}
	if !state.Step.Terminal() {
		return Outcome{SagaID: sagaID}, ErrInProgress
	}
	return o.outcomeFor(ctx, state)
}

func (o *Orchestrator) snapshot(ctx context.Context, req Request) (domain.CartSnapshot, error) {
	if req.Snapshot != nil {
		return *req.Snapshot, nil
	}
	snap, err := o.carts.Snapshot(ctx, req.CustomerID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.CartSnapshot{}, &domain.ValidationError{Reason: "no cart for customer"}
	}
	return snap, err
}

func (o *Orchestrator) run(ctx context.Context, state domain.SagaState, snap domain.CartSnapshot, token string) (Outcome, error) {
	log := o.log.With().Str("saga_id", state.ID).Str("customer_id", state.CustomerID).Logger()
	total := snap.Total()

	// Reserve. Out of stock is terminal with nothing to undo.
	var holds []domain.Reservation
	err := o.step(ctx, "reserve_inventory", func(c context.Context) error {
		lctx, cancel := context.WithTimeout(c, o.cfg.LedgerTimeout)
		defer cancel()
		var rerr error
		holds, rerr = o.ledger.Reserve(lctx, state.ID, reserveLines(snap))
		return rerr
	})
	if err != nil {
		var oos *domain.OutOfStockError
		if errors.As(err, &oos) {
			log.Info().Str("sku", oos.SKU).Msg("checkout rejected, out of stock")
			o.finishFailed(ctx, &state, FailureOutOfStock, err.Error())
			o.metrics.IncOutcome("out_of_stock")
			return Outcome{SagaID: state.ID}, err
		}
		o.finishFailed(ctx, &state, FailureTransient, err.Error())
		o.metrics.IncOutcome("reserve_error")
		return Outcome{SagaID: state.ID}, err
	}
	state.Step = domain.SagaInventoryReserved
	state.ReservationIDs = reservationIDs(holds)
	o.persist(ctx, &state)

	// Charge. A decline is a value, not an error; both paths compensate by
	// releasing the holds.
	pctx, cancel := context.WithTimeout(ctx, o.cfg.PaymentTimeout)
	chargeStart := time.Now()
	res, err := o.gateway.Charge(pctx, payment.ChargeRequest{
		Amount:         total,
		Currency:       o.cfg.Currency,
		Token:          token,
		IdempotencyKey: state.ID,
	})
	cancel()
	o.metrics.ObserveStep("charge_payment", time.Since(chargeStart))
	state.Step = domain.SagaPaymentAttempted
	o.persist(ctx, &state)
	if err != nil {
		log.Warn().Err(err).Msg("payment transport failure, compensating")
		return o.compensate(ctx, &state, snap, total, FailureTransient, err.Error(), false)
	}
	if !res.Succeeded {
		log.Info().Str("reason", res.Error).Msg("payment declined, compensating")
		return o.compensate(ctx, &state, snap, total, FailureDeclined, res.Error, false)
	}
	state.PaymentRef = res.ProviderRef
	o.persist(ctx, &state)

	// Journal the order as Pending, then mark it Paid. Failures past this
	// point must also undo the capture.
	var order domain.Order
	err = o.step(ctx, "create_order", func(c context.Context) error {
		lctx, cancel := context.WithTimeout(c, o.cfg.LedgerTimeout)
		defer cancel()
		var jerr error
		order, jerr = o.journal.Create(lctx, journal.CreateParams{
			SagaID:     state.ID,
			CustomerID: state.CustomerID,
			Lines:      domain.OrderLinesFromCart(snap.Lines),
			Total:      total,
			Status:     domain.OrderStatusPending,
		})
		return jerr
	})
	if err != nil {
		log.Warn().Err(err).Msg("order creation failed, compensating")
		return o.compensate(ctx, &state, snap, total, FailureTransient, err.Error(), true)
	}
	state.Step = domain.SagaOrderCreated
	state.OrderID = order.ID
	o.persist(ctx, &state)

	err = o.step(ctx, "mark_paid", func(c context.Context) error {
		lctx, cancel := context.WithTimeout(c, o.cfg.LedgerTimeout)
		defer cancel()
		return o.journal.MarkStatus(lctx, order.ID, domain.OrderStatusPaid)
	})
	if err != nil {
		var invalid *domain.InvalidTransitionError
		if errors.As(err, &invalid) {
			log.Error().Err(err).Msg("order status integrity violation")
		} else {
			log.Warn().Err(err).Msg("marking order paid failed, compensating")
		}
		out, cerr := o.compensate(ctx, &state, snap, total, FailureTransient, err.Error(), true)
		if cerr == nil && invalid != nil {
			cerr = err // integrity bugs surface to the caller
		}
		return out, cerr
	}

	// Confirm and clear are best-effort cleanup: payment and order are the
	// source of truth, a reconciliation job squares the ledger later.
	warn := false
	if err := o.step(ctx, "confirm_inventory", func(c context.Context) error {
		lctx, cancel := context.WithTimeout(c, o.cfg.LedgerTimeout)
		defer cancel()
		return o.ledger.Confirm(lctx, state.ID)
	}); err != nil {
		log.Warn().Err(err).Msg("inventory confirm failed, order stays paid")
		warn = true
	}
	if err := o.clearer.Clear(ctx, state.CustomerID); err != nil {
		log.Warn().Err(err).Msg("cart clear failed")
		warn = true
	}
	if warn {
		o.metrics.IncConfirmWarning()
	}

	state.Step = domain.SagaCompleted
	state.ConfirmWarning = warn
	o.persist(ctx, &state)

	o.emit(ctx, contracts.New(contracts.EventOrderCreated, state.ID, order.ID, map[string]any{
		"customer_id": state.CustomerID,
		"total":       total.String(),
	}))
	o.metrics.IncOutcome("paid")
	log.Info().Str("order_id", order.ID).Str("total", total.String()).Msg("checkout completed")

	return Outcome{
		SagaID:         state.ID,
		OrderID:        order.ID,
		Status:         domain.OrderStatusPaid,
		Total:          total,
		ConfirmWarning: warn,
	}, nil
}

// compensate undoes the succeeded steps in reverse order: refund the capture
// if there was one, then release the holds. A Failed order is journaled so the
// attempt leaves an auditable record with the attempted amount.
func (o *Orchestrator) compensate(ctx context.Context, state *domain.SagaState, snap domain.CartSnapshot, total decimal.Decimal, code, reason string, refund bool) (Outcome, error) {
	// The undo must run even when the saga deadline already fired; an expired
	// context would turn every compensation into a reconciliation case.
	ctx = context.WithoutCancel(ctx)
	log := o.log.With().Str("saga_id", state.ID).Logger()
	state.Step = domain.SagaCompensating
	state.FailureCode = code
	state.LastError = reason
	o.persist(ctx, state)

	var compErr error

	if refund && state.PaymentRef != "" {
		pctx, cancel := context.WithTimeout(ctx, o.cfg.PaymentTimeout)
		err := o.gateway.Refund(pctx, payment.RefundRequest{
			ProviderRef:    state.PaymentRef,
			Amount:         total,
			Currency:       o.cfg.Currency,
			IdempotencyKey: "refund-" + state.ID,
		})
		cancel()
		if err != nil {
			compErr = &domain.CompensationFailureError{SagaID: state.ID, Step: "refund_payment", Err: err}
			o.metrics.IncCompensation("refund_payment", "error")
			log.Error().Err(err).Msg("refund failed, flagging for reconciliation")
		} else {
			o.metrics.IncCompensation("refund_payment", "ok")
		}
	}

	lctx, cancel := context.WithTimeout(ctx, o.cfg.LedgerTimeout)
	released, err := o.ledger.Release(lctx, state.ID)
	cancel()
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		if compErr == nil {
			compErr = &domain.CompensationFailureError{SagaID: state.ID, Step: "release_inventory", Err: err}
		}
		o.metrics.IncCompensation("release_inventory", "error")
		log.Error().Err(err).Msg("inventory release failed, flagging for reconciliation")
	} else {
		o.metrics.IncCompensation("release_inventory", "ok")
		for _, r := range released {
			o.emit(ctx, contracts.New(contracts.EventStockReleased, state.ID, state.OrderID, map[string]any{
				"sku":      r.SKU,
				"quantity": r.Quantity,
				"reason":   code,
			}))
		}
	}

	o.recordFailedOrder(ctx, state, snap, total, reason)

	state.Step = domain.SagaFailed
	if compErr != nil {
		state.NeedsReconciliation = true
		state.FailureCode = FailureCompensation
		state.LastError = compErr.Error()
		o.persist(ctx, state)
		o.metrics.IncOutcome("reconciliation_required")
		return Outcome{SagaID: state.ID, OrderID: state.OrderID}, compErr
	}
	o.persist(ctx, state)

	switch code {
	case FailureDeclined:
		o.metrics.IncOutcome("declined")
	default:
		o.metrics.IncOutcome("failed")
	}

	return Outcome{
		SagaID:  state.ID,
		OrderID: state.OrderID,
		Status:  domain.OrderStatusFailed,
		Total:   total,
	}, nil
}

// recordFailedOrder makes sure a Failed order exists for the attempt. Best
// effort: the checkout already failed, a journaling error here only loses the
// audit row, never the compensation.
func (o *Orchestrator) recordFailedOrder(ctx context.Context, state *domain.SagaState, snap domain.CartSnapshot, total decimal.Decimal, reason string) {
	log := o.log.With().Str("saga_id", state.ID).Logger()
	if state.OrderID != "" {
		if err := o.journal.MarkStatus(ctx, state.OrderID, domain.OrderStatusFailed); err != nil {
			log.Warn().Err(err).Msg("could not mark order failed")
		}
	} else {
		order, err := o.journal.Create(ctx, journal.CreateParams{
			SagaID:     state.ID,
			CustomerID: state.CustomerID,
			Lines:      domain.OrderLinesFromCart(snap.Lines),
			Total:      total,
			Status:     domain.OrderStatusFailed,
		})
		if err != nil {
			log.Warn().Err(err).Msg("could not journal failed order")
			return
		}
		state.OrderID = order.ID
	}
	o.emit(ctx, contracts.New(contracts.EventOrderFailed, state.ID, state.OrderID, map[string]any{
		"reason": reason,
	}))
}

// finishFailed ends a saga that never held anything, so there is nothing to
// compensate.
func (o *Orchestrator) finishFailed(ctx context.Context, state *domain.SagaState, code, reason string) {
	state.Step = domain.SagaFailed
	state.FailureCode = code
	state.LastError = reason
	o.persist(ctx, state)
}

// awaitOutcome serves a duplicate request: replay a terminal result, or poll
// briefly for the in-flight winner to finish.
func (o *Orchestrator) awaitOutcome(ctx context.Context, state domain.SagaState) (Outcome, error) {
	for {
		if state.Step.Terminal() {
			return o.outcomeFor(ctx, state)
		}
		if err := o.sleep(ctx, o.cfg.PollInterval); err != nil {
			return Outcome{SagaID: state.ID}, ErrInProgress
		}
		var err error
		state, err = o.store.Get(ctx, state.ID)
		if err != nil {
			return Outcome{SagaID: state.ID}, err
		}
	}
}

// outcomeFor reconstructs the answer a finished saga originally gave.
func (o *Orchestrator) outcomeFor(ctx context.Context, state domain.SagaState) (Outcome, error) {
	if state.NeedsReconciliation {
		return Outcome{SagaID: state.ID, OrderID: state.OrderID},
			&Failure{Code: FailureCompensation, Reason: state.LastError}
	}
	switch state.Step {
	case domain.SagaCompleted:
		order, err := o.journal.Get(ctx, state.OrderID)
		if err != nil {
			return Outcome{SagaID: state.ID}, err
		}
		return Outcome{
			SagaID:         state.ID,
			OrderID:        order.ID,
			Status:         domain.OrderStatusPaid,
			Total:          order.Total,
			ConfirmWarning: state.ConfirmWarning,
		}, nil
	case domain.SagaFailed:
		if state.OrderID != "" {
			order, err := o.journal.Get(ctx, state.OrderID)
			if err != nil {
				return Outcome{SagaID: state.ID}, err
			}
			return Outcome{
				SagaID:  state.ID,
				OrderID: order.ID,
				Status:  domain.OrderStatusFailed,
				Total:   order.Total,
			}, nil
		}
		return Outcome{SagaID: state.ID}, &Failure{Code: state.FailureCode, Reason: state.LastError}
	default:
		return Outcome{SagaID: state.ID}, ErrInProgress
	}
}

// step runs fn, retrying transient failures with exponential backoff, and
// records the step latency.
func (o *Orchestrator) step(ctx context.Context, name string, fn func(context.Context) error) error {
	start := time.Now()
	defer func() { o.metrics.ObserveStep(name, time.Since(start)) }()

	var lastErr error
	for attempt := 1; attempt <= o.cfg.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !domain.Transient(err) {
			return err
		}
		lastErr = err
		o.log.Warn().Err(err).Str("step", name).Int("attempt", attempt).Msg("transient step failure")
		if attempt == o.cfg.MaxAttempts {
			break
		}
		if serr := o.sleep(ctx, o.backoff(attempt)); serr != nil {
			return lastErr
		}
	}
	return lastErr
}

func (o *Orchestrator) backoff(attempt int) time.Duration {
	d := o.cfg.RetryBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

// persist is best-effort: a state write failure is logged, not fatal, because
// the idempotency keys on the downstream stores keep a resumed saga safe.
func (o *Orchestrator) persist(ctx context.Context, state *domain.SagaState) {
	if err := o.store.Update(ctx, *state); err != nil {
		o.log.Error().Err(err).Str("saga_id", state.ID).Str("step", string(state.Step)).
			Msg("saga state persist failed")
	}
}

func (o *Orchestrator) emit(ctx context.Context, ev contracts.Event) {
	if o.events == nil {
		return
	}
	if err := o.events.Append(ctx, contracts.TopicCheckoutEvents, ev); err != nil {
		o.log.Error().Err(err).Str("event_type", ev.Type).Msg("event append failed")
	}
}

func reserveLines(snap domain.CartSnapshot) []domain.ReserveLine {
	out := make([]domain.ReserveLine, 0, len(snap.Lines))
	for _, l := range snap.Lines {
		out = append(out, domain.ReserveLine{SKU: l.SKU, Quantity: l.Quantity})
	}
	return out
}

func reservationIDs(holds []domain.Reservation) []string {
	out := make([]string, 0, len(holds))
	for _, r := range holds {
		out = append(out, r.ID)
	}
	return out
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
