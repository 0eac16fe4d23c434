package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/nazeru/checkout-saga-go/internal/checkout/domain"
)

// PostgresLedger is the durable ledger. Per-SKU serialization comes from
// SELECT ... FOR UPDATE on stock_levels; the rows are always locked in SKU
// order so concurrent multi-line reservations cannot deadlock each other.
type PostgresLedger struct {
	pool    *pgxpool.Pool
	holdTTL time.Duration
	log     zerolog.Logger
}

func NewPostgresLedger(pool *pgxpool.Pool, holdTTL time.Duration, log zerolog.Logger) *PostgresLedger {
	if holdTTL <= 0 {
		holdTTL = DefaultHoldTTL
	}
	return &PostgresLedger{pool: pool, holdTTL: holdTTL, log: log}
}

func (p *PostgresLedger) Reserve(ctx context.Context, sagaID string, lines []domain.ReserveLine) ([]domain.Reservation, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, &domain.TransientIOError{Op: "ledger.reserve", Err: err}
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Replay: a saga that already reserved gets its stored holds back.
	existing, err := p.reservationsForSaga(ctx, tx, sagaID)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return existing, nil
	}

	skus := uniqueSKUs(lines)
	rows, err := tx.Query(ctx,
		`SELECT sku, on_hand, held FROM stock_levels WHERE sku = ANY($1) ORDER BY sku FOR UPDATE`,
		skus,
	)
	if err != nil {
		return nil, &domain.TransientIOError{Op: "ledger.reserve", Err: err}
	}
	levels := make(map[string]domain.StockLevel, len(skus))
	for rows.Next() {
		var lvl domain.StockLevel
		if err := rows.Scan(&lvl.SKU, &lvl.OnHand, &lvl.Held); err != nil {
			rows.Close()
			return nil, &domain.TransientIOError{Op: "ledger.reserve", Err: err}
		}
		levels[lvl.SKU] = lvl
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, &domain.TransientIOError{Op: "ledger.reserve", Err: err}
	}

	for _, line := range lines {
		lvl, ok := levels[line.SKU]
		want := requestedFor(lines, line.SKU)
		if !ok {
			return nil, &domain.OutOfStockError{SKU: line.SKU, Requested: want, Available: 0}
		}
		if lvl.Available() < want {
			return nil, &domain.OutOfStockError{SKU: line.SKU, Requested: want, Available: lvl.Available()}
		}
	}

	// One row per SKU, quantities summed; the reservations table is unique on
	// (saga_id, sku), so a cart repeating a SKU must collapse before insert.
	now := time.Now().UTC()
	expires := now.Add(p.holdTTL)
	holds := make([]domain.Reservation, 0, len(skus))
	for _, sku := range skus {
		r := domain.Reservation{
			ID:        uuid.NewString(),
			SagaID:    sagaID,
			SKU:       sku,
			Quantity:  requestedFor(lines, sku),
			Status:    domain.ReservationHeld,
			ExpiresAt: expires,
			CreatedAt: now,
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO reservations(id, saga_id, sku, quantity, status, expires_at, created_at)
			 VALUES($1, $2, $3, $4, $5, $6, $7)`,
			r.ID, r.SagaID, r.SKU, r.Quantity, string(r.Status), r.ExpiresAt, r.CreatedAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				// A duplicate saga won the race; surface its holds instead.
				_ = tx.Rollback(ctx)
				return p.replay(ctx, sagaID)
			}
			return nil, &domain.TransientIOError{Op: "ledger.reserve", Err: err}
		}
		if _, err := tx.Exec(ctx,
			`UPDATE stock_levels SET held = held + $2 WHERE sku = $1`,
			r.SKU, r.Quantity,
		); err != nil {
			return nil, &domain.TransientIOError{Op: "ledger.reserve", Err: err}
		}
		holds = append(holds, r)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, &domain.TransientIOError{Op: "ledger.reserve", Err: err}
	}
	return holds, nil
}

func (p *PostgresLedger) Confirm(ctx context.Context, sagaID string) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return &domain.TransientIOError{Op: "ledger.confirm", Err: err}
	}
	defer func() { _ = tx.Rollback(ctx) }()

	holds, err := p.lockSagaRows(ctx, tx, sagaID)
	if err != nil {
		return err
	}
	for _, r := range holds {
		if r.Status != domain.ReservationHeld {
			continue
		}
		if _, err := tx.Exec(ctx,
			`UPDATE reservations SET status = $2 WHERE id = $1`,
			r.ID, string(domain.ReservationConfirmed),
		); err != nil {
			return &domain.TransientIOError{Op: "ledger.confirm", Err: err}
		}
		if _, err := tx.Exec(ctx,
			`UPDATE stock_levels SET on_hand = on_hand - $2, held = held - $2 WHERE sku = $1`,
			r.SKU, r.Quantity,
		); err != nil {
			return &domain.TransientIOError{Op: "ledger.confirm", Err: err}
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return &domain.TransientIOError{Op: "ledger.confirm", Err: err}
	}
	return nil
}

func (p *PostgresLedger) Release(ctx context.Context, sagaID string) ([]domain.Reservation, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, &domain.TransientIOError{Op: "ledger.release", Err: err}
	}
	defer func() { _ = tx.Rollback(ctx) }()

	holds, err := p.lockSagaRows(ctx, tx, sagaID)
	if err != nil {
		return nil, err
	}
	var released []domain.Reservation
	for _, r := range holds {
		switch r.Status {
		case domain.ReservationHeld:
			if _, err := tx.Exec(ctx,
				`UPDATE reservations SET status = $2 WHERE id = $1`,
				r.ID, string(domain.ReservationReleased),
			); err != nil {
				return nil, &domain.TransientIOError{Op: "ledger.release", Err: err}
			}
			if _, err := tx.Exec(ctx,
				`UPDATE stock_levels SET held = held - $2 WHERE sku = $1`,
				r.SKU, r.Quantity,
			); err != nil {
				return nil, &domain.TransientIOError{Op: "ledger.release", Err: err}
			}
			r.Status = domain.ReservationReleased
			released = append(released, r)
		case domain.ReservationConfirmed:
			p.log.Warn().Str("saga_id", sagaID).Str("sku", r.SKU).
				Msg("release called on confirmed reservation, ignoring")
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, &domain.TransientIOError{Op: "ledger.release", Err: err}
	}
	return released, nil
}

func (p *PostgresLedger) SweepExpired(ctx context.Context, now time.Time) ([]domain.Reservation, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT DISTINCT saga_id FROM reservations WHERE status = $1 AND expires_at < $2 ORDER BY saga_id`,
		string(domain.ReservationHeld), now,
	)
	if err != nil {
		return nil, &domain.TransientIOError{Op: "ledger.sweep", Err: err}
	}
	var sagaIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, &domain.TransientIOError{Op: "ledger.sweep", Err: err}
		}
		sagaIDs = append(sagaIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, &domain.TransientIOError{Op: "ledger.sweep", Err: err}
	}

	var swept []domain.Reservation
	for _, sagaID := range sagaIDs {
		released, err := p.Release(ctx, sagaID)
		if err != nil {
			return swept, err
		}
		swept = append(swept, released...)
	}
	return swept, nil
}

func (p *PostgresLedger) Stock(ctx context.Context, sku string) (domain.StockLevel, error) {
	var lvl domain.StockLevel
	err := p.pool.QueryRow(ctx,
		`SELECT sku, on_hand, held FROM stock_levels WHERE sku = $1`, sku,
	).Scan(&lvl.SKU, &lvl.OnHand, &lvl.Held)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.StockLevel{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.StockLevel{}, &domain.TransientIOError{Op: "ledger.stock", Err: err}
	}
	return lvl, nil
}

// SetStock upserts the on-hand count for a SKU. Seeding helper for demos and
// the bench runner.
func (p *PostgresLedger) SetStock(ctx context.Context, sku string, onHand int64) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO stock_levels(sku, on_hand, held) VALUES($1, $2, 0)
		 ON CONFLICT (sku) DO UPDATE SET on_hand = EXCLUDED.on_hand`,
		sku, onHand,
	)
	if err != nil {
		return &domain.TransientIOError{Op: "ledger.set_stock", Err: err}
	}
	return nil
}

// lockSagaRows loads a saga's reservations and locks the touched stock rows in
// SKU order within the caller's transaction.
func (p *PostgresLedger) lockSagaRows(ctx context.Context, tx pgx.Tx, sagaID string) ([]domain.Reservation, error) {
	holds, err := p.reservationsForSagaTx(ctx, tx, sagaID, true)
	if err != nil {
		return nil, err
	}
	if len(holds) == 0 {
		return nil, domain.ErrNotFound
	}
	skuSet := make(map[string]struct{}, len(holds))
	for _, r := range holds {
		skuSet[r.SKU] = struct{}{}
	}
	skus := make([]string, 0, len(skuSet))
	for sku := range skuSet {
		skus = append(skus, sku)
	}
	if _, err := tx.Exec(ctx,
		`SELECT sku FROM stock_levels WHERE sku = ANY($1) ORDER BY sku FOR UPDATE`, skus,
	); err != nil {
		return nil, &domain.TransientIOError{Op: "ledger.lock", Err: err}
	}
	return holds, nil
}

func (p *PostgresLedger) reservationsForSaga(ctx context.Context, tx pgx.Tx, sagaID string) ([]domain.Reservation, error) {
	return p.reservationsForSagaTx(ctx, tx, sagaID, false)
}

func (p *PostgresLedger) reservationsForSagaTx(ctx context.Context, tx pgx.Tx, sagaID string, forUpdate bool) ([]domain.Reservation, error) {
	q := `SELECT id, saga_id, sku, quantity, status, expires_at, created_at
	      FROM reservations WHERE saga_id = $1 ORDER BY sku`
	if forUpdate {
		q += ` FOR UPDATE`
	}
	rows, err := tx.Query(ctx, q, sagaID)
	if err != nil {
		return nil, &domain.TransientIOError{Op: "ledger.load", Err: err}
	}
	defer rows.Close()

	var out []domain.Reservation
	for rows.Next() {
		var r domain.Reservation
		var status string
		if err := rows.Scan(&r.ID, &r.SagaID, &r.SKU, &r.Quantity, &status, &r.ExpiresAt, &r.CreatedAt); err != nil {
			return nil, &domain.TransientIOError{Op: "ledger.load", Err: err}
		}
		r.Status = domain.ReservationStatus(status)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, &domain.TransientIOError{Op: "ledger.load", Err: err}
	}
	return out, nil
}

func (p *PostgresLedger) replay(ctx context.Context, sagaID string) ([]domain.Reservation, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, &domain.TransientIOError{Op: "ledger.replay", Err: err}
	}
	defer func() { _ = tx.Rollback(ctx) }()
	holds, err := p.reservationsForSaga(ctx, tx, sagaID)
	if err != nil {
		return nil, err
	}
	// A unique violation with no stored rows means the violating transaction
	// rolled back; success here would hand the caller zero holds.
	if len(holds) == 0 {
		return nil, &domain.TransientIOError{Op: "ledger.replay", Err: errors.New("duplicate key but no stored reservations")}
	}
	return holds, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
