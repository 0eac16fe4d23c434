package journal

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/nazeru/checkout-saga-go/internal/checkout/domain"
)

// PostgresJournal persists orders and their lines. Idempotency on saga id is a
// unique index; a concurrent duplicate loses the insert race and reads back
// the winner's order.
type PostgresJournal struct {
	pool *pgxpool.Pool
}

func NewPostgresJournal(pool *pgxpool.Pool) *PostgresJournal {
	return &PostgresJournal{pool: pool}
}

func (j *PostgresJournal) Create(ctx context.Context, p CreateParams) (domain.Order, error) {
	if existing, err := j.GetBySaga(ctx, p.SagaID); err == nil {
		return existing, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.Order{}, err
	}

	tx, err := j.pool.Begin(ctx)
	if err != nil {
		return domain.Order{}, &domain.TransientIOError{Op: "journal.create", Err: err}
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	order := domain.Order{
		ID:         uuid.NewString(),
		SagaID:     p.SagaID,
		CustomerID: p.CustomerID,
		Status:     p.Status,
		Total:      p.Total,
		Lines:      append([]domain.OrderLine(nil), p.Lines...),
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO orders(id, saga_id, customer_id, status, total, created_at, updated_at)
		 VALUES($1, $2, $3, $4, $5, $6, $7)`,
		order.ID, order.SagaID, order.CustomerID, string(order.Status), order.Total, order.CreatedAt, order.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			_ = tx.Rollback(ctx)
			return j.GetBySaga(ctx, p.SagaID)
		}
		return domain.Order{}, &domain.TransientIOError{Op: "journal.create", Err: err}
	}

	for i, l := range order.Lines {
		if _, err := tx.Exec(ctx,
			`INSERT INTO order_lines(order_id, position, sku, name, unit_price, quantity)
			 VALUES($1, $2, $3, $4, $5, $6)`,
			order.ID, i, l.SKU, l.Name, l.UnitPrice, l.Quantity,
		); err != nil {
			return domain.Order{}, &domain.TransientIOError{Op: "journal.create", Err: err}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Order{}, &domain.TransientIOError{Op: "journal.create", Err: err}
	}
	return order, nil
}

func (j *PostgresJournal) MarkStatus(ctx context.Context, orderID string, status domain.OrderStatus) error {
	tx, err := j.pool.Begin(ctx)
	if err != nil {
		return &domain.TransientIOError{Op: "journal.mark", Err: err}
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var current string
	err = tx.QueryRow(ctx, `SELECT status FROM orders WHERE id = $1 FOR UPDATE`, orderID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return &domain.TransientIOError{Op: "journal.mark", Err: err}
	}

	from := domain.OrderStatus(current)
	if from == status {
		return nil
	}
	if !from.CanTransition(status) {
		return &domain.InvalidTransitionError{OrderID: orderID, From: from, To: status}
	}

	if _, err := tx.Exec(ctx,
		`UPDATE orders SET status = $2, updated_at = now() WHERE id = $1`,
		orderID, string(status),
	); err != nil {
		return &domain.TransientIOError{Op: "journal.mark", Err: err}
	}
	if err := tx.Commit(ctx); err != nil {
		return &domain.TransientIOError{Op: "journal.mark", Err: err}
	}
	return nil
}

func (j *PostgresJournal) Get(ctx context.Context, orderID string) (domain.Order, error) {
	return j.fetch(ctx, `WHERE id = $1`, orderID)
}

func (j *PostgresJournal) GetBySaga(ctx context.Context, sagaID string) (domain.Order, error) {
	return j.fetch(ctx, `WHERE saga_id = $1`, sagaID)
}

func (j *PostgresJournal) fetch(ctx context.Context, where string, arg any) (domain.Order, error) {
	var order domain.Order
	var status string
	var total decimal.Decimal
	err := j.pool.QueryRow(ctx,
		`SELECT id, saga_id, customer_id, status, total, created_at, updated_at FROM orders `+where, arg,
	).Scan(&order.ID, &order.SagaID, &order.CustomerID, &status, &total, &order.CreatedAt, &order.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Order{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Order{}, &domain.TransientIOError{Op: "journal.get", Err: err}
	}
	order.Status = domain.OrderStatus(status)
	order.Total = total

	rows, err := j.pool.Query(ctx,
		`SELECT sku, name, unit_price, quantity FROM order_lines WHERE order_id = $1 ORDER BY position`,
		order.ID,
	)
	if err != nil {
		return domain.Order{}, &domain.TransientIOError{Op: "journal.get", Err: err}
	}
	defer rows.Close()
	for rows.Next() {
		var l domain.OrderLine
		if err := rows.Scan(&l.SKU, &l.Name, &l.UnitPrice, &l.Quantity); err != nil {
			return domain.Order{}, &domain.TransientIOError{Op: "journal.get", Err: err}
		}
		order.Lines = append(order.Lines, l)
	}
	if err := rows.Err(); err != nil {
		return domain.Order{}, &domain.TransientIOError{Op: "journal.get", Err: err}
	}
	return order, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
