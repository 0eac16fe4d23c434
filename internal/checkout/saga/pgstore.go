package saga

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nazeru/checkout-saga-go/internal/checkout/domain"
)

// PostgresStore persists saga state one row per saga. The primary key on the
// saga id resolves the duplicate-request race: the loser's insert hits 23505
// and reads back the winner's row.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Begin(ctx context.Context, state domain.SagaState) (domain.SagaState, error) {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO saga_states(id, customer_id, step, reservation_ids, order_id, payment_ref,
		                         confirm_warning, needs_reconciliation, failure_code, last_error,
		                         created_at, updated_at)
		 VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now(), now())`,
		state.ID, state.CustomerID, string(state.Step), state.ReservationIDs, state.OrderID,
		state.PaymentRef, state.ConfirmWarning, state.NeedsReconciliation, state.FailureCode, state.LastError,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			existing, gerr := s.Get(ctx, state.ID)
			if gerr != nil {
				return domain.SagaState{}, gerr
			}
			return existing, ErrAlreadyStarted
		}
		return domain.SagaState{}, &domain.TransientIOError{Op: "saga.begin", Err: err}
	}
	return s.Get(ctx, state.ID)
}

func (s *PostgresStore) Update(ctx context.Context, state domain.SagaState) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE saga_states
		 SET step=$2, reservation_ids=$3, order_id=$4, payment_ref=$5,
		     confirm_warning=$6, needs_reconciliation=$7, failure_code=$8, last_error=$9,
		     updated_at=now()
		 WHERE id=$1`,
		state.ID, string(state.Step), state.ReservationIDs, state.OrderID, state.PaymentRef,
		state.ConfirmWarning, state.NeedsReconciliation, state.FailureCode, state.LastError,
	)
	if err != nil {
		return &domain.TransientIOError{Op: "saga.update", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, sagaID string) (domain.SagaState, error) {
	var state domain.SagaState
	var step string
	err := s.pool.QueryRow(ctx,
		`SELECT id, customer_id, step, reservation_ids, order_id, payment_ref,
		        confirm_warning, needs_reconciliation, failure_code, last_error,
		        created_at, updated_at
		 FROM saga_states WHERE id = $1`, sagaID,
	).Scan(&state.ID, &state.CustomerID, &step, &state.ReservationIDs, &state.OrderID,
		&state.PaymentRef, &state.ConfirmWarning, &state.NeedsReconciliation,
		&state.FailureCode, &state.LastError, &state.CreatedAt, &state.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.SagaState{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.SagaState{}, &domain.TransientIOError{Op: "saga.get", Err: err}
	}
	state.Step = domain.SagaStep(step)
	return state, nil
}
