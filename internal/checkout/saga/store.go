package saga

import (
	"context"
	"errors"

	"github.com/nazeru/checkout-saga-go/internal/checkout/domain"
)

// ErrAlreadyStarted reports that a saga with this id exists. The caller gets
// the stored state alongside it and decides whether to replay the outcome or
// wait for the in-flight execution.
var ErrAlreadyStarted = errors.New("saga already started")

// Store persists SagaState. Begin must be atomic on the saga id: exactly one
// of two concurrent callers wins the insert, the loser gets ErrAlreadyStarted
// with the winner's state. That uniqueness is what collapses duplicate
// checkout requests into one execution.
type Store interface {
	Begin(ctx context.Context, state domain.SagaState) (domain.SagaState, error)
	Update(ctx context.Context, state domain.SagaState) error
	Get(ctx context.Context, sagaID string) (domain.SagaState, error)
}
