package domain

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by stores when the requested record does not exist.
var ErrNotFound = errors.New("not found")

// ValidationError rejects bad input before any step runs. Never retried.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Reason
}

// OutOfStockError names the first SKU that could not be covered. The whole
// reservation batch is aborted, so no partial holds exist when it is returned.
type OutOfStockError struct {
	SKU       string
	Requested int64
	Available int64
}

func (e *OutOfStockError) Error() string {
	return fmt.Sprintf("out of stock: sku=%s requested=%d available=%d", e.SKU, e.Requested, e.Available)
}

// PaymentDeclinedError is a business decline from the gateway. Terminal for the
// attempt; triggers compensation, not a retry.
type PaymentDeclinedError struct {
	Reason string
}

func (e *PaymentDeclinedError) Error() string {
	return "payment declined: " + e.Reason
}

// TransientIOError wraps a network or timeout failure against the ledger,
// gateway or journal. Retried with bounded backoff before escalating.
type TransientIOError struct {
	Op  string
	Err error
}

func (e *TransientIOError) Error() string {
	return fmt.Sprintf("transient io failure in %s: %v", e.Op, e.Err)
}

func (e *TransientIOError) Unwrap() error { return e.Err }

// Transient reports whether err is (or wraps) a TransientIOError.
func Transient(err error) bool {
	var t *TransientIOError
	return errors.As(err, &t)
}

// InvalidTransitionError signals an illegal order status transition. This is an
// integrity bug, not a business condition.
type InvalidTransitionError struct {
	OrderID string
	From    OrderStatus
	To      OrderStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid order transition %s -> %s (order=%s)", e.From, e.To, e.OrderID)
}

// CompensationFailureError means an undo step itself failed. The saga is left
// flagged for manual reconciliation instead of retrying forever.
type CompensationFailureError struct {
	SagaID string
	Step   string
	Err    error
}

func (e *CompensationFailureError) Error() string {
	return fmt.Sprintf("compensation %s failed for saga %s: %v", e.Step, e.SagaID, e.Err)
}

func (e *CompensationFailureError) Unwrap() error { return e.Err }
