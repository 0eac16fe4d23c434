package domain

import "time"

type SagaStep string

const (
	SagaStarted           SagaStep = "STARTED"
	SagaInventoryReserved SagaStep = "INVENTORY_RESERVED"
	SagaPaymentAttempted  SagaStep = "PAYMENT_ATTEMPTED"
	SagaOrderCreated      SagaStep = "ORDER_CREATED"
	SagaCompleted         SagaStep = "COMPLETED"
	SagaCompensating      SagaStep = "COMPENSATING"
	SagaFailed            SagaStep = "FAILED"
)

// Terminal reports whether the saga finished, one way or the other.
func (s SagaStep) Terminal() bool {
	return s == SagaCompleted || s == SagaFailed
}

// SagaState is the persisted progress of one checkout attempt. The saga id is
// the idempotency key for the whole workflow: the ledger, the gateway and the
// journal all key their dedup on it. Persisting the state after every step is
// what lets a crashed attempt be resumed or compensated on restart.
type SagaState struct {
	ID         string   `json:"id"`
	CustomerID string   `json:"customer_id"`
	Step       SagaStep `json:"step"`

	ReservationIDs []string `json:"reservation_ids,omitempty"`
	OrderID        string   `json:"order_id,omitempty"`
	PaymentRef     string   `json:"payment_ref,omitempty"`

	// ConfirmWarning is set when the order went through but the ledger confirm
	// (or cart clear) failed afterwards; a reconciliation job picks these up.
	ConfirmWarning bool `json:"confirm_warning,omitempty"`

	// NeedsReconciliation marks a failed compensation: money or stock may be
	// inconsistent and an operator has to look.
	NeedsReconciliation bool `json:"needs_reconciliation,omitempty"`

	// FailureCode classifies a failed attempt (OUT_OF_STOCK, PAYMENT_DECLINED,
	// TRANSIENT, COMPENSATION) so a replayed request gets the same answer.
	FailureCode string `json:"failure_code,omitempty"`

	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
