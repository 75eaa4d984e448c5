package payment

import "fmt"

// Status is the lifecycle state of a payment. Transitions are monotonic and
// guarded by SetStatus; no transition is reversible.
type Status string

const (
	// StatusCreated is the initial state of every payment.
	StatusCreated Status = "created"
	// StatusCleared marks a payment matched to an incoming chain transaction.
	StatusCleared Status = "cleared"
	// StatusRejected is terminal: the payment expired or was refused.
	StatusRejected Status = "rejected"
	// StatusError is terminal: payout failed after processing began.
	StatusError Status = "error"

	// StatusPayoutProcessing marks an in-flight merchant payout.
	StatusPayoutProcessing Status = "payout_processing"
	// StatusPayoutCompleted is terminal: the payout settled.
	StatusPayoutCompleted Status = "payout_completed"

	// StatusRefundRequested marks an in-flight refund to the payer.
	StatusRefundRequested Status = "refund_requested"
	// StatusRefundCompleted is terminal: the refund settled.
	StatusRefundCompleted Status = "refund_completed"
	// StatusRefundError is terminal: the refund failed after it began.
	StatusRefundError Status = "refund_error"

	// StatusRefundRejected is a historical value older rows may carry. It
	// parses as valid but no transition reaches or leaves it.
	StatusRefundRejected Status = "refund_rejected"
)

// predecessors maps each status to the only status it may be entered from.
var predecessors = map[Status]Status{
	StatusCleared:          StatusCreated,
	StatusRejected:         StatusCreated,
	StatusPayoutProcessing: StatusCleared,
	StatusRefundRequested:  StatusCleared,
	StatusPayoutCompleted:  StatusPayoutProcessing,
	StatusError:            StatusPayoutProcessing,
	StatusRefundCompleted:  StatusRefundRequested,
	StatusRefundError:      StatusRefundRequested,
}

// Valid reports whether the status is a known lifecycle state.
func (s Status) Valid() bool {
	if s == StatusCreated || s == StatusRefundRejected {
		return true
	}
	_, ok := predecessors[s]
	return ok
}

// Terminal reports whether no further transition can leave the status.
func (s Status) Terminal() bool {
	switch s {
	case StatusRejected, StatusError, StatusPayoutCompleted, StatusRefundCompleted, StatusRefundError, StatusRefundRejected:
		return true
	default:
		return false
	}
}

// CanTransition reports whether from -> to is a permitted transition.
func CanTransition(from, to Status) bool {
	pred, ok := predecessors[to]
	return ok && pred == from
}

// ParseStatus validates a stored status value.
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.Valid() {
		return "", fmt.Errorf("payment: unknown status %q", raw)
	}
	return s, nil
}

// InvalidTransitionError reports a rejected status transition. The payment is
// left unmodified when it is returned.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("payment: cannot transition %s to %s", e.From, e.To)
}
