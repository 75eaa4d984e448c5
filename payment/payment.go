// Package payment holds the payment domain model: the Payment aggregate, its
// owned options, chain transactions and status log, and the lifecycle state
// machine that guards every mutation.
package payment

import (
	"time"

	"github.com/google/uuid"
)

// Merchant is the party a cleared payment is eventually paid out to.
type Merchant struct {
	ID                    int64
	Name                  string
	SettlementInformation string
	SettlementCurrency    string
	APIKey                string
}

// CanPayout reports whether the merchant has the settlement fields a payout
// requires.
func (m *Merchant) CanPayout() bool {
	return m != nil && m.SettlementInformation != "" && m.SettlementCurrency != ""
}

// PaymentOption is one acceptable (amount, currency) pairing offered to the
// payer at creation time. Options are immutable once created. Amounts are
// minor units scaled by 10^6.
type PaymentOption struct {
	Amount   int64
	Currency string
}

// ChainTransaction records one onchain transfer associated with a payment:
// either the incoming payment or an outgoing refund. The collection is
// append-only.
type ChainTransaction struct {
	TxSequence    uint64
	SenderAddress string
	Amount        int64
	Currency      string
	IsRefund      bool
}

// StatusLogEntry is one immutable entry of the append-only status log.
type StatusLogEntry struct {
	Time   time.Time
	Status Status
}

// Payment is a single payment request routed through a dedicated subaddress.
type Payment struct {
	ID                  string
	MerchantID          int64
	MerchantReferenceID string
	Subaddress          string
	RequestedAmount     int64
	RequestedCurrency   string
	Status              Status
	RefundRequested     bool
	ExpiryDate          time.Time
	CreatedAt           time.Time

	Options           []PaymentOption
	ChainTransactions []ChainTransaction
	StatusLog         []StatusLogEntry
}

// New constructs a payment in the created state. The initial status and its
// first log entry exist together before the payment is observable anywhere.
func New(merchantID int64, referenceID, subaddress, requestedCurrency string, requestedAmount int64, expiry time.Time, now time.Time) *Payment {
	return &Payment{
		ID:                  uuid.NewString(),
		MerchantID:          merchantID,
		MerchantReferenceID: referenceID,
		Subaddress:          subaddress,
		RequestedAmount:     requestedAmount,
		RequestedCurrency:   requestedCurrency,
		Status:              StatusCreated,
		ExpiryDate:          expiry,
		CreatedAt:           now,
		StatusLog:           []StatusLogEntry{{Time: now, Status: StatusCreated}},
	}
}

// SetStatus applies a guarded transition and appends one log entry. On a
// rejected transition the payment is left untouched.
func (p *Payment) SetStatus(to Status, at time.Time) error {
	if !CanTransition(p.Status, to) {
		return &InvalidTransitionError{From: p.Status, To: to}
	}
	p.Status = to
	p.StatusLog = append(p.StatusLog, StatusLogEntry{Time: at, Status: to})
	return nil
}

// RequestRefund flips the refund-requested flag. The flag is independent of
// the status graph but only settable while the payment is cleared.
func (p *Payment) RequestRefund() error {
	if p.Status != StatusCleared {
		return ErrInvalidStatus
	}
	p.RefundRequested = true
	return nil
}

// Expired reports whether the payment's expiry date has passed.
func (p *Payment) Expired(now time.Time) bool {
	return !p.ExpiryDate.After(now)
}

// MatchOption reports whether (amount, currency) exactly equals one of the
// payment's options.
func (p *Payment) MatchOption(amount int64, currency string) bool {
	for _, opt := range p.Options {
		if opt.Amount == amount && opt.Currency == currency {
			return true
		}
	}
	return false
}

// IncomingTransaction returns the single non-refund chain transaction, or
// false when the payment does not have exactly one.
func (p *Payment) IncomingTransaction() (ChainTransaction, bool) {
	var found ChainTransaction
	count := 0
	for _, tx := range p.ChainTransactions {
		if !tx.IsRefund {
			found = tx
			count++
		}
	}
	if count != 1 {
		return ChainTransaction{}, false
	}
	return found, true
}
