package payments

import (
	"context"
	"errors"
	"fmt"

	"merchantvasp/chain"
	"merchantvasp/identifier"
	"merchantvasp/payment"
	"merchantvasp/storage"
)

// Process reconciles one incoming chain transaction against its payment.
// The checks run in a fixed order so callers observe a stable rejection code
// for any given transaction:
//
//  1. receiver address must be the service wallet
//  2. receiver subaddress must map to a known payment
//  3. the payment must still be in created
//  4. the payment must not be expired
//  5. amount and currency must exactly match one payment option
//
// A transaction that passes all checks clears the payment and records the
// chain transaction in the same repository transaction, so a duplicate
// delivery of the same event can never clear twice.
func (m *Manager) Process(ctx context.Context, txn chain.IncomingTransaction) error {
	if txn.ReceiverAddress != m.wallet.AddressHex() {
		m.metrics.RecordOperation("reconcile", payment.ErrWrongReceiverAddress.Code)
		return payment.ErrWrongReceiverAddress
	}
	if txn.ReceiverSubaddress == "" {
		m.metrics.RecordOperation("reconcile", payment.ErrPaymentNotFound.Code)
		return payment.ErrPaymentNotFound
	}
	p, err := m.repo.PaymentBySubaddress(ctx, txn.ReceiverSubaddress)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			m.metrics.RecordOperation("reconcile", payment.ErrPaymentNotFound.Code)
			return payment.ErrPaymentNotFound
		}
		return err
	}
	if p.Status != payment.StatusCreated {
		m.metrics.RecordOperation("reconcile", payment.ErrInvalidStatus.Code)
		return payment.ErrInvalidStatus
	}
	now := m.now().UTC()
	if p.Expired(now) {
		if terr := m.repo.TransitionPayment(ctx, p.ID, payment.StatusCreated, payment.StatusRejected, now, nil); terr != nil && !errors.Is(terr, payment.ErrInvalidStatus) {
			return terr
		}
		m.metrics.RecordOperation("reconcile", payment.ErrPaymentExpired.Code)
		return payment.ErrPaymentExpired
	}
	if !p.MatchOption(txn.Amount, txn.Currency) {
		m.metrics.RecordOperation("reconcile", payment.ErrOptionNotFound.Code)
		return payment.ErrOptionNotFound
	}

	sender, err := identifier.EncodeAccount(txn.SenderAddress, txn.SenderSubaddress, m.hrp)
	if err != nil {
		return fmt.Errorf("payments: encode sender identifier: %w", err)
	}
	chainTx := &payment.ChainTransaction{
		TxSequence:    txn.Version,
		SenderAddress: sender,
		Amount:        txn.Amount,
		Currency:      txn.Currency,
	}
	if err := m.repo.TransitionPayment(ctx, p.ID, payment.StatusCreated, payment.StatusCleared, now, chainTx); err != nil {
		if errors.Is(err, payment.ErrInvalidStatus) {
			m.metrics.RecordOperation("reconcile", payment.ErrInvalidStatus.Code)
		}
		return err
	}
	m.metrics.RecordOperation("reconcile", "cleared")
	m.logger.Info("payment cleared", "payment_id", p.ID, "tx_version", txn.Version, "amount", txn.Amount, "currency", txn.Currency)
	return nil
}
