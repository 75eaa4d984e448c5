// Package storage persists the payment domain in a sqlite-backed store. It
// owns the unique constraints that make payment creation idempotent and the
// transactional status updates that keep reconciliation atomic per payment.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/glebarez/sqlite"
	"github.com/google/uuid"

	"merchantvasp/payment"
)

var (
	// ErrPathRequired is returned when the backing store path is missing.
	ErrPathRequired = errors.New("storage: database path must be configured")
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("storage: record not found")
	// ErrSubaddressTaken is returned when a payment insert collides with an
	// existing subaddress. Callers retry with a fresh one.
	ErrSubaddressTaken = errors.New("storage: subaddress already in use")
)

// Store wraps the persistence layer.
type Store struct {
	db *sql.DB
}

// Open initialises the backing store using a sqlite-compatible DSN.
func Open(path string) (*Store, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, ErrPathRequired
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single writer connection sidesteps sqlite's multi-writer locking.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// CreateMerchant persists a merchant, assigning its id and, when absent, an
// API key.
func (s *Store) CreateMerchant(ctx context.Context, m *payment.Merchant) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	if m.APIKey == "" {
		m.APIKey = uuid.NewString()
	}
	result, err := s.db.ExecContext(ctx, `
        INSERT INTO merchant(name, settlement_information, settlement_currency, api_key)
        VALUES(?, ?, ?, ?)
    `, m.Name, m.SettlementInformation, m.SettlementCurrency, m.APIKey)
	if err != nil {
		return fmt.Errorf("insert merchant: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("merchant id: %w", err)
	}
	m.ID = id
	return nil
}

// MerchantByID loads a merchant record.
func (s *Store) MerchantByID(ctx context.Context, id int64) (*payment.Merchant, error) {
	return s.merchantBy(ctx, "id = ?", id)
}

// MerchantByAPIKey resolves the merchant owning an API key.
func (s *Store) MerchantByAPIKey(ctx context.Context, key string) (*payment.Merchant, error) {
	return s.merchantBy(ctx, "api_key = ?", key)
}

func (s *Store) merchantBy(ctx context.Context, where string, arg interface{}) (*payment.Merchant, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	row := s.db.QueryRowContext(ctx, `
        SELECT id, name, settlement_information, settlement_currency, api_key
        FROM merchant WHERE `+where, arg)
	var m payment.Merchant
	if err := row.Scan(&m.ID, &m.Name, &m.SettlementInformation, &m.SettlementCurrency, &m.APIKey); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query merchant: %w", err)
	}
	return &m, nil
}

// InsertPayment persists a new payment together with its options and initial
// status log entry in one transaction. Unique constraint violations map to
// the duplicate-reference rejection or the subaddress collision sentinel.
func (s *Store) InsertPayment(ctx context.Context, p *payment.Payment) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	_, err = tx.ExecContext(ctx, `
        INSERT INTO payment(id, merchant_id, merchant_reference_id, subaddress,
            requested_amount, requested_currency, status, refund_requested, expiry_date, created_at)
        VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    `, p.ID, p.MerchantID, p.MerchantReferenceID, p.Subaddress,
		p.RequestedAmount, p.RequestedCurrency, string(p.Status), boolInt(p.RefundRequested),
		p.ExpiryDate.UTC(), p.CreatedAt.UTC())
	if err != nil {
		switch {
		case isUniqueViolation(err, "payment.subaddress"):
			return ErrSubaddressTaken
		case isUniqueViolation(err, "payment.merchant_id"):
			return payment.ErrDuplicateReference
		default:
			return fmt.Errorf("insert payment: %w", err)
		}
	}
	for _, opt := range p.Options {
		if _, err := tx.ExecContext(ctx, `
            INSERT INTO payment_option(payment_id, amount, currency)
            VALUES(?, ?, ?)
        `, p.ID, opt.Amount, opt.Currency); err != nil {
			return fmt.Errorf("insert payment option: %w", err)
		}
	}
	for _, entry := range p.StatusLog {
		if _, err := tx.ExecContext(ctx, `
            INSERT INTO payment_status_log(payment_id, created_at, status)
            VALUES(?, ?, ?)
        `, p.ID, entry.Time.UTC(), string(entry.Status)); err != nil {
			return fmt.Errorf("insert status log: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit payment: %w", err)
	}
	return nil
}

// PaymentByID loads a full payment aggregate.
func (s *Store) PaymentByID(ctx context.Context, id string) (*payment.Payment, error) {
	return s.paymentBy(ctx, "id = ?", id)
}

// PaymentBySubaddress resolves the payment routed through a subaddress.
func (s *Store) PaymentBySubaddress(ctx context.Context, subaddress string) (*payment.Payment, error) {
	return s.paymentBy(ctx, "subaddress = ?", subaddress)
}

// PaymentByReference resolves a payment by its merchant idempotency key.
func (s *Store) PaymentByReference(ctx context.Context, merchantID int64, referenceID string) (*payment.Payment, error) {
	return s.paymentBy(ctx, "merchant_id = ? AND merchant_reference_id = ?", merchantID, referenceID)
}

func (s *Store) paymentBy(ctx context.Context, where string, args ...interface{}) (*payment.Payment, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	row := s.db.QueryRowContext(ctx, `
        SELECT id, merchant_id, merchant_reference_id, subaddress,
            requested_amount, requested_currency, status, refund_requested, expiry_date, created_at
        FROM payment WHERE `+where, args...)
	p, err := scanPayment(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query payment: %w", err)
	}
	if err := s.loadChildren(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// MerchantPayments lists all payments owned by a merchant, oldest first.
func (s *Store) MerchantPayments(ctx context.Context, merchantID int64) ([]*payment.Payment, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, merchant_id, merchant_reference_id, subaddress,
            requested_amount, requested_currency, status, refund_requested, expiry_date, created_at
        FROM payment WHERE merchant_id = ? ORDER BY created_at ASC
    `, merchantID)
	if err != nil {
		return nil, fmt.Errorf("query merchant payments: %w", err)
	}
	defer rows.Close()
	var payments []*payment.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		payments = append(payments, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate payments: %w", err)
	}
	for _, p := range payments {
		if err := s.loadChildren(ctx, p); err != nil {
			return nil, err
		}
	}
	return payments, nil
}

// TransitionPayment applies a guarded status transition, appending the status
// log entry and, when supplied, one chain transaction in the same database
// transaction. The guard is the WHERE clause on the current status: if a
// concurrent writer moved the payment first, zero rows match and the typed
// invalid-status rejection is returned with nothing mutated.
func (s *Store) TransitionPayment(ctx context.Context, id string, from, to payment.Status, at time.Time, chainTx *payment.ChainTransaction) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	if !payment.CanTransition(from, to) {
		return &payment.InvalidTransitionError{From: from, To: to}
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	result, err := tx.ExecContext(ctx, `
        UPDATE payment SET status = ? WHERE id = ? AND status = ?
    `, string(to), id, string(from))
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return payment.ErrInvalidStatus
	}
	if _, err := tx.ExecContext(ctx, `
        INSERT INTO payment_status_log(payment_id, created_at, status)
        VALUES(?, ?, ?)
    `, id, at.UTC(), string(to)); err != nil {
		return fmt.Errorf("insert status log: %w", err)
	}
	if chainTx != nil {
		if _, err := tx.ExecContext(ctx, `
            INSERT INTO chain_transaction(payment_id, tx_sequence, sender_address, amount, currency, is_refund)
            VALUES(?, ?, ?, ?, ?, ?)
        `, id, chainTx.TxSequence, chainTx.SenderAddress, chainTx.Amount, chainTx.Currency, boolInt(chainTx.IsRefund)); err != nil {
			return fmt.Errorf("insert chain transaction: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transition: %w", err)
	}
	return nil
}

// AppendChainTransaction records an additional chain transaction without a
// status change, as refunds do for the outgoing transfer.
func (s *Store) AppendChainTransaction(ctx context.Context, paymentID string, chainTx payment.ChainTransaction) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	if _, err := s.db.ExecContext(ctx, `
        INSERT INTO chain_transaction(payment_id, tx_sequence, sender_address, amount, currency, is_refund)
        VALUES(?, ?, ?, ?, ?, ?)
    `, paymentID, chainTx.TxSequence, chainTx.SenderAddress, chainTx.Amount, chainTx.Currency, boolInt(chainTx.IsRefund)); err != nil {
		return fmt.Errorf("insert chain transaction: %w", err)
	}
	return nil
}

// MarkRefundRequested flips the refund-requested flag while the payment is
// cleared.
func (s *Store) MarkRefundRequested(ctx context.Context, id string) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	result, err := s.db.ExecContext(ctx, `
        UPDATE payment SET refund_requested = 1
        WHERE id = ? AND status = ?
    `, id, string(payment.StatusCleared))
	if err != nil {
		return fmt.Errorf("mark refund requested: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return payment.ErrInvalidStatus
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPayment(row scanner) (*payment.Payment, error) {
	var p payment.Payment
	var status string
	var refundRequested int
	var expiry, created time.Time
	if err := row.Scan(&p.ID, &p.MerchantID, &p.MerchantReferenceID, &p.Subaddress,
		&p.RequestedAmount, &p.RequestedCurrency, &status, &refundRequested, &expiry, &created); err != nil {
		return nil, err
	}
	parsed, err := payment.ParseStatus(status)
	if err != nil {
		return nil, err
	}
	p.Status = parsed
	p.RefundRequested = refundRequested != 0
	p.ExpiryDate = expiry.UTC()
	p.CreatedAt = created.UTC()
	return &p, nil
}

func (s *Store) loadChildren(ctx context.Context, p *payment.Payment) error {
	optionRows, err := s.db.QueryContext(ctx, `
        SELECT amount, currency FROM payment_option WHERE payment_id = ? ORDER BY id ASC
    `, p.ID)
	if err != nil {
		return fmt.Errorf("query payment options: %w", err)
	}
	defer optionRows.Close()
	for optionRows.Next() {
		var opt payment.PaymentOption
		if err := optionRows.Scan(&opt.Amount, &opt.Currency); err != nil {
			return fmt.Errorf("scan payment option: %w", err)
		}
		p.Options = append(p.Options, opt)
	}
	if err := optionRows.Err(); err != nil {
		return fmt.Errorf("iterate payment options: %w", err)
	}

	txRows, err := s.db.QueryContext(ctx, `
        SELECT tx_sequence, sender_address, amount, currency, is_refund
        FROM chain_transaction WHERE payment_id = ? ORDER BY id ASC
    `, p.ID)
	if err != nil {
		return fmt.Errorf("query chain transactions: %w", err)
	}
	defer txRows.Close()
	for txRows.Next() {
		var tx payment.ChainTransaction
		var isRefund int
		if err := txRows.Scan(&tx.TxSequence, &tx.SenderAddress, &tx.Amount, &tx.Currency, &isRefund); err != nil {
			return fmt.Errorf("scan chain transaction: %w", err)
		}
		tx.IsRefund = isRefund != 0
		p.ChainTransactions = append(p.ChainTransactions, tx)
	}
	if err := txRows.Err(); err != nil {
		return fmt.Errorf("iterate chain transactions: %w", err)
	}

	logRows, err := s.db.QueryContext(ctx, `
        SELECT created_at, status FROM payment_status_log WHERE payment_id = ? ORDER BY id ASC
    `, p.ID)
	if err != nil {
		return fmt.Errorf("query status log: %w", err)
	}
	defer logRows.Close()
	for logRows.Next() {
		var entry payment.StatusLogEntry
		var status string
		var at time.Time
		if err := logRows.Scan(&at, &status); err != nil {
			return fmt.Errorf("scan status log: %w", err)
		}
		parsed, err := payment.ParseStatus(status)
		if err != nil {
			return err
		}
		entry.Time = at.UTC()
		entry.Status = parsed
		p.StatusLog = append(p.StatusLog, entry)
	}
	if err := logRows.Err(); err != nil {
		return fmt.Errorf("iterate status log: %w", err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error, constraint string) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") && strings.Contains(msg, constraint)
}

const schema = `
CREATE TABLE IF NOT EXISTS merchant (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL DEFAULT '',
    settlement_information TEXT NOT NULL DEFAULT '',
    settlement_currency TEXT NOT NULL DEFAULT '',
    api_key TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS payment (
    id TEXT PRIMARY KEY,
    merchant_id INTEGER NOT NULL REFERENCES merchant(id),
    merchant_reference_id TEXT NOT NULL,
    subaddress TEXT NOT NULL UNIQUE,
    requested_amount INTEGER NOT NULL,
    requested_currency TEXT NOT NULL,
    status TEXT NOT NULL,
    refund_requested INTEGER NOT NULL DEFAULT 0,
    expiry_date TIMESTAMP NOT NULL,
    created_at TIMESTAMP NOT NULL,
    UNIQUE (merchant_id, merchant_reference_id)
);
CREATE INDEX IF NOT EXISTS idx_payment_merchant ON payment(merchant_id);

CREATE TABLE IF NOT EXISTS payment_option (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    payment_id TEXT NOT NULL REFERENCES payment(id),
    amount INTEGER NOT NULL,
    currency TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_payment_option_payment ON payment_option(payment_id);

CREATE TABLE IF NOT EXISTS chain_transaction (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    payment_id TEXT NOT NULL REFERENCES payment(id),
    tx_sequence INTEGER NOT NULL,
    sender_address TEXT NOT NULL,
    amount INTEGER NOT NULL,
    currency TEXT NOT NULL,
    is_refund INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_chain_transaction_payment ON chain_transaction(payment_id);

CREATE TABLE IF NOT EXISTS payment_status_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    payment_id TEXT NOT NULL REFERENCES payment(id),
    created_at TIMESTAMP NOT NULL,
    status TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_payment_status_log_payment ON payment_status_log(payment_id);
`
