// Package payments orchestrates the payment lifecycle: creation against
// liquidity quotes, reconciliation of incoming chain transactions, and
// settlement through payout or refund.
package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"merchantvasp/chain"
	"merchantvasp/currency"
	"merchantvasp/identifier"
	"merchantvasp/liquidity"
	"merchantvasp/observability"
	"merchantvasp/payment"
	"merchantvasp/storage"
)

// Repository is the persistence surface the manager drives. storage.Store
// implements it; tests substitute fakes.
type Repository interface {
	InsertPayment(ctx context.Context, p *payment.Payment) error
	PaymentByID(ctx context.Context, id string) (*payment.Payment, error)
	PaymentBySubaddress(ctx context.Context, subaddress string) (*payment.Payment, error)
	PaymentByReference(ctx context.Context, merchantID int64, referenceID string) (*payment.Payment, error)
	MerchantByID(ctx context.Context, id int64) (*payment.Merchant, error)
	MerchantPayments(ctx context.Context, merchantID int64) ([]*payment.Payment, error)
	TransitionPayment(ctx context.Context, id string, from, to payment.Status, at time.Time, chainTx *payment.ChainTransaction) error
	AppendChainTransaction(ctx context.Context, paymentID string, chainTx payment.ChainTransaction) error
	MarkRefundRequested(ctx context.Context, id string) error
}

// OnchainWallet is the outbound transfer surface. wallet.Wallet implements it.
type OnchainWallet interface {
	AddressHex() string
	EncodedAddress(subaddressHex string) (string, error)
	Send(ctx context.Context, currencyCode string, amount int64, destAddress, destSubaddress string) (chain.SendResult, error)
}

// CurrencyLister exposes the chain currencies payment options are quoted in.
// chain.Client satisfies it.
type CurrencyLister interface {
	GetCurrencies(ctx context.Context) ([]chain.CurrencyInfo, error)
}

// Manager coordinates repositories, the liquidity provider and the onchain
// wallet. All methods are safe for concurrent use; per-payment serialization
// is enforced by the repository's guarded transitions.
type Manager struct {
	repo       Repository
	lp         liquidity.Provider
	wallet     OnchainWallet
	currencies CurrencyLister
	hrp        string

	expiryWindow      time.Duration
	callTimeout       time.Duration
	subaddressRetries int
	metrics           *observability.PaymentsMetrics
	logger            *slog.Logger
	now               func() time.Time
}

// Option customises the manager instance.
type Option func(*Manager)

// WithExpiryWindow overrides how long a payment stays payable.
func WithExpiryWindow(window time.Duration) Option {
	return func(m *Manager) { m.expiryWindow = window }
}

// WithCallTimeout bounds every outbound chain and liquidity call.
func WithCallTimeout(timeout time.Duration) Option {
	return func(m *Manager) { m.callTimeout = timeout }
}

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) { m.now = clock }
}

// WithLogger installs a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics overrides the default metrics registry.
func WithMetrics(metrics *observability.PaymentsMetrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// NewManager constructs a payment manager.
func NewManager(repo Repository, lp liquidity.Provider, w OnchainWallet, currencies CurrencyLister, hrp string, opts ...Option) (*Manager, error) {
	if repo == nil {
		return nil, fmt.Errorf("payments: repository required")
	}
	if lp == nil {
		return nil, fmt.Errorf("payments: liquidity provider required")
	}
	if w == nil {
		return nil, fmt.Errorf("payments: wallet required")
	}
	if currencies == nil {
		return nil, fmt.Errorf("payments: currency lister required")
	}
	m := &Manager{
		repo:              repo,
		lp:                lp,
		wallet:            w,
		currencies:        currencies,
		hrp:               hrp,
		expiryWindow:      10 * time.Minute,
		callTimeout:       10 * time.Second,
		subaddressRetries: 5,
		metrics:           observability.Payments(),
		logger:            slog.Default(),
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// CreatePaymentRequest carries the application-boundary input for a new
// payment. Amount is fiat minor units scaled by 10^6.
type CreatePaymentRequest struct {
	MerchantID          int64
	MerchantReferenceID string
	Currency            string
	Amount              int64
}

// CreatePayment issues a new payment with a fresh routing subaddress and one
// payment option per supported chain currency, priced against current
// liquidity quotes. A reused merchant reference id is rejected with no row
// created.
func (m *Manager) CreatePayment(ctx context.Context, req CreatePaymentRequest) (*payment.Payment, error) {
	fiat, err := currency.ParseFiat(req.Currency)
	if err != nil {
		m.metrics.RecordOperation("create", "invalid")
		return nil, err
	}
	if req.Amount <= 0 {
		m.metrics.RecordOperation("create", "invalid")
		return nil, fmt.Errorf("payments: requested amount must be positive")
	}
	if existing, err := m.repo.PaymentByReference(ctx, req.MerchantID, req.MerchantReferenceID); err == nil && existing != nil {
		m.metrics.RecordOperation("create", "duplicate")
		return nil, payment.ErrDuplicateReference
	} else if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	options, err := m.buildOptions(ctx, fiat, req.Amount)
	if err != nil {
		m.metrics.RecordOperation("create", "error")
		return nil, err
	}

	now := m.now().UTC()
	for attempt := 0; attempt <= m.subaddressRetries; attempt++ {
		subaddress, err := identifier.GenSubaddress()
		if err != nil {
			return nil, err
		}
		p := payment.New(req.MerchantID, req.MerchantReferenceID, subaddress, string(fiat), req.Amount, now.Add(m.expiryWindow), now)
		p.Options = options
		err = m.repo.InsertPayment(ctx, p)
		switch {
		case err == nil:
			m.metrics.RecordOperation("create", "ok")
			m.logger.Debug("created payment", "payment_id", p.ID, "subaddress", p.Subaddress)
			return p, nil
		case errors.Is(err, storage.ErrSubaddressTaken):
			// Astronomically unlikely, but an active payment may already
			// hold this subaddress. Roll a new one.
			continue
		case errors.Is(err, payment.ErrDuplicateReference):
			m.metrics.RecordOperation("create", "duplicate")
			return nil, err
		default:
			m.metrics.RecordOperation("create", "error")
			return nil, err
		}
	}
	m.metrics.RecordOperation("create", "error")
	return nil, fmt.Errorf("payments: could not allocate unique subaddress after %d attempts", m.subaddressRetries+1)
}

// buildOptions prices the requested fiat amount in every chain currency the
// network supports. The provider quotes fiat per chain unit, so each option
// amount is requested * (1 / rate).
func (m *Manager) buildOptions(ctx context.Context, fiat currency.FiatCurrency, amount int64) ([]payment.PaymentOption, error) {
	callCtx, cancel := context.WithTimeout(ctx, m.callTimeout)
	defer cancel()
	supported, err := m.currencies.GetCurrencies(callCtx)
	if err != nil {
		return nil, fmt.Errorf("payments: list network currencies: %w", err)
	}
	options := make([]payment.PaymentOption, 0, len(supported))
	for _, info := range supported {
		code, err := currency.ParseChain(info.Code)
		if err != nil {
			m.logger.Warn("skipping unsupported chain currency", "code", info.Code)
			continue
		}
		pair := liquidity.CurrencyPair{Base: string(code), Quote: string(fiat)}
		quoteCtx, cancel := context.WithTimeout(ctx, m.callTimeout)
		quote, err := m.lp.GetQuote(quoteCtx, pair, amount)
		cancel()
		if err != nil {
			m.logger.Warn("no liquidity quote for pair", "pair", pair.String(), "err", err)
			continue
		}
		price, err := liquidity.QuotePrice(quote, amount)
		if err != nil {
			return nil, err
		}
		options = append(options, payment.PaymentOption{Amount: price, Currency: info.Code})
	}
	if len(options) == 0 {
		return nil, fmt.Errorf("payments: no payment options could be priced for %s", fiat)
	}
	return options, nil
}

// PayoutResult reports a completed merchant payout.
type PayoutResult struct {
	TradeID    string
	QuoteID    string
	TxSequence uint64
}

// Payout settles a cleared payment to the merchant: it trades the received
// chain funds against the merchant's settlement currency and transfers them
// to the liquidity provider's deposit account. A failure after the payment
// entered payout_processing leaves it in the terminal error state for manual
// remediation; it is never retried automatically.
func (m *Manager) Payout(ctx context.Context, merchant *payment.Merchant, paymentID string) (PayoutResult, error) {
	p, err := m.repo.PaymentByID(ctx, paymentID)
	if err != nil {
		return PayoutResult{}, err
	}
	if p.Status != payment.StatusCleared {
		m.metrics.RecordOperation("payout", "invalid")
		return PayoutResult{}, payment.ErrInvalidStatus
	}
	if !merchant.CanPayout() {
		m.metrics.RecordOperation("payout", "invalid")
		return PayoutResult{}, payment.ErrInvalidStatus
	}
	incoming, ok := p.IncomingTransaction()
	if !ok {
		m.metrics.RecordOperation("payout", "invalid")
		return PayoutResult{}, payment.ErrInvalidStatus
	}

	quoteCtx, cancel := context.WithTimeout(ctx, m.callTimeout)
	quote, err := m.lp.GetQuote(quoteCtx, liquidity.CurrencyPair{
		Base:  incoming.Currency,
		Quote: merchant.SettlementCurrency,
	}, incoming.Amount)
	cancel()
	if err != nil {
		m.metrics.RecordOperation("payout", "error")
		return PayoutResult{}, fmt.Errorf("payments: payout quote: %w", err)
	}

	if err := m.repo.TransitionPayment(ctx, p.ID, payment.StatusCleared, payment.StatusPayoutProcessing, m.now().UTC(), nil); err != nil {
		m.metrics.RecordOperation("payout", "conflict")
		return PayoutResult{}, err
	}

	result, err := m.executePayout(ctx, merchant, incoming, quote)
	if err != nil {
		// The processing transition already committed; the payment is
		// parked in the terminal error state for manual intervention.
		if terr := m.repo.TransitionPayment(ctx, p.ID, payment.StatusPayoutProcessing, payment.StatusError, m.now().UTC(), nil); terr != nil {
			m.logger.Error("could not park failed payout", "payment_id", p.ID, "err", terr)
		}
		m.metrics.RecordOperation("payout", "error")
		return PayoutResult{}, err
	}

	if err := m.repo.TransitionPayment(ctx, p.ID, payment.StatusPayoutProcessing, payment.StatusPayoutCompleted, m.now().UTC(), nil); err != nil {
		m.metrics.RecordOperation("payout", "error")
		return PayoutResult{}, err
	}
	m.metrics.RecordOperation("payout", "ok")
	m.logger.Info("payout completed", "payment_id", p.ID, "trade_id", result.TradeID)
	return result, nil
}

func (m *Manager) executePayout(ctx context.Context, merchant *payment.Merchant, incoming payment.ChainTransaction, quote liquidity.Quote) (PayoutResult, error) {
	tradeCtx, cancel := context.WithTimeout(ctx, m.callTimeout)
	tradeID, err := m.lp.TradeAndExecute(tradeCtx, quote.QuoteID, liquidity.DirectionSell, merchant.SettlementInformation)
	cancel()
	if err != nil {
		return PayoutResult{}, fmt.Errorf("payments: execute payout trade: %w", err)
	}

	detailsCtx, cancel := context.WithTimeout(ctx, m.callTimeout)
	details, err := m.lp.LPDetails(detailsCtx)
	cancel()
	if err != nil {
		return PayoutResult{}, fmt.Errorf("payments: resolve deposit address: %w", err)
	}
	depositAddress, depositSubaddress, err := identifier.DecodeAccount(details.DepositAddress, m.hrp)
	if err != nil {
		return PayoutResult{}, fmt.Errorf("payments: decode deposit address: %w", err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, m.callTimeout)
	sent, err := m.wallet.Send(sendCtx, incoming.Currency, incoming.Amount, depositAddress, depositSubaddress)
	cancel()
	if err != nil {
		return PayoutResult{}, fmt.Errorf("payments: payout transfer: %w", err)
	}
	return PayoutResult{TradeID: tradeID, QuoteID: quote.QuoteID, TxSequence: sent.TxSequence}, nil
}

// RefundResult reports a completed refund.
type RefundResult struct {
	TxSequence uint64
	Amount     int64
	Currency   string
}

// Refund returns the received funds to the original sender. It requires a
// cleared payment with exactly one recorded chain transaction that is not
// itself a refund. Any failure after the refund_requested transition leaves
// the payment in the terminal refund_error state.
func (m *Manager) Refund(ctx context.Context, paymentID string) (RefundResult, error) {
	p, err := m.repo.PaymentByID(ctx, paymentID)
	if err != nil {
		return RefundResult{}, err
	}
	if p.Status != payment.StatusCleared {
		m.metrics.RecordOperation("refund", "invalid")
		return RefundResult{}, payment.ErrInvalidStatus
	}
	if len(p.ChainTransactions) != 1 || p.ChainTransactions[0].IsRefund {
		m.metrics.RecordOperation("refund", "invalid")
		return RefundResult{}, payment.ErrInvalidStatus
	}
	target := p.ChainTransactions[0]

	targetAddress, targetSubaddress, err := identifier.DecodeAccount(target.SenderAddress, m.hrp)
	if err != nil {
		m.metrics.RecordOperation("refund", "error")
		return RefundResult{}, fmt.Errorf("payments: decode refund target: %w", err)
	}

	if err := m.repo.TransitionPayment(ctx, p.ID, payment.StatusCleared, payment.StatusRefundRequested, m.now().UTC(), nil); err != nil {
		m.metrics.RecordOperation("refund", "conflict")
		return RefundResult{}, err
	}

	sendCtx, cancel := context.WithTimeout(ctx, m.callTimeout)
	sent, err := m.wallet.Send(sendCtx, target.Currency, target.Amount, targetAddress, targetSubaddress)
	cancel()
	if err == nil {
		err = m.repo.AppendChainTransaction(ctx, p.ID, payment.ChainTransaction{
			TxSequence:    sent.TxSequence,
			SenderAddress: m.wallet.AddressHex(),
			Amount:        target.Amount,
			Currency:      target.Currency,
			IsRefund:      true,
		})
	}
	if err != nil {
		if terr := m.repo.TransitionPayment(ctx, p.ID, payment.StatusRefundRequested, payment.StatusRefundError, m.now().UTC(), nil); terr != nil {
			m.logger.Error("could not park failed refund", "payment_id", p.ID, "err", terr)
		}
		m.metrics.RecordOperation("refund", "error")
		return RefundResult{}, fmt.Errorf("payments: refund transfer: %w", err)
	}

	if err := m.repo.TransitionPayment(ctx, p.ID, payment.StatusRefundRequested, payment.StatusRefundCompleted, m.now().UTC(), nil); err != nil {
		m.metrics.RecordOperation("refund", "error")
		return RefundResult{}, err
	}
	m.metrics.RecordOperation("refund", "ok")
	m.logger.Info("refund completed", "payment_id", p.ID, "tx_sequence", sent.TxSequence)
	return RefundResult{TxSequence: sent.TxSequence, Amount: target.Amount, Currency: target.Currency}, nil
}

// RequestRefund flags a cleared payment for refund without initiating it.
func (m *Manager) RequestRefund(ctx context.Context, paymentID string) error {
	if err := m.repo.MarkRefundRequested(ctx, paymentID); err != nil {
		m.metrics.RecordOperation("request_refund", "invalid")
		return err
	}
	m.metrics.RecordOperation("request_refund", "ok")
	return nil
}

// CheckoutOption is one payable rendering of a payment option.
type CheckoutOption struct {
	Address     string
	Currency    string
	Amount      int64
	PaymentLink string
}

// CheckoutOptions renders each payment option against the wallet's full
// account identifier for the payment's subaddress.
func (m *Manager) CheckoutOptions(ctx context.Context, paymentID string) ([]CheckoutOption, error) {
	p, err := m.repo.PaymentByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	encoded, err := m.wallet.EncodedAddress(p.Subaddress)
	if err != nil {
		return nil, err
	}
	options := make([]CheckoutOption, 0, len(p.Options))
	for _, opt := range p.Options {
		options = append(options, CheckoutOption{
			Address:     encoded,
			Currency:    opt.Currency,
			Amount:      opt.Amount,
			PaymentLink: identifier.PaymentLink(encoded, opt.Currency, opt.Amount),
		})
	}
	return options, nil
}

// Merchant resolves a merchant by id.
func (m *Manager) Merchant(ctx context.Context, id int64) (*payment.Merchant, error) {
	return m.repo.MerchantByID(ctx, id)
}

// MerchantPayments lists every payment issued for a merchant.
func (m *Manager) MerchantPayments(ctx context.Context, merchantID int64) ([]*payment.Payment, error) {
	return m.repo.MerchantPayments(ctx, merchantID)
}

// PaymentEvents returns the append-only status log of a payment.
func (m *Manager) PaymentEvents(ctx context.Context, paymentID string) ([]payment.StatusLogEntry, error) {
	p, err := m.repo.PaymentByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	return p.StatusLog, nil
}

// PaymentTransactions returns the chain transactions recorded for a payment,
// incoming first.
func (m *Manager) PaymentTransactions(ctx context.Context, paymentID string) ([]payment.ChainTransaction, error) {
	p, err := m.repo.PaymentByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	return p.ChainTransactions, nil
}
