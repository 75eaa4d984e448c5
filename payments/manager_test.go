package payments

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"merchantvasp/chain"
	"merchantvasp/identifier"
	"merchantvasp/liquidity"
	"merchantvasp/payment"
	"merchantvasp/storage"
)

const (
	walletAddrHex  = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	senderAddrHex  = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	depositAddrHex = "cccccccccccccccccccccccccccccccc"
	senderSubHex   = "1122334455667788"
	paymentSubHex  = "cf64428bdeb62af2"
)

type fakeRepo struct {
	payments   map[string]*payment.Payment
	collisions int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{payments: make(map[string]*payment.Payment)}
}

func (r *fakeRepo) InsertPayment(_ context.Context, p *payment.Payment) error {
	for _, existing := range r.payments {
		if existing.MerchantID == p.MerchantID && existing.MerchantReferenceID == p.MerchantReferenceID {
			return payment.ErrDuplicateReference
		}
	}
	if r.collisions > 0 {
		r.collisions--
		return storage.ErrSubaddressTaken
	}
	for _, existing := range r.payments {
		if existing.Subaddress == p.Subaddress {
			return storage.ErrSubaddressTaken
		}
	}
	r.payments[p.ID] = p
	return nil
}

func (r *fakeRepo) PaymentByID(_ context.Context, id string) (*payment.Payment, error) {
	p, ok := r.payments[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return p, nil
}

func (r *fakeRepo) PaymentBySubaddress(_ context.Context, subaddress string) (*payment.Payment, error) {
	for _, p := range r.payments {
		if p.Subaddress == subaddress {
			return p, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (r *fakeRepo) PaymentByReference(_ context.Context, merchantID int64, referenceID string) (*payment.Payment, error) {
	for _, p := range r.payments {
		if p.MerchantID == merchantID && p.MerchantReferenceID == referenceID {
			return p, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (r *fakeRepo) MerchantByID(_ context.Context, id int64) (*payment.Merchant, error) {
	return &payment.Merchant{ID: id, SettlementInformation: "iban-1", SettlementCurrency: "USD"}, nil
}

func (r *fakeRepo) MerchantPayments(_ context.Context, merchantID int64) ([]*payment.Payment, error) {
	var out []*payment.Payment
	for _, p := range r.payments {
		if p.MerchantID == merchantID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (r *fakeRepo) TransitionPayment(_ context.Context, id string, from, to payment.Status, at time.Time, chainTx *payment.ChainTransaction) error {
	if !payment.CanTransition(from, to) {
		return &payment.InvalidTransitionError{From: from, To: to}
	}
	p, ok := r.payments[id]
	if !ok {
		return storage.ErrNotFound
	}
	if p.Status != from {
		return payment.ErrInvalidStatus
	}
	if err := p.SetStatus(to, at); err != nil {
		return err
	}
	if chainTx != nil {
		p.ChainTransactions = append(p.ChainTransactions, *chainTx)
	}
	return nil
}

func (r *fakeRepo) AppendChainTransaction(_ context.Context, paymentID string, chainTx payment.ChainTransaction) error {
	p, ok := r.payments[paymentID]
	if !ok {
		return storage.ErrNotFound
	}
	p.ChainTransactions = append(p.ChainTransactions, chainTx)
	return nil
}

func (r *fakeRepo) MarkRefundRequested(_ context.Context, id string) error {
	p, ok := r.payments[id]
	if !ok {
		return storage.ErrNotFound
	}
	return p.RequestRefund()
}

type fakeLP struct {
	rates      map[string]int64
	deposit    string
	tradeErr   error
	detailsErr error
	trades     []string
}

func (l *fakeLP) GetQuote(_ context.Context, pair liquidity.CurrencyPair, _ int64) (liquidity.Quote, error) {
	rate, ok := l.rates[pair.String()]
	if !ok {
		return liquidity.Quote{}, fmt.Errorf("unsupported pair %s", pair)
	}
	return liquidity.Quote{
		QuoteID:   "quote-" + pair.String(),
		Rate:      liquidity.Rate{Pair: pair, Rate: rate},
		ExpiresAt: time.Now().Add(time.Minute),
	}, nil
}

func (l *fakeLP) TradeAndExecute(_ context.Context, quoteID string, _ liquidity.Direction, _ string) (string, error) {
	if l.tradeErr != nil {
		return "", l.tradeErr
	}
	l.trades = append(l.trades, quoteID)
	return "trade-1", nil
}

func (l *fakeLP) LPDetails(_ context.Context) (liquidity.Details, error) {
	if l.detailsErr != nil {
		return liquidity.Details{}, l.detailsErr
	}
	return liquidity.Details{DepositAddress: l.deposit}, nil
}

type sentTransfer struct {
	Currency       string
	Amount         int64
	DestAddress    string
	DestSubaddress string
}

type fakeWallet struct {
	sendErr error
	sent    []sentTransfer
	seq     uint64
}

func (w *fakeWallet) AddressHex() string { return walletAddrHex }

func (w *fakeWallet) EncodedAddress(subaddressHex string) (string, error) {
	return identifier.EncodeAccount(walletAddrHex, subaddressHex, identifier.TestnetHRP)
}

func (w *fakeWallet) Send(_ context.Context, currency string, amount int64, destAddress, destSubaddress string) (chain.SendResult, error) {
	if w.sendErr != nil {
		return chain.SendResult{}, w.sendErr
	}
	w.seq++
	w.sent = append(w.sent, sentTransfer{Currency: currency, Amount: amount, DestAddress: destAddress, DestSubaddress: destSubaddress})
	return chain.SendResult{TxSequence: w.seq}, nil
}

type fakeCurrencies struct {
	codes []string
	err   error
}

func (c *fakeCurrencies) GetCurrencies(_ context.Context) ([]chain.CurrencyInfo, error) {
	if c.err != nil {
		return nil, c.err
	}
	out := make([]chain.CurrencyInfo, 0, len(c.codes))
	for _, code := range c.codes {
		out = append(out, chain.CurrencyInfo{Code: code})
	}
	return out, nil
}

type fixture struct {
	manager *Manager
	repo    *fakeRepo
	lp      *fakeLP
	wallet  *fakeWallet
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	deposit, err := identifier.EncodeAccount(depositAddrHex, "", identifier.TestnetHRP)
	require.NoError(t, err)

	f := &fixture{
		repo: newFakeRepo(),
		lp: &fakeLP{
			rates: map[string]int64{
				"Coin1_USD": 2_000_000, // 2 USD per Coin1
				"Coin2_USD": 500_000,   // 0.5 USD per Coin2
			},
			deposit: deposit,
		},
		wallet: &fakeWallet{},
		now:    time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	f.manager, err = NewManager(f.repo, f.lp, f.wallet, &fakeCurrencies{codes: []string{"Coin1", "Coin2"}}, identifier.TestnetHRP,
		WithClock(func() time.Time { return f.now }),
	)
	require.NoError(t, err)
	return f
}

func (f *fixture) createPayment(t *testing.T) *payment.Payment {
	t.Helper()
	p, err := f.manager.CreatePayment(context.Background(), CreatePaymentRequest{
		MerchantID:          1,
		MerchantReferenceID: "order-1",
		Currency:            "USD",
		Amount:              100_000_000, // 100 USD
	})
	require.NoError(t, err)
	return p
}

func (f *fixture) incomingFor(p *payment.Payment) chain.IncomingTransaction {
	return chain.IncomingTransaction{
		Version:            7,
		SenderAddress:      senderAddrHex,
		SenderSubaddress:   senderSubHex,
		ReceiverAddress:    walletAddrHex,
		ReceiverSubaddress: p.Subaddress,
		Amount:             50_000_000, // 100 USD at 2 USD per Coin1
		Currency:           "Coin1",
	}
}

func (f *fixture) clearPayment(t *testing.T) *payment.Payment {
	t.Helper()
	p := f.createPayment(t)
	require.NoError(t, f.manager.Process(context.Background(), f.incomingFor(p)))
	return p
}

func TestCreatePaymentPricesOptions(t *testing.T) {
	f := newFixture(t)
	p := f.createPayment(t)

	require.Equal(t, payment.StatusCreated, p.Status)
	require.Len(t, p.Subaddress, 16)
	require.Equal(t, f.now.Add(10*time.Minute), p.ExpiryDate)
	require.Len(t, p.Options, 2)
	require.Equal(t, payment.PaymentOption{Amount: 50_000_000, Currency: "Coin1"}, p.Options[0])
	require.Equal(t, payment.PaymentOption{Amount: 200_000_000, Currency: "Coin2"}, p.Options[1])
}

func TestCreatePaymentDuplicateReference(t *testing.T) {
	f := newFixture(t)
	f.createPayment(t)

	_, err := f.manager.CreatePayment(context.Background(), CreatePaymentRequest{
		MerchantID:          1,
		MerchantReferenceID: "order-1",
		Currency:            "USD",
		Amount:              5_000_000,
	})
	require.ErrorIs(t, err, payment.ErrDuplicateReference)
}

func TestCreatePaymentRetriesSubaddressCollision(t *testing.T) {
	f := newFixture(t)
	f.repo.collisions = 2

	p := f.createPayment(t)
	require.NotNil(t, f.repo.payments[p.ID])
}

func TestCreatePaymentSkipsUnquotablePairs(t *testing.T) {
	f := newFixture(t)
	delete(f.lp.rates, "Coin2_USD")

	p := f.createPayment(t)
	require.Len(t, p.Options, 1)
	require.Equal(t, "Coin1", p.Options[0].Currency)
}

func TestCreatePaymentNoQuotableOptions(t *testing.T) {
	f := newFixture(t)
	f.lp.rates = map[string]int64{}

	_, err := f.manager.CreatePayment(context.Background(), CreatePaymentRequest{
		MerchantID:          1,
		MerchantReferenceID: "order-1",
		Currency:            "USD",
		Amount:              5_000_000,
	})
	require.Error(t, err)
	require.Empty(t, f.repo.payments)
}

func TestProcessClearsPayment(t *testing.T) {
	f := newFixture(t)
	p := f.createPayment(t)

	require.NoError(t, f.manager.Process(context.Background(), f.incomingFor(p)))

	stored := f.repo.payments[p.ID]
	require.Equal(t, payment.StatusCleared, stored.Status)
	require.Len(t, stored.ChainTransactions, 1)
	tx := stored.ChainTransactions[0]
	require.Equal(t, uint64(7), tx.TxSequence)
	require.False(t, tx.IsRefund)

	addr, sub, err := identifier.DecodeAccount(tx.SenderAddress, identifier.TestnetHRP)
	require.NoError(t, err)
	require.Equal(t, senderAddrHex, addr)
	require.Equal(t, senderSubHex, sub)
}

func TestProcessRejectionOrder(t *testing.T) {
	f := newFixture(t)
	p := f.createPayment(t)

	wrongAddr := f.incomingFor(p)
	wrongAddr.ReceiverAddress = senderAddrHex
	require.ErrorIs(t, f.manager.Process(context.Background(), wrongAddr), payment.ErrWrongReceiverAddress)

	noSub := f.incomingFor(p)
	noSub.ReceiverSubaddress = ""
	require.ErrorIs(t, f.manager.Process(context.Background(), noSub), payment.ErrPaymentNotFound)

	unknownSub := f.incomingFor(p)
	unknownSub.ReceiverSubaddress = "ffffffffffffffff"
	require.ErrorIs(t, f.manager.Process(context.Background(), unknownSub), payment.ErrPaymentNotFound)

	badAmount := f.incomingFor(p)
	badAmount.Amount++
	require.ErrorIs(t, f.manager.Process(context.Background(), badAmount), payment.ErrOptionNotFound)

	badCurrency := f.incomingFor(p)
	badCurrency.Currency = "Coin9"
	require.ErrorIs(t, f.manager.Process(context.Background(), badCurrency), payment.ErrOptionNotFound)

	// None of the rejections above mutated the payment.
	require.Equal(t, payment.StatusCreated, f.repo.payments[p.ID].Status)
	require.Empty(t, f.repo.payments[p.ID].ChainTransactions)
}

func TestProcessRedeliveryRejected(t *testing.T) {
	f := newFixture(t)
	p := f.createPayment(t)
	txn := f.incomingFor(p)

	require.NoError(t, f.manager.Process(context.Background(), txn))
	require.ErrorIs(t, f.manager.Process(context.Background(), txn), payment.ErrInvalidStatus)
	require.Len(t, f.repo.payments[p.ID].ChainTransactions, 1)
}

func TestProcessExpiredPaymentRejected(t *testing.T) {
	f := newFixture(t)
	p := f.createPayment(t)
	f.now = f.now.Add(11 * time.Minute)

	err := f.manager.Process(context.Background(), f.incomingFor(p))
	require.ErrorIs(t, err, payment.ErrPaymentExpired)
	require.Equal(t, payment.StatusRejected, f.repo.payments[p.ID].Status)
}

func TestPayoutCompletes(t *testing.T) {
	f := newFixture(t)
	p := f.clearPayment(t)
	merchant := &payment.Merchant{ID: 1, SettlementInformation: "iban-1", SettlementCurrency: "USD"}

	result, err := f.manager.Payout(context.Background(), merchant, p.ID)
	require.NoError(t, err)
	require.Equal(t, "trade-1", result.TradeID)
	require.NotZero(t, result.TxSequence)

	stored := f.repo.payments[p.ID]
	require.Equal(t, payment.StatusPayoutCompleted, stored.Status)

	require.Len(t, f.wallet.sent, 1)
	require.Equal(t, depositAddrHex, f.wallet.sent[0].DestAddress)
	require.Equal(t, "Coin1", f.wallet.sent[0].Currency)
	require.Equal(t, int64(50_000_000), f.wallet.sent[0].Amount)
	require.Equal(t, []string{"quote-Coin1_USD"}, f.lp.trades)
}

func TestPayoutRequiresClearedStatus(t *testing.T) {
	f := newFixture(t)
	p := f.createPayment(t)
	merchant := &payment.Merchant{ID: 1, SettlementInformation: "iban-1", SettlementCurrency: "USD"}

	_, err := f.manager.Payout(context.Background(), merchant, p.ID)
	require.ErrorIs(t, err, payment.ErrInvalidStatus)
}

func TestPayoutRequiresSettlementInformation(t *testing.T) {
	f := newFixture(t)
	p := f.clearPayment(t)

	_, err := f.manager.Payout(context.Background(), &payment.Merchant{ID: 1}, p.ID)
	require.ErrorIs(t, err, payment.ErrInvalidStatus)
	require.Equal(t, payment.StatusCleared, f.repo.payments[p.ID].Status)
}

func TestPayoutFailureParksInError(t *testing.T) {
	f := newFixture(t)
	p := f.clearPayment(t)
	f.wallet.sendErr = errors.New("node unavailable")
	merchant := &payment.Merchant{ID: 1, SettlementInformation: "iban-1", SettlementCurrency: "USD"}

	_, err := f.manager.Payout(context.Background(), merchant, p.ID)
	require.Error(t, err)
	require.Equal(t, payment.StatusError, f.repo.payments[p.ID].Status)
}

func TestRefundCompletes(t *testing.T) {
	f := newFixture(t)
	p := f.clearPayment(t)

	result, err := f.manager.Refund(context.Background(), p.ID)
	require.NoError(t, err)
	require.Equal(t, int64(50_000_000), result.Amount)
	require.Equal(t, "Coin1", result.Currency)

	stored := f.repo.payments[p.ID]
	require.Equal(t, payment.StatusRefundCompleted, stored.Status)
	require.Len(t, stored.ChainTransactions, 2)
	refund := stored.ChainTransactions[1]
	require.True(t, refund.IsRefund)
	require.Equal(t, walletAddrHex, refund.SenderAddress)

	// Funds went back to the original sender's account and subaddress.
	require.Len(t, f.wallet.sent, 1)
	require.Equal(t, senderAddrHex, f.wallet.sent[0].DestAddress)
	require.Equal(t, senderSubHex, f.wallet.sent[0].DestSubaddress)
}

func TestRefundRequiresSingleIncomingTransaction(t *testing.T) {
	f := newFixture(t)
	p := f.clearPayment(t)
	f.repo.payments[p.ID].ChainTransactions = append(f.repo.payments[p.ID].ChainTransactions, payment.ChainTransaction{TxSequence: 9})

	_, err := f.manager.Refund(context.Background(), p.ID)
	require.ErrorIs(t, err, payment.ErrInvalidStatus)
}

func TestRefundFailureParksInRefundError(t *testing.T) {
	f := newFixture(t)
	p := f.clearPayment(t)
	f.wallet.sendErr = errors.New("node unavailable")

	_, err := f.manager.Refund(context.Background(), p.ID)
	require.Error(t, err)
	require.Equal(t, payment.StatusRefundError, f.repo.payments[p.ID].Status)
	require.Len(t, f.repo.payments[p.ID].ChainTransactions, 1)
}

func TestRequestRefund(t *testing.T) {
	f := newFixture(t)
	p := f.clearPayment(t)

	require.NoError(t, f.manager.RequestRefund(context.Background(), p.ID))
	require.True(t, f.repo.payments[p.ID].RefundRequested)
}

func TestCheckoutOptions(t *testing.T) {
	f := newFixture(t)
	p := f.createPayment(t)

	options, err := f.manager.CheckoutOptions(context.Background(), p.ID)
	require.NoError(t, err)
	require.Len(t, options, 2)

	addr, sub, err := identifier.DecodeAccount(options[0].Address, identifier.TestnetHRP)
	require.NoError(t, err)
	require.Equal(t, walletAddrHex, addr)
	require.Equal(t, p.Subaddress, sub)
	require.Contains(t, options[0].PaymentLink, options[0].Address)
}

func TestPaymentEvents(t *testing.T) {
	f := newFixture(t)
	p := f.clearPayment(t)

	events, err := f.manager.PaymentEvents(context.Background(), p.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, payment.StatusCreated, events[0].Status)
	require.Equal(t, payment.StatusCleared, events[1].Status)
}
