package chainsync

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"merchantvasp/chain"
	"merchantvasp/payment"
)

const (
	accountA = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	accountB = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

type fakeClient struct {
	accounts   map[string]*chain.AccountInfo
	events     map[string][]chain.RawEvent
	fetchErr   map[string]error
	accountErr error
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		accounts: map[string]*chain.AccountInfo{
			accountA: {Address: accountA, ReceivedEventsKey: "stream-a"},
			accountB: {Address: accountB, ReceivedEventsKey: "stream-b"},
		},
		events:   make(map[string][]chain.RawEvent),
		fetchErr: make(map[string]error),
	}
}

func (c *fakeClient) GetAccount(_ context.Context, address string) (*chain.AccountInfo, error) {
	if c.accountErr != nil {
		return nil, c.accountErr
	}
	return c.accounts[address], nil
}

func (c *fakeClient) GetEvents(_ context.Context, streamKey string, cursor uint64, limit int) ([]chain.RawEvent, error) {
	if err := c.fetchErr[streamKey]; err != nil {
		return nil, err
	}
	var out []chain.RawEvent
	for _, ev := range c.events[streamKey] {
		if ev.SequenceNumber >= cursor {
			out = append(out, ev)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (c *fakeClient) GetCurrencies(_ context.Context) ([]chain.CurrencyInfo, error) {
	return []chain.CurrencyInfo{{Code: "Coin1"}}, nil
}

func (c *fakeClient) SendTransaction(_ context.Context, _ string, _ int64, _, _ string) (chain.SendResult, error) {
	return chain.SendResult{}, nil
}

func (c *fakeClient) addPayment(streamKey string, seq uint64, amount int64) {
	data := fmt.Sprintf(`{"type":"receivedpayment","amount":%d,"currency":"Coin1","sender":"%s","receiver":"%s","metadata":""}`, amount, accountB, accountA)
	c.events[streamKey] = append(c.events[streamKey], chain.RawEvent{
		Key:            streamKey,
		SequenceNumber: seq,
		Version:        seq + 100,
		Data:           []byte(data),
	})
}

func (c *fakeClient) addOther(streamKey string, seq uint64) {
	c.events[streamKey] = append(c.events[streamKey], chain.RawEvent{
		Key:            streamKey,
		SequenceNumber: seq,
		Data:           []byte(`{"type":"sentpayment","amount":1,"currency":"Coin1"}`),
	})
}

type fakeProcessor struct {
	processed []chain.IncomingTransaction
	errs      map[int64]error
}

func (p *fakeProcessor) Process(_ context.Context, txn chain.IncomingTransaction) error {
	if err := p.errs[txn.Amount]; err != nil {
		return err
	}
	p.processed = append(p.processed, txn)
	return nil
}

func openProgress(t *testing.T) *Progress {
	t.Helper()
	progress, err := OpenProgress(filepath.Join(t.TempDir(), "progress.db"))
	require.NoError(t, err)
	t.Cleanup(func() { progress.Close() })
	return progress
}

func newEngine(t *testing.T, client *fakeClient, processor *fakeProcessor, accounts []string, opts ...Option) *Engine {
	t.Helper()
	engine, err := New(client, openProgress(t), processor, accounts, opts...)
	require.NoError(t, err)
	return engine
}

func TestProgressRoundTrip(t *testing.T) {
	progress := openProgress(t)

	cursor, err := progress.Cursor("stream-a")
	require.NoError(t, err)
	require.Zero(t, cursor)

	require.NoError(t, progress.SetCursor("stream-a", 42))
	cursor, err = progress.Cursor("stream-a")
	require.NoError(t, err)
	require.Equal(t, uint64(42), cursor)
}

func TestSyncOnceProcessesAndAdvancesCursor(t *testing.T) {
	client := newFakeClient()
	client.addPayment("stream-a", 0, 10)
	client.addPayment("stream-a", 1, 20)
	processor := &fakeProcessor{}
	engine := newEngine(t, client, processor, []string{accountA})

	require.NoError(t, engine.SyncOnce(context.Background()))
	require.Len(t, processor.processed, 2)
	require.Equal(t, uint64(101), processor.processed[1].Version)

	// Nothing new: the persisted cursor skips the already-processed events.
	require.NoError(t, engine.SyncOnce(context.Background()))
	require.Len(t, processor.processed, 2)

	status := engine.Status()
	require.Len(t, status.Accounts, 1)
	require.Equal(t, uint64(2), status.Accounts[0].Cursor)
}

func TestSyncOncePaginatesBeyondBatchSize(t *testing.T) {
	client := newFakeClient()
	for seq := uint64(0); seq < 5; seq++ {
		client.addPayment("stream-a", seq, int64(seq))
	}
	processor := &fakeProcessor{}
	engine := newEngine(t, client, processor, []string{accountA}, WithBatchSize(2))

	require.NoError(t, engine.SyncOnce(context.Background()))
	require.Len(t, processor.processed, 5)
}

func TestDomainRejectionDoesNotStallStream(t *testing.T) {
	client := newFakeClient()
	client.addPayment("stream-a", 0, 10)
	client.addPayment("stream-a", 1, 20)
	processor := &fakeProcessor{errs: map[int64]error{10: payment.ErrOptionNotFound}}
	engine := newEngine(t, client, processor, []string{accountA})

	require.NoError(t, engine.SyncOnce(context.Background()))
	require.Len(t, processor.processed, 1)
	require.Equal(t, int64(20), processor.processed[0].Amount)
	require.Equal(t, uint64(2), engine.Status().Accounts[0].Cursor)
}

func TestTransientErrorHoldsCursor(t *testing.T) {
	client := newFakeClient()
	client.addPayment("stream-a", 0, 10)
	client.addPayment("stream-a", 1, 20)
	processor := &fakeProcessor{errs: map[int64]error{20: errors.New("db locked")}}
	engine := newEngine(t, client, processor, []string{accountA})

	require.Error(t, engine.SyncOnce(context.Background()))
	require.Zero(t, engine.Status().Accounts[0].Cursor)

	// Once the fault clears, the whole batch replays and completes.
	processor.errs = nil
	require.NoError(t, engine.SyncOnce(context.Background()))
	require.Equal(t, uint64(2), engine.Status().Accounts[0].Cursor)
}

func TestOtherEventTypesSkipped(t *testing.T) {
	client := newFakeClient()
	client.addOther("stream-a", 0)
	client.addPayment("stream-a", 1, 10)
	processor := &fakeProcessor{}
	engine := newEngine(t, client, processor, []string{accountA})

	require.NoError(t, engine.SyncOnce(context.Background()))
	require.Len(t, processor.processed, 1)
	require.Equal(t, uint64(2), engine.Status().Accounts[0].Cursor)
}

func TestResilientModeIsolatesAccounts(t *testing.T) {
	client := newFakeClient()
	client.fetchErr["stream-a"] = errors.New("node unavailable")
	client.addPayment("stream-b", 0, 10)
	processor := &fakeProcessor{}
	engine := newEngine(t, client, processor, []string{accountA, accountB}, Resilient())

	require.NoError(t, engine.SyncOnce(context.Background()))
	require.Len(t, processor.processed, 1)
}

func TestStrictModeAbortsCycle(t *testing.T) {
	client := newFakeClient()
	client.fetchErr["stream-a"] = errors.New("node unavailable")
	client.addPayment("stream-b", 0, 10)
	processor := &fakeProcessor{}
	engine := newEngine(t, client, processor, []string{accountA, accountB})

	require.Error(t, engine.SyncOnce(context.Background()))
	require.Empty(t, processor.processed)
}

func TestPauseResume(t *testing.T) {
	client := newFakeClient()
	client.addPayment("stream-a", 0, 10)
	processor := &fakeProcessor{}
	engine := newEngine(t, client, processor, []string{accountA})

	engine.Pause()
	require.NoError(t, engine.SyncOnce(context.Background()))
	require.Empty(t, processor.processed)
	require.True(t, engine.Status().Paused)

	engine.Resume()
	require.NoError(t, engine.SyncOnce(context.Background()))
	require.Len(t, processor.processed, 1)
}

func TestUnknownAccountFailsSync(t *testing.T) {
	client := newFakeClient()
	processor := &fakeProcessor{}
	engine := newEngine(t, client, processor, []string{"0000000000000000000000000000dead"})

	require.Error(t, engine.SyncOnce(context.Background()))
}
