package chainsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"merchantvasp/chain"
	"merchantvasp/observability"
	"merchantvasp/payment"
)

// Processor consumes one normalized incoming transaction. A returned
// *payment.Error is a domain rejection and never fails the batch; any other
// error is treated as transient and halts cursor advancement for the stream.
type Processor interface {
	Process(ctx context.Context, txn chain.IncomingTransaction) error
}

// Engine polls the received-payment event stream of each tracked account and
// dispatches every event exactly once per committed cursor position. The
// cursor for a stream only advances after a whole batch dispatched cleanly,
// so a crash mid-batch replays the batch; redelivered events are rejected by
// the processor's status guard rather than reprocessed.
type Engine struct {
	client    chain.Client
	progress  *Progress
	processor Processor
	accounts  []string

	interval  time.Duration
	batchSize int
	resilient bool
	metrics   *observability.SyncMetrics
	logger    *slog.Logger
	once      sync.Once

	mu      sync.Mutex
	paused  bool
	streams map[string]string
}

// Option configures an Engine.
type Option func(*Engine)

// WithInterval sets the polling interval.
func WithInterval(interval time.Duration) Option {
	return func(e *Engine) { e.interval = interval }
}

// WithBatchSize caps how many events one fetch requests.
func WithBatchSize(size int) Option {
	return func(e *Engine) { e.batchSize = size }
}

// Resilient makes a transient failure on one account skip to the next account
// instead of aborting the whole cycle.
func Resilient() Option {
	return func(e *Engine) { e.resilient = true }
}

// WithLogger installs a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics overrides the default metrics registry.
func WithMetrics(m *observability.SyncMetrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New constructs a sync engine over the given accounts.
func New(client chain.Client, progress *Progress, processor Processor, accounts []string, opts ...Option) (*Engine, error) {
	if client == nil {
		return nil, fmt.Errorf("chainsync: client required")
	}
	if progress == nil {
		return nil, fmt.Errorf("chainsync: progress store required")
	}
	if processor == nil {
		return nil, fmt.Errorf("chainsync: processor required")
	}
	if len(accounts) == 0 {
		return nil, fmt.Errorf("chainsync: at least one account required")
	}
	e := &Engine{
		client:    client,
		progress:  progress,
		processor: processor,
		accounts:  append([]string{}, accounts...),
		interval:  2 * time.Second,
		batchSize: 100,
		metrics:   observability.Sync(),
		logger:    slog.Default(),
		streams:   make(map[string]string),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.interval <= 0 {
		return nil, fmt.Errorf("chainsync: interval must be positive")
	}
	if e.batchSize <= 0 {
		return nil, fmt.Errorf("chainsync: batch size must be positive")
	}
	return e, nil
}

// Run blocks, polling the event streams until the context is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	if e == nil {
		return fmt.Errorf("chainsync: engine not configured")
	}
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	e.once.Do(func() {
		e.logger.Info("sync engine started", "accounts", len(e.accounts), "interval", e.interval.String())
	})
	for {
		if err := e.SyncOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.logger.Warn("sync cycle failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// SyncOnce performs one polling cycle across all tracked accounts. When the
// engine is paused it is a no-op.
func (e *Engine) SyncOnce(ctx context.Context) error {
	e.mu.Lock()
	paused := e.paused
	e.mu.Unlock()
	if paused {
		return nil
	}
	for _, account := range e.accounts {
		err := e.syncAccount(ctx, account)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return err
		}
		e.metrics.RecordError(account)
		if !e.resilient {
			return err
		}
		e.logger.Warn("account sync failed", "account", account, "err", err)
	}
	return nil
}

func (e *Engine) syncAccount(ctx context.Context, account string) error {
	started := time.Now()
	defer func() { e.metrics.ObserveBatch(account, time.Since(started)) }()

	streamKey, err := e.streamKey(ctx, account)
	if err != nil {
		return err
	}
	cursor, err := e.progress.Cursor(streamKey)
	if err != nil {
		return err
	}
	for {
		events, err := e.client.GetEvents(ctx, streamKey, cursor, e.batchSize)
		if err != nil {
			return fmt.Errorf("chainsync: fetch events for %s: %w", account, err)
		}
		if len(events) == 0 {
			return nil
		}
		for _, ev := range events {
			if err := e.dispatch(ctx, account, ev); err != nil {
				return err
			}
		}
		cursor = events[len(events)-1].SequenceNumber + 1
		if err := e.progress.SetCursor(streamKey, cursor); err != nil {
			return err
		}
		e.metrics.RecordCursor(account, cursor)
		if len(events) < e.batchSize {
			return nil
		}
	}
}

// dispatch normalizes and processes one event. Domain rejections are final
// for that event and must not stall the stream, so they are recorded and
// swallowed. A transient processor error aborts the batch so the cursor does
// not advance past the event; events before it in the batch get redelivered
// on the next cycle and bounce off the processor's status guard.
func (e *Engine) dispatch(ctx context.Context, account string, ev chain.RawEvent) error {
	txn, err := chain.Normalize(ev)
	if err != nil {
		if errors.Is(err, chain.ErrNotReceivedPayment) {
			e.metrics.RecordEvent(account, "skipped")
			return nil
		}
		e.metrics.RecordEvent(account, "malformed")
		e.logger.Warn("malformed event", "account", account, "sequence", ev.SequenceNumber, "err", err)
		return nil
	}
	err = e.processor.Process(ctx, txn)
	if err == nil {
		e.metrics.RecordEvent(account, "processed")
		return nil
	}
	var domain *payment.Error
	if errors.As(err, &domain) {
		e.metrics.RecordEvent(account, "rejected")
		e.metrics.RecordRejection(domain.Code)
		e.logger.Info("event rejected", "account", account, "sequence", ev.SequenceNumber, "code", domain.Code)
		return nil
	}
	e.metrics.RecordEvent(account, "error")
	return fmt.Errorf("chainsync: process event %d for %s: %w", ev.SequenceNumber, account, err)
}

// streamKey resolves and caches the received-payment stream key for an
// account address.
func (e *Engine) streamKey(ctx context.Context, account string) (string, error) {
	e.mu.Lock()
	key, ok := e.streams[account]
	e.mu.Unlock()
	if ok {
		return key, nil
	}
	info, err := e.client.GetAccount(ctx, account)
	if err != nil {
		return "", fmt.Errorf("chainsync: resolve account %s: %w", account, err)
	}
	if info == nil {
		return "", fmt.Errorf("chainsync: account %s does not exist onchain", account)
	}
	e.mu.Lock()
	e.streams[account] = info.ReceivedEventsKey
	e.mu.Unlock()
	return info.ReceivedEventsKey, nil
}

// Pause suspends polling without tearing the engine down.
func (e *Engine) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paused = true
}

// Resume re-enables polling after a pause.
func (e *Engine) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paused = false
}

// AccountStatus reports the sync position of one tracked account.
type AccountStatus struct {
	Address   string `json:"address"`
	StreamKey string `json:"stream_key,omitempty"`
	Cursor    uint64 `json:"cursor"`
}

// EngineStatus is a point-in-time snapshot of the engine.
type EngineStatus struct {
	Paused   bool            `json:"paused"`
	Accounts []AccountStatus `json:"accounts"`
}

// Status snapshots the pause flag and every tracked account's persisted
// cursor.
func (e *Engine) Status() EngineStatus {
	e.mu.Lock()
	paused := e.paused
	streams := make(map[string]string, len(e.streams))
	for account, key := range e.streams {
		streams[account] = key
	}
	e.mu.Unlock()

	status := EngineStatus{Paused: paused}
	for _, account := range e.accounts {
		entry := AccountStatus{Address: account}
		if key, ok := streams[account]; ok {
			entry.StreamKey = key
			if cursor, err := e.progress.Cursor(key); err == nil {
				entry.Cursor = cursor
			}
		}
		status.Accounts = append(status.Accounts, entry)
	}
	sort.Slice(status.Accounts, func(i, j int) bool {
		return status.Accounts[i].Address < status.Accounts[j].Address
	})
	return status
}
