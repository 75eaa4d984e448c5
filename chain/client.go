// Package chain defines the surface this service consumes from a blockchain
// node: account lookup, ordered event streams and transaction submission. The
// node itself is an external collaborator; everything here is either an
// interface or plain wire plumbing.
package chain

import "context"

// AccountInfo describes an onchain account tracked by the sync engine.
type AccountInfo struct {
	Address           string
	ReceivedEventsKey string
	SequenceNumber    uint64
}

// CurrencyInfo describes one currency the chain network supports.
type CurrencyInfo struct {
	Code string
}

// SendResult is returned by a successful transaction submission.
type SendResult struct {
	TxSequence uint64
	Raw        string
}

// Client is the minimal node RPC surface the service depends on. All calls
// honour the caller's context deadline.
type Client interface {
	// GetAccount resolves account info, returning nil when the account does
	// not exist onchain.
	GetAccount(ctx context.Context, address string) (*AccountInfo, error)
	// GetEvents fetches up to limit raw events from the stream, starting at
	// the given cursor, in ascending sequence order.
	GetEvents(ctx context.Context, streamKey string, cursor uint64, limit int) ([]RawEvent, error)
	// GetCurrencies lists the currencies the network currently supports.
	GetCurrencies(ctx context.Context) ([]CurrencyInfo, error)
	// SendTransaction submits an onchain transfer of amount minor units of
	// currency to the destination address and subaddress.
	SendTransaction(ctx context.Context, currency string, amount int64, destAddress, destSubaddress string) (SendResult, error)
}
