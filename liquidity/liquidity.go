// Package liquidity wraps the external liquidity provider used to convert
// between fiat and chain currencies. The provider's quoting engine is an
// external collaborator; this package owns only the client surface and the
// fixed-point conversion of quotes into payable amounts.
package liquidity

import (
	"context"
	"fmt"
	"time"

	"merchantvasp/currency"
)

// Direction identifies which side of a trade this service takes.
type Direction string

const (
	DirectionBuy  Direction = "buy"
	DirectionSell Direction = "sell"
)

// CurrencyPair is a base/quote currency pairing as the provider prices it.
// Fiat currencies are always the quote side.
type CurrencyPair struct {
	Base  string
	Quote string
}

// String renders the provider's pair key.
func (p CurrencyPair) String() string {
	return p.Base + "_" + p.Quote
}

// Rate is a provider exchange rate: fiat minor units per one whole chain
// unit, scaled by 10^6.
type Rate struct {
	Pair CurrencyPair
	Rate int64
}

// Quote is a time-bounded exchange rate offer.
type Quote struct {
	QuoteID   string
	Rate      Rate
	ExpiresAt time.Time
}

// Details describes the provider's settlement endpoints.
type Details struct {
	DepositAddress string
}

// Provider is the liquidity provider surface this service consumes. All
// calls honour the caller's context deadline.
type Provider interface {
	GetQuote(ctx context.Context, pair CurrencyPair, amount int64) (Quote, error)
	TradeAndExecute(ctx context.Context, quoteID string, direction Direction, destination string) (string, error)
	LPDetails(ctx context.Context) (Details, error)
}

// QuotePrice converts a requested fiat amount into the chain currency of the
// quote. The provider expresses rates as fiat per chain unit, so the payable
// amount is amount * (1 / rate), computed on the fixed-point grid.
func QuotePrice(quote Quote, requestedAmount int64) (int64, error) {
	rate := currency.Deserialize(quote.Rate.Rate)
	inverse, err := currency.One().Div(rate)
	if err != nil {
		return 0, fmt.Errorf("liquidity: invert rate for %s: %w", quote.Rate.Pair, err)
	}
	price, err := currency.Deserialize(requestedAmount).Mul(inverse)
	if err != nil {
		return 0, fmt.Errorf("liquidity: price %s: %w", quote.Rate.Pair, err)
	}
	minor, err := price.Serialize()
	if err != nil {
		return 0, fmt.Errorf("liquidity: price %s: %w", quote.Rate.Pair, err)
	}
	return minor, nil
}
