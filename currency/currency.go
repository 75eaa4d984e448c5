package currency

import (
	"fmt"
	"strings"
)

// FiatCurrency identifies a fiat settlement currency supported by the
// merchant side of the system.
type FiatCurrency string

const (
	USD FiatCurrency = "USD"
	EUR FiatCurrency = "EUR"
	GBP FiatCurrency = "GBP"
	CHF FiatCurrency = "CHF"
	CAD FiatCurrency = "CAD"
	AUD FiatCurrency = "AUD"
	NZD FiatCurrency = "NZD"
	JPY FiatCurrency = "JPY"
)

// ChainCurrency identifies a currency that settles on the chain network.
type ChainCurrency string

const (
	Coin1 ChainCurrency = "Coin1"
	Coin2 ChainCurrency = "Coin2"
)

var fiatCurrencies = map[FiatCurrency]struct{}{
	USD: {}, EUR: {}, GBP: {}, CHF: {}, CAD: {}, AUD: {}, NZD: {}, JPY: {},
}

var chainCurrencies = map[ChainCurrency]struct{}{
	Coin1: {}, Coin2: {},
}

// Valid reports whether the fiat currency is a supported value.
func (c FiatCurrency) Valid() bool {
	_, ok := fiatCurrencies[c]
	return ok
}

// Valid reports whether the chain currency is a supported value.
func (c ChainCurrency) Valid() bool {
	_, ok := chainCurrencies[c]
	return ok
}

// ParseFiat normalises and validates a fiat currency code.
func ParseFiat(code string) (FiatCurrency, error) {
	c := FiatCurrency(strings.ToUpper(strings.TrimSpace(code)))
	if !c.Valid() {
		return "", fmt.Errorf("unsupported fiat currency: %q", code)
	}
	return c, nil
}

// ParseChain validates a chain currency code. Chain currency codes are
// case-sensitive on the wire, so no case folding is applied.
func ParseChain(code string) (ChainCurrency, error) {
	c := ChainCurrency(strings.TrimSpace(code))
	if !c.Valid() {
		return "", fmt.Errorf("unsupported chain currency: %q", code)
	}
	return c, nil
}
