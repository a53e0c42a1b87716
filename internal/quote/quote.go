// Package quote defines the market data provider consumed by the portfolio
// engine: last traded prices, the GBP→USD exchange rate and ticker search.
// Implementations include Alpha Vantage (production) and a static table
// (for testing and offline use).
package quote

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrQuoteUnavailable is returned when no usable price could be obtained
	// for a symbol (network, parse, missing field or rate-limit note).
	ErrQuoteUnavailable = errors.New("quote: price unavailable")

	// ErrRateUnavailable is returned when the exchange rate could not be
	// obtained.
	ErrRateUnavailable = errors.New("quote: exchange rate unavailable")
)

// Provider is the market data interface.
type Provider interface {
	// FetchLastPrice returns the last traded price of symbol in its native
	// unit (pence for London listings).
	FetchLastPrice(ctx context.Context, symbol string) (decimal.Decimal, error)

	// FetchExchangeRate returns how many units of to buy one unit of from.
	FetchExchangeRate(ctx context.Context, from, to string) (decimal.Decimal, error)

	// SearchSymbols returns symbol codes matching query. An empty query
	// yields an empty result.
	SearchSymbols(ctx context.Context, query string) ([]string, error)
}
