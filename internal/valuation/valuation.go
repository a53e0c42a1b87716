// Package valuation converts instrument prices quoted in their native unit
// into the base reporting currency (USD).
//
// A ticker belongs to exactly one currency domain, derived from its symbol:
// London listings (".L" / ".LON") are quoted in pence (GBX) and need a
// pence→pound→USD conversion, everything else is quoted in USD. Every caller
// that needs the domain of a ticker must go through Classify so that the
// classification used at trade time always matches the one used at
// valuation time.
//
// The package is stateless: the exchange rate is always passed in. Holdings
// are marked to the rate current at the time of the call, not the rate at
// purchase time, so foreign holdings carry FX exposure on unrealized gains.
package valuation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

// Domain is the currency domain of a ticker.
type Domain string

const (
	// Base is the reporting currency (USD).
	Base Domain = "USD"
	// Foreign is pence-denominated pricing used by London-listed instruments.
	Foreign Domain = "GBX"
)

// ErrInvalidTicker is returned for empty or malformed symbols.
var ErrInvalidTicker = errors.New("valuation: invalid ticker symbol")

var (
	foreignSuffixes = []string{".L", ".LON"}

	// tickerRegex accepts exchange-qualified symbols such as VOD.L, BRK-B,
	// ^GSPC or LON:VOD.
	tickerRegex = regexp.MustCompile(`^[A-Z0-9^][A-Z0-9.\-=:^]*$`)

	penceToPound = decimal.NewFromInt(100)

	// penceFormatter renders GBX amounts as "1,234.50p".
	penceFormatter = money.NewFormatter(2, ".", ",", "p", "1$")
)

// NormalizeTicker trims and upper-cases a symbol and validates its shape.
func NormalizeTicker(ticker string) (string, error) {
	t := strings.ToUpper(strings.TrimSpace(ticker))
	if !tickerRegex.MatchString(t) {
		return "", fmt.Errorf("%w: %q", ErrInvalidTicker, ticker)
	}
	return t, nil
}

// Classify returns the currency domain of ticker. The match is a
// case-insensitive suffix check.
func Classify(ticker string) Domain {
	t := strings.ToUpper(strings.TrimSpace(ticker))
	for _, suffix := range foreignSuffixes {
		if strings.HasSuffix(t, suffix) {
			return Foreign
		}
	}
	return Base
}

// NativeToBase converts an amount in the domain's native unit into USD.
// For Base it is the identity. For Foreign the amount is in pence and is
// converted pence→pounds (÷100) then pounds→USD (×rate).
func NativeToBase(amount decimal.Decimal, domain Domain, rate decimal.Decimal) decimal.Decimal {
	if domain != Foreign {
		return amount
	}
	return amount.Div(penceToPound).Mul(rate)
}

// TickerToBase is NativeToBase with the domain derived from ticker.
func TickerToBase(ticker string, amount, rate decimal.Decimal) decimal.Decimal {
	return NativeToBase(amount, Classify(ticker), rate)
}

// FormatForDisplay renders a native amount in the unit it is denominated in:
// pence with a trailing "p" for Foreign, dollars for Base.
func FormatForDisplay(amount decimal.Decimal, domain Domain) string {
	minor := amount.Shift(2).Round(0).IntPart()
	if domain == Foreign {
		return penceFormatter.Format(minor)
	}
	return FormatBase(amount)
}

// FormatBase renders a USD amount with standard 2-decimal formatting.
func FormatBase(amount decimal.Decimal) string {
	return money.New(amount.Shift(2).Round(0).IntPart(), money.USD).Display()
}
