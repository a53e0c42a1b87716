// Package model defines the core domain types shared across the portfolio engine.
// All monetary values use shopspring/decimal. Never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Holding is an aggregated position in one ticker. CurrentPrice is the
// last-seen market price in the ticker's native unit (pence for London
// listings), never a cost basis and never pre-converted to USD.
type Holding struct {
	Ticker       string          `json:"ticker"`
	Shares       decimal.Decimal `json:"shares"`
	CurrentPrice decimal.Decimal `json:"currentPrice"`
}

// Snapshot is the persisted portfolio state, read wholesale at startup and
// written wholesale after every mutation.
type Snapshot struct {
	AvailableCash   decimal.Decimal `json:"availableCash"`
	Holdings        []Holding       `json:"holdings"`
	InitialFunds    decimal.Decimal `json:"initialFunds"`
	TotalDeposited  decimal.Decimal `json:"totalDeposited"`
	HasInitialFunds bool            `json:"hasInitialFunds"`
	GBPToUSDRate    decimal.Decimal `json:"gbpToUsdRate"`
}

// DefaultRate is the neutral GBP→USD rate used before the first successful fetch.
var DefaultRate = decimal.NewFromInt(1)

// NewSnapshot returns the uninitialized first-launch state.
func NewSnapshot() Snapshot {
	return Snapshot{
		AvailableCash:  decimal.Zero,
		Holdings:       []Holding{},
		InitialFunds:   decimal.Zero,
		TotalDeposited: decimal.Zero,
		GBPToUSDRate:   DefaultRate,
	}
}

// Clone returns a deep copy so callers can't alias the holdings slice.
func (s Snapshot) Clone() Snapshot {
	c := s
	c.Holdings = make([]Holding, len(s.Holdings))
	copy(c.Holdings, s.Holdings)
	return c
}

// Entry kinds recorded in the journal.
const (
	EntryInitialFunds = "INITIAL_FUNDS"
	EntryDeposit      = "DEPOSIT"
	EntryBuy          = "BUY"
	EntrySell         = "SELL"
)

// JournalEntry is an immutable record of a funding or trade operation.
// Once created, these are never modified; only a full reset removes them.
type JournalEntry struct {
	ID                string          `json:"id"`
	Kind              string          `json:"kind"`
	Ticker            string          `json:"ticker,omitempty"`
	Shares            decimal.Decimal `json:"shares"`
	Price             decimal.Decimal `json:"price"`              // native unit
	CommissionPercent decimal.Decimal `json:"commission_percent"`
	AmountBase        decimal.Decimal `json:"amount_base"`        // signed cash movement in USD
	Rate              decimal.Decimal `json:"rate"`               // GBP→USD rate applied
	Timestamp         time.Time       `json:"timestamp"`
}

// HoldingView is the read-only presentation of one holding.
type HoldingView struct {
	Ticker       string          `json:"ticker"`
	Shares       decimal.Decimal `json:"shares"`
	Domain       string          `json:"domain"`
	NativePrice  decimal.Decimal `json:"native_price"`
	PriceDisplay string          `json:"price_display"`
	ValueBase    decimal.Decimal `json:"value_base"`
	ValueDisplay string          `json:"value_display"`
}

// Trend classifies the sign of the unrealized P&L for display coloring.
const (
	TrendUp   = "up"
	TrendDown = "down"
	TrendFlat = "flat"
)

// Summary aggregates the portfolio valuation for the presentation layer.
type Summary struct {
	FirstLaunch    bool            `json:"first_launch"`
	AvailableCash  decimal.Decimal `json:"available_cash"`
	TotalValue     decimal.Decimal `json:"total_value"`
	TotalDeposited decimal.Decimal `json:"total_deposited"`
	InitialFunds   decimal.Decimal `json:"initial_funds"`
	UnrealizedPnL  decimal.Decimal `json:"unrealized_pnl"`
	Trend          string          `json:"trend"`
	GBPToUSDRate   decimal.Decimal `json:"gbp_to_usd_rate"`
	Holdings       []HoldingView   `json:"holdings"`
}
