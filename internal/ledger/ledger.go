// Package ledger implements the portfolio bookkeeping: cash balance,
// holdings, deposits and trade settlement, and the derived valuation.
//
// All monetary values use shopspring/decimal. Never float64 for money.
//
// A Ledger is the single owner of the portfolio state. Every mutation runs
// under one mutex, computes the next snapshot on a copy, writes it through
// to the store and only then swaps it in, so an operation either applies in
// full or not at all.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/papertrade/portfolio-engine/internal/metrics"
	"github.com/papertrade/portfolio-engine/internal/model"
	"github.com/papertrade/portfolio-engine/internal/store"
	"github.com/papertrade/portfolio-engine/internal/valuation"
)

// Side of a trade.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

var (
	// DustThreshold is the share quantity below which a holding is closed.
	DustThreshold = decimal.New(1, -4)

	// trendBand is the P&L magnitude treated as flat for display.
	trendBand = decimal.New(1, -3)

	hundred = decimal.NewFromInt(100)
)

// Order is a buy or sell request. Price is in the ticker's native unit
// (pence for London listings); CommissionPercent applies to the gross amount.
type Order struct {
	Ticker            string          `json:"ticker"`
	Shares            decimal.Decimal `json:"shares"`
	Price             decimal.Decimal `json:"price"`
	CommissionPercent decimal.Decimal `json:"commission_percent"`
}

// TradeResult describes a settled trade. Base amounts are in USD.
type TradeResult struct {
	TradeID           string           `json:"trade_id"`
	Side              Side             `json:"side"`
	Ticker            string           `json:"ticker"`
	Domain            valuation.Domain `json:"domain"`
	Shares            decimal.Decimal  `json:"shares"`
	Price             decimal.Decimal  `json:"price"`
	CommissionPercent decimal.Decimal  `json:"commission_percent"`
	GrossBase         decimal.Decimal  `json:"gross_base"`
	CommissionBase    decimal.Decimal  `json:"commission_base"`
	CashDelta         decimal.Decimal  `json:"cash_delta"` // signed: -buy, +sell
	Rate              decimal.Decimal  `json:"rate"`
	AvailableCash     decimal.Decimal  `json:"available_cash"`
	RemainingShares   decimal.Decimal  `json:"remaining_shares"`
	Closed            bool             `json:"closed"`
}

// Ledger owns the portfolio state.
type Ledger struct {
	mu    sync.Mutex
	store store.Store
	state model.Snapshot
	now   func() time.Time
}

// Open loads the portfolio from st. Load failures are logged and the
// ledger starts from the first-launch default; they are never fatal.
func Open(ctx context.Context, st store.Store) *Ledger {
	snap, ok, err := st.Load(ctx)
	switch {
	case err != nil:
		slog.Error("portfolio load failed, starting from defaults", "err", err)
		snap = model.NewSnapshot()
	case !ok || !snap.HasInitialFunds:
		snap = model.NewSnapshot()
	}

	l := &Ledger{store: st, state: snap, now: time.Now}
	l.observe()
	slog.Info("portfolio loaded",
		"first_launch", !snap.HasInitialFunds,
		"cash", snap.AvailableCash.String(),
		"holdings", len(snap.Holdings),
	)
	return l
}

// --- Funding ---

// SetInitialFunds performs the one-time initialization. It fails with
// ErrAlreadyInitialized once the portfolio has been funded.
func (l *Ledger) SetInitialFunds(ctx context.Context, amount decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state.HasInitialFunds {
		return l.reject("initial_funds", ErrAlreadyInitialized)
	}
	if amount.IsNegative() {
		return l.reject("initial_funds", fmt.Errorf("%w: initial funds %s", ErrInvalidAmount, amount))
	}

	next := model.NewSnapshot()
	next.AvailableCash = amount
	next.InitialFunds = amount
	next.TotalDeposited = amount
	next.HasInitialFunds = true
	next.GBPToUSDRate = l.state.GBPToUSDRate

	entry := l.entry(model.EntryInitialFunds, "", Order{}, amount, next.GBPToUSDRate)
	if err := l.commit(ctx, next, entry); err != nil {
		return l.reject("initial_funds", err)
	}
	slog.Info("initial funds set", "amount", amount.String())
	return nil
}

// DepositCash adds a positive amount to cash and to the deposited total.
func (l *Ledger) DepositCash(ctx context.Context, amount decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.state.HasInitialFunds {
		return l.reject("deposit", ErrNotInitialized)
	}
	if !amount.IsPositive() {
		return l.reject("deposit", fmt.Errorf("%w: deposit %s", ErrInvalidAmount, amount))
	}

	next := l.state.Clone()
	next.AvailableCash = next.AvailableCash.Add(amount)
	next.TotalDeposited = next.TotalDeposited.Add(amount)

	entry := l.entry(model.EntryDeposit, "", Order{}, amount, next.GBPToUSDRate)
	if err := l.commit(ctx, next, entry); err != nil {
		return l.reject("deposit", err)
	}
	slog.Info("cash deposited",
		"amount", amount.String(),
		"cash", next.AvailableCash.String(),
		"total_deposited", next.TotalDeposited.String(),
	)
	return nil
}

// --- Trading ---

// Buy settles a purchase. The cost (gross plus commission) is converted to
// USD at the current rate and must not exceed the available cash. An
// existing holding only gains shares; its price is the last-seen market
// price and is left alone.
func (l *Ledger) Buy(ctx context.Context, o Order) (TradeResult, error) {
	ticker, err := validate(o)
	if err != nil {
		return TradeResult{}, l.reject("buy", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.state.HasInitialFunds {
		return TradeResult{}, l.reject("buy", ErrNotInitialized)
	}

	rate := l.state.GBPToUSDRate
	domain := valuation.Classify(ticker)
	gross, commission := amounts(o)
	totalBase := valuation.NativeToBase(gross.Add(commission), domain, rate)

	if totalBase.GreaterThan(l.state.AvailableCash) {
		return TradeResult{}, l.reject("buy", fmt.Errorf("%w: cost %s, available %s",
			ErrInsufficientFunds, totalBase.StringFixed(2), l.state.AvailableCash.StringFixed(2)))
	}

	next := l.state.Clone()
	next.AvailableCash = next.AvailableCash.Sub(totalBase)
	remaining := o.Shares
	if i := indexOf(next.Holdings, ticker); i >= 0 {
		next.Holdings[i].Shares = next.Holdings[i].Shares.Add(o.Shares)
		remaining = next.Holdings[i].Shares
	} else {
		next.Holdings = append(next.Holdings, model.Holding{
			Ticker:       ticker,
			Shares:       o.Shares,
			CurrentPrice: o.Price,
		})
	}

	entry := l.entry(model.EntryBuy, ticker, o, totalBase.Neg(), rate)
	if err := l.commit(ctx, next, entry); err != nil {
		return TradeResult{}, l.reject("buy", err)
	}

	res := TradeResult{
		TradeID:           entry.ID,
		Side:              Buy,
		Ticker:            ticker,
		Domain:            domain,
		Shares:            o.Shares,
		Price:             o.Price,
		CommissionPercent: o.CommissionPercent,
		GrossBase:         valuation.NativeToBase(gross, domain, rate),
		CommissionBase:    valuation.NativeToBase(commission, domain, rate),
		CashDelta:         totalBase.Neg(),
		Rate:              rate,
		AvailableCash:     next.AvailableCash,
		RemainingShares:   remaining,
	}
	l.logTrade(res)
	return res, nil
}

// Sell settles a sale. Proceeds (gross minus commission) are converted to
// USD at the current rate. A holding left with less than DustThreshold
// shares is removed.
func (l *Ledger) Sell(ctx context.Context, o Order) (TradeResult, error) {
	ticker, err := validate(o)
	if err != nil {
		return TradeResult{}, l.reject("sell", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.state.HasInitialFunds {
		return TradeResult{}, l.reject("sell", ErrNotInitialized)
	}

	i := indexOf(l.state.Holdings, ticker)
	if i < 0 {
		return TradeResult{}, l.reject("sell", fmt.Errorf("%w: %s", ErrNoSuchHolding, ticker))
	}
	held := l.state.Holdings[i].Shares
	if o.Shares.GreaterThan(held) {
		return TradeResult{}, l.reject("sell", fmt.Errorf("%w: selling %s of %s %s",
			ErrInsufficientShares, o.Shares, held, ticker))
	}

	rate := l.state.GBPToUSDRate
	domain := valuation.Classify(ticker)
	gross, commission := amounts(o)
	netBase := valuation.NativeToBase(gross.Sub(commission), domain, rate)

	// A commission above 100% makes the proceeds negative; cash must
	// still never go below zero.
	cash := l.state.AvailableCash.Add(netBase)
	if cash.IsNegative() {
		return TradeResult{}, l.reject("sell", fmt.Errorf("%w: net proceeds %s",
			ErrInsufficientFunds, netBase.StringFixed(2)))
	}

	next := l.state.Clone()
	next.AvailableCash = cash
	remaining := held.Sub(o.Shares)
	closed := remaining.LessThan(DustThreshold)
	if closed {
		next.Holdings = slices.Delete(next.Holdings, i, i+1)
	} else {
		next.Holdings[i].Shares = remaining
	}

	entry := l.entry(model.EntrySell, ticker, o, netBase, rate)
	if err := l.commit(ctx, next, entry); err != nil {
		return TradeResult{}, l.reject("sell", err)
	}

	res := TradeResult{
		TradeID:           entry.ID,
		Side:              Sell,
		Ticker:            ticker,
		Domain:            domain,
		Shares:            o.Shares,
		Price:             o.Price,
		CommissionPercent: o.CommissionPercent,
		GrossBase:         valuation.NativeToBase(gross, domain, rate),
		CommissionBase:    valuation.NativeToBase(commission, domain, rate),
		CashDelta:         netBase,
		Rate:              rate,
		AvailableCash:     next.AvailableCash,
		RemainingShares:   remaining,
		Closed:            closed,
	}
	if closed {
		res.RemainingShares = decimal.Zero
	}
	l.logTrade(res)
	return res, nil
}

// Reset clears persisted and in-memory state back to the first-launch
// default, including the exchange rate and the journal. Irreversible.
func (l *Ledger) Reset(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.store.Clear(ctx); err != nil {
		slog.Error("portfolio reset failed", "err", err)
		return l.reject("reset", fmt.Errorf("%w: %v", ErrPersistence, err))
	}
	l.state = model.NewSnapshot()
	l.observe()
	slog.Info("portfolio reset")
	return nil
}

// --- Price refresh ---

// Tickers returns the held tickers in display order.
func (l *Ledger) Tickers() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	tickers := make([]string, len(l.state.Holdings))
	for i, h := range l.state.Holdings {
		tickers[i] = h.Ticker
	}
	return tickers
}

// Rate returns the current GBP→USD rate.
func (l *Ledger) Rate() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.GBPToUSDRate
}

// ApplyQuotes merges refreshed native prices and, when valid, a new rate
// into the holdings as one batch and persists once. Prices for tickers no
// longer held are ignored. A failed write keeps the new prices in memory
// (the next successful write carries them) and returns ErrPersistence.
func (l *Ledger) ApplyQuotes(ctx context.Context, prices map[string]decimal.Decimal, rate decimal.NullDecimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	next := l.state.Clone()
	for i, h := range next.Holdings {
		if p, ok := prices[h.Ticker]; ok && p.IsPositive() {
			next.Holdings[i].CurrentPrice = p
		}
	}
	if rate.Valid && rate.Decimal.IsPositive() {
		next.GBPToUSDRate = rate.Decimal
	}

	err := l.store.Save(ctx, next)
	l.state = next
	l.observe()
	if err != nil {
		slog.Error("persisting refreshed prices failed", "err", err)
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return nil
}

// --- Reads ---

// Initialized reports whether initial funds have been set.
func (l *Ledger) Initialized() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.HasInitialFunds
}

// Snapshot returns a copy of the current state.
func (l *Ledger) Snapshot() model.Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.Clone()
}

// TotalValue is cash plus every holding marked to the current rate.
func (l *Ledger) TotalValue() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return totalValue(l.state)
}

// UnrealizedPnL is TotalValue minus everything deposited.
func (l *Ledger) UnrealizedPnL() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return totalValue(l.state).Sub(l.state.TotalDeposited)
}

// HoldingsView returns the holdings in display order with computed values.
func (l *Ledger) HoldingsView() []model.HoldingView {
	l.mu.Lock()
	defer l.mu.Unlock()
	return holdingsView(l.state)
}

// Summary returns the full valuation for the presentation layer.
func (l *Ledger) Summary() model.Summary {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.state
	total := totalValue(s)
	pnl := total.Sub(s.TotalDeposited)

	trend := model.TrendFlat
	if s.TotalDeposited.IsPositive() {
		switch {
		case pnl.GreaterThan(trendBand):
			trend = model.TrendUp
		case pnl.LessThan(trendBand.Neg()):
			trend = model.TrendDown
		}
	}

	return model.Summary{
		FirstLaunch:    !s.HasInitialFunds,
		AvailableCash:  s.AvailableCash,
		TotalValue:     total,
		TotalDeposited: s.TotalDeposited,
		InitialFunds:   s.InitialFunds,
		UnrealizedPnL:  pnl,
		Trend:          trend,
		GBPToUSDRate:   s.GBPToUSDRate,
		Holdings:       holdingsView(s),
	}
}

// Journal returns the recorded funding and trade entries.
func (l *Ledger) Journal(ctx context.Context) ([]model.JournalEntry, error) {
	return l.store.Entries(ctx)
}

// --- internals ---

func totalValue(s model.Snapshot) decimal.Decimal {
	total := s.AvailableCash
	for _, h := range s.Holdings {
		total = total.Add(valuation.TickerToBase(h.Ticker, h.Shares.Mul(h.CurrentPrice), s.GBPToUSDRate))
	}
	return total
}

func holdingsView(s model.Snapshot) []model.HoldingView {
	views := make([]model.HoldingView, 0, len(s.Holdings))
	for _, h := range s.Holdings {
		domain := valuation.Classify(h.Ticker)
		value := valuation.NativeToBase(h.Shares.Mul(h.CurrentPrice), domain, s.GBPToUSDRate)
		views = append(views, model.HoldingView{
			Ticker:       h.Ticker,
			Shares:       h.Shares,
			Domain:       string(domain),
			NativePrice:  h.CurrentPrice,
			PriceDisplay: valuation.FormatForDisplay(h.CurrentPrice, domain),
			ValueBase:    value,
			ValueDisplay: valuation.FormatBase(value),
		})
	}
	return views
}

// validate checks an order's inputs and returns the normalized ticker.
func validate(o Order) (string, error) {
	ticker, err := valuation.NormalizeTicker(o.Ticker)
	if err != nil {
		return "", err
	}
	if !o.Shares.IsPositive() {
		return "", fmt.Errorf("%w: shares %s", ErrInvalidAmount, o.Shares)
	}
	if !o.Price.IsPositive() {
		return "", fmt.Errorf("%w: price %s", ErrInvalidAmount, o.Price)
	}
	if o.CommissionPercent.IsNegative() {
		return "", fmt.Errorf("%w: %s", ErrInvalidCommission, o.CommissionPercent)
	}
	return ticker, nil
}

// amounts returns the gross and commission amounts in native units.
func amounts(o Order) (gross, commission decimal.Decimal) {
	gross = o.Shares.Mul(o.Price)
	commission = gross.Mul(o.CommissionPercent).Div(hundred)
	return gross, commission
}

func indexOf(holdings []model.Holding, ticker string) int {
	return slices.IndexFunc(holdings, func(h model.Holding) bool { return h.Ticker == ticker })
}

// commit writes next through to the store and swaps it in. The journal
// entry is appended afterwards; a journal failure is logged, not returned,
// because the snapshot is already durable.
func (l *Ledger) commit(ctx context.Context, next model.Snapshot, entry *model.JournalEntry) error {
	if err := l.store.Save(ctx, next); err != nil {
		slog.Error("portfolio save failed", "err", err)
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	l.state = next
	l.observe()

	if entry != nil {
		if err := l.store.AppendEntry(ctx, entry); err != nil {
			slog.Error("journal append failed", "entry", entry.ID, "kind", entry.Kind, "err", err)
		}
	}
	return nil
}

func (l *Ledger) entry(kind, ticker string, o Order, amountBase, rate decimal.Decimal) *model.JournalEntry {
	return &model.JournalEntry{
		ID:                uuid.New().String(),
		Kind:              kind,
		Ticker:            ticker,
		Shares:            o.Shares,
		Price:             o.Price,
		CommissionPercent: o.CommissionPercent,
		AmountBase:        amountBase,
		Rate:              rate,
		Timestamp:         l.now().UTC(),
	}
}

func (l *Ledger) reject(op string, err error) error {
	metrics.TradeRejections.WithLabelValues(op, Reason(err)).Inc()
	slog.Info("ledger operation rejected", "op", op, "reason", Reason(err), "err", err)
	return err
}

func (l *Ledger) observe() {
	metrics.PortfolioValue.Set(totalValue(l.state).InexactFloat64())
	metrics.AvailableCash.Set(l.state.AvailableCash.InexactFloat64())
}

func (l *Ledger) logTrade(res TradeResult) {
	metrics.TradesTotal.WithLabelValues(string(res.Side)).Inc()
	slog.Info("trade executed",
		"trade_id", res.TradeID,
		"side", res.Side,
		"ticker", res.Ticker,
		"domain", res.Domain,
		"shares", res.Shares.String(),
		"price", res.Price.String(),
		"cash_delta", res.CashDelta.String(),
		"rate", res.Rate.String(),
		"cash", res.AvailableCash.String(),
	)
}
