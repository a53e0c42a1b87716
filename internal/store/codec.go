package store

import (
	"encoding/json"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/papertrade/portfolio-engine/internal/model"
	"github.com/papertrade/portfolio-engine/internal/valuation"
)

// Snapshot field keys, shared by every encoded representation.
const (
	keyAvailableCash   = "availableCash"
	keyHoldings        = "holdings"
	keyInitialFunds    = "initialFunds"
	keyTotalDeposited  = "totalDeposited"
	keyHasInitialFunds = "hasInitialFunds"
	keyGBPToUSDRate    = "gbpToUsdRate"
)

// EncodeSnapshot serializes a snapshot as a JSON object keyed by field.
func EncodeSnapshot(s model.Snapshot) ([]byte, error) {
	return json.Marshal(s)
}

// DecodeSnapshot parses data produced by EncodeSnapshot. Each field is
// decoded independently: a missing or corrupt value falls back to its
// default and its key is reported in bad. If the payload is not a JSON
// object at all, the default snapshot is returned with bad = ["*"].
//
// A snapshot that was never funded decodes to the first-launch default,
// whatever else it contains.
func DecodeSnapshot(data []byte) (snap model.Snapshot, bad []string) {
	snap = model.NewSnapshot()

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil || fields == nil {
		return snap, []string{"*"}
	}

	var funded bool
	if raw, ok := fields[keyHasInitialFunds]; ok {
		if err := json.Unmarshal(raw, &funded); err != nil {
			bad = append(bad, keyHasInitialFunds)
		}
	}
	if !funded {
		return snap, bad
	}
	snap.HasInitialFunds = true

	decodeDecimal := func(key string, dst *decimal.Decimal, valid func(decimal.Decimal) bool) {
		raw, ok := fields[key]
		if !ok {
			return
		}
		var v decimal.Decimal
		if err := json.Unmarshal(raw, &v); err != nil || !valid(v) {
			bad = append(bad, key)
			return
		}
		*dst = v
	}
	nonNegative := func(v decimal.Decimal) bool { return !v.IsNegative() }
	positive := func(v decimal.Decimal) bool { return v.IsPositive() }

	decodeDecimal(keyAvailableCash, &snap.AvailableCash, nonNegative)
	decodeDecimal(keyInitialFunds, &snap.InitialFunds, nonNegative)
	decodeDecimal(keyTotalDeposited, &snap.TotalDeposited, nonNegative)
	decodeDecimal(keyGBPToUSDRate, &snap.GBPToUSDRate, positive)

	if raw, ok := fields[keyHoldings]; ok {
		holdings, corrupt := decodeHoldings(raw)
		if corrupt {
			bad = append(bad, keyHoldings)
		}
		snap.Holdings = holdings
	}
	return snap, bad
}

// decodeHoldings keeps every well-formed holding, merging duplicates so
// that at most one holding exists per normalized ticker.
func decodeHoldings(raw json.RawMessage) (holdings []model.Holding, corrupt bool) {
	holdings = []model.Holding{}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return holdings, true
	}

	index := make(map[string]int)
	for _, item := range items {
		var h model.Holding
		if err := json.Unmarshal(item, &h); err != nil {
			corrupt = true
			continue
		}
		ticker, err := valuation.NormalizeTicker(h.Ticker)
		if err != nil || !h.Shares.IsPositive() || h.CurrentPrice.IsNegative() {
			corrupt = true
			continue
		}
		h.Ticker = ticker
		if i, ok := index[ticker]; ok {
			holdings[i].Shares = holdings[i].Shares.Add(h.Shares)
			continue
		}
		index[ticker] = len(holdings)
		holdings = append(holdings, h)
	}
	return holdings, corrupt
}

func logBadFields(source string, bad []string) {
	if len(bad) > 0 {
		slog.Warn("stored snapshot had unreadable fields, using defaults",
			"source", source,
			"fields", bad,
		)
	}
}
