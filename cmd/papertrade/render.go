package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/shopspring/decimal"

	"github.com/papertrade/portfolio-engine/internal/ledger"
	"github.com/papertrade/portfolio-engine/internal/model"
	"github.com/papertrade/portfolio-engine/internal/refresh"
	"github.com/papertrade/portfolio-engine/internal/valuation"
)

// printMarkdown renders md for the terminal, or prints it as is with -plain.
func printMarkdown(md string) {
	if *plain {
		fmt.Print(md)
		return
	}
	r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(100))
	if err != nil {
		fmt.Print(md)
		return
	}
	out, err := r.Render(md)
	if err != nil {
		fmt.Print(md)
		return
	}
	fmt.Print(out)
}

var trendMarks = map[string]string{
	model.TrendUp:   "▲",
	model.TrendDown: "▼",
	model.TrendFlat: "",
}

func summaryMarkdown(s model.Summary) string {
	var b strings.Builder
	b.WriteString("# Portfolio\n\n")

	if s.FirstLaunch {
		b.WriteString("No initial funds set. Run `papertrade init <amount>` to start.\n")
		return b.String()
	}

	b.WriteString("| | |\n|---|---:|\n")
	fmt.Fprintf(&b, "| Available cash | %s |\n", valuation.FormatBase(s.AvailableCash))
	fmt.Fprintf(&b, "| Total value | %s |\n", valuation.FormatBase(s.TotalValue))
	fmt.Fprintf(&b, "| Total deposited | %s |\n", valuation.FormatBase(s.TotalDeposited))
	fmt.Fprintf(&b, "| Unrealized P&L | %s |\n",
		strings.TrimSpace(trendMarks[s.Trend]+" "+valuation.FormatBase(s.UnrealizedPnL)))
	fmt.Fprintf(&b, "| GBP/USD | %s |\n", s.GBPToUSDRate.StringFixed(4))

	b.WriteString("\n## Holdings\n\n")
	if len(s.Holdings) == 0 {
		b.WriteString("No holdings.\n")
		return b.String()
	}
	b.WriteString("| Ticker | Shares | Price | Value (USD) |\n|---|---:|---:|---:|\n")
	for _, h := range s.Holdings {
		fmt.Fprintf(&b, "| %s | %s | %s | %s |\n", h.Ticker, h.Shares, h.PriceDisplay, h.ValueDisplay)
	}
	return b.String()
}

func tradeMarkdown(res ledger.TradeResult) string {
	var b strings.Builder
	verb := "Bought"
	if res.Side == ledger.Sell {
		verb = "Sold"
	}
	fmt.Fprintf(&b, "%s %s %s at %s.\n\n", verb, res.Shares, res.Ticker,
		valuation.FormatForDisplay(res.Price, res.Domain))

	b.WriteString("| | |\n|---|---:|\n")
	fmt.Fprintf(&b, "| Gross | %s |\n", valuation.FormatBase(res.GrossBase))
	fmt.Fprintf(&b, "| Commission | %s |\n", valuation.FormatBase(res.CommissionBase))
	fmt.Fprintf(&b, "| Cash movement | %s |\n", valuation.FormatBase(res.CashDelta))
	if res.Domain == valuation.Foreign {
		fmt.Fprintf(&b, "| GBP/USD | %s |\n", res.Rate.StringFixed(4))
	}
	if res.Closed {
		b.WriteString("| Position | closed |\n")
	} else {
		fmt.Fprintf(&b, "| Shares held | %s |\n", res.RemainingShares)
	}
	b.WriteString("\n")
	return b.String()
}

func refreshMarkdown(rep refresh.Report) string {
	if w := rep.Warning(); w != "" {
		return "> " + w + "\n\n"
	}
	return fmt.Sprintf("Prices refreshed for %d holding(s).\n\n", len(rep.Updated))
}

func journalMarkdown(entries []model.JournalEntry) string {
	var b strings.Builder
	b.WriteString("# Journal\n\n")
	if len(entries) == 0 {
		b.WriteString("No entries.\n")
		return b.String()
	}
	b.WriteString("| Date | Kind | Ticker | Shares | Price | Commission | Amount (USD) |\n")
	b.WriteString("|---|---|---|---:|---:|---:|---:|\n")
	for _, e := range entries {
		shares, price, commission := "", "", ""
		if e.Ticker != "" {
			shares = e.Shares.String()
			price = valuation.FormatForDisplay(e.Price, valuation.Classify(e.Ticker))
			commission = e.CommissionPercent.String() + "%"
		}
		fmt.Fprintf(&b, "| %s | %s | %s | %s | %s | %s | %s |\n",
			e.Timestamp.Format("2006-01-02 15:04"), e.Kind, e.Ticker, shares, price, commission,
			signed(e.AmountBase))
	}
	return b.String()
}

func signed(amount decimal.Decimal) string {
	if amount.IsPositive() {
		return "+" + valuation.FormatBase(amount)
	}
	return valuation.FormatBase(amount)
}
