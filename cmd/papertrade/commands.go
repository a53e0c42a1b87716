package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/google/subcommands"
	"github.com/shopspring/decimal"

	"github.com/papertrade/portfolio-engine/internal/ledger"
	"github.com/papertrade/portfolio-engine/internal/refresh"
	"github.com/papertrade/portfolio-engine/internal/search"
)

// parseAmount parses the single positional amount argument.
func parseAmount(f *flag.FlagSet) (decimal.Decimal, error) {
	if f.NArg() != 1 {
		return decimal.Zero, errors.New("expected exactly one amount argument")
	}
	amount, err := decimal.NewFromString(f.Arg(0))
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", f.Arg(0), err)
	}
	return amount, nil
}

// --- init ---

type initCmd struct{}

func (*initCmd) Name() string     { return "init" }
func (*initCmd) Synopsis() string { return "set the initial funds of a new portfolio" }
func (*initCmd) Usage() string {
	return `papertrade init <amount>

  Sets the one-time initial cash balance in USD. Fails if the portfolio
  has already been funded; use reset to start over.
`
}
func (*initCmd) SetFlags(*flag.FlagSet) {}

func (*initCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	amount, err := parseAmount(f)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitUsageError
	}
	a, err := openApp(ctx)
	if err != nil {
		return fail(err)
	}
	if err := a.ledger.SetInitialFunds(ctx, amount); err != nil {
		return fail(err)
	}
	printMarkdown(summaryMarkdown(a.ledger.Summary()))
	return subcommands.ExitSuccess
}

// --- deposit ---

type depositCmd struct{}

func (*depositCmd) Name() string     { return "deposit" }
func (*depositCmd) Synopsis() string { return "add cash to the portfolio" }
func (*depositCmd) Usage() string {
	return `papertrade deposit <amount>

  Adds a positive amount of USD to the available cash and to the total
  deposited.
`
}
func (*depositCmd) SetFlags(*flag.FlagSet) {}

func (*depositCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	amount, err := parseAmount(f)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitUsageError
	}
	a, err := openApp(ctx)
	if err != nil {
		return fail(err)
	}
	if err := a.ledger.DepositCash(ctx, amount); err != nil {
		return fail(err)
	}
	printMarkdown(summaryMarkdown(a.ledger.Summary()))
	return subcommands.ExitSuccess
}

// --- buy / sell ---

type tradeCmd struct {
	side       ledger.Side
	ticker     string
	shares     string
	price      string
	commission string
	noRefresh  bool
}

func (c *tradeCmd) Name() string { return strings.ToLower(string(c.side)) }
func (c *tradeCmd) Synopsis() string {
	if c.side == ledger.Buy {
		return "buy shares of a ticker"
	}
	return "sell shares of a held ticker"
}
func (c *tradeCmd) Usage() string {
	return fmt.Sprintf(`papertrade %s -t <ticker> -n <shares> -p <price> [-c <commission%%>]

  Prices are in the ticker's native unit: pence for London listings
  (.L, .LON), USD otherwise.
`, c.Name())
}

func (c *tradeCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.ticker, "t", "", "Ticker symbol, e.g. AAPL or VOD.L")
	f.StringVar(&c.shares, "n", "", "Number of shares")
	f.StringVar(&c.price, "p", "", "Price per share in the ticker's native unit")
	f.StringVar(&c.commission, "c", "0", "Commission in percent of the gross amount")
	if c.side == ledger.Buy {
		f.BoolVar(&c.noRefresh, "no-refresh", false, "Skip the price refresh after buying")
	}
}

func (c *tradeCmd) order() (ledger.Order, error) {
	if c.ticker == "" || c.shares == "" || c.price == "" {
		return ledger.Order{}, errors.New("-t, -n and -p are required")
	}
	shares, err := decimal.NewFromString(c.shares)
	if err != nil {
		return ledger.Order{}, fmt.Errorf("invalid -n %q: %w", c.shares, err)
	}
	price, err := decimal.NewFromString(c.price)
	if err != nil {
		return ledger.Order{}, fmt.Errorf("invalid -p %q: %w", c.price, err)
	}
	commission, err := decimal.NewFromString(c.commission)
	if err != nil {
		return ledger.Order{}, fmt.Errorf("invalid -c %q: %w", c.commission, err)
	}
	return ledger.Order{Ticker: c.ticker, Shares: shares, Price: price, CommissionPercent: commission}, nil
}

func (c *tradeCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	o, err := c.order()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitUsageError
	}
	a, err := openApp(ctx)
	if err != nil {
		return fail(err)
	}

	var res ledger.TradeResult
	if c.side == ledger.Buy {
		res, err = a.ledger.Buy(ctx, o)
	} else {
		res, err = a.ledger.Sell(ctx, o)
	}
	if err != nil {
		return fail(err)
	}
	md := tradeMarkdown(res)

	// The process exits after this command, so the post-trade refresh is
	// awaited rather than left running.
	if c.side == ledger.Buy && !c.noRefresh {
		task, err := a.refresher.Start(ctx)
		if err != nil {
			return fail(err)
		}
		rep, err := task.Wait(ctx)
		if err != nil {
			return fail(err)
		}
		md += refreshMarkdown(rep)
	}

	printMarkdown(md + summaryMarkdown(a.ledger.Summary()))
	return subcommands.ExitSuccess
}

// --- refresh ---

type refreshCmd struct{}

func (*refreshCmd) Name() string     { return "refresh" }
func (*refreshCmd) Synopsis() string { return "fetch current prices and the GBP/USD rate" }
func (*refreshCmd) Usage() string {
	return `papertrade refresh

  Fetches the last price of every holding and the GBP/USD rate. Symbols
  that cannot be fetched keep their last known price.
`
}
func (*refreshCmd) SetFlags(*flag.FlagSet) {}

func (*refreshCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	a, err := openApp(ctx)
	if err != nil {
		return fail(err)
	}
	rep, err := a.refresher.RefreshAll(ctx)
	if errors.Is(err, refresh.ErrRefreshInProgress) {
		return fail(err)
	}
	printMarkdown(refreshMarkdown(rep) + summaryMarkdown(a.ledger.Summary()))
	return subcommands.ExitSuccess
}

// --- show ---

type showCmd struct{}

func (*showCmd) Name() string     { return "show" }
func (*showCmd) Synopsis() string { return "display cash, holdings and total value" }
func (*showCmd) Usage() string {
	return `papertrade show

  Displays the portfolio valued at the last known prices and rate.
`
}
func (*showCmd) SetFlags(*flag.FlagSet) {}

func (*showCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	a, err := openApp(ctx)
	if err != nil {
		return fail(err)
	}
	printMarkdown(summaryMarkdown(a.ledger.Summary()))
	return subcommands.ExitSuccess
}

// --- journal ---

type journalCmd struct {
	tail int
}

func (*journalCmd) Name() string     { return "journal" }
func (*journalCmd) Synopsis() string { return "list funding and trade history" }
func (*journalCmd) Usage() string {
	return `papertrade journal [-tail <n>]

  Lists every recorded funding operation and trade, oldest first.
`
}

func (c *journalCmd) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.tail, "tail", 0, "Show only the last N entries.")
}

func (c *journalCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	a, err := openApp(ctx)
	if err != nil {
		return fail(err)
	}
	entries, err := a.ledger.Journal(ctx)
	if err != nil {
		return fail(err)
	}
	if c.tail > 0 && len(entries) > c.tail {
		entries = entries[len(entries)-c.tail:]
	}
	printMarkdown(journalMarkdown(entries))
	return subcommands.ExitSuccess
}

// --- search ---

type searchCmd struct{}

func (*searchCmd) Name() string     { return "search" }
func (*searchCmd) Synopsis() string { return "look up ticker symbols by prefix" }
func (*searchCmd) Usage() string {
	return `papertrade search <prefix>
`
}
func (*searchCmd) SetFlags(*flag.FlagSet) {}

func (*searchCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "expected exactly one prefix argument")
		return subcommands.ExitUsageError
	}
	a, err := openApp(ctx)
	if err != nil {
		return fail(err)
	}
	for _, sym := range search.Lookup(ctx, a.quotes, f.Arg(0), a.cfg.Quotes.SearchLimit) {
		fmt.Println(sym)
	}
	return subcommands.ExitSuccess
}

// --- reset ---

type resetCmd struct {
	yes bool
}

func (*resetCmd) Name() string     { return "reset" }
func (*resetCmd) Synopsis() string { return "erase the portfolio and its history" }
func (*resetCmd) Usage() string {
	return `papertrade reset -yes

  Clears cash, holdings, the exchange rate and the journal. Irreversible.
`
}

func (c *resetCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.yes, "yes", false, "Confirm the reset")
}

func (c *resetCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if !c.yes {
		fmt.Fprintln(os.Stderr, "reset is irreversible; pass -yes to confirm")
		return subcommands.ExitUsageError
	}
	a, err := openApp(ctx)
	if err != nil {
		return fail(err)
	}
	if err := a.ledger.Reset(ctx); err != nil {
		return fail(err)
	}
	fmt.Println("Portfolio reset.")
	return subcommands.ExitSuccess
}
