// Command papertrade manages a file-backed simulated portfolio from the
// command line.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path"
	"syscall"

	"github.com/google/subcommands"

	"github.com/papertrade/portfolio-engine/internal/config"
	"github.com/papertrade/portfolio-engine/internal/ledger"
	"github.com/papertrade/portfolio-engine/internal/quote"
	"github.com/papertrade/portfolio-engine/internal/refresh"
	"github.com/papertrade/portfolio-engine/internal/store"
)

var (
	portfolioFile = flag.String("file", "portfolio.json", "Path to the portfolio file (JSON)")
	configFile    = flag.String("config", os.Getenv("PAPERTRADE_CONFIG"), "Path to a YAML config file")
	plain         = flag.Bool("plain", false, "Print raw markdown instead of rendering it")
	verbose       = flag.Bool("v", false, "Log ledger and refresh activity to stderr")
)

func main() {
	commander := subcommands.NewCommander(flag.CommandLine, path.Base(os.Args[0]))
	commander.Register(commander.HelpCommand(), "")
	commander.Register(commander.FlagsCommand(), "")
	commander.Register(commander.CommandsCommand(), "")

	commander.Register(&initCmd{}, "funds")
	commander.Register(&depositCmd{}, "funds")
	commander.Register(&tradeCmd{side: ledger.Buy}, "trading")
	commander.Register(&tradeCmd{side: ledger.Sell}, "trading")
	commander.Register(&refreshCmd{}, "trading")
	commander.Register(&showCmd{}, "reports")
	commander.Register(&journalCmd{}, "reports")
	commander.Register(&searchCmd{}, "reports")
	commander.Register(&resetCmd{}, "")

	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	status := commander.Execute(ctx)
	stop()
	os.Exit(int(status))
}

// app is the wiring shared by every subcommand.
type app struct {
	cfg       *config.Config
	ledger    *ledger.Ledger
	quotes    quote.Provider
	refresher *refresh.Coordinator
}

// openApp loads the configuration and the portfolio file.
func openApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(*configFile)
	if err != nil {
		return nil, err
	}
	file := cfg.Store.File
	if isFlagSet("file") || file == "" {
		file = *portfolioFile
	}

	var quotes quote.Provider
	if cfg.Quotes.APIKey != "" {
		quotes = quote.NewAlphaVantage(cfg.Quotes.APIKey, cfg.Quotes.BaseURL, nil)
	} else {
		slog.Warn("ALPHAVANTAGE_API_KEY not set, prices will not refresh")
		quotes = quote.NewStatic()
	}

	l := ledger.Open(ctx, store.NewFileStore(file))
	rc := refresh.New(l, quotes, refresh.Options{
		Timeout:       cfg.Quotes.Timeout,
		MaxConcurrent: cfg.Quotes.MaxConcurrent,
	})
	return &app{cfg: cfg, ledger: l, quotes: quotes, refresher: rc}, nil
}

func isFlagSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

// fail prints err, with its reason when it is a ledger error, and returns
// the failure status.
func fail(err error) subcommands.ExitStatus {
	if reason := ledger.Reason(err); reason != ledger.ReasonInternal {
		fmt.Fprintf(os.Stderr, "Error (%s): %v\n", reason, err)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	return subcommands.ExitFailure
}
