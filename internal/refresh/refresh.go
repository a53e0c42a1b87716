// Package refresh pulls fresh market prices and the GBP→USD rate for every
// held ticker and merges them back into the ledger as one batch.
//
// Per-symbol failures are expected: they are collected in the Report and
// the affected holdings keep their last known price. A failed rate fetch
// keeps the previous rate. At most one refresh runs per Coordinator.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/papertrade/portfolio-engine/internal/metrics"
	"github.com/papertrade/portfolio-engine/internal/quote"
)

// ErrRefreshInProgress is returned when a refresh is requested while
// another one is still running.
var ErrRefreshInProgress = errors.New("refresh: already in progress")

// ReasonRefreshInProgress is the reason string for ErrRefreshInProgress.
const ReasonRefreshInProgress = "RefreshInProgress"

// Ledger is the part of the portfolio ledger the coordinator reads and
// writes.
type Ledger interface {
	Tickers() []string
	ApplyQuotes(ctx context.Context, prices map[string]decimal.Decimal, rate decimal.NullDecimal) error
}

// Options tunes a Coordinator. Zero values select the defaults.
type Options struct {
	// Timeout bounds each provider query. A timed-out query is a failure.
	Timeout time.Duration
	// MaxConcurrent caps in-flight provider queries.
	MaxConcurrent int
	// OnComplete, if set, is called with every finished report.
	OnComplete func(Report)
}

const (
	DefaultTimeout       = 10 * time.Second
	DefaultMaxConcurrent = 4
)

// Report is the outcome of one refresh cycle.
type Report struct {
	Updated   map[string]decimal.Decimal `json:"updated_prices"`
	Failed    []string                   `json:"failed_tickers"`
	Rate      decimal.NullDecimal        `json:"rate"`
	RateStale bool                       `json:"rate_stale"`
	Persisted bool                       `json:"persisted"`
	StartedAt time.Time                  `json:"started_at"`
	Duration  time.Duration              `json:"duration_ns"`
}

// Partial reports whether anything could not be fetched.
func (r Report) Partial() bool {
	return len(r.Failed) > 0 || r.RateStale
}

// Warning returns the user-facing message for a partial refresh, or "".
func (r Report) Warning() string {
	var parts []string
	if len(r.Failed) > 0 {
		parts = append(parts, fmt.Sprintf("Could not fetch a real-time price for: %s. Displaying last known values.",
			strings.Join(r.Failed, ", ")))
	}
	if r.RateStale {
		parts = append(parts, "Could not fetch the GBP/USD rate. Using the last known rate.")
	}
	return strings.Join(parts, " ")
}

// Coordinator runs refresh cycles against one ledger.
type Coordinator struct {
	ledger  Ledger
	quotes  quote.Provider
	opts    Options
	running atomic.Bool
}

// New creates a Coordinator.
func New(l Ledger, p quote.Provider, opts Options) *Coordinator {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	return &Coordinator{ledger: l, quotes: p, opts: opts}
}

// InFlight reports whether a refresh is running.
func (c *Coordinator) InFlight() bool {
	return c.running.Load()
}

// RefreshAll runs one refresh cycle and blocks until it completes. It
// returns ErrRefreshInProgress if another cycle is running.
func (c *Coordinator) RefreshAll(ctx context.Context) (Report, error) {
	if !c.acquire() {
		return Report{}, ErrRefreshInProgress
	}
	defer c.running.Store(false)
	return c.run(ctx), nil
}

// Task is a refresh cycle running in the background.
type Task struct {
	done   chan struct{}
	report Report
}

// Done is closed when the cycle has finished.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the cycle finishes or ctx is done.
func (t *Task) Wait(ctx context.Context) (Report, error) {
	select {
	case <-t.done:
		return t.report, nil
	case <-ctx.Done():
		return Report{}, ctx.Err()
	}
}

// Start launches a refresh cycle in the background. The cycle runs under
// ctx; callers detaching from a request should pass a context that
// outlives it. Returns ErrRefreshInProgress if another cycle is running.
func (c *Coordinator) Start(ctx context.Context) (*Task, error) {
	if !c.acquire() {
		return nil, ErrRefreshInProgress
	}
	t := &Task{done: make(chan struct{})}
	go func() {
		defer close(t.done)
		defer c.running.Store(false)
		t.report = c.run(ctx)
	}()
	return t, nil
}

// Run refreshes every interval until ctx is done. Ticks that find a cycle
// already running are skipped. A non-positive interval returns at once.
func (c *Coordinator) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.RefreshAll(ctx); errors.Is(err, ErrRefreshInProgress) {
				slog.Debug("periodic refresh skipped, previous cycle still running")
			}
		}
	}
}

func (c *Coordinator) acquire() bool {
	if c.running.CompareAndSwap(false, true) {
		return true
	}
	metrics.RefreshesTotal.WithLabelValues("rejected").Inc()
	return false
}

// run fans out one rate query and one price query per held ticker, waits
// for all of them and applies the successes in one batch.
func (c *Coordinator) run(ctx context.Context) Report {
	start := time.Now()
	tickers := dedupe(c.ledger.Tickers())

	rep := Report{
		Updated:   make(map[string]decimal.Decimal, len(tickers)),
		Failed:    []string{},
		StartedAt: start.UTC(),
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(c.opts.MaxConcurrent)

	g.Go(func() error {
		qctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()

		rate, err := c.quotes.FetchExchangeRate(qctx, "GBP", "USD")
		if err == nil && !rate.IsPositive() {
			err = fmt.Errorf("%w: non-positive rate %s", quote.ErrRateUnavailable, rate)
		}
		if err != nil {
			metrics.QuoteFailures.WithLabelValues("rate").Inc()
			slog.Warn("exchange rate fetch failed, keeping last known rate", "err", err)
			return nil
		}
		mu.Lock()
		rep.Rate = decimal.NewNullDecimal(rate)
		mu.Unlock()
		return nil
	})

	for _, ticker := range tickers {
		ticker := ticker
		g.Go(func() error {
			qctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
			defer cancel()

			price, err := c.quotes.FetchLastPrice(qctx, ticker)
			if err == nil && !price.IsPositive() {
				err = fmt.Errorf("%w: %s: non-positive price %s", quote.ErrQuoteUnavailable, ticker, price)
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				metrics.QuoteFailures.WithLabelValues("price").Inc()
				slog.Debug("price fetch failed", "ticker", ticker, "err", err)
				rep.Failed = append(rep.Failed, ticker)
				return nil
			}
			rep.Updated[ticker] = price
			return nil
		})
	}

	// Queries never return errors; failures are recorded in rep.
	_ = g.Wait()

	sort.Strings(rep.Failed)
	rep.RateStale = !rep.Rate.Valid

	if len(rep.Updated) > 0 || rep.Rate.Valid {
		if err := c.ledger.ApplyQuotes(ctx, rep.Updated, rep.Rate); err != nil {
			slog.Error("refresh results could not be persisted", "err", err)
		} else {
			rep.Persisted = true
		}
	}

	rep.Duration = time.Since(start)
	metrics.RefreshDuration.Observe(rep.Duration.Seconds())

	if rep.Partial() {
		metrics.RefreshesTotal.WithLabelValues("partial").Inc()
		slog.Warn("refresh completed with failures",
			"updated", len(rep.Updated),
			"failed", rep.Failed,
			"rate_stale", rep.RateStale,
			"duration", rep.Duration,
		)
	} else {
		metrics.RefreshesTotal.WithLabelValues("ok").Inc()
		slog.Info("refresh completed",
			"updated", len(rep.Updated),
			"rate", rep.Rate.Decimal.String(),
			"duration", rep.Duration,
		)
	}

	if c.opts.OnComplete != nil {
		c.opts.OnComplete(rep)
	}
	return rep
}

func dedupe(tickers []string) []string {
	seen := make(map[string]struct{}, len(tickers))
	out := make([]string, 0, len(tickers))
	for _, t := range tickers {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
