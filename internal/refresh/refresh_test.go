package refresh_test

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/papertrade/portfolio-engine/internal/ledger"
	"github.com/papertrade/portfolio-engine/internal/quote"
	"github.com/papertrade/portfolio-engine/internal/refresh"
	"github.com/papertrade/portfolio-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// newEnv returns a funded ledger holding AAPL at 100 and VOD.L at 80p with
// the rate at 1.2, plus a static provider quoting both.
func newEnv(t *testing.T) (*ledger.Ledger, *quote.Static) {
	t.Helper()
	ctx := context.Background()
	l := ledger.Open(ctx, store.NewMemoryStore())
	if err := l.SetInitialFunds(ctx, d(10000)); err != nil {
		t.Fatal(err)
	}
	if err := l.ApplyQuotes(ctx, nil, decimal.NewNullDecimal(d(1.2))); err != nil {
		t.Fatal(err)
	}
	for _, o := range []ledger.Order{
		{Ticker: "AAPL", Shares: d(1), Price: d(100)},
		{Ticker: "VOD.L", Shares: d(10), Price: d(80)},
	} {
		if _, err := l.Buy(ctx, o); err != nil {
			t.Fatal(err)
		}
	}

	q := quote.NewStatic()
	q.SetPrice("AAPL", d(110))
	q.SetPrice("VOD.L", d(85))
	q.SetRate(d(1.25))
	return l, q
}

func priceOf(l *ledger.Ledger, ticker string) decimal.Decimal {
	for _, h := range l.Snapshot().Holdings {
		if h.Ticker == ticker {
			return h.CurrentPrice
		}
	}
	return decimal.Zero
}

func TestRefreshAll_Success(t *testing.T) {
	l, q := newEnv(t)
	c := refresh.New(l, q, refresh.Options{})

	rep, err := c.RefreshAll(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rep.Partial() || rep.Warning() != "" {
		t.Errorf("expected a clean refresh, got %+v", rep)
	}
	if !rep.Persisted {
		t.Error("expected results to be persisted")
	}
	if !priceOf(l, "AAPL").Equal(d(110)) || !priceOf(l, "VOD.L").Equal(d(85)) {
		t.Errorf("prices not applied: %+v", l.Snapshot().Holdings)
	}
	if !l.Rate().Equal(d(1.25)) {
		t.Errorf("expected rate 1.25, got %s", l.Rate())
	}
}

func TestRefreshAll_PartialFailure(t *testing.T) {
	l, q := newEnv(t)
	q.RemovePrice("VOD.L")
	c := refresh.New(l, q, refresh.Options{})

	rep, err := c.RefreshAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(rep.Failed) != 1 || rep.Failed[0] != "VOD.L" {
		t.Errorf("expected VOD.L to fail, got %v", rep.Failed)
	}
	if p, ok := rep.Updated["AAPL"]; !ok || !p.Equal(d(110)) {
		t.Errorf("expected AAPL update, got %v", rep.Updated)
	}
	if !priceOf(l, "AAPL").Equal(d(110)) {
		t.Errorf("AAPL should be updated, got %s", priceOf(l, "AAPL"))
	}
	if !priceOf(l, "VOD.L").Equal(d(80)) {
		t.Errorf("VOD.L should keep its prior price, got %s", priceOf(l, "VOD.L"))
	}
	want := "Could not fetch a real-time price for: VOD.L. Displaying last known values."
	if rep.Warning() != want {
		t.Errorf("unexpected warning %q", rep.Warning())
	}
}

func TestRefreshAll_RateFailureKeepsPreviousRate(t *testing.T) {
	l, q := newEnv(t)
	q.SetRate(decimal.Zero)
	c := refresh.New(l, q, refresh.Options{})

	rep, err := c.RefreshAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !rep.RateStale || rep.Rate.Valid {
		t.Errorf("expected a stale rate, got %+v", rep)
	}
	if !l.Rate().Equal(d(1.2)) {
		t.Errorf("expected the previous rate 1.2, got %s", l.Rate())
	}
	if !priceOf(l, "VOD.L").Equal(d(85)) {
		t.Error("prices should still be applied when only the rate fails")
	}
	if !strings.Contains(rep.Warning(), "GBP/USD") {
		t.Errorf("expected a rate warning, got %q", rep.Warning())
	}
}

func TestRefreshAll_TimeoutIsFailure(t *testing.T) {
	l, q := newEnv(t)
	q.SetDelay(time.Second)
	c := refresh.New(l, q, refresh.Options{Timeout: 20 * time.Millisecond})

	start := time.Now()
	rep, err := c.RefreshAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("refresh should be bounded by the per-query timeout, took %s", elapsed)
	}
	if len(rep.Failed) != 2 || !rep.RateStale {
		t.Errorf("expected every query to fail, got %+v", rep)
	}
	if rep.Persisted {
		t.Error("nothing to persist when every query failed")
	}
}

func TestRefreshAll_NoHoldingsStillFetchesRate(t *testing.T) {
	ctx := context.Background()
	l := ledger.Open(ctx, store.NewMemoryStore())
	q := quote.NewStatic()
	q.SetRate(d(1.31))

	rep, err := refresh.New(l, q, refresh.Options{}).RefreshAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(rep.Updated) != 0 || len(rep.Failed) != 0 {
		t.Errorf("unexpected report: %+v", rep)
	}
	if !l.Rate().Equal(d(1.31)) {
		t.Errorf("expected rate 1.31, got %s", l.Rate())
	}
}

func TestSingleFlight(t *testing.T) {
	l, q := newEnv(t)
	q.SetDelay(100 * time.Millisecond)
	c := refresh.New(l, q, refresh.Options{})

	ctx := context.Background()
	task, err := c.Start(ctx)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !c.InFlight() {
		t.Error("expected a refresh in flight")
	}

	if _, err := c.RefreshAll(ctx); !errors.Is(err, refresh.ErrRefreshInProgress) {
		t.Errorf("expected ErrRefreshInProgress, got %v", err)
	}
	if _, err := c.Start(ctx); !errors.Is(err, refresh.ErrRefreshInProgress) {
		t.Errorf("expected ErrRefreshInProgress, got %v", err)
	}

	rep, err := task.Wait(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(rep.Updated) != 2 {
		t.Errorf("expected both prices, got %v", rep.Updated)
	}

	// Re-enabled once the cycle finished.
	q.SetDelay(0)
	if _, err := c.RefreshAll(ctx); err != nil {
		t.Errorf("expected refresh after completion to run, got %v", err)
	}
}

func TestTask_WaitHonorsContext(t *testing.T) {
	l, q := newEnv(t)
	q.SetDelay(200 * time.Millisecond)
	c := refresh.New(l, q, refresh.Options{})

	task, err := c.Start(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := task.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}

	<-task.Done()
}

func TestOnComplete(t *testing.T) {
	l, q := newEnv(t)
	got := make(chan refresh.Report, 1)
	c := refresh.New(l, q, refresh.Options{OnComplete: func(r refresh.Report) { got <- r }})

	if _, err := c.RefreshAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	select {
	case r := <-got:
		if len(r.Updated) != 2 {
			t.Errorf("unexpected report: %+v", r)
		}
	case <-time.After(time.Second):
		t.Fatal("OnComplete not called")
	}
}

func TestRun_Periodic(t *testing.T) {
	l, q := newEnv(t)
	var cycles atomic.Int32
	c := refresh.New(l, q, refresh.Options{OnComplete: func(refresh.Report) { cycles.Add(1) }})

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	c.Run(ctx, 20*time.Millisecond)

	if n := cycles.Load(); n < 2 {
		t.Errorf("expected several periodic cycles, got %d", n)
	}
}

func TestRun_DisabledInterval(t *testing.T) {
	l, q := newEnv(t)
	c := refresh.New(l, q, refresh.Options{})

	done := make(chan struct{})
	go func() {
		c.Run(context.Background(), 0)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run with a zero interval should return immediately")
	}
}
