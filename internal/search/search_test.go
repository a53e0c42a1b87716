package search_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/papertrade/portfolio-engine/internal/quote"
	"github.com/papertrade/portfolio-engine/internal/search"
)

// slowSearcher answers after a per-query delay and ignores cancellation,
// so only the sequence guard can drop a stale answer.
type slowSearcher struct {
	delays map[string]time.Duration
	calls  atomic.Int32
}

func (s *slowSearcher) SearchSymbols(_ context.Context, query string) ([]string, error) {
	s.calls.Add(1)
	time.Sleep(s.delays[query])
	return []string{query + ".L", query}, nil
}

type failingSearcher struct{}

func (failingSearcher) SearchSymbols(context.Context, string) ([]string, error) {
	return nil, errors.New("provider down")
}

// collector gathers emitted results.
type collector struct {
	mu      sync.Mutex
	results []search.Result
}

func (c *collector) emit(r search.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = append(c.results, r)
}

func (c *collector) snapshot() []search.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]search.Result(nil), c.results...)
}

func TestSuggester_Debounce(t *testing.T) {
	src := &slowSearcher{}
	var col collector
	s := search.NewSuggester(src, 30*time.Millisecond, 5, col.emit)
	defer s.Close()

	for _, q := range []string{"V", "VO", "VOD"} {
		s.Submit(q)
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(150 * time.Millisecond)

	got := col.snapshot()
	if len(got) != 1 || got[0].Query != "VOD" {
		t.Fatalf("expected one result for VOD, got %+v", got)
	}
	if n := src.calls.Load(); n != 1 {
		t.Errorf("expected one provider call, got %d", n)
	}
}

func TestSuggester_StaleResponseDropped(t *testing.T) {
	src := &slowSearcher{delays: map[string]time.Duration{"A": 100 * time.Millisecond}}
	var col collector
	s := search.NewSuggester(src, time.Millisecond, 5, col.emit)
	defer s.Close()

	s.Submit("A")
	time.Sleep(20 * time.Millisecond) // A is now in flight
	s.Submit("B")
	time.Sleep(200 * time.Millisecond)

	got := col.snapshot()
	if len(got) != 1 || got[0].Query != "B" {
		t.Fatalf("expected only the latest query to be emitted, got %+v", got)
	}
	if src.calls.Load() != 2 {
		t.Errorf("expected both queries to reach the provider, got %d", src.calls.Load())
	}
}

func TestSuggester_EmptyQueryClears(t *testing.T) {
	var col collector
	s := search.NewSuggester(&slowSearcher{}, time.Hour, 5, col.emit)
	defer s.Close()

	s.Submit("AAP")
	s.Submit("   ")

	got := col.snapshot()
	if len(got) != 1 || got[0].Query != "" || len(got[0].Symbols) != 0 {
		t.Fatalf("expected an immediate empty result, got %+v", got)
	}
}

func TestSuggester_Close(t *testing.T) {
	var col collector
	s := search.NewSuggester(&slowSearcher{}, 10*time.Millisecond, 5, col.emit)

	s.Submit("AAPL")
	s.Close()
	s.Submit("MSFT")
	time.Sleep(50 * time.Millisecond)

	if got := col.snapshot(); len(got) != 0 {
		t.Errorf("expected nothing after Close, got %+v", got)
	}
}

func TestLookup_Limit(t *testing.T) {
	q := quote.NewStatic()
	q.SetSymbols("BA", "BAC", "BABA", "BARC.L", "BATS.L", "BAYN.DE", "BAX")

	got := search.Lookup(context.Background(), q, "ba", search.DefaultLimit)
	if len(got) != 5 {
		t.Fatalf("expected 5 results, got %v", got)
	}
	for _, sym := range got {
		if !strings.HasPrefix(sym, "BA") {
			t.Errorf("unexpected match %s", sym)
		}
	}
}

func TestLookup_ProviderFailure(t *testing.T) {
	got := search.Lookup(context.Background(), failingSearcher{}, "AAPL", 5)
	if got == nil || len(got) != 0 {
		t.Errorf("expected an empty non-nil result, got %v", got)
	}
}
