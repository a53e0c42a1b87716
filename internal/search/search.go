// Package search serves ticker suggestions for search-as-you-type input.
package search

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const (
	DefaultDebounce = 300 * time.Millisecond
	DefaultLimit    = 5
)

// Searcher looks up symbol codes by prefix. quote.Provider satisfies it.
type Searcher interface {
	SearchSymbols(ctx context.Context, query string) ([]string, error)
}

// Result is one batch of suggestions. Seq identifies the input that
// produced it; later inputs have larger values.
type Result struct {
	Seq     uint64   `json:"seq"`
	Query   string   `json:"query"`
	Symbols []string `json:"symbols"`
}

// Lookup runs a single search, capped at limit results. Provider errors
// yield an empty result.
func Lookup(ctx context.Context, src Searcher, query string, limit int) []string {
	query = strings.TrimSpace(query)
	if query == "" {
		return []string{}
	}
	symbols, err := src.SearchSymbols(ctx, query)
	if err != nil {
		slog.Debug("symbol search failed", "query", query, "err", err)
		return []string{}
	}
	if limit > 0 && len(symbols) > limit {
		symbols = symbols[:limit]
	}
	return symbols
}

// Suggester debounces a stream of search inputs. Each Submit cancels the
// pending or in-flight search of the previous input; only results for the
// latest input are emitted.
type Suggester struct {
	src   Searcher
	delay time.Duration
	limit int
	emit  func(Result)

	mu     sync.Mutex
	seq    uint64
	timer  *time.Timer
	cancel context.CancelFunc
	closed bool
}

// NewSuggester creates a Suggester. emit is called with the suggester's
// lock held, so calls never overlap and never arrive out of order; it
// must not block or call back into the Suggester.
func NewSuggester(src Searcher, delay time.Duration, limit int, emit func(Result)) *Suggester {
	if delay < 0 {
		delay = 0
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Suggester{src: src, delay: delay, limit: limit, emit: emit}
}

// Submit records new input. An empty query clears the suggestions at once.
func (s *Suggester) Submit(query string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.seq++
	seq := s.seq
	s.stopLocked()

	query = strings.TrimSpace(query)
	if query == "" {
		s.emit(Result{Seq: seq, Query: "", Symbols: []string{}})
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.timer = time.AfterFunc(s.delay, func() { s.run(ctx, seq, query) })
}

// Close cancels any pending search. No results are emitted afterwards.
func (s *Suggester) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.stopLocked()
}

func (s *Suggester) stopLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

func (s *Suggester) run(ctx context.Context, seq uint64, query string) {
	symbols := Lookup(ctx, s.src, query, s.limit)

	s.mu.Lock()
	defer s.mu.Unlock()

	// Stale: a newer input arrived while this one was in flight.
	if s.closed || seq != s.seq {
		return
	}
	s.emit(Result{Seq: seq, Query: query, Symbols: symbols})
}
