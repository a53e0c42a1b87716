package quote

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Static serves quotes from in-memory tables. Symbols without an entry
// fail with ErrQuoteUnavailable; a zero Rate fails with ErrRateUnavailable.
type Static struct {
	mu      sync.RWMutex
	prices  map[string]decimal.Decimal
	rate    decimal.Decimal
	symbols []string
	delay   time.Duration
}

// NewStatic creates an empty static provider.
func NewStatic() *Static {
	return &Static{prices: make(map[string]decimal.Decimal)}
}

// SetPrice sets the last price of symbol.
func (s *Static) SetPrice(symbol string, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[strings.ToUpper(symbol)] = price
}

// RemovePrice makes symbol unavailable.
func (s *Static) RemovePrice(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.prices, strings.ToUpper(symbol))
}

// SetRate sets the GBP→USD rate. Zero makes the rate unavailable.
func (s *Static) SetRate(rate decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rate = rate
}

// SetSymbols sets the universe searched by SearchSymbols.
func (s *Static) SetSymbols(symbols ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.symbols = append([]string(nil), symbols...)
	sort.Strings(s.symbols)
}

// SetDelay makes every call wait d (or until ctx is done) before answering.
func (s *Static) SetDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

func (s *Static) wait(ctx context.Context) error {
	s.mu.RLock()
	delay := s.delay
	s.mu.RUnlock()
	if delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *Static) FetchLastPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if err := s.wait(ctx); err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s: %v", ErrQuoteUnavailable, symbol, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.prices[strings.ToUpper(symbol)]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrQuoteUnavailable, symbol)
	}
	return p, nil
}

func (s *Static) FetchExchangeRate(ctx context.Context, from, to string) (decimal.Decimal, error) {
	if err := s.wait(ctx); err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s/%s: %v", ErrRateUnavailable, from, to, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s/%s", ErrRateUnavailable, from, to)
	}
	return s.rate, nil
}

func (s *Static) SearchSymbols(ctx context.Context, query string) ([]string, error) {
	q := strings.ToUpper(strings.TrimSpace(query))
	if q == "" {
		return []string{}, nil
	}
	if err := s.wait(ctx); err != nil {
		return []string{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	matches := []string{}
	for _, sym := range s.symbols {
		if strings.HasPrefix(strings.ToUpper(sym), q) {
			matches = append(matches, sym)
		}
	}
	return matches, nil
}
