package quote

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PaesslerAG/jsonpath"
	"github.com/shopspring/decimal"
)

// DefaultAlphaVantageURL is the Alpha Vantage query endpoint.
const DefaultAlphaVantageURL = "https://www.alphavantage.co/query"

// JSON paths into the Alpha Vantage payloads.
const (
	pathPrice   = `$["Global Quote"]["05. price"]`
	pathRate    = `$["Realtime Currency Exchange Rate"]["5. Exchange Rate"]`
	pathSymbols = `$.bestMatches[*]["1. symbol"]`
)

// AlphaVantage is a Provider backed by the Alpha Vantage REST API.
type AlphaVantage struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewAlphaVantage creates a client. An empty baseURL selects the public
// endpoint; a nil client gets one with a 10s timeout.
func NewAlphaVantage(apiKey, baseURL string, client *http.Client) *AlphaVantage {
	if baseURL == "" {
		baseURL = DefaultAlphaVantageURL
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &AlphaVantage{apiKey: apiKey, baseURL: baseURL, http: client}
}

var _ Provider = (*AlphaVantage)(nil)

// FetchLastPrice queries GLOBAL_QUOTE. The price is returned as quoted:
// London listings stay in pence.
func (c *AlphaVantage) FetchLastPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	params := url.Values{
		"function": {"GLOBAL_QUOTE"},
		"symbol":   {symbol},
	}
	obj, err := c.query(ctx, params)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s: %v", ErrQuoteUnavailable, symbol, err)
	}
	price, err := decimalAt(obj, pathPrice)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s: %v", ErrQuoteUnavailable, symbol, err)
	}
	return price, nil
}

// FetchExchangeRate queries CURRENCY_EXCHANGE_RATE.
func (c *AlphaVantage) FetchExchangeRate(ctx context.Context, from, to string) (decimal.Decimal, error) {
	params := url.Values{
		"function":      {"CURRENCY_EXCHANGE_RATE"},
		"from_currency": {from},
		"to_currency":   {to},
	}
	obj, err := c.query(ctx, params)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s/%s: %v", ErrRateUnavailable, from, to, err)
	}
	rate, err := decimalAt(obj, pathRate)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s/%s: %v", ErrRateUnavailable, from, to, err)
	}
	return rate, nil
}

// SearchSymbols queries SYMBOL_SEARCH.
func (c *AlphaVantage) SearchSymbols(ctx context.Context, query string) ([]string, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []string{}, nil
	}
	params := url.Values{
		"function": {"SYMBOL_SEARCH"},
		"keywords": {query},
	}
	obj, err := c.query(ctx, params)
	if err != nil {
		return []string{}, err
	}

	jval, err := jsonpath.Get(pathSymbols, obj)
	if err != nil {
		// No bestMatches: an empty result, not an error.
		return []string{}, nil
	}
	list, _ := jval.([]interface{})
	symbols := make([]string, 0, len(list))
	for _, v := range list {
		if s, ok := v.(string); ok && s != "" {
			symbols = append(symbols, s)
		}
	}
	return symbols, nil
}

// query performs one GET and decodes the body as generic JSON. Responses
// carrying a provider note (usually the rate limit) are failures.
func (c *AlphaVantage) query(ctx context.Context, params url.Values) (interface{}, error) {
	params.Set("apikey", c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	var obj map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&obj); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	for _, key := range []string{"Note", "Information", "Error Message"} {
		if note, ok := obj[key].(string); ok {
			slog.Warn("alpha vantage note", "function", params.Get("function"), "note", note)
			return nil, fmt.Errorf("provider note: %s", note)
		}
	}
	return obj, nil
}

// decimalAt extracts a positive decimal string at path.
func decimalAt(obj interface{}, path string) (decimal.Decimal, error) {
	jval, err := jsonpath.Get(path, obj)
	if err != nil {
		return decimal.Zero, fmt.Errorf("missing %s: %w", path, err)
	}
	s, ok := jval.(string)
	if !ok {
		return decimal.Zero, fmt.Errorf("%s is not a string: %v", path, jval)
	}
	v, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse %s: %w", path, err)
	}
	if !v.IsPositive() {
		return decimal.Zero, fmt.Errorf("%s is not positive: %s", path, v)
	}
	return v, nil
}
