package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/papertrade/portfolio-engine/internal/api"
	"github.com/papertrade/portfolio-engine/internal/ledger"
	"github.com/papertrade/portfolio-engine/internal/model"
	"github.com/papertrade/portfolio-engine/internal/quote"
	"github.com/papertrade/portfolio-engine/internal/refresh"
	"github.com/papertrade/portfolio-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type testEnv struct {
	ledger *ledger.Ledger
	store  *store.MemoryStore
	quotes *quote.Static
	rc     *refresh.Coordinator
	hub    *api.WSHub
	router chi.Router
}

// newTestEnv wires a Service over a memory store and a static provider
// quoting AAPL at 190 and VOD.L at 110p with GBP→USD at 1.25.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	ms := store.NewMemoryStore()
	l := ledger.Open(ctx, ms)
	if err := l.ApplyQuotes(ctx, nil, decimal.NewNullDecimal(d(1.25))); err != nil {
		t.Fatal(err)
	}

	q := quote.NewStatic()
	q.SetPrice("AAPL", d(190))
	q.SetPrice("VOD.L", d(110))
	q.SetRate(d(1.25))
	q.SetSymbols("VOD.L", "VOD", "VODAFONE.DE", "VOW.DE", "VOLV-B.ST", "VOYA", "AAPL")

	hub := api.NewWSHub(q, 50*time.Millisecond, 5)
	hubCtx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(hubCtx)

	rc := refresh.New(l, q, refresh.Options{Timeout: time.Second, OnComplete: api.RefreshNotifier(l, hub)})
	svc := api.NewService(l, rc, q, 5, hub)

	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)

	return &testEnv{ledger: l, store: ms, quotes: q, rc: rc, hub: hub, router: r}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) fund(t *testing.T, amount float64) {
	t.Helper()
	w := e.do(t, "POST", "/api/v1/funds/initial", api.AmountRequest{Amount: d(amount)})
	if w.Code != http.StatusCreated {
		t.Fatalf("initial funds: expected 201, got %d: %s", w.Code, w.Body.String())
	}
}

// waitIdle blocks until no refresh is in flight.
func (e *testEnv) waitIdle(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for e.rc.InFlight() {
		if time.Now().After(deadline) {
			t.Fatal("refresh did not finish")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func expectError(t *testing.T, w *httptest.ResponseRecorder, status int, reason string) {
	t.Helper()
	if w.Code != status {
		t.Errorf("expected %d, got %d: %s", status, w.Code, w.Body.String())
	}
	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body["error"] != reason {
		t.Errorf("expected reason %q, got %q", reason, body["error"])
	}
	if body["message"] == "" {
		t.Error("expected an error message")
	}
}

func decodeSummary(t *testing.T, w *httptest.ResponseRecorder) model.Summary {
	t.Helper()
	var s model.Summary
	if err := json.NewDecoder(w.Body).Decode(&s); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	return s
}

// --- Funding ---

func TestFunding(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "GET", "/api/v1/portfolio", nil)
	if s := decodeSummary(t, w); !s.FirstLaunch {
		t.Error("expected first launch before funding")
	}

	env.fund(t, 10000)

	w = env.do(t, "POST", "/api/v1/funds/deposit", api.AmountRequest{Amount: d(250.5)})
	if w.Code != http.StatusOK {
		t.Fatalf("deposit: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	s := decodeSummary(t, w)
	if s.FirstLaunch || !s.AvailableCash.Equal(d(10250.5)) || !s.TotalDeposited.Equal(d(10250.5)) {
		t.Errorf("unexpected summary: %+v", s)
	}
	if !s.InitialFunds.Equal(d(10000)) {
		t.Errorf("expected initial funds 10000, got %s", s.InitialFunds)
	}
}

func TestFunding_Errors(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "POST", "/api/v1/funds/deposit", api.AmountRequest{Amount: d(10)})
	expectError(t, w, http.StatusConflict, ledger.ReasonNotInitialized)

	env.fund(t, 100)

	w = env.do(t, "POST", "/api/v1/funds/initial", api.AmountRequest{Amount: d(100)})
	expectError(t, w, http.StatusConflict, ledger.ReasonAlreadyInitialized)

	w = env.do(t, "POST", "/api/v1/funds/deposit", api.AmountRequest{Amount: decimal.Zero})
	expectError(t, w, http.StatusBadRequest, ledger.ReasonInvalidAmount)

	req := httptest.NewRequest("POST", "/api/v1/funds/deposit", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	expectError(t, rec, http.StatusBadRequest, api.ReasonInvalidRequest)
}

// --- Trades ---

func TestTrade_BuyForeignStartsRefresh(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, 1000)

	w := env.do(t, "POST", "/api/v1/trades", api.TradeRequest{
		Side: "buy", Ticker: "vod.l", Shares: d(10), Price: d(100),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp api.TradeResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Ticker != "VOD.L" || !resp.CashDelta.Equal(d(-12.5)) || !resp.AvailableCash.Equal(d(987.5)) {
		t.Errorf("unexpected trade response: %+v", resp)
	}
	if resp.TradeID == "" {
		t.Error("expected a trade id")
	}
	if !resp.RefreshStarted {
		t.Fatal("expected a post-trade refresh")
	}

	env.waitIdle(t)
	h := env.ledger.Snapshot().Holdings[0]
	if !h.CurrentPrice.Equal(d(110)) {
		t.Errorf("expected the refreshed price 110p, got %s", h.CurrentPrice)
	}
}

func TestTrade_SellClosesPosition(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, 1000)
	if _, err := env.ledger.Buy(context.Background(), ledger.Order{Ticker: "AAPL", Shares: d(2), Price: d(150)}); err != nil {
		t.Fatal(err)
	}

	w := env.do(t, "POST", "/api/v1/trades", api.TradeRequest{
		Side: "SELL", Ticker: "AAPL", Shares: d(2), Price: d(160), CommissionPercent: d(1),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp api.TradeResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	// 320 gross less 3.20 commission.
	if !resp.CashDelta.Equal(d(316.8)) || !resp.Closed || resp.RefreshStarted {
		t.Errorf("unexpected sell response: %+v", resp)
	}
	if len(env.ledger.Snapshot().Holdings) != 0 {
		t.Error("expected the position to be closed")
	}
}

func TestTrade_Errors(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, 100)
	if _, err := env.ledger.Buy(context.Background(), ledger.Order{Ticker: "AAPL", Shares: d(0.5), Price: d(100)}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		req    api.TradeRequest
		status int
		reason string
	}{
		{"insufficient funds", api.TradeRequest{Side: "BUY", Ticker: "MSFT", Shares: d(1), Price: d(51)}, http.StatusConflict, ledger.ReasonInsufficientFunds},
		{"oversell", api.TradeRequest{Side: "SELL", Ticker: "AAPL", Shares: d(1), Price: d(100)}, http.StatusConflict, ledger.ReasonInsufficientShares},
		{"not held", api.TradeRequest{Side: "SELL", Ticker: "TSLA", Shares: d(1), Price: d(100)}, http.StatusNotFound, ledger.ReasonNoSuchHolding},
		{"bad side", api.TradeRequest{Side: "HOLD", Ticker: "AAPL", Shares: d(1), Price: d(1)}, http.StatusBadRequest, api.ReasonInvalidRequest},
		{"bad ticker", api.TradeRequest{Side: "BUY", Ticker: "", Shares: d(1), Price: d(1)}, http.StatusBadRequest, ledger.ReasonInvalidTicker},
		{"zero shares", api.TradeRequest{Side: "BUY", Ticker: "AAPL", Shares: decimal.Zero, Price: d(1)}, http.StatusBadRequest, ledger.ReasonInvalidAmount},
		{"negative commission", api.TradeRequest{Side: "BUY", Ticker: "AAPL", Shares: d(1), Price: d(1), CommissionPercent: d(-1)}, http.StatusBadRequest, ledger.ReasonInvalidCommission},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectError(t, env.do(t, "POST", "/api/v1/trades", tt.req), tt.status, tt.reason)
		})
	}

	if cash := env.ledger.Snapshot().AvailableCash; !cash.Equal(d(50)) {
		t.Errorf("rejected trades must not move cash, got %s", cash)
	}
}

func TestTrade_PersistenceFailure(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, 1000)
	env.store.Fail = errors.New("connection refused")

	w := env.do(t, "POST", "/api/v1/trades", api.TradeRequest{Side: "BUY", Ticker: "AAPL", Shares: d(1), Price: d(100)})
	expectError(t, w, http.StatusServiceUnavailable, ledger.ReasonPersistenceFailed)

	if cash := env.ledger.Snapshot().AvailableCash; !cash.Equal(d(1000)) {
		t.Errorf("failed write must not move cash, got %s", cash)
	}
}

// --- Refresh ---

func TestRefresh_PartialFailure(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, 1000)
	ctx := context.Background()
	for _, o := range []ledger.Order{
		{Ticker: "AAPL", Shares: d(1), Price: d(150)},
		{Ticker: "BARC.L", Shares: d(10), Price: d(200)},
	} {
		if _, err := env.ledger.Buy(ctx, o); err != nil {
			t.Fatal(err)
		}
	}

	w := env.do(t, "POST", "/api/v1/refresh", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Failed  []string `json:"failed_tickers"`
		Warning string   `json:"warning"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Failed) != 1 || resp.Failed[0] != "BARC.L" {
		t.Errorf("expected BARC.L to fail, got %v", resp.Failed)
	}
	if !strings.Contains(resp.Warning, "BARC.L") {
		t.Errorf("expected a warning naming BARC.L, got %q", resp.Warning)
	}

	for _, h := range env.ledger.Snapshot().Holdings {
		switch h.Ticker {
		case "AAPL":
			if !h.CurrentPrice.Equal(d(190)) {
				t.Errorf("AAPL should be refreshed, got %s", h.CurrentPrice)
			}
		case "BARC.L":
			if !h.CurrentPrice.Equal(d(200)) {
				t.Errorf("BARC.L should keep its price, got %s", h.CurrentPrice)
			}
		}
	}
}

func TestRefresh_InProgress(t *testing.T) {
	env := newTestEnv(t)
	env.quotes.SetDelay(200 * time.Millisecond)

	task, err := env.rc.Start(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer task.Wait(context.Background())

	w := env.do(t, "POST", "/api/v1/refresh", nil)
	expectError(t, w, http.StatusConflict, refresh.ReasonRefreshInProgress)
}

// --- Reset, journal, search ---

func TestResetAndJournal(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, 1000)
	if w := env.do(t, "POST", "/api/v1/funds/deposit", api.AmountRequest{Amount: d(5)}); w.Code != http.StatusOK {
		t.Fatalf("deposit failed: %d", w.Code)
	}

	w := env.do(t, "GET", "/api/v1/journal", nil)
	var journal struct {
		Entries []model.JournalEntry `json:"entries"`
		Count   int                  `json:"count"`
	}
	if err := json.NewDecoder(w.Body).Decode(&journal); err != nil {
		t.Fatal(err)
	}
	if journal.Count != 2 || journal.Entries[1].Kind != model.EntryDeposit {
		t.Errorf("unexpected journal: %+v", journal)
	}

	if w := env.do(t, "POST", "/api/v1/reset", nil); w.Code != http.StatusOK {
		t.Fatalf("reset: expected 200, got %d", w.Code)
	}
	s := decodeSummary(t, env.do(t, "GET", "/api/v1/portfolio", nil))
	if !s.FirstLaunch || !s.AvailableCash.IsZero() || !s.GBPToUSDRate.Equal(model.DefaultRate) {
		t.Errorf("expected first-launch state after reset, got %+v", s)
	}

	w = env.do(t, "GET", "/api/v1/journal", nil)
	if !strings.Contains(w.Body.String(), `"entries":[]`) {
		t.Errorf("expected an empty journal, got %s", w.Body.String())
	}
}

func TestSearch(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "GET", "/api/v1/search?q=vo", nil)
	var resp api.SearchResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Symbols) != 5 {
		t.Errorf("expected 5 suggestions, got %v", resp.Symbols)
	}

	w = env.do(t, "GET", "/api/v1/search?q=", nil)
	if !strings.Contains(w.Body.String(), `"symbols":[]`) {
		t.Errorf("expected no suggestions for an empty query, got %s", w.Body.String())
	}
}

// --- WebSocket ---

func TestWebSocket_SearchAndBroadcast(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for env.hub.ClientCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// readType reads until a message of the wanted type arrives.
	readType := func(want string) api.WSMessage {
		t.Helper()
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		for {
			var msg api.WSMessage
			if err := conn.ReadJSON(&msg); err != nil {
				t.Fatalf("waiting for %s: %v", want, err)
			}
			if msg.Type == want {
				return msg
			}
		}
	}

	for _, q := range []string{"V", "VO", "VOD"} {
		if err := conn.WriteJSON(map[string]string{"type": api.MsgSearch, "query": q}); err != nil {
			t.Fatal(err)
		}
	}
	msg := readType(api.MsgSuggestions)
	if msg.Query != "VOD" || len(msg.Symbols) != 3 {
		t.Errorf("expected suggestions for VOD only, got %+v", msg)
	}

	env.fund(t, 500)
	msg = readType(api.MsgPortfolioUpdated)
	if msg.Portfolio == nil || !msg.Portfolio.AvailableCash.Equal(d(500)) {
		t.Errorf("unexpected portfolio broadcast: %+v", msg)
	}

	if w := env.do(t, "POST", "/api/v1/refresh", nil); w.Code != http.StatusOK {
		t.Fatalf("refresh: %d", w.Code)
	}
	msg = readType(api.MsgRefreshCompleted)
	if msg.Portfolio == nil {
		t.Error("expected the portfolio in the refresh broadcast")
	}
}
