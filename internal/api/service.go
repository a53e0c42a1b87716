// Package api exposes the portfolio ledger over HTTP and WebSocket:
// funding, trading, refresh, journal and symbol search.
//
// All monetary values use shopspring/decimal. Never float64 for money.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/papertrade/portfolio-engine/internal/ledger"
	"github.com/papertrade/portfolio-engine/internal/model"
	"github.com/papertrade/portfolio-engine/internal/refresh"
	"github.com/papertrade/portfolio-engine/internal/search"
)

// ReasonInvalidRequest is reported for malformed request bodies.
const ReasonInvalidRequest = "InvalidRequest"

// Service handles portfolio operations. The ledger serializes mutations
// itself; the service only translates between HTTP and ledger calls.
type Service struct {
	ledger      *ledger.Ledger
	refresher   *refresh.Coordinator
	searcher    search.Searcher
	searchLimit int
	wsHub       *WSHub // optional WebSocket hub for real-time broadcasts
}

// NewService creates a new portfolio service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(l *ledger.Ledger, rc *refresh.Coordinator, src search.Searcher, searchLimit int, hub *WSHub) *Service {
	if searchLimit <= 0 {
		searchLimit = search.DefaultLimit
	}
	return &Service{
		ledger:      l,
		refresher:   rc,
		searcher:    src,
		searchLimit: searchLimit,
		wsHub:       hub,
	}
}

// Routes registers the /api/v1 endpoints on r.
func (s *Service) Routes(r chi.Router) {
	r.Get("/portfolio", s.GetPortfolio)
	r.Post("/funds/initial", s.SetInitialFunds)
	r.Post("/funds/deposit", s.DepositCash)
	r.Post("/trades", s.ExecuteTrade)
	r.Post("/refresh", s.Refresh)
	r.Post("/reset", s.Reset)
	r.Get("/journal", s.GetJournal)
	r.Get("/search", s.Search)
	if s.wsHub != nil {
		r.Get("/ws", s.wsHub.HandleWS)
	}
}

// --- Request/Response types ---

// AmountRequest is the JSON body for the funding endpoints.
type AmountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// TradeRequest is the JSON body for POST /trades. Price is in the ticker's
// native unit (pence for London listings).
type TradeRequest struct {
	Side              string          `json:"side"` // "BUY" or "SELL"
	Ticker            string          `json:"ticker"`
	Shares            decimal.Decimal `json:"shares"`
	Price             decimal.Decimal `json:"price"`
	CommissionPercent decimal.Decimal `json:"commission_percent"`
}

// TradeResponse is the JSON body returned from POST /trades.
type TradeResponse struct {
	ledger.TradeResult
	RefreshStarted bool `json:"refresh_started"`
}

// RefreshResponse is the JSON body returned from POST /refresh.
type RefreshResponse struct {
	refresh.Report
	Message string `json:"warning,omitempty"`
}

// SearchResponse is the JSON body returned from GET /search.
type SearchResponse struct {
	Query   string   `json:"query"`
	Symbols []string `json:"symbols"`
}

// --- HTTP Handlers ---

// GetPortfolio handles GET /api/v1/portfolio
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ledger.Summary())
}

// SetInitialFunds handles POST /api/v1/funds/initial
func (s *Service) SetInitialFunds(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, ReasonInvalidRequest, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.ledger.SetInitialFunds(r.Context(), req.Amount); err != nil {
		writeLedgerError(w, err)
		return
	}

	summary := s.ledger.Summary()
	s.broadcastPortfolio()
	writeJSON(w, http.StatusCreated, summary)
}

// DepositCash handles POST /api/v1/funds/deposit
func (s *Service) DepositCash(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, ReasonInvalidRequest, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.ledger.DepositCash(r.Context(), req.Amount); err != nil {
		writeLedgerError(w, err)
		return
	}

	summary := s.ledger.Summary()
	s.broadcastPortfolio()
	writeJSON(w, http.StatusOK, summary)
}

// ExecuteTrade handles POST /api/v1/trades. A successful buy starts a
// background refresh that outlives the request.
func (s *Service) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, ReasonInvalidRequest, "invalid request body", http.StatusBadRequest)
		return
	}

	order := ledger.Order{
		Ticker:            req.Ticker,
		Shares:            req.Shares,
		Price:             req.Price,
		CommissionPercent: req.CommissionPercent,
	}

	var (
		res ledger.TradeResult
		err error
	)
	switch ledger.Side(strings.ToUpper(req.Side)) {
	case ledger.Buy:
		res, err = s.ledger.Buy(r.Context(), order)
	case ledger.Sell:
		res, err = s.ledger.Sell(r.Context(), order)
	default:
		writeError(w, ReasonInvalidRequest, "side must be BUY or SELL", http.StatusBadRequest)
		return
	}
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	resp := TradeResponse{TradeResult: res}
	if res.Side == ledger.Buy && s.refresher != nil {
		resp.RefreshStarted = s.startRefresh(context.WithoutCancel(r.Context()))
	}

	s.broadcastPortfolio()
	writeJSON(w, http.StatusOK, resp)
}

// Refresh handles POST /api/v1/refresh
func (s *Service) Refresh(w http.ResponseWriter, r *http.Request) {
	if s.refresher == nil {
		writeError(w, ledger.ReasonInternal, "price refresh is not configured", http.StatusServiceUnavailable)
		return
	}
	rep, err := s.refresher.RefreshAll(r.Context())
	if errors.Is(err, refresh.ErrRefreshInProgress) {
		writeError(w, refresh.ReasonRefreshInProgress, err.Error(), http.StatusConflict)
		return
	}
	if err != nil {
		writeError(w, ledger.ReasonInternal, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, RefreshResponse{Report: rep, Message: rep.Warning()})
}

// Reset handles POST /api/v1/reset
func (s *Service) Reset(w http.ResponseWriter, r *http.Request) {
	if err := s.ledger.Reset(r.Context()); err != nil {
		writeLedgerError(w, err)
		return
	}
	s.broadcastPortfolio()
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// GetJournal handles GET /api/v1/journal
func (s *Service) GetJournal(w http.ResponseWriter, r *http.Request) {
	entries, err := s.ledger.Journal(r.Context())
	if err != nil {
		slog.Error("journal read failed", "err", err)
		writeError(w, ledger.ReasonPersistenceFailed, "failed to read journal", http.StatusServiceUnavailable)
		return
	}
	if entries == nil {
		entries = []model.JournalEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}

// Search handles GET /api/v1/search?q=
func (s *Service) Search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	writeJSON(w, http.StatusOK, SearchResponse{
		Query:   strings.TrimSpace(q),
		Symbols: search.Lookup(r.Context(), s.searcher, q, s.searchLimit),
	})
}

// startRefresh launches a detached refresh. Completion is reported through
// the coordinator's OnComplete hook.
func (s *Service) startRefresh(ctx context.Context) bool {
	if _, err := s.refresher.Start(ctx); err != nil {
		slog.Info("post-trade refresh not started", "err", err)
		return false
	}
	return true
}

func (s *Service) broadcastPortfolio() {
	if s.wsHub == nil {
		return
	}
	summary := s.ledger.Summary()
	s.wsHub.Broadcast(WSMessage{Type: MsgPortfolioUpdated, Portfolio: &summary})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, reason, message string, status int) {
	writeJSON(w, status, map[string]string{"error": reason, "message": message})
}

func writeLedgerError(w http.ResponseWriter, err error) {
	reason := ledger.Reason(err)
	writeError(w, reason, err.Error(), statusFor(reason))
}

func statusFor(reason string) int {
	switch reason {
	case ledger.ReasonInsufficientFunds, ledger.ReasonInsufficientShares,
		ledger.ReasonAlreadyInitialized, ledger.ReasonNotInitialized:
		return http.StatusConflict
	case ledger.ReasonNoSuchHolding:
		return http.StatusNotFound
	case ledger.ReasonInvalidAmount, ledger.ReasonInvalidCommission, ledger.ReasonInvalidTicker:
		return http.StatusBadRequest
	case ledger.ReasonPersistenceFailed:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
