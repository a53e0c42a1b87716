package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/papertrade/portfolio-engine/internal/ledger"
	"github.com/papertrade/portfolio-engine/internal/metrics"
	"github.com/papertrade/portfolio-engine/internal/model"
	"github.com/papertrade/portfolio-engine/internal/refresh"
	"github.com/papertrade/portfolio-engine/internal/search"
)

// Message types. Clients send MsgSearch; the server sends the rest.
const (
	MsgPortfolioUpdated = "portfolio_updated"
	MsgRefreshCompleted = "refresh_completed"
	MsgSuggestions      = "suggestions"
	MsgSearch           = "search"
)

const (
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second
	maxReadBytes = 4096
	sendBuffer   = 64
)

// WSMessage is a JSON message sent to WebSocket clients.
type WSMessage struct {
	Type      string         `json:"type"`
	Portfolio *model.Summary `json:"portfolio,omitempty"`
	Failed    []string       `json:"failed_tickers,omitempty"`
	Warning   string         `json:"warning,omitempty"`
	Seq       uint64         `json:"seq,omitempty"`
	Query     string         `json:"query,omitempty"`
	Symbols   []string       `json:"symbols,omitempty"`
}

// clientMessage is a JSON message received from a WebSocket client.
type clientMessage struct {
	Type  string `json:"type"`
	Query string `json:"query"`
}

// client is one connection. Only writePump writes to conn.
type client struct {
	hub     *WSHub
	conn    *websocket.Conn
	send    chan []byte
	suggest *search.Suggester
}

// WSHub manages WebSocket connections, broadcasts portfolio and refresh
// events to all of them and answers per-connection symbol searches.
type WSHub struct {
	clients    map[*client]bool
	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	done       chan struct{}
	mu         sync.RWMutex

	searcher search.Searcher
	debounce time.Duration
	limit    int
}

// NewWSHub creates a new WebSocket hub. Search input on each connection is
// debounced by debounce and capped at limit suggestions.
func NewWSHub(src search.Searcher, debounce time.Duration, limit int) *WSHub {
	return &WSHub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		searcher:   src,
		debounce:   debounce,
		limit:      limit,
	}
}

// Run starts the hub's main event loop until ctx is done. Must be called
// in a goroutine.
func (h *WSHub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
			slog.Info("ws client connected", "total", n)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				h.dropLocked(c)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))

		case msg := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					// Slow consumer: disconnect rather than block the hub.
					h.dropLocked(c)
				}
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))

		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				h.dropLocked(c)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return
		}
	}
}

// dropLocked removes c and closes its send channel, which makes its write
// pump close the connection. The suggester is closed first so no late
// suggestion can be sent on the closed channel.
func (h *WSHub) dropLocked(c *client) {
	delete(h.clients, c)
	c.suggest.Close()
	close(c.send)
}

// ClientCount returns the number of connected clients.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends a message to all connected clients.
func (h *WSHub) Broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
		// Drop if buffer full to avoid blocking ledger operations.
	}
}

// RefreshNotifier returns a refresh completion hook that broadcasts the
// report together with the refreshed portfolio.
func RefreshNotifier(l *ledger.Ledger, h *WSHub) func(refresh.Report) {
	return func(rep refresh.Report) {
		summary := l.Summary()
		h.Broadcast(WSMessage{
			Type:      MsgRefreshCompleted,
			Portfolio: &summary,
			Failed:    rep.Failed,
			Warning:   rep.Warning(),
		})
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	c := &client{hub: h, conn: conn, send: make(chan []byte, sendBuffer)}
	c.suggest = search.NewSuggester(h.searcher, h.debounce, h.limit, c.sendSuggestions)

	select {
	case h.register <- c:
	case <-h.done:
		c.suggest.Close()
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// sendSuggestions runs under the suggester's lock, which dropLocked takes
// before closing send.
func (c *client) sendSuggestions(res search.Result) {
	data, err := json.Marshal(WSMessage{
		Type:    MsgSuggestions,
		Seq:     res.Seq,
		Query:   res.Query,
		Symbols: res.Symbols,
	})
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// readPump keeps the connection alive, detects disconnects and feeds
// search input to the suggester.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxReadBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Debug("ws message ignored", "err", err)
			continue
		}
		if msg.Type == MsgSearch {
			c.suggest.Submit(msg.Query)
		}
	}
}

// writePump is the only writer on the connection. Pings keep it alive
// through proxies.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
