// Package ws streams committed ledger events and price updates to
// websocket clients.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/vaultd/internal/domain"
	"github.com/alanyoungcy/vaultd/internal/service"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// envelope is the frame sent to clients.
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// subscribeMsg changes the vault filter. "all" follows every vault;
// "subscribe" and "unsubscribe" edit an explicit id set.
type subscribeMsg struct {
	Action   string   `json:"action"`
	VaultIDs []uint64 `json:"vault_ids"`
}

type client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	mu     sync.RWMutex
	all    bool
	vaults map[uint64]bool
}

type broadcastMsg struct {
	vaultID uint64
	data    []byte
}

// Hub fans events out to websocket clients. Events arrive either through
// HandleEvent (in-process publisher sink) or from the signal bus when one
// is configured.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan broadcastMsg
	register   chan *client
	unregister chan *client
	done       chan struct{}
	bus        domain.SignalBus
	mu         sync.RWMutex
	logger     *slog.Logger
}

// NewHub creates a Hub. bus may be nil.
func NewHub(bus domain.SignalBus, logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan broadcastMsg, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		bus:        bus,
		logger:     logger.With(slog.String("component", "ws_hub")),
	}
}

// HandleEvent broadcasts a committed event. It never blocks on slow
// clients.
func (h *Hub) HandleEvent(ctx context.Context, e domain.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	h.enqueue(ctx, e.VaultID, "event", payload)
	return nil
}

func (h *Hub) enqueue(ctx context.Context, vaultID uint64, kind string, payload []byte) {
	frame, err := json.Marshal(envelope{Type: kind, Payload: payload})
	if err != nil {
		return
	}
	select {
	case h.broadcast <- broadcastMsg{vaultID: vaultID, data: frame}:
	case <-ctx.Done():
	default:
		h.logger.WarnContext(ctx, "ws: broadcast queue full, dropping message", slog.String("type", kind))
	}
}

// Run drives registration and broadcast until ctx ends.
func (h *Hub) Run(ctx context.Context) error {
	if h.bus != nil {
		go h.relay(ctx, service.EventsChannel, "event")
		go h.relay(ctx, service.PricesChannel, "price")
	}

	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws: client connected", slog.Int("total_clients", n))

		case c := <-h.unregister:
			h.mu.Lock()
			if h.clients[c] {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws: client disconnected", slog.Int("total_clients", n))

		case msg := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				if !c.wants(msg.vaultID) {
					continue
				}
				select {
				case c.send <- msg.data:
				default:
					h.logger.Warn("ws: dropping message for slow client")
				}
			}
			h.mu.RUnlock()
		}
	}
}

// relay forwards bus messages on channel to clients.
func (h *Hub) relay(ctx context.Context, channel, kind string) {
	msgs, err := h.bus.Subscribe(ctx, channel)
	if err != nil {
		h.logger.Error("ws: subscribe failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-msgs:
			if !ok {
				h.logger.Warn("ws: subscription closed", slog.String("channel", channel))
				return
			}
			var vaultID uint64
			if kind == "event" {
				var e domain.Event
				if err := json.Unmarshal(data, &e); err != nil {
					h.logger.Warn("ws: undecodable event", slog.String("error", err.Error()))
					continue
				}
				vaultID = e.VaultID
			}
			h.enqueue(ctx, vaultID, kind, data)
		}
	}
}

// HandleWS upgrades the connection. ?vault_id=N limits the stream to one
// vault; clients may change the filter with subscribe messages.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	vaults := map[uint64]bool{}
	if raw := r.URL.Query().Get("vault_id"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, `{"error":"vault_id must be an unsigned integer","code":"BAD_REQUEST"}`, http.StatusBadRequest)
			return
		}
		vaults[id] = true
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}
	c := &client{hub: h, conn: conn, send: make(chan []byte, sendBufferSize), all: len(vaults) == 0, vaults: vaults}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// wants reports whether the client follows vaultID. Messages that are not
// tied to a vault (id 0) go to everyone.
func (c *client) wants(vaultID uint64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return vaultID == 0 || c.all || c.vaults[vaultID]
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("ws: unexpected close", slog.String("error", err.Error()))
			}
			return
		}
		var sub subscribeMsg
		if json.Unmarshal(message, &sub) != nil {
			continue
		}
		c.mu.Lock()
		switch sub.Action {
		case "subscribe":
			c.all = false
			for _, id := range sub.VaultIDs {
				c.vaults[id] = true
			}
		case "unsubscribe":
			for _, id := range sub.VaultIDs {
				delete(c.vaults, id)
			}
		case "all":
			c.all = true
			c.vaults = map[uint64]bool{}
		}
		c.mu.Unlock()
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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

var _ service.EventSink = (*Hub)(nil)
