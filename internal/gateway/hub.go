// Package gateway is the client-facing surface: a WebSocket endpoint that
// streams price updates and notifications per user, and REST endpoints for
// alert management, quotes, and notification history. Each WebSocket client
// holds a subscription view over the shared registry, so feed interest follows
// the union of connected clients.
package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"marketpipe/internal/alert"
	"marketpipe/internal/broker"
	"marketpipe/internal/cache"
	"marketpipe/internal/model"
	"marketpipe/internal/presence"
	"marketpipe/internal/subs"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// Hub owns the connected WebSocket clients and fans cache updates out to the
// ones watching each symbol.
type Hub struct {
	registry    *subs.Registry
	cache       *cache.Cache
	eval        *alert.Evaluator
	broker      *broker.Broker
	tracker     *presence.Tracker
	staleWindow time.Duration
	log         *slog.Logger
	start       time.Time

	mu      sync.RWMutex
	clients map[*Client]bool
}

// NewHub wires the hub into the cache's update stream. staleWindow bounds how
// old a presence record may be before lookups report it stale; <= 0 uses the
// tracker's default.
func NewHub(registry *subs.Registry, c *cache.Cache, eval *alert.Evaluator, b *broker.Broker, tracker *presence.Tracker, staleWindow time.Duration, log *slog.Logger) *Hub {
	h := &Hub{
		registry:    registry,
		cache:       c,
		eval:        eval,
		broker:      b,
		tracker:     tracker,
		staleWindow: staleWindow,
		log:         log,
		start:       time.Now(),
		clients:     make(map[*Client]bool),
	}
	c.Subscribe(h.onTick)
	return h
}

// HandleWS upgrades the request and registers a client. The user query
// parameter identifies the peer for presence and notification targeting.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	if userID == "" {
		http.Error(w, `{"error":"user query parameter required"}`, http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", slog.Any("err", err))
		return
	}

	client := &Client{
		hub:     h,
		conn:    conn,
		userID:  userID,
		send:    make(chan []byte, 256),
		view:    h.registry.NewView(),
		symbols: make(map[string]struct{}),
	}

	// Notifications for this user and the global channel follow the socket.
	unsubUser := h.broker.Subscribe(broker.UserScope(userID), client.onNotification)
	unsubGlobal := h.broker.Subscribe(broker.ScopeGlobal, client.onNotification)
	client.cleanup = func() {
		unsubUser()
		unsubGlobal()
		client.view.Close()
		h.tracker.Disconnect(userID)
	}

	h.mu.Lock()
	h.clients[client] = true
	count := len(h.clients)
	h.mu.Unlock()

	h.tracker.Connect(userID, presence.Metadata{CurrentPage: r.URL.Query().Get("page")})
	h.log.Info("ws client connected",
		slog.String("user", userID), slog.Int("total", count))

	go client.writePump()
	go client.readPump()
}

// onTick routes one cache update to every client watching the symbol. Runs on
// the pipeline's shard workers; sends are non-blocking so a slow client drops
// ticks rather than stalling the shard.
func (h *Hub) onTick(symbol string, tick model.Tick) {
	var payload []byte

	h.mu.RLock()
	for client := range h.clients {
		if !client.watching(symbol) {
			continue
		}
		if payload == nil {
			payload = marshalEnvelope(model.MsgPriceUpdate, tick)
			if payload == nil {
				break
			}
		}
		select {
		case client.send <- payload:
		default: // slow client, drop tick
		}
	}
	h.mu.RUnlock()
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	if !h.clients[c] {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	count := len(h.clients)
	h.mu.Unlock()

	c.cleanup()
	close(c.send)
	h.log.Info("ws client disconnected",
		slog.String("user", c.userID), slog.Int("total", count))
}

// ClientCount returns the number of connected WebSocket clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func marshalEnvelope(msgType string, data interface{}) []byte {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil
	}
	payload, err := json.Marshal(model.Envelope{
		Type:      msgType,
		Data:      raw,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil
	}
	return payload
}
