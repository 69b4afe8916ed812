package gateway

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"marketpipe/internal/model"
	"marketpipe/internal/subs"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// Client is one WebSocket peer. Its view over the shared registry carries the
// client's feed interest; closing the socket releases it.
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	userID  string
	send    chan []byte
	view    *subs.View
	cleanup func()

	symMu   sync.RWMutex
	symbols map[string]struct{}
}

// clientMessage is the inbound frame shape.
type clientMessage struct {
	Type    string   `json:"type"`
	Symbols []string `json:"symbols,omitempty"`
	Status  string   `json:"status,omitempty"`
}

func (c *Client) watching(symbol string) bool {
	c.symMu.RLock()
	defer c.symMu.RUnlock()
	_, ok := c.symbols[symbol]
	return ok
}

func (c *Client) readPump() {
	defer func() {
		c.hub.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.hub.tracker.Heartbeat(c.userID)
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.hub.log.Warn("client frame dropped",
				slog.String("user", c.userID), slog.Any("err", err))
			continue
		}

		switch msg.Type {
		case "subscribe":
			c.updateSymbols(msg.Symbols, nil)
		case "unsubscribe":
			c.updateSymbols(nil, msg.Symbols)
		case "watchlist":
			// Full replacement; the view turns it into deltas.
			c.replaceSymbols(msg.Symbols)
		case "heartbeat":
			c.hub.tracker.Heartbeat(c.userID)
		case "status":
			status := model.PresenceStatus(msg.Status)
			if !status.Valid() {
				c.hub.log.Warn("unknown presence status ignored",
					slog.String("user", c.userID), slog.String("status", msg.Status))
				continue
			}
			c.hub.tracker.SetStatus(c.userID, status)
		default:
			c.hub.log.Debug("unknown client message",
				slog.String("user", c.userID), slog.String("type", msg.Type))
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
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

// onNotification is the broker listener for this client's scopes.
func (c *Client) onNotification(n model.Notification) error {
	payload := marshalEnvelope("notification", n)
	if payload == nil {
		return nil
	}
	select {
	case c.send <- payload:
	default: // slow client, drop
	}
	return nil
}

func (c *Client) updateSymbols(add, remove []string) {
	c.symMu.Lock()
	for _, s := range add {
		c.symbols[s] = struct{}{}
	}
	for _, s := range remove {
		delete(c.symbols, s)
	}
	c.reconcileLocked()
	c.symMu.Unlock()
}

func (c *Client) replaceSymbols(symbols []string) {
	c.symMu.Lock()
	c.symbols = make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		c.symbols[s] = struct{}{}
	}
	c.reconcileLocked()
	c.symMu.Unlock()
}

func (c *Client) reconcileLocked() {
	topics := make([]subs.Topic, 0, len(c.symbols))
	for s := range c.symbols {
		topics = append(topics, subs.Symbol(s))
	}
	c.view.Reconcile(topics)
}
