// cmd/feedsim — Demo feed server.
// Speaks the same wire protocol as the real feed so the pipeline can run
// without upstream credentials: clients send subscribe/unsubscribe control
// messages and receive price_update envelopes for the symbols they hold.
//
// Config (env vars):
//
//	FEEDSIM_ADDR         — listen address (default: ":9001")
//	FEEDSIM_SYMBOLS      — comma-separated SYMBOL:STARTPRICE pairs
//	                       (default: "AAPL:190.25,MSFT:420.10,BTC-USD:64000")
//	FEEDSIM_INTERVAL_MS  — tick interval milliseconds (default: "500")
package main

import (
	"encoding/json"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"marketpipe/internal/logger"
	"marketpipe/internal/model"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// instrument holds per-symbol simulation state.
type instrument struct {
	symbol string
	start  decimal.Decimal
	price  decimal.Decimal
	high   decimal.Decimal
	low    decimal.Decimal
	volume int64
}

// client is one connected pipeline instance with its subscribed symbol set.
type client struct {
	send chan []byte

	mu   sync.Mutex
	subs map[string]struct{}
}

func (c *client) subscribed(symbol string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[symbol]
	return ok
}

func (c *client) update(action string, symbols []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range symbols {
		if action == "subscribe" {
			c.subs[s] = struct{}{}
		} else {
			delete(c.subs, s)
		}
	}
}

type hub struct {
	log *slog.Logger

	mu      sync.RWMutex
	clients map[*websocket.Conn]*client
}

func newHub(log *slog.Logger) *hub {
	return &hub{log: log, clients: make(map[*websocket.Conn]*client)}
}

func (h *hub) broadcast(symbol string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if !c.subscribed(symbol) {
			continue
		}
		select {
		case c.send <- payload:
		default: // slow client, drop tick
		}
	}
}

func (h *hub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("upgrade failed", slog.Any("err", err))
		return
	}

	c := &client{
		send: make(chan []byte, 256),
		subs: make(map[string]struct{}),
	}
	h.mu.Lock()
	h.clients[conn] = c
	h.mu.Unlock()
	h.log.Info("client connected", slog.String("remote", r.RemoteAddr))

	go func() {
		for payload := range c.send {
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	}()

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		h.mu.Unlock()
		close(c.send)
		conn.Close()
		h.log.Info("client disconnected", slog.String("remote", r.RemoteAddr))
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg model.ControlMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "subscribe", "unsubscribe":
			c.update(msg.Type, msg.Symbols)
			h.log.Info("control",
				slog.String("action", msg.Type),
				slog.Int("symbols", len(msg.Symbols)))
		}
	}
}

// walk applies a small random step (±0.1%) and keeps price positive.
func walk(price decimal.Decimal) decimal.Decimal {
	pct := decimal.NewFromFloat((rand.Float64()*0.2 - 0.1) / 100.0)
	next := price.Add(price.Mul(pct)).Round(4)
	if !next.IsPositive() {
		return price
	}
	return next
}

func runGenerator(h *hub, instruments []*instrument, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		for _, inst := range instruments {
			inst.price = walk(inst.price)
			if inst.price.GreaterThan(inst.high) {
				inst.high = inst.price
			}
			if inst.price.LessThan(inst.low) {
				inst.low = inst.price
			}
			inst.volume += int64(rand.Intn(1000) + 1)

			change := inst.price.Sub(inst.start)
			tick := model.Tick{
				Symbol:        inst.symbol,
				Price:         inst.price,
				Change:        change,
				ChangePercent: change.Div(inst.start).Mul(decimal.NewFromInt(100)).Round(4),
				Volume:        inst.volume,
				High24h:       inst.high,
				Low24h:        inst.low,
				Timestamp:     time.Now().UTC(),
			}
			data, err := json.Marshal(tick)
			if err != nil {
				continue
			}
			payload, err := json.Marshal(model.Envelope{
				Type:      model.MsgPriceUpdate,
				Data:      data,
				Timestamp: tick.Timestamp.Format(time.RFC3339Nano),
			})
			if err != nil {
				continue
			}
			h.broadcast(inst.symbol, payload)
		}
	}
}

func main() {
	log := logger.Init("feedsim", slog.LevelInfo)

	addr := getEnv("FEEDSIM_ADDR", ":9001")
	symbolSpec := getEnv("FEEDSIM_SYMBOLS", "AAPL:190.25,MSFT:420.10,BTC-USD:64000")
	intervalMs := getInt("FEEDSIM_INTERVAL_MS", 500)

	instruments := parseInstruments(symbolSpec, log)
	if len(instruments) == 0 {
		log.Error("no instruments configured via FEEDSIM_SYMBOLS")
		os.Exit(1)
	}
	log.Info("instruments configured",
		slog.Int("count", len(instruments)),
		slog.Int("interval_ms", intervalMs))

	h := newHub(log)
	go runGenerator(h, instruments, time.Duration(intervalMs)*time.Millisecond)

	http.HandleFunc("/ws", h.handleWS)
	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"feedsim"}`))
	})

	log.Info("listening", slog.String("addr", addr))
	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Error("server error", slog.Any("err", err))
		os.Exit(1)
	}
}

func parseInstruments(spec string, log *slog.Logger) []*instrument {
	var out []*instrument
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		seg := strings.SplitN(part, ":", 2)
		if len(seg) != 2 {
			log.Warn("skipping invalid symbol spec", slog.String("spec", part))
			continue
		}
		price, err := decimal.NewFromString(strings.TrimSpace(seg[1]))
		if err != nil || !price.IsPositive() {
			log.Warn("skipping invalid start price", slog.String("spec", part))
			continue
		}
		out = append(out, &instrument{
			symbol: strings.TrimSpace(seg[0]),
			start:  price,
			price:  price,
			high:   price,
			low:    price,
		})
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
