package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"marketpipe/internal/alert"
	"marketpipe/internal/broker"
	"marketpipe/internal/cache"
	"marketpipe/internal/model"
	"marketpipe/internal/store/sqlite"
	"marketpipe/internal/subs"
	"marketpipe/internal/transport"
)

func TestShardFor_StableAndInRange(t *testing.T) {
	symbols := []string{"AAPL", "MSFT", "GOOG", "BTC-USD", "ETH-USD", "TSLA", "NVDA", "AMZN"}
	for _, n := range []int{1, 4, 8} {
		seen := make(map[int]bool)
		for _, s := range symbols {
			got := shardFor(s, n)
			if got < 0 || got >= n {
				t.Fatalf("shardFor(%s, %d) = %d, out of range", s, n, got)
			}
			if again := shardFor(s, n); again != got {
				t.Fatalf("shardFor(%s, %d) not stable: %d then %d", s, n, got, again)
			}
			seen[got] = true
		}
		if n > 1 && len(seen) < 2 {
			t.Errorf("n=%d: all %d symbols landed on one shard", n, len(symbols))
		}
	}
}

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// startFeed runs a WS endpoint handing each accepted socket to accept.
func startFeed(t *testing.T, accept func(*websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		accept(ws)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func envelope(msgType string, data interface{}) []byte {
	raw, _ := json.Marshal(data)
	out, _ := json.Marshal(model.Envelope{Type: msgType, Data: raw})
	return out
}

func feedTick(symbol, price string) model.Tick {
	return model.Tick{
		Symbol:    symbol,
		Price:     decimal.RequireFromString(price),
		Timestamp: time.Now().UTC(),
	}
}

// holdOpen parks the server side of a socket until the peer goes away.
func holdOpen(ws *websocket.Conn) {
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			ws.Close()
			return
		}
	}
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestPipeline(t *testing.T, url string, hooks Hooks) (*Pipeline, *cache.Cache) {
	t.Helper()
	log := slog.Default()
	conn := transport.New(transport.Config{URL: url, BaseDelay: 10 * time.Millisecond}, log)
	registry := subs.NewRegistry(conn, log)
	c := cache.New(nil, log, cache.Hooks{})
	p := New(conn, registry, c, 4, log, hooks)
	t.Cleanup(p.Stop)
	return p, c
}

func TestPriceUpdate_ReachesCache(t *testing.T) {
	url := startFeed(t, func(ws *websocket.Conn) {
		ws.WriteMessage(websocket.TextMessage, envelope(model.MsgPriceUpdate, feedTick("AAPL", "190.25")))
		holdOpen(ws)
	})

	var ticks int32
	p, c := newTestPipeline(t, url, Hooks{OnTick: func() { atomic.AddInt32(&ticks, 1) }})
	p.Start()

	waitFor(t, func() bool {
		_, ok := c.Get(context.Background(), "AAPL")
		return ok
	}, "tick in cache")

	tick, _ := c.Get(context.Background(), "AAPL")
	if !tick.Price.Equal(decimal.RequireFromString("190.25")) {
		t.Errorf("price = %s, want 190.25", tick.Price)
	}
	if atomic.LoadInt32(&ticks) != 1 {
		t.Errorf("tick hook fired %d times, want 1", atomic.LoadInt32(&ticks))
	}
}

func TestMarketUpdate_BatchDispatched(t *testing.T) {
	batch := []model.Tick{feedTick("AAPL", "190"), feedTick("MSFT", "420")}
	url := startFeed(t, func(ws *websocket.Conn) {
		ws.WriteMessage(websocket.TextMessage, envelope(model.MsgMarketUpdate, batch))
		holdOpen(ws)
	})

	p, c := newTestPipeline(t, url, Hooks{})
	p.Start()

	waitFor(t, func() bool { return c.Len() == 2 }, "both ticks cached")
	if tick, _ := c.Get(context.Background(), "MSFT"); !tick.Price.Equal(decimal.New(420, 0)) {
		t.Errorf("MSFT price = %s, want 420", tick.Price)
	}
}

func TestRoute_UnknownTypeCountedNotFatal(t *testing.T) {
	log := slog.Default()
	conn := transport.New(transport.Config{URL: "ws://127.0.0.1:1"}, log)
	var unknown int32
	p := New(conn, subs.NewRegistry(conn, log), cache.New(nil, log, cache.Hooks{}), 1, log,
		Hooks{OnUnknownType: func() { atomic.AddInt32(&unknown, 1) }})

	// route runs before Start here; unknown and empty-symbol frames never
	// reach a shard, so no workers are needed.
	p.route(model.Envelope{Type: "trade_halted", Data: json.RawMessage(`{}`)})
	p.route(model.Envelope{Type: model.MsgStatus, Data: json.RawMessage(`{"ok":true}`)})

	if got := atomic.LoadInt32(&unknown); got != 1 {
		t.Errorf("unknown hook fired %d times, want 1", got)
	}
}

func TestDispatch_EmptySymbolDropped(t *testing.T) {
	log := slog.Default()
	conn := transport.New(transport.Config{URL: "ws://127.0.0.1:1"}, log)
	var ticks int32
	p := New(conn, subs.NewRegistry(conn, log), cache.New(nil, log, cache.Hooks{}), 1, log,
		Hooks{OnTick: func() { atomic.AddInt32(&ticks, 1) }})

	p.route(model.Envelope{Type: model.MsgPriceUpdate, Data: json.RawMessage(`{"price":"1"}`)})

	if got := atomic.LoadInt32(&ticks); got != 0 {
		t.Errorf("tick hook fired %d times for a symbol-less tick, want 0", got)
	}
}

func TestSubscribe_ReplaysOnConnect(t *testing.T) {
	controls := make(chan model.ControlMessage, 4)
	url := startFeed(t, func(ws *websocket.Conn) {
		defer ws.Close()
		for {
			var msg model.ControlMessage
			if err := ws.ReadJSON(&msg); err != nil {
				return
			}
			controls <- msg
		}
	})

	p, _ := newTestPipeline(t, url, Hooks{})
	// Interest registered while disconnected is deferred, not lost.
	p.Subscribe("AAPL")
	p.Subscribe("MSFT")
	p.Start()

	select {
	case msg := <-controls:
		if msg.Type != "subscribe" || len(msg.Symbols) != 2 {
			t.Errorf("control = %+v, want bulk subscribe of 2", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no subscribe replayed after connect")
	}
}

func TestStop_LateFrameDroppedSafely(t *testing.T) {
	url := startFeed(t, holdOpen)
	var ticks int32
	p, c := newTestPipeline(t, url, Hooks{OnTick: func() { atomic.AddInt32(&ticks, 1) }})
	p.Start()
	p.Stop()

	// The transport read loop is not joined by Stop; a frame read just
	// before the socket closed can still arrive here. It must be dropped,
	// not sent to a closed shard.
	p.route(model.Envelope{Type: model.MsgPriceUpdate,
		Data: json.RawMessage(`{"symbol":"AAPL","price":"190.25"}`)})

	if c.Len() != 0 {
		t.Errorf("cache has %d entries after a post-stop frame, want 0", c.Len())
	}
	if got := atomic.LoadInt32(&ticks); got != 0 {
		t.Errorf("tick hook fired %d times after stop, want 0", got)
	}
}

func TestStop_Idempotent(t *testing.T) {
	url := startFeed(t, holdOpen)
	p, _ := newTestPipeline(t, url, Hooks{})
	p.Start()
	p.Subscribe("AAPL")

	p.Stop()
	p.Stop()
}

// The full path: feed frame → shard worker → cache → alert evaluation →
// user-scoped notification with the alert claimed durably.
func TestAlertFlow_EndToEnd(t *testing.T) {
	frames := make(chan []byte, 4)
	url := startFeed(t, func(ws *websocket.Conn) {
		defer ws.Close()
		for data := range frames {
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
		holdOpen(ws)
	})

	log := slog.Default()
	store, err := sqlite.Open(":memory:", log)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	notifier := broker.New(broker.Config{}, store, nil, log, broker.Hooks{})
	eval := alert.NewEvaluator(store, notifier, log, 0, alert.Hooks{})

	conn := transport.New(transport.Config{URL: url, BaseDelay: 10 * time.Millisecond}, log)
	registry := subs.NewRegistry(conn, log)
	c := cache.New(nil, log, cache.Hooks{})
	c.Subscribe(eval.OnTick)

	p := New(conn, registry, c, 4, log, Hooks{})
	t.Cleanup(p.Stop)

	ctx := context.Background()
	created, err := eval.CreateAlert(ctx, "u1", "AAPL", model.CondAbove, decimal.RequireFromString("190"))
	if err != nil {
		t.Fatalf("create alert: %v", err)
	}

	p.Start()
	p.Subscribe("AAPL")

	// Below target: nothing may fire.
	frames <- envelope(model.MsgPriceUpdate, feedTick("AAPL", "189.00"))
	// At/above target: fires exactly once.
	frames <- envelope(model.MsgPriceUpdate, feedTick("AAPL", "190.50"))
	close(frames)

	waitFor(t, func() bool {
		return len(notifier.History(broker.UserScope("u1"), 10)) > 0
	}, "alert notification")

	// Give a trailing duplicate time to surface before asserting exactly-once.
	time.Sleep(50 * time.Millisecond)
	history := notifier.History(broker.UserScope("u1"), 10)
	if len(history) != 1 {
		t.Fatalf("user history has %d notifications, want exactly 1", len(history))
	}
	n := history[0]
	if n.Type != model.NotifPriceAlert || n.Priority != model.PriorityHigh || n.UserID != "u1" {
		t.Errorf("notification = %+v", n)
	}

	alerts, err := store.ListAlerts(ctx, "u1", false)
	if err != nil {
		t.Fatalf("list alerts: %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("stored alerts = %d, want 1", len(alerts))
	}
	got := alerts[0]
	if got.ID != created.ID {
		t.Fatalf("stored id = %s, want %s", got.ID, created.ID)
	}
	if got.IsActive {
		t.Error("alert still active after trigger")
	}
	if got.TriggeredAt == nil {
		t.Error("triggeredAt not recorded")
	}
	if got.CurrentValueAtTrigger == nil || !got.CurrentValueAtTrigger.Equal(decimal.RequireFromString("190.50")) {
		t.Errorf("valueAtTrigger = %v, want 190.50", got.CurrentValueAtTrigger)
	}
	if eval.ActiveCount() != 0 {
		t.Errorf("ActiveCount = %d, want 0", eval.ActiveCount())
	}
}
