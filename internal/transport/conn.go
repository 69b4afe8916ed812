// Package transport maintains the single logical WebSocket connection to the
// tick/event source. It owns the reconnect/backoff state machine and exposes
// inbound envelopes through callbacks; callers never see transport errors as
// anything other than a disconnected event and, after retries are exhausted,
// a connection-failed event.
package transport

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"marketpipe/internal/model"
)

// ErrNotConnected is returned by Send when no socket is open.
var ErrNotConnected = errors.New("transport: not connected")

// State is the connection lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	// StateFailed is terminal until an explicit Connect call.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Config holds transport tuning. Zero values get defaults from withDefaults.
type Config struct {
	URL            string
	ConnectTimeout time.Duration // handshake deadline, default 20s
	BaseDelay      time.Duration // first reconnect delay, default 1s
	MaxAttempts    int           // reconnects before StateFailed, default 5
	PingInterval   time.Duration // heartbeat period, default 10s
	PongWait       time.Duration // read deadline extension per pong, default 30s
}

func (c *Config) withDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 20 * time.Second
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 10 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 30 * time.Second
	}
}

// Conn is the single transport connection. Callbacks must be assigned before
// the first Connect and are invoked from transport goroutines.
type Conn struct {
	cfg Config
	log *slog.Logger

	OnMessage      func(model.Envelope)
	OnConnected    func()
	OnDisconnected func(err error)
	OnFailed       func()
	// OnReconnecting fires when a retry timer is armed. Used for metrics.
	OnReconnecting func(attempt int, delay time.Duration)
	// OnMalformed fires when an inbound frame fails to parse.
	OnMalformed func()

	mu      sync.Mutex
	ws      *websocket.Conn
	state   State
	attempt int
	gen     int // connection generation; stale read/ping loops bail out
	pending bool
	timer   *time.Timer
	done    chan struct{}
	closed  bool // explicit Disconnect; suppresses auto-reconnect

	writeMu sync.Mutex
}

// New creates a transport connection. It does not dial; call Connect.
func New(cfg Config, log *slog.Logger) *Conn {
	cfg.withDefaults()
	return &Conn{cfg: cfg, log: log}
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether a socket is currently open.
func (c *Conn) IsConnected() bool {
	return c.State() == StateConnected
}

// Connect starts dialing asynchronously. It is a no-op while already
// Connected or Connecting. An explicit call after StateFailed restarts the
// retry budget.
func (c *Conn) Connect() {
	c.mu.Lock()
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return
	}
	if c.state == StateFailed {
		c.attempt = 0
	}
	c.closed = false
	c.state = StateConnecting
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	go c.dial(gen)
}

func (c *Conn) dial(gen int) {
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.ConnectTimeout}
	ws, resp, err := dialer.Dial(c.cfg.URL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		if err == nil {
			ws.Close()
		}
		return
	}
	if err != nil {
		c.state = StateDisconnected
		c.mu.Unlock()
		c.log.Warn("dial failed", slog.String("url", c.cfg.URL), slog.Any("err", err))
		if c.OnDisconnected != nil {
			c.OnDisconnected(err)
		}
		c.scheduleReconnect()
		return
	}

	c.ws = ws
	c.state = StateConnected
	c.attempt = 0
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	c.log.Info("connected", slog.String("url", c.cfg.URL))
	go c.readLoop(ws, gen)
	go c.pingLoop(ws, done)

	if c.OnConnected != nil {
		c.OnConnected()
	}
}

func (c *Conn) readLoop(ws *websocket.Conn, gen int) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.handleClose(gen, err)
			return
		}

		var env model.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Warn("malformed frame dropped", slog.Any("err", err))
			if c.OnMalformed != nil {
				c.OnMalformed()
			}
			continue
		}
		if c.OnMessage != nil {
			c.OnMessage(env)
		}
	}
}

// pingLoop sends periodic pings; a peer that stops answering trips the read
// deadline and the connection enters the normal reconnect path.
func (c *Conn) pingLoop(ws *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(5 * time.Second)
			if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

// handleClose runs once per connection when its read loop dies.
func (c *Conn) handleClose(gen int, err error) {
	c.mu.Lock()
	if gen != c.gen {
		// A newer connection superseded this one.
		c.mu.Unlock()
		return
	}
	c.gen++
	if c.done != nil {
		close(c.done)
		c.done = nil
	}
	if c.ws != nil {
		c.ws.Close()
		c.ws = nil
	}
	c.state = StateDisconnected
	c.mu.Unlock()

	c.log.Warn("connection lost", slog.Any("err", err))
	if c.OnDisconnected != nil {
		c.OnDisconnected(err)
	}
	c.scheduleReconnect()
}

// scheduleReconnect arms the single retry timer. A second request while one
// is pending is ignored, so at most one timer exists per Conn.
func (c *Conn) scheduleReconnect() {
	c.mu.Lock()
	if c.closed || c.pending || c.state == StateConnecting || c.state == StateConnected {
		c.mu.Unlock()
		return
	}
	if c.attempt >= c.cfg.MaxAttempts {
		c.state = StateFailed
		c.mu.Unlock()
		c.log.Error("reconnect attempts exhausted", slog.Int("attempts", c.cfg.MaxAttempts))
		if c.OnFailed != nil {
			c.OnFailed()
		}
		return
	}

	delay := backoffDelay(c.cfg.BaseDelay, c.attempt)
	c.attempt++
	attempt := c.attempt
	c.pending = true
	c.timer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		c.pending = false
		if c.closed || c.state == StateConnected || c.state == StateConnecting {
			c.mu.Unlock()
			return
		}
		c.state = StateConnecting
		c.gen++
		gen := c.gen
		c.mu.Unlock()
		go c.dial(gen)
	})
	c.mu.Unlock()

	c.log.Info("reconnect scheduled",
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay))
	if c.OnReconnecting != nil {
		c.OnReconnecting(attempt, delay)
	}
}

// backoffDelay is base × 2^attempt, so the Nth retry waits base × 2^(N-1).
func backoffDelay(base time.Duration, attempt int) time.Duration {
	return base << uint(attempt)
}

// Send marshals v and writes it to the socket. Writes are serialized; the
// gorilla connection allows only one concurrent writer.
func (c *Conn) Send(v interface{}) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteJSON(v)
}

// Disconnect cancels any pending reconnect, closes the socket, and leaves the
// connection down until an explicit Connect. No events fire for the close.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.pending = false
	c.gen++
	if c.done != nil {
		close(c.done)
		c.done = nil
	}
	ws := c.ws
	c.ws = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	if ws != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		ws.Close()
	}
	c.log.Info("disconnected by caller")
}
