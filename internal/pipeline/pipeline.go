// Package pipeline wires the feed transport, subscription registry, tick
// cache, and alert evaluator into one running unit. Inbound price updates are
// sharded by symbol onto worker goroutines, so every consumer downstream of
// the cache sees updates for a given symbol in feed order.
package pipeline

import (
	"encoding/json"
	"hash/fnv"
	"log/slog"
	"sync"

	"marketpipe/internal/cache"
	"marketpipe/internal/model"
	"marketpipe/internal/subs"
	"marketpipe/internal/transport"
)

// Hooks carries optional metric callbacks.
type Hooks struct {
	OnTick        func()
	OnUnknownType func()
	OnState       func(s transport.State)
}

// Pipeline routes feed envelopes through the tick cache.
type Pipeline struct {
	conn     *transport.Conn
	registry *subs.Registry
	cache    *cache.Cache
	log      *slog.Logger
	hooks    Hooks

	shards []chan model.Tick
	wg     sync.WaitGroup

	// drainMu serializes shard sends against the channel close in Stop: a
	// frame read just before the socket closed may still be routing.
	drainMu  sync.RWMutex
	draining bool

	mu      sync.Mutex
	started bool
	stopped bool
}

// New builds the pipeline around already-constructed components. shards <= 0
// defaults to 8. The transport's callbacks are claimed here; don't assign
// them elsewhere.
func New(conn *transport.Conn, registry *subs.Registry, c *cache.Cache, shards int, log *slog.Logger, hooks Hooks) *Pipeline {
	if shards <= 0 {
		shards = 8
	}
	p := &Pipeline{
		conn:     conn,
		registry: registry,
		cache:    c,
		log:      log,
		hooks:    hooks,
		shards:   make([]chan model.Tick, shards),
	}

	conn.OnMessage = p.route
	conn.OnConnected = func() {
		p.reportState(transport.StateConnected)
		// Remote subscription state did not survive the drop.
		registry.Resubscribe()
	}
	conn.OnDisconnected = func(err error) {
		p.reportState(transport.StateDisconnected)
	}
	conn.OnFailed = func() {
		p.reportState(transport.StateFailed)
		log.Error("feed connection failed permanently; awaiting explicit restart")
	}
	return p
}

// Start spins up the shard workers and begins connecting. Safe to call once.
func (p *Pipeline) Start() {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	for i := range p.shards {
		ch := make(chan model.Tick, 256)
		p.shards[i] = ch
		p.wg.Add(1)
		go p.worker(ch)
	}

	p.log.Info("pipeline starting", slog.Int("shards", len(p.shards)))
	p.reportState(transport.StateConnecting)
	p.conn.Connect()
}

// Stop disconnects the transport, drains the shard workers, and clears local
// subscription bookkeeping. Idempotent.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	// Disconnect first so no new ticks arrive while the shards drain.
	p.conn.Disconnect()
	p.drainMu.Lock()
	p.draining = true
	p.drainMu.Unlock()
	for _, ch := range p.shards {
		close(ch)
	}
	p.wg.Wait()
	p.registry.Clear()
	p.log.Info("pipeline stopped")
}

// Subscribe adds feed interest in a symbol.
func (p *Pipeline) Subscribe(symbol string) {
	p.registry.Subscribe(subs.Symbol(symbol))
}

// Unsubscribe drops one reference to a symbol's feed interest.
func (p *Pipeline) Unsubscribe(symbol string) {
	p.registry.Unsubscribe(subs.Symbol(symbol))
}

// route dispatches one inbound envelope. Runs on the transport read loop, so
// it only parses and hands off; the shard workers do the real work.
func (p *Pipeline) route(env model.Envelope) {
	switch env.Type {
	case model.MsgPriceUpdate:
		var tick model.Tick
		if err := json.Unmarshal(env.Data, &tick); err != nil {
			p.log.Warn("price update dropped", slog.Any("err", err))
			return
		}
		p.dispatch(tick)

	case model.MsgMarketUpdate:
		var ticks []model.Tick
		if err := json.Unmarshal(env.Data, &ticks); err != nil {
			p.log.Warn("market update dropped", slog.Any("err", err))
			return
		}
		for _, tick := range ticks {
			p.dispatch(tick)
		}

	case model.MsgStatus:
		p.log.Info("feed status", slog.String("data", string(env.Data)))

	case model.MsgError:
		p.log.Warn("feed error", slog.String("data", string(env.Data)))

	default:
		p.log.Debug("unknown message type ignored", slog.String("type", env.Type))
		if p.hooks.OnUnknownType != nil {
			p.hooks.OnUnknownType()
		}
	}
}

// dispatch hands a tick to its symbol's shard. Same symbol, same shard: the
// per-symbol ordering guarantee lives here.
func (p *Pipeline) dispatch(tick model.Tick) {
	if tick.Symbol == "" {
		p.log.Warn("tick without symbol dropped")
		return
	}
	p.drainMu.RLock()
	defer p.drainMu.RUnlock()
	if p.draining {
		return
	}
	if p.hooks.OnTick != nil {
		p.hooks.OnTick()
	}
	p.shards[shardFor(tick.Symbol, len(p.shards))] <- tick
}

func (p *Pipeline) worker(ch <-chan model.Tick) {
	defer p.wg.Done()
	for tick := range ch {
		// Cache subscribers (alert evaluation included) run synchronously on
		// this goroutine, inheriting the per-symbol ordering.
		p.cache.Put(tick.Symbol, tick)
	}
}

func (p *Pipeline) reportState(s transport.State) {
	if p.hooks.OnState != nil {
		p.hooks.OnState(s)
	}
}

func shardFor(symbol string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return int(h.Sum32() % uint32(n))
}
