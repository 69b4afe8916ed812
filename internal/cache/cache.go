// Package cache exposes the most recent tick per symbol. Reads hit a local
// in-memory tier first and fall through to an optional shared tier (Redis)
// with a short TTL; the shared tier is best-effort and never the sole source
// of truth.
package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"marketpipe/internal/model"
)

// SharedTier is the cross-process cache contract. Any key-value store with
// TTL support satisfies it; the pipeline binds it to Redis.
type SharedTier interface {
	Get(ctx context.Context, symbol string) (model.Tick, bool, error)
	GetMany(ctx context.Context, symbols []string) (map[string]model.Tick, error)
	Set(ctx context.Context, symbol string, tick model.Tick) error
}

// UpdateFunc receives every cache update, synchronously with respect to the
// local write: no update is observable before the cache reflects it.
type UpdateFunc func(symbol string, tick model.Tick)

// Hooks carries optional metric callbacks.
type Hooks struct {
	OnHit             func(tier string)
	OnMiss            func()
	OnSharedWriteFail func()
}

// Cache is the two-tier latest-value store.
type Cache struct {
	shared SharedTier // nil disables the shared tier
	log    *slog.Logger
	hooks  Hooks

	mu    sync.RWMutex
	local map[string]model.Tick

	subMu sync.RWMutex
	subs  []UpdateFunc

	// write-through timeout for the shared tier
	writeTimeout time.Duration
}

// New creates a cache. shared may be nil for local-only operation.
func New(shared SharedTier, log *slog.Logger, hooks Hooks) *Cache {
	return &Cache{
		shared:       shared,
		log:          log,
		hooks:        hooks,
		local:        make(map[string]model.Tick),
		writeTimeout: 2 * time.Second,
	}
}

// Subscribe registers an update callback. Callbacks run on the goroutine that
// called Put, so per-symbol serialization upstream carries through to them.
func (c *Cache) Subscribe(fn UpdateFunc) {
	c.subMu.Lock()
	c.subs = append(c.subs, fn)
	c.subMu.Unlock()
}

// Put stores the tick locally, notifies subscribers, and writes through to
// the shared tier asynchronously.
func (c *Cache) Put(symbol string, tick model.Tick) {
	c.mu.Lock()
	c.local[symbol] = tick
	c.mu.Unlock()

	c.subMu.RLock()
	subs := c.subs
	c.subMu.RUnlock()
	for _, fn := range subs {
		fn(symbol, tick)
	}

	if c.shared != nil {
		go c.writeThrough(symbol, tick)
	}
}

func (c *Cache) writeThrough(symbol string, tick model.Tick) {
	ctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
	defer cancel()
	if err := c.shared.Set(ctx, symbol, tick); err != nil {
		c.log.Warn("shared tier write failed",
			slog.String("symbol", symbol), slog.Any("err", err))
		if c.hooks.OnSharedWriteFail != nil {
			c.hooks.OnSharedWriteFail()
		}
	}
}

// Get returns the freshest known tick, checking local memory first and then
// the shared tier. A shared-tier hit back-fills the local map.
func (c *Cache) Get(ctx context.Context, symbol string) (model.Tick, bool) {
	c.mu.RLock()
	tick, ok := c.local[symbol]
	c.mu.RUnlock()
	if ok {
		if c.hooks.OnHit != nil {
			c.hooks.OnHit("local")
		}
		return tick, true
	}

	if c.shared != nil {
		tick, ok, err := c.shared.Get(ctx, symbol)
		if err != nil {
			c.log.Warn("shared tier read failed",
				slog.String("symbol", symbol), slog.Any("err", err))
		} else if ok {
			c.mu.Lock()
			// Keep a fresher local value if one raced in.
			if cur, exists := c.local[symbol]; !exists || cur.Timestamp.Before(tick.Timestamp) {
				c.local[symbol] = tick
			} else {
				tick = cur
			}
			c.mu.Unlock()
			if c.hooks.OnHit != nil {
				c.hooks.OnHit("shared")
			}
			return tick, true
		}
	}

	if c.hooks.OnMiss != nil {
		c.hooks.OnMiss()
	}
	return model.Tick{}, false
}

// GetMany returns ticks for the requested symbols. Symbols with no cached
// value anywhere are omitted from the result, never treated as errors.
func (c *Cache) GetMany(ctx context.Context, symbols []string) map[string]model.Tick {
	out := make(map[string]model.Tick, len(symbols))
	var missing []string

	c.mu.RLock()
	for _, s := range symbols {
		if tick, ok := c.local[s]; ok {
			out[s] = tick
		} else {
			missing = append(missing, s)
		}
	}
	c.mu.RUnlock()

	if c.shared != nil && len(missing) > 0 {
		found, err := c.shared.GetMany(ctx, missing)
		if err != nil {
			c.log.Warn("shared tier batch read failed", slog.Any("err", err))
			return out
		}
		if len(found) > 0 {
			c.mu.Lock()
			for s, tick := range found {
				out[s] = tick
				if cur, exists := c.local[s]; !exists || cur.Timestamp.Before(tick.Timestamp) {
					c.local[s] = tick
				}
			}
			c.mu.Unlock()
		}
	}
	return out
}

// Len returns the number of symbols in the local tier.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.local)
}
