package cache

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"marketpipe/internal/model"
)

// ErrTierUnavailable is returned by writes while the breaker is open.
var ErrTierUnavailable = errors.New("cache: shared tier unavailable")

// BreakerState is the guard's current mode.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // normal operation
	BreakerOpen                         // tripped, calls rejected
	BreakerHalfOpen                     // probing with one call
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// GuardedTier wraps a SharedTier with a circuit breaker so a dead Redis stops
// costing a network timeout per lookup. While open, reads report a miss and
// writes fail fast; after the reset window one probe call decides whether to
// close again.
type GuardedTier struct {
	inner SharedTier
	log   *slog.Logger

	mu          sync.Mutex
	state       BreakerState
	failures    int
	maxFailures int
	resetAfter  time.Duration
	lastFailure time.Time
}

// NewGuardedTier wraps inner. maxFailures <= 0 defaults to 5 consecutive
// failures; resetAfter <= 0 defaults to 10s.
func NewGuardedTier(inner SharedTier, maxFailures int, resetAfter time.Duration, log *slog.Logger) *GuardedTier {
	if maxFailures <= 0 {
		maxFailures = 5
	}
	if resetAfter <= 0 {
		resetAfter = 10 * time.Second
	}
	return &GuardedTier{
		inner:       inner,
		log:         log,
		maxFailures: maxFailures,
		resetAfter:  resetAfter,
	}
}

// State returns the breaker's current mode.
func (g *GuardedTier) State() BreakerState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

func (g *GuardedTier) Get(ctx context.Context, symbol string) (model.Tick, bool, error) {
	if !g.allow() {
		// Open breaker degrades to a miss; the local tier still serves.
		return model.Tick{}, false, nil
	}
	tick, ok, err := g.inner.Get(ctx, symbol)
	g.record(err)
	return tick, ok, err
}

func (g *GuardedTier) GetMany(ctx context.Context, symbols []string) (map[string]model.Tick, error) {
	if !g.allow() {
		return nil, nil
	}
	out, err := g.inner.GetMany(ctx, symbols)
	g.record(err)
	return out, err
}

func (g *GuardedTier) Set(ctx context.Context, symbol string, tick model.Tick) error {
	if !g.allow() {
		return ErrTierUnavailable
	}
	err := g.inner.Set(ctx, symbol, tick)
	g.record(err)
	return err
}

// allow reports whether a call may proceed, moving an expired open breaker to
// half-open so this call becomes the probe.
func (g *GuardedTier) allow() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == BreakerOpen {
		if time.Since(g.lastFailure) <= g.resetAfter {
			return false
		}
		g.transition(BreakerHalfOpen)
	}
	return true
}

func (g *GuardedTier) record(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err != nil {
		g.failures++
		g.lastFailure = time.Now()
		if g.state == BreakerHalfOpen || g.failures >= g.maxFailures {
			g.transition(BreakerOpen)
		}
		return
	}
	if g.state == BreakerHalfOpen {
		g.transition(BreakerClosed)
	}
	g.failures = 0
}

func (g *GuardedTier) transition(to BreakerState) {
	from := g.state
	g.state = to
	if to == BreakerClosed {
		g.failures = 0
	}
	g.log.Info("shared tier breaker state change",
		slog.String("from", from.String()), slog.String("to", to.String()))
}
