// Package presence tracks per-user liveness and trading-session state.
// Updates propagate through the notification broker's presence scope, so
// interested components react without a direct dependency on this package.
package presence

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"marketpipe/internal/model"
)

// DefaultStaleWindow is how long a record stays fresh without a heartbeat.
const DefaultStaleWindow = 5 * time.Minute

// Publisher is the slice of the notification broker the tracker needs.
type Publisher interface {
	PublishPresence(n model.Notification) model.Notification
}

// Metadata is caller-supplied context merged into a presence on connect.
type Metadata struct {
	CurrentPage string
}

// Hooks carries optional metric callbacks.
type Hooks struct {
	OnOnlineCount func(n int)
}

// Tracker holds one presence record per user.
type Tracker struct {
	pub   Publisher
	log   *slog.Logger
	hooks Hooks
	now   func() time.Time

	mu     sync.Mutex
	byUser map[string]*model.Presence
}

// NewTracker creates a tracker publishing through pub.
func NewTracker(pub Publisher, log *slog.Logger, hooks Hooks) *Tracker {
	return &Tracker{
		pub:    pub,
		log:    log,
		hooks:  hooks,
		now:    func() time.Time { return time.Now().UTC() },
		byUser: make(map[string]*model.Presence),
	}
}

// Connect marks the user online, merges metadata, and publishes the update.
// The record is created on first connect.
func (t *Tracker) Connect(userID string, meta Metadata) model.Presence {
	t.mu.Lock()
	p := t.getOrCreateLocked(userID)
	p.Status = model.StatusOnline
	t.touchLocked(p)
	if meta.CurrentPage != "" {
		p.CurrentPage = meta.CurrentPage
	}
	snapshot := *p
	online := t.onlineLocked()
	t.mu.Unlock()

	t.reportOnline(online)
	t.publish(snapshot)
	return snapshot
}

// Heartbeat refreshes lastSeen without changing status. Unknown users are
// ignored; a heartbeat is not a connect.
func (t *Tracker) Heartbeat(userID string) {
	t.mu.Lock()
	p, ok := t.byUser[userID]
	if ok {
		t.touchLocked(p)
	}
	t.mu.Unlock()
}

// SetStatus changes the user's self-reported status (away, busy, ...) and
// publishes the update.
func (t *Tracker) SetStatus(userID string, status model.PresenceStatus) {
	t.mu.Lock()
	p, ok := t.byUser[userID]
	if !ok {
		t.mu.Unlock()
		return
	}
	p.Status = status
	t.touchLocked(p)
	snapshot := *p
	online := t.onlineLocked()
	t.mu.Unlock()

	t.reportOnline(online)
	t.publish(snapshot)
}

// Disconnect marks the user offline and publishes the update.
func (t *Tracker) Disconnect(userID string) {
	t.mu.Lock()
	p, ok := t.byUser[userID]
	if !ok {
		t.mu.Unlock()
		return
	}
	p.Status = model.StatusOffline
	t.touchLocked(p)
	snapshot := *p
	online := t.onlineLocked()
	t.mu.Unlock()

	t.reportOnline(online)
	t.publish(snapshot)
}

// StartTradingSession opens the session sub-record for a user.
func (t *Tracker) StartTradingSession(userID string, symbols []string) {
	t.mu.Lock()
	p := t.getOrCreateLocked(userID)
	p.TradingSession = &model.TradingSession{
		StartTime:     t.now(),
		ActiveSymbols: append([]string(nil), symbols...),
	}
	t.touchLocked(p)
	snapshot := *p
	t.mu.Unlock()

	t.publish(snapshot)
}

// UpdateTradingSession replaces the session's active symbols and adds trades
// to its counter. No-op without an open session.
func (t *Tracker) UpdateTradingSession(userID string, symbols []string, tradesDelta int) {
	t.mu.Lock()
	p, ok := t.byUser[userID]
	if !ok || p.TradingSession == nil {
		t.mu.Unlock()
		return
	}
	if symbols != nil {
		p.TradingSession.ActiveSymbols = append([]string(nil), symbols...)
	}
	p.TradingSession.TotalTrades += tradesDelta
	t.touchLocked(p)
	snapshot := *p
	t.mu.Unlock()

	t.publish(snapshot)
}

// EndTradingSession clears the session sub-record.
func (t *Tracker) EndTradingSession(userID string) {
	t.mu.Lock()
	p, ok := t.byUser[userID]
	if !ok || p.TradingSession == nil {
		t.mu.Unlock()
		return
	}
	p.TradingSession = nil
	t.touchLocked(p)
	snapshot := *p
	t.mu.Unlock()

	t.publish(snapshot)
}

// Get returns the user's presence record, if any.
func (t *Tracker) Get(userID string) (model.Presence, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.byUser[userID]
	if !ok {
		return model.Presence{}, false
	}
	return *p, true
}

// IsStale reports whether a presence has aged past the window, independent
// of its stored status. window <= 0 uses DefaultStaleWindow. Pure function:
// records don't carry their own expiry timers.
func IsStale(p model.Presence, now time.Time, window time.Duration) bool {
	if window <= 0 {
		window = DefaultStaleWindow
	}
	return now.Sub(p.LastSeen) > window
}

func (t *Tracker) getOrCreateLocked(userID string) *model.Presence {
	p, ok := t.byUser[userID]
	if !ok {
		p = &model.Presence{UserID: userID, Status: model.StatusOffline}
		t.byUser[userID] = p
	}
	return p
}

// touchLocked advances lastSeen, never backwards.
func (t *Tracker) touchLocked(p *model.Presence) {
	if now := t.now(); now.After(p.LastSeen) {
		p.LastSeen = now
	}
}

func (t *Tracker) onlineLocked() int {
	n := 0
	for _, p := range t.byUser {
		if p.Status == model.StatusOnline {
			n++
		}
	}
	return n
}

func (t *Tracker) reportOnline(n int) {
	if t.hooks.OnOnlineCount != nil {
		t.hooks.OnOnlineCount(n)
	}
}

func (t *Tracker) publish(p model.Presence) {
	if t.pub == nil {
		return
	}
	payload, err := json.Marshal(p)
	if err != nil {
		t.log.Warn("presence marshal failed", slog.Any("err", err))
		return
	}
	t.pub.PublishPresence(model.Notification{
		Type:     model.NotifSystemAlert,
		Title:    "presence",
		Message:  p.UserID + " is " + string(p.Status),
		Payload:  payload,
		Priority: model.PriorityLow,
	})
}
