// Package broker delivers notifications to global and per-user audiences,
// decoupling producers (alert evaluator, news ingestion, system events) from
// consumers. Each scope keeps a bounded FIFO history; listeners registered at
// publish time get at-least-once delivery, and one misbehaving listener never
// blocks the rest.
package broker

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"marketpipe/internal/model"
)

// Scope is the addressing dimension for delivery: the global channel, the
// presence channel, or a single user.
type Scope string

const (
	ScopeGlobal   Scope = "global"
	ScopePresence Scope = "presence"
)

// UserScope addresses one user's channel.
func UserScope(userID string) Scope { return Scope("user:" + userID) }

// Kind buckets a scope for metrics and relay channel naming.
func (s Scope) Kind() string {
	switch {
	case s == ScopeGlobal:
		return "global"
	case s == ScopePresence:
		return "presence"
	default:
		return "user"
	}
}

// Listener receives published notifications. An error return (or panic) is
// logged and isolated; remaining listeners still get the notification.
type Listener func(model.Notification) error

// Store is the optional durable history backend.
type Store interface {
	InsertNotification(ctx context.Context, scope string, n model.Notification) error
	MarkNotificationRead(ctx context.Context, userID, id string) (bool, error)
	PruneNotifications(ctx context.Context, scope string, keep int) error
	UnreadNotifications(ctx context.Context, userID string) (int, error)
}

// Relay is the optional cross-process fan-out (Redis PUBLISH).
type Relay interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Hooks carries optional metric callbacks.
type Hooks struct {
	OnPublish         func(scopeKind string)
	OnListenerFailure func()
	OnEviction        func()
}

// Config bounds the per-scope histories.
type Config struct {
	GlobalCap int // default 100
	UserCap   int // default 100
}

// Broker is the notification fan-out hub.
type Broker struct {
	cfg   Config
	store Store
	relay Relay
	log   *slog.Logger
	hooks Hooks

	mu        sync.Mutex
	histories map[Scope]*history
	// dispatch serializes append+deliver per scope so listener order is FIFO
	dispatch map[Scope]*sync.Mutex

	lmu       sync.RWMutex
	listeners map[Scope]map[int]Listener
	nextID    int
}

// New creates a broker. store and relay may be nil.
func New(cfg Config, store Store, relay Relay, log *slog.Logger, hooks Hooks) *Broker {
	if cfg.GlobalCap <= 0 {
		cfg.GlobalCap = 100
	}
	if cfg.UserCap <= 0 {
		cfg.UserCap = 100
	}
	return &Broker{
		cfg:       cfg,
		store:     store,
		relay:     relay,
		log:       log,
		hooks:     hooks,
		histories: make(map[Scope]*history),
		dispatch:  make(map[Scope]*sync.Mutex),
		listeners: make(map[Scope]map[int]Listener),
	}
}

// PublishGlobal broadcasts to the global scope.
func (b *Broker) PublishGlobal(n model.Notification) model.Notification {
	n.UserID = ""
	return b.Publish(ScopeGlobal, n)
}

// PublishToUser delivers to a single user's scope.
func (b *Broker) PublishToUser(userID string, n model.Notification) model.Notification {
	n.UserID = userID
	return b.Publish(UserScope(userID), n)
}

// PublishPresence broadcasts a presence update on the presence scope.
func (b *Broker) PublishPresence(n model.Notification) model.Notification {
	return b.Publish(ScopePresence, n)
}

// Publish appends n to the scope's bounded history and pushes it to all
// listeners currently registered on that scope. Missing ID and Timestamp
// fields are filled in. Returns the stored notification.
func (b *Broker) Publish(scope Scope, n model.Notification) model.Notification {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}

	h, dmu := b.scopeState(scope)

	// Serialize append+deliver per scope: concurrent publishers to the same
	// scope keep FIFO order for both history and listeners.
	dmu.Lock()
	if h.append(n) && b.hooks.OnEviction != nil {
		b.hooks.OnEviction()
	}
	b.persist(scope, n)
	b.deliver(scope, n)
	dmu.Unlock()

	b.relayOut(scope, n)
	if b.hooks.OnPublish != nil {
		b.hooks.OnPublish(scope.Kind())
	}
	return n
}

func (b *Broker) scopeState(scope Scope) (*history, *sync.Mutex) {
	b.mu.Lock()
	defer b.mu.Unlock()
	h, ok := b.histories[scope]
	if !ok {
		cap := b.cfg.UserCap
		if scope == ScopeGlobal || scope == ScopePresence {
			cap = b.cfg.GlobalCap
		}
		h = newHistory(cap)
		b.histories[scope] = h
		b.dispatch[scope] = &sync.Mutex{}
	}
	return h, b.dispatch[scope]
}

func (b *Broker) persist(scope Scope, n model.Notification) {
	if b.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.store.InsertNotification(ctx, string(scope), n); err != nil {
		b.log.Warn("notification persist failed",
			slog.String("scope", string(scope)), slog.Any("err", err))
		return
	}
	keep := b.cfg.UserCap
	if scope == ScopeGlobal || scope == ScopePresence {
		keep = b.cfg.GlobalCap
	}
	if err := b.store.PruneNotifications(ctx, string(scope), keep); err != nil {
		b.log.Warn("notification prune failed",
			slog.String("scope", string(scope)), slog.Any("err", err))
	}
}

func (b *Broker) deliver(scope Scope, n model.Notification) {
	b.lmu.RLock()
	fns := make([]Listener, 0, len(b.listeners[scope]))
	for _, fn := range b.listeners[scope] {
		fns = append(fns, fn)
	}
	b.lmu.RUnlock()

	for _, fn := range fns {
		b.callIsolated(fn, n)
	}
}

// callIsolated invokes one listener, containing errors and panics so the
// remaining listeners and history persistence are unaffected.
func (b *Broker) callIsolated(fn Listener, n model.Notification) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("listener panic isolated", slog.Any("panic", r))
			if b.hooks.OnListenerFailure != nil {
				b.hooks.OnListenerFailure()
			}
		}
	}()
	if err := fn(n); err != nil {
		b.log.Warn("listener error isolated", slog.Any("err", err))
		if b.hooks.OnListenerFailure != nil {
			b.hooks.OnListenerFailure()
		}
	}
}

func (b *Broker) relayOut(scope Scope, n model.Notification) {
	if b.relay == nil {
		return
	}
	payload, err := json.Marshal(n)
	if err != nil {
		b.log.Warn("relay marshal failed", slog.Any("err", err))
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := b.relay.Publish(ctx, relayChannel(scope), payload); err != nil {
			b.log.Warn("relay publish failed",
				slog.String("scope", string(scope)), slog.Any("err", err))
		}
	}()
}

func relayChannel(scope Scope) string {
	switch scope {
	case ScopeGlobal:
		return "notify:global"
	case ScopePresence:
		return "presence"
	default:
		return "notify:" + string(scope)
	}
}

// Subscribe registers a listener on a scope and returns its remover.
// Listeners registered after a publish do not receive past events; use
// History for backfill.
func (b *Broker) Subscribe(scope Scope, fn Listener) (unsubscribe func()) {
	b.lmu.Lock()
	if b.listeners[scope] == nil {
		b.listeners[scope] = make(map[int]Listener)
	}
	id := b.nextID
	b.nextID++
	b.listeners[scope][id] = fn
	b.lmu.Unlock()

	return func() {
		b.lmu.Lock()
		delete(b.listeners[scope], id)
		if len(b.listeners[scope]) == 0 {
			delete(b.listeners, scope)
		}
		b.lmu.Unlock()
	}
}

// History returns the most recent limit entries for a scope, newest first.
func (b *Broker) History(scope Scope, limit int) []model.Notification {
	b.mu.Lock()
	h, ok := b.histories[scope]
	b.mu.Unlock()
	if !ok {
		return nil
	}
	return h.newestFirst(limit)
}

// MarkRead flips the read flag on one of the user's stored notifications.
// A missing id is a no-op, not an error.
func (b *Broker) MarkRead(userID, notificationID string) {
	scope := UserScope(userID)
	b.mu.Lock()
	h, ok := b.histories[scope]
	b.mu.Unlock()
	if ok {
		h.markRead(notificationID)
	}

	if b.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := b.store.MarkNotificationRead(ctx, userID, notificationID); err != nil {
			b.log.Warn("mark read persist failed",
				slog.String("user", userID), slog.Any("err", err))
		}
	}
}

// UnreadCount reports the user's unread notifications, preferring the
// durable store over the in-memory window when available.
func (b *Broker) UnreadCount(userID string) int {
	if b.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if n, err := b.store.UnreadNotifications(ctx, userID); err == nil {
			return n
		}
	}
	b.mu.Lock()
	h, ok := b.histories[UserScope(userID)]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	return h.unread()
}

// ParseUserScope extracts the user id from a user scope, if it is one.
func ParseUserScope(s Scope) (string, bool) {
	if rest, ok := strings.CutPrefix(string(s), "user:"); ok {
		return rest, true
	}
	return "", false
}
