// Package alert holds the active price-alert rules and decides, for every
// tick, whether any of them fire. A firing alert is deactivated and produces
// exactly one notification; an inactive alert is never evaluated again.
package alert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"marketpipe/internal/model"
)

var (
	// ErrInvalidTarget rejects non-positive target values at creation time.
	ErrInvalidTarget = errors.New("alert: target value must be positive")
	// ErrInvalidCondition rejects unknown conditions at creation time.
	ErrInvalidCondition = errors.New("alert: unknown condition")
	// ErrInvalidSymbol rejects empty symbols at creation time.
	ErrInvalidSymbol = errors.New("alert: symbol required")
	// ErrTooManyAlerts enforces the per-user alert cap.
	ErrTooManyAlerts = errors.New("alert: per-user alert limit reached")
	// ErrNotFound is returned when an alert id does not exist.
	ErrNotFound = errors.New("alert: not found")
)

// Store is the authoritative persistence for alert state. MarkAlertTriggered
// must flip is_active atomically and report whether this caller won the flip.
type Store interface {
	InsertAlert(ctx context.Context, a model.PriceAlert) error
	MarkAlertTriggered(ctx context.Context, id string, at time.Time, price decimal.Decimal) (bool, error)
	DeleteAlert(ctx context.Context, userID, id string) error
	ListAlerts(ctx context.Context, userID string, activeOnly bool) ([]model.PriceAlert, error)
	LoadActiveAlerts(ctx context.Context) ([]model.PriceAlert, error)
	CountAlerts(ctx context.Context, userID string) (int, error)
}

// Publisher is the slice of the notification broker the evaluator needs.
type Publisher interface {
	PublishToUser(userID string, n model.Notification) model.Notification
}

// Hooks carries optional metric callbacks.
type Hooks struct {
	OnTriggered   func()
	OnEvalError   func()
	OnActiveCount func(n int)
	ObserveEval   func(seconds float64)
}

// Evaluator indexes active alerts by symbol and evaluates them on each tick.
type Evaluator struct {
	store      Store
	pub        Publisher
	log        *slog.Logger
	hooks      Hooks
	maxPerUser int
	now        func() time.Time

	mu       sync.Mutex
	bySymbol map[string]map[string]*model.PriceAlert // symbol -> id -> active alert
	active   int
}

// NewEvaluator creates an evaluator. maxPerUser <= 0 defaults to 100.
func NewEvaluator(store Store, pub Publisher, log *slog.Logger, maxPerUser int, hooks Hooks) *Evaluator {
	if maxPerUser <= 0 {
		maxPerUser = 100
	}
	return &Evaluator{
		store:      store,
		pub:        pub,
		log:        log,
		hooks:      hooks,
		maxPerUser: maxPerUser,
		now:        func() time.Time { return time.Now().UTC() },
		bySymbol:   make(map[string]map[string]*model.PriceAlert),
	}
}

// Load warms the in-memory index from the store's active alerts.
func (e *Evaluator) Load(ctx context.Context) error {
	alerts, err := e.store.LoadActiveAlerts(ctx)
	if err != nil {
		return fmt.Errorf("load active alerts: %w", err)
	}
	e.mu.Lock()
	for i := range alerts {
		a := alerts[i]
		e.indexLocked(&a)
	}
	n := e.active
	e.mu.Unlock()

	e.log.Info("active alerts loaded", slog.Int("count", n))
	e.reportActive(n)
	return nil
}

// CreateAlert validates, persists, and indexes a new rule. Returns the stored
// alert with its generated id.
func (e *Evaluator) CreateAlert(ctx context.Context, userID, symbol string, condition model.AlertCondition, target decimal.Decimal) (model.PriceAlert, error) {
	if symbol == "" {
		return model.PriceAlert{}, ErrInvalidSymbol
	}
	if !condition.Valid() {
		return model.PriceAlert{}, fmt.Errorf("%w: %q", ErrInvalidCondition, condition)
	}
	if !target.IsPositive() {
		return model.PriceAlert{}, fmt.Errorf("%w: %s", ErrInvalidTarget, target)
	}

	n, err := e.store.CountAlerts(ctx, userID)
	if err != nil {
		return model.PriceAlert{}, fmt.Errorf("count alerts: %w", err)
	}
	if n >= e.maxPerUser {
		return model.PriceAlert{}, fmt.Errorf("%w (%d)", ErrTooManyAlerts, e.maxPerUser)
	}

	a := model.PriceAlert{
		ID:          uuid.NewString(),
		UserID:      userID,
		Symbol:      symbol,
		Condition:   condition,
		TargetValue: target,
		IsActive:    true,
		CreatedAt:   e.now(),
	}
	if err := e.store.InsertAlert(ctx, a); err != nil {
		return model.PriceAlert{}, fmt.Errorf("persist alert: %w", err)
	}

	e.mu.Lock()
	cp := a
	e.indexLocked(&cp)
	count := e.active
	e.mu.Unlock()
	e.reportActive(count)

	e.log.Info("alert created",
		slog.String("id", a.ID), slog.String("user", userID),
		slog.String("symbol", symbol), slog.String("condition", string(condition)),
		slog.String("target", target.String()))
	return a, nil
}

// DeleteAlert removes an alert regardless of active/triggered state.
// Idempotent when the id is already gone.
func (e *Evaluator) DeleteAlert(ctx context.Context, userID, id string) error {
	if err := e.store.DeleteAlert(ctx, userID, id); err != nil {
		return err
	}

	e.mu.Lock()
	for symbol, alerts := range e.bySymbol {
		if a, ok := alerts[id]; ok && a.UserID == userID {
			e.unindexLocked(symbol, id)
			break
		}
	}
	count := e.active
	e.mu.Unlock()
	e.reportActive(count)
	return nil
}

// ListAlerts returns the user's currently-active alerts.
func (e *Evaluator) ListAlerts(ctx context.Context, userID string) ([]model.PriceAlert, error) {
	return e.store.ListAlerts(ctx, userID, true)
}

// ListHistory returns all of the user's alerts including triggered ones.
func (e *Evaluator) ListHistory(ctx context.Context, userID string) ([]model.PriceAlert, error) {
	return e.store.ListAlerts(ctx, userID, false)
}

// OnTick evaluates every active alert on the tick's symbol. Calls for the
// same symbol must be serialized by the caller (the pipeline shards by
// symbol); the per-alert claim below additionally makes each trigger
// exactly-once even under misuse.
func (e *Evaluator) OnTick(symbol string, tick model.Tick) {
	start := time.Now()

	e.mu.Lock()
	idx := e.bySymbol[symbol]
	if len(idx) == 0 {
		e.mu.Unlock()
		return
	}
	snapshot := make([]model.PriceAlert, 0, len(idx))
	for _, a := range idx {
		snapshot = append(snapshot, *a)
	}
	e.mu.Unlock()

	for _, a := range snapshot {
		fired, err := evaluate(a, tick)
		if err != nil {
			// One bad rule must not sink the batch for this symbol.
			e.log.Warn("alert evaluation skipped",
				slog.String("id", a.ID), slog.Any("err", err))
			if e.hooks.OnEvalError != nil {
				e.hooks.OnEvalError()
			}
			continue
		}
		if fired {
			e.trigger(a, tick)
		}
	}

	if e.hooks.ObserveEval != nil {
		e.hooks.ObserveEval(time.Since(start).Seconds())
	}
}

// evaluate applies one rule to one tick.
func evaluate(a model.PriceAlert, tick model.Tick) (bool, error) {
	switch a.Condition {
	case model.CondAbove:
		return tick.Price.GreaterThanOrEqual(a.TargetValue), nil
	case model.CondBelow:
		return tick.Price.LessThanOrEqual(a.TargetValue), nil
	case model.CondChangePercent:
		// Sign-agnostic: a 5% threshold fires on +5% or -5%.
		return tick.ChangePercent.Abs().GreaterThanOrEqual(a.TargetValue), nil
	default:
		return false, fmt.Errorf("%w: %q", ErrInvalidCondition, a.Condition)
	}
}

// trigger claims the alert, persists the flip, and publishes one
// notification. The in-memory unindex is the in-process claim; the store's
// conditional update is the cross-process one.
func (e *Evaluator) trigger(a model.PriceAlert, tick model.Tick) {
	e.mu.Lock()
	if _, still := e.bySymbol[a.Symbol][a.ID]; !still {
		// Another evaluation already claimed it.
		e.mu.Unlock()
		return
	}
	e.unindexLocked(a.Symbol, a.ID)
	count := e.active
	e.mu.Unlock()
	e.reportActive(count)

	now := e.now()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	won, err := e.store.MarkAlertTriggered(ctx, a.ID, now, tick.Price)
	if err != nil {
		// The row stays active and re-arms on the next warm start;
		// publishing without a durable claim risks a second notification.
		e.log.Error("trigger persist failed",
			slog.String("id", a.ID), slog.Any("err", err))
		if e.hooks.OnEvalError != nil {
			e.hooks.OnEvalError()
		}
		return
	}
	if !won {
		// Another process flipped it first; it owns the notification.
		return
	}

	e.log.Info("alert triggered",
		slog.String("id", a.ID), slog.String("user", a.UserID),
		slog.String("symbol", a.Symbol), slog.String("condition", string(a.Condition)),
		slog.String("target", a.TargetValue.String()),
		slog.String("price", tick.Price.String()))
	if e.hooks.OnTriggered != nil {
		e.hooks.OnTriggered()
	}

	payload, _ := json.Marshal(map[string]string{
		"alertId":      a.ID,
		"symbol":       a.Symbol,
		"condition":    string(a.Condition),
		"targetValue":  a.TargetValue.String(),
		"currentPrice": tick.Price.String(),
	})
	e.pub.PublishToUser(a.UserID, model.Notification{
		Type:     model.NotifPriceAlert,
		Title:    "Price Alert: " + a.Symbol,
		Message:  alertMessage(a, tick.Price),
		Payload:  payload,
		Priority: model.PriorityHigh,
	})
}

func alertMessage(a model.PriceAlert, price decimal.Decimal) string {
	switch a.Condition {
	case model.CondAbove:
		return fmt.Sprintf("%s reached %s (target above %s)", a.Symbol, price, a.TargetValue)
	case model.CondBelow:
		return fmt.Sprintf("%s dropped to %s (target below %s)", a.Symbol, price, a.TargetValue)
	default:
		return fmt.Sprintf("%s moved more than %s%% (now %s)", a.Symbol, a.TargetValue, price)
	}
}

// ActiveCount returns the number of active alerts in memory.
func (e *Evaluator) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

func (e *Evaluator) indexLocked(a *model.PriceAlert) {
	if e.bySymbol[a.Symbol] == nil {
		e.bySymbol[a.Symbol] = make(map[string]*model.PriceAlert)
	}
	if _, dup := e.bySymbol[a.Symbol][a.ID]; !dup {
		e.bySymbol[a.Symbol][a.ID] = a
		e.active++
	}
}

func (e *Evaluator) unindexLocked(symbol, id string) {
	if alerts := e.bySymbol[symbol]; alerts != nil {
		if _, ok := alerts[id]; ok {
			delete(alerts, id)
			e.active--
			if len(alerts) == 0 {
				delete(e.bySymbol, symbol)
			}
		}
	}
}

func (e *Evaluator) reportActive(n int) {
	if e.hooks.OnActiveCount != nil {
		e.hooks.OnActiveCount(n)
	}
}
