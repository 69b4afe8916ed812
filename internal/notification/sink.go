// Package notification forwards broker notifications to external channels
// (webhooks, Telegram). Sinks attach as broker listeners, so a failing
// channel is isolated like any other listener and never blocks local
// delivery.
package notification

import (
	"context"
	"log/slog"
	"time"

	"marketpipe/internal/model"
)

// Sink delivers one notification to an external channel.
type Sink interface {
	Send(ctx context.Context, n model.Notification) error
}

// Forward returns a broker listener that pushes notifications into sink with
// a per-delivery timeout. minPriority filters out chatter; empty delivers
// everything.
func Forward(sink Sink, minPriority model.NotificationPriority, timeout time.Duration) func(model.Notification) error {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return func(n model.Notification) error {
		if !atLeast(n.Priority, minPriority) {
			return nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return sink.Send(ctx, n)
	}
}

func atLeast(p, min model.NotificationPriority) bool {
	if min == "" {
		return true
	}
	return rank(p) >= rank(min)
}

func rank(p model.NotificationPriority) int {
	switch p {
	case model.PriorityLow:
		return 0
	case model.PriorityMedium:
		return 1
	case model.PriorityHigh:
		return 2
	case model.PriorityCritical:
		return 3
	}
	return 0
}

// LogSink writes notifications to the structured log. Useful in development
// and as a delivery audit trail.
type LogSink struct {
	log *slog.Logger
}

// NewLogSink creates a log-backed sink.
func NewLogSink(log *slog.Logger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) Send(_ context.Context, n model.Notification) error {
	s.log.Info("notification",
		slog.String("id", n.ID),
		slog.String("type", string(n.Type)),
		slog.String("priority", string(n.Priority)),
		slog.String("title", n.Title),
		slog.String("message", n.Message))
	return nil
}
