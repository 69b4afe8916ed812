// Package metrics registers the Prometheus collectors for the pipeline and
// serves them over HTTP.
package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the market-data pipeline.
type Metrics struct {
	// Transport
	TicksTotal        prometheus.Counter
	MalformedMessages prometheus.Counter
	UnknownMessages   prometheus.Counter
	Reconnects        prometheus.Counter
	ConnectionState   prometheus.Gauge // 0=disconnected, 1=connecting, 2=connected, 3=failed

	// Subscriptions
	ActiveTopics     prometheus.Gauge
	ControlSends     *prometheus.CounterVec // labels: action=subscribe|unsubscribe
	ControlSendFails prometheus.Counter

	// Cache
	CacheHits        *prometheus.CounterVec // labels: tier=local|shared
	CacheMisses      prometheus.Counter
	SharedWriteFails prometheus.Counter

	// Alerts
	AlertsTriggered  prometheus.Counter
	AlertEvalErrors  prometheus.Counter
	ActiveAlerts     prometheus.Gauge
	AlertEvalDur     prometheus.Histogram

	// Broker
	NotificationsPublished *prometheus.CounterVec // labels: scope_kind=global|user|presence
	ListenerFailures       prometheus.Counter
	HistoryEvictions       prometheus.Counter

	// Presence
	OnlineUsers prometheus.Gauge
}

// New registers and returns all pipeline metrics on the given registerer.
// Pass prometheus.DefaultRegisterer in main; tests pass a fresh registry.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_ticks_total",
			Help: "Total price ticks received from the feed",
		}),
		MalformedMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_malformed_messages_total",
			Help: "Inbound messages dropped because they failed to parse",
		}),
		UnknownMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_unknown_messages_total",
			Help: "Inbound messages ignored due to unrecognized type",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_ws_reconnects_total",
			Help: "Total WebSocket reconnection attempts",
		}),
		ConnectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pipeline_connection_state",
			Help: "Transport state (0=disconnected, 1=connecting, 2=connected, 3=failed)",
		}),

		ActiveTopics: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pipeline_active_topics",
			Help: "Distinct topics currently held by the subscription registry",
		}),
		ControlSends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_control_sends_total",
			Help: "Subscribe/unsubscribe control messages sent to the feed",
		}, []string{"action"}),
		ControlSendFails: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_control_send_failures_total",
			Help: "Control messages that failed to send",
		}),

		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_cache_hits_total",
			Help: "Tick cache hits by tier",
		}, []string{"tier"}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_cache_misses_total",
			Help: "Tick cache lookups that missed both tiers",
		}),
		SharedWriteFails: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_shared_write_failures_total",
			Help: "Write-through failures to the shared cache tier",
		}),

		AlertsTriggered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_alerts_triggered_total",
			Help: "Price alerts that fired",
		}),
		AlertEvalErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_alert_eval_errors_total",
			Help: "Per-alert evaluation errors (alert skipped, batch continues)",
		}),
		ActiveAlerts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pipeline_active_alerts",
			Help: "Currently active price alerts",
		}),
		AlertEvalDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pipeline_alert_eval_duration_seconds",
			Help:    "Alert evaluation latency per tick",
			Buckets: []float64{0.000001, 0.00001, 0.0001, 0.001, 0.01},
		}),

		NotificationsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_notifications_published_total",
			Help: "Notifications published by scope kind",
		}, []string{"scope_kind"}),
		ListenerFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_listener_failures_total",
			Help: "Listener errors isolated during broker dispatch",
		}),
		HistoryEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_history_evictions_total",
			Help: "Oldest-first evictions from bounded notification histories",
		}),

		OnlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pipeline_online_users",
			Help: "Users currently tracked as online",
		}),
	}

	reg.MustRegister(
		m.TicksTotal, m.MalformedMessages, m.UnknownMessages, m.Reconnects,
		m.ConnectionState, m.ActiveTopics, m.ControlSends, m.ControlSendFails,
		m.CacheHits, m.CacheMisses, m.SharedWriteFails,
		m.AlertsTriggered, m.AlertEvalErrors, m.ActiveAlerts, m.AlertEvalDur,
		m.NotificationsPublished, m.ListenerFailures, m.HistoryEvictions,
		m.OnlineUsers,
	)
	return m
}

// Serve starts the /metrics HTTP endpoint and blocks until ctx is cancelled.
func Serve(ctx context.Context, addr string, log *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Info("metrics endpoint listening", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
