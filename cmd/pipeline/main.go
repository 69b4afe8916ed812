// cmd/pipeline — Market-data distribution and alerting service.
//
// Maintains the feed WebSocket, keeps the latest tick per symbol in a
// two-tier cache (local + Redis), evaluates price alerts on every update,
// and fans notifications out through the broker with durable SQLite history.
// Clients attach over the gateway's WebSocket/REST surface.
//
// Config (env vars):
//
//	FEED_URL      — feed WebSocket URL (required)
//	REDIS_ADDR    — shared tier / relay address (empty disables both)
//	SQLITE_PATH   — alert + notification database (default: data/pipeline.db)
//	GATEWAY_ADDR  — client WebSocket/REST listen address (default: ":8080")
//	METRICS_ADDR  — Prometheus endpoint (default: ":9090")
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"

	"marketpipe/config"
	"marketpipe/internal/alert"
	"marketpipe/internal/broker"
	"marketpipe/internal/cache"
	"marketpipe/internal/gateway"
	"marketpipe/internal/logger"
	"marketpipe/internal/metrics"
	"marketpipe/internal/model"
	"marketpipe/internal/notification"
	"marketpipe/internal/pipeline"
	"marketpipe/internal/presence"
	sqlitestore "marketpipe/internal/store/sqlite"
	"marketpipe/internal/subs"
	"marketpipe/internal/transport"
)

func main() {
	cfg := config.Load()
	log := logger.Init("pipeline", slog.LevelInfo)
	log.Info("starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ---- Metrics ----
	prom := metrics.New(prometheus.DefaultRegisterer)
	go func() {
		if err := metrics.Serve(ctx, cfg.MetricsAddr, logger.For(log, "metrics")); err != nil {
			log.Error("metrics server failed", slog.Any("err", err))
		}
	}()

	// ---- Redis (optional: shared cache tier + cross-process relay) ----
	var redisClient *goredis.Client
	if cfg.RedisAddr != "" {
		redisClient = goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Warn("redis unreachable, continuing without shared tier",
				slog.String("addr", cfg.RedisAddr), slog.Any("err", err))
			redisClient.Close()
			redisClient = nil
		} else {
			defer redisClient.Close()
			log.Info("redis connected", slog.String("addr", cfg.RedisAddr))
		}
	}

	// ---- SQLite (alerts + notification history) ----
	if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
		os.MkdirAll(dir, 0o755)
	}
	store, err := sqlitestore.Open(cfg.SQLitePath, logger.For(log, "sqlite"))
	if err != nil {
		log.Error("sqlite open failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer store.Close()

	// ---- Notification broker ----
	var relay broker.Relay
	if redisClient != nil {
		relay = broker.NewRedisRelay(redisClient)
	}
	hub := broker.New(broker.Config{
		GlobalCap: cfg.GlobalHistoryCap,
		UserCap:   cfg.UserHistoryCap,
	}, store, relay, logger.For(log, "broker"), broker.Hooks{
		OnPublish:         func(kind string) { prom.NotificationsPublished.WithLabelValues(kind).Inc() },
		OnListenerFailure: prom.ListenerFailures.Inc,
		OnEviction:        prom.HistoryEvictions.Inc,
	})

	// ---- Alert evaluator ----
	eval := alert.NewEvaluator(store, hub, logger.For(log, "alert"), cfg.MaxAlertsPerUser, alert.Hooks{
		OnTriggered:   prom.AlertsTriggered.Inc,
		OnEvalError:   prom.AlertEvalErrors.Inc,
		OnActiveCount: func(n int) { prom.ActiveAlerts.Set(float64(n)) },
		ObserveEval:   prom.AlertEvalDur.Observe,
	})
	if err := eval.Load(ctx); err != nil {
		log.Error("alert warm-start failed", slog.Any("err", err))
		os.Exit(1)
	}

	// ---- External notification channels ----
	if cfg.WebhookURL != "" {
		sink := notification.NewWebhookSink(cfg.WebhookURL)
		hub.Subscribe(broker.ScopeGlobal, notification.Forward(sink, model.PriorityMedium, 10*time.Second))
		log.Info("webhook sink attached", slog.String("url", cfg.WebhookURL))
	}
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		sink := notification.NewTelegramSink(cfg.TelegramBotToken, cfg.TelegramChatID)
		hub.Subscribe(broker.ScopeGlobal, notification.Forward(sink, model.PriorityHigh, 10*time.Second))
		log.Info("telegram sink attached")
	}

	// ---- Presence tracker ----
	tracker := presence.NewTracker(hub, logger.For(log, "presence"), presence.Hooks{
		OnOnlineCount: func(n int) { prom.OnlineUsers.Set(float64(n)) },
	})

	// ---- Tick cache ----
	var shared cache.SharedTier
	if redisClient != nil {
		tier := cache.NewRedisTier(redisClient, cfg.TickTTL)
		shared = cache.NewGuardedTier(tier, 5, 10*time.Second, logger.For(log, "cache"))
	}
	tickCache := cache.New(shared, logger.For(log, "cache"), cache.Hooks{
		OnHit:             func(tier string) { prom.CacheHits.WithLabelValues(tier).Inc() },
		OnMiss:            prom.CacheMisses.Inc,
		OnSharedWriteFail: prom.SharedWriteFails.Inc,
	})
	tickCache.Subscribe(eval.OnTick)

	// ---- Transport + subscription registry ----
	conn := transport.New(transport.Config{
		URL:            cfg.FeedURL,
		ConnectTimeout: cfg.ConnectTimeout,
		BaseDelay:      cfg.BaseDelay,
		MaxAttempts:    cfg.MaxAttempts,
		PingInterval:   cfg.PingInterval,
		PongWait:       cfg.PongWait,
	}, logger.For(log, "transport"))
	conn.OnReconnecting = func(int, time.Duration) { prom.Reconnects.Inc() }
	conn.OnMalformed = prom.MalformedMessages.Inc

	registry := subs.NewRegistry(conn, logger.For(log, "subs"))
	registry.OnSend = func(action string, n int) {
		prom.ControlSends.WithLabelValues(action).Add(float64(n))
		prom.ActiveTopics.Set(float64(registry.Len()))
	}
	registry.OnSendFail = func(string) { prom.ControlSendFails.Inc() }

	// ---- Pipeline ----
	pipe := pipeline.New(conn, registry, tickCache, cfg.TickShards, logger.For(log, "pipeline"), pipeline.Hooks{
		OnTick:        prom.TicksTotal.Inc,
		OnUnknownType: prom.UnknownMessages.Inc,
		OnState:       func(s transport.State) { prom.ConnectionState.Set(float64(s)) },
	})

	// ---- Client gateway ----
	gw := gateway.NewHub(registry, tickCache, eval, hub, tracker, cfg.StalenessWindow, logger.For(log, "gateway"))
	mux := http.NewServeMux()
	gw.RegisterRoutes(mux)
	gwSrv := &http.Server{Addr: cfg.GatewayAddr, Handler: mux}
	go func() {
		log.Info("gateway listening", slog.String("addr", cfg.GatewayAddr))
		if err := gwSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("gateway server failed", slog.Any("err", err))
		}
	}()

	pipe.Start()

	// ---- Wait for shutdown ----
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutting down", slog.String("signal", sig.String()))

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
	gwSrv.Shutdown(shutCtx)
	shutCancel()
	pipe.Stop()
	cancel()
	log.Info("stopped")
}
