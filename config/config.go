package config

import (
	"log"
	"os"
	"strconv"
	"time"
)

// Config holds all pipeline configuration loaded from environment variables.
type Config struct {
	// Feed transport
	FeedURL        string
	ConnectTimeout time.Duration
	BaseDelay      time.Duration
	MaxAttempts    int
	PingInterval   time.Duration
	PongWait       time.Duration

	// Infrastructure
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	SQLitePath    string
	MetricsAddr   string
	GatewayAddr   string

	// Cache
	TickTTL time.Duration

	// Broker
	GlobalHistoryCap int
	UserHistoryCap   int

	// Evaluation
	TickShards       int
	MaxAlertsPerUser int

	// Presence
	StalenessWindow time.Duration

	// External notification channels (empty disables)
	WebhookURL       string
	TelegramBotToken string
	TelegramChatID   string
}

// Load reads configuration from environment variables with sensible defaults.
// REDIS_ADDR may be empty, in which case the shared cache tier and the
// cross-process relay are disabled.
func Load() *Config {
	return &Config{
		FeedURL:        mustEnv("FEED_URL"),
		ConnectTimeout: getDuration("CONNECT_TIMEOUT", 20*time.Second),
		BaseDelay:      getDuration("RECONNECT_BASE_DELAY", time.Second),
		MaxAttempts:    getInt("RECONNECT_MAX_ATTEMPTS", 5),
		PingInterval:   getDuration("PING_INTERVAL", 10*time.Second),
		PongWait:       getDuration("PONG_WAIT", 30*time.Second),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getInt("REDIS_DB", 0),
		SQLitePath:    getEnv("SQLITE_PATH", "data/pipeline.db"),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9090"),
		GatewayAddr:   getEnv("GATEWAY_ADDR", ":8080"),

		TickTTL: getDuration("TICK_TTL", 60*time.Second),

		GlobalHistoryCap: getInt("GLOBAL_HISTORY_CAP", 100),
		UserHistoryCap:   getInt("USER_HISTORY_CAP", 100),

		TickShards:       getInt("TICK_SHARDS", 8),
		MaxAlertsPerUser: getInt("MAX_ALERTS_PER_USER", 100),

		StalenessWindow: getDuration("PRESENCE_STALE_WINDOW", 5*time.Minute),

		WebhookURL:       getEnv("WEBHOOK_URL", ""),
		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnv("TELEGRAM_CHAT_ID", ""),
	}
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("[config] required env var %s not set", key)
	}
	return v
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] invalid int for %s: %q, using %d", key, v, fallback)
		return fallback
	}
	return n
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("[config] invalid duration for %s: %q, using %s", key, v, fallback)
		return fallback
	}
	return d
}
