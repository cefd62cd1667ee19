package config

import (
	"errors"
	"os"
	"strconv"
	"time"
)

type Config struct {
	HTTPAddr    string
	DatabaseURL string
	RabbitURL   string

	EventsExchange string
	OutboxInterval time.Duration
	OutboxBatch    int

	WebhookSecret   string
	SignatureHeader string
	ReplayWindow    time.Duration
	ReplayCacheSize int

	BreakerFailureThreshold int
	BreakerOpenTimeout      time.Duration

	DefaultMandateExpiryHours int

	AP2BaseURL string
	AP2Timeout time.Duration

	StreamMaxDuration   time.Duration
	ShutdownGracePeriod time.Duration
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

// Load reads the engine configuration from the environment. The webhook
// secret has no default; refusing to start without one beats silently
// accepting unsigned events.
func Load() (Config, error) {
	secret := getEnv("ENGINE_WEBHOOK_SECRET", "")
	if secret == "" {
		return Config{}, errors.New("ENGINE_WEBHOOK_SECRET is required")
	}

	cfg := Config{
		HTTPAddr:    getEnv("ENGINE_HTTP_ADDR", ":8080"),
		DatabaseURL: getEnv("ENGINE_DATABASE_URL", ""),
		RabbitURL:   getEnv("ENGINE_RABBIT_URL", ""),

		EventsExchange: getEnv("ENGINE_EVENTS_EXCHANGE", "mandate-engine.events"),
		OutboxInterval: parseDuration("ENGINE_OUTBOX_INTERVAL", 2*time.Second),
		OutboxBatch:    parseInt("ENGINE_OUTBOX_BATCH", 32),

		WebhookSecret:   secret,
		SignatureHeader: getEnv("ENGINE_SIGNATURE_HEADER", "X-Webhook-Signature"),
		ReplayWindow:    parseDuration("ENGINE_REPLAY_WINDOW", 5*time.Minute),
		ReplayCacheSize: parseInt("ENGINE_REPLAY_CACHE_SIZE", 10000),

		BreakerFailureThreshold: parseInt("ENGINE_BREAKER_FAILURE_THRESHOLD", 5),
		BreakerOpenTimeout:      parseDuration("ENGINE_BREAKER_OPEN_TIMEOUT", 60*time.Second),

		DefaultMandateExpiryHours: parseInt("ENGINE_DEFAULT_MANDATE_EXPIRY_HOURS", 24),

		AP2BaseURL: getEnv("AP2_BASE_URL", ""),
		AP2Timeout: parseDuration("AP2_TIMEOUT", 30*time.Second),

		StreamMaxDuration:   parseDuration("ENGINE_STREAM_MAX_DURATION", 30*time.Minute),
		ShutdownGracePeriod: parseDuration("ENGINE_SHUTDOWN_TIMEOUT", 10*time.Second),
	}
	return cfg, nil
}

func parseDuration(key string, def time.Duration) time.Duration {
	raw := getEnv(key, "")
	if raw == "" {
		return def
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return def
}

func parseInt(key string, def int) int {
	raw := getEnv(key, "")
	if raw == "" {
		return def
	}
	if v, err := strconv.Atoi(raw); err == nil {
		return v
	}
	return def
}
