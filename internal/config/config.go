// Package config parses and validates all application configuration from
// environment variables using caarlos0/env/v11.
//
// Call [Load] once at startup; pass the resulting [Config] to subcommands.
// Subcommands that need a backend-specific setting call [Config.Validate].
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Queue backends selectable with QUEUE_BACKEND.
const (
	BackendRabbitMQ = "rabbitmq"
	BackendPostgres = "postgres"
)

// Config holds all application configuration sourced from environment variables.
type Config struct {
	// ── Queue ────────────────────────────────────────────────────────────────────
	QueueBackend           string        `env:"QUEUE_BACKEND"            envDefault:"postgres"`
	QueueMaxRetries        int           `env:"QUEUE_MAX_RETRIES"        envDefault:"3"`
	QueuePrefetchCount     int           `env:"QUEUE_PREFETCH_COUNT"     envDefault:"10"`
	QueuePollInterval      time.Duration `env:"QUEUE_POLL_INTERVAL"      envDefault:"1s"`
	QueueVisibilityTimeout time.Duration `env:"QUEUE_VISIBILITY_TIMEOUT" envDefault:"5s"`
	MessageQueue           string        `env:"TELEGRAM_MESSAGE_QUEUE"   envDefault:"telegram_received_messages"`
	ResponseQueue          string        `env:"BOT_RESPONSE_QUEUE"       envDefault:"telegram_bot_responses"`

	// ── Database ─────────────────────────────────────────────────────────────────
	// Required by the postgres backend and the migrate/archive subcommands.
	DatabaseURL string `env:"DATABASE_URL"`
	DBMaxConns  int32  `env:"DB_MAX_CONNS" envDefault:"10"`

	// ── RabbitMQ ─────────────────────────────────────────────────────────────────
	RabbitMQURL                  string        `env:"RABBITMQ_URL"`
	RabbitMQExchange             string        `env:"RABBITMQ_EXCHANGE"                envDefault:"chatrelay"`
	RabbitMQDLXExchange          string        `env:"RABBITMQ_DLX_EXCHANGE"            envDefault:"chatrelay.dlx"`
	RabbitMQConnectionRetries    int           `env:"RABBITMQ_CONNECTION_RETRIES"      envDefault:"5"`
	RabbitMQConnectionRetryDelay time.Duration `env:"RABBITMQ_CONNECTION_RETRY_DELAY"  envDefault:"5s"`

	// ── Telegram ─────────────────────────────────────────────────────────────────
	TelegramBotToken      string  `env:"TELEGRAM_BOT_TOKEN,unset"`
	TelegramAPIURL        string  `env:"TELEGRAM_API_URL"        envDefault:"https://api.telegram.org"`
	TelegramWebhookURL    string  `env:"TELEGRAM_WEBHOOK_URL"`
	TelegramWebhookSecret string  `env:"TELEGRAM_WEBHOOK_SECRET,unset"`
	TelegramRateLimit     float64 `env:"TELEGRAM_RATE_LIMIT"     envDefault:"30"`

	// ── Dedup ────────────────────────────────────────────────────────────────────
	// Empty REDIS_URL disables update dedup.
	RedisURL string        `env:"REDIS_URL"`
	DedupTTL time.Duration `env:"DEDUP_TTL" envDefault:"24h"`

	// ── Server ───────────────────────────────────────────────────────────────────
	ListenAddr             string `env:"LISTEN_ADDR"              envDefault:":8080"`
	AppEnv                 string `env:"APP_ENV"                  envDefault:"development"`
	ShutdownTimeoutSeconds int    `env:"SHUTDOWN_TIMEOUT_SECONDS" envDefault:"30"`

	// ── Rate limiting ────────────────────────────────────────────────────────────
	WebhookRateLimit  float64       `env:"WEBHOOK_RATE_LIMIT"   envDefault:"30"`
	WebhookRateBurst  int           `env:"WEBHOOK_RATE_BURST"   envDefault:"60"`
	RateLimitEvictTTL time.Duration `env:"RATE_LIMIT_EVICT_TTL" envDefault:"15m"`

	// ── Logging ──────────────────────────────────────────────────────────────────
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load parses and returns Config from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if cfg.QueueBackend != BackendRabbitMQ && cfg.QueueBackend != BackendPostgres {
		return nil, fmt.Errorf("QUEUE_BACKEND: unknown backend %q (want %s or %s)",
			cfg.QueueBackend, BackendRabbitMQ, BackendPostgres)
	}
	return cfg, nil
}

// Validate checks the settings the selected queue backend and the Telegram
// client cannot run without.
func (c *Config) Validate() error {
	var errs []error
	switch c.QueueBackend {
	case BackendRabbitMQ:
		if c.RabbitMQURL == "" {
			errs = append(errs, errors.New("RABBITMQ_URL is required for the rabbitmq backend"))
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres backend"))
		}
	}
	if c.TelegramBotToken == "" {
		errs = append(errs, errors.New("TELEGRAM_BOT_TOKEN is required"))
	}
	return errors.Join(errs...)
}

// IsDevelopment reports whether the application is running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}
