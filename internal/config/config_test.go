// ABOUTME: Tests for env parsing defaults, overrides and backend validation.
package config_test

import (
	"strings"
	"testing"
	"time"

	"github.com/matipre/chatrelay/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.QueueBackend != config.BackendPostgres {
		t.Errorf("QueueBackend: got %q, want %q", cfg.QueueBackend, config.BackendPostgres)
	}
	if cfg.QueueMaxRetries != 3 {
		t.Errorf("QueueMaxRetries: got %d, want 3", cfg.QueueMaxRetries)
	}
	if cfg.QueuePollInterval != time.Second {
		t.Errorf("QueuePollInterval: got %v, want 1s", cfg.QueuePollInterval)
	}
	if cfg.QueueVisibilityTimeout != 5*time.Second {
		t.Errorf("QueueVisibilityTimeout: got %v, want 5s", cfg.QueueVisibilityTimeout)
	}
	if cfg.MessageQueue != "telegram_received_messages" {
		t.Errorf("MessageQueue: got %q", cfg.MessageQueue)
	}
	if cfg.ResponseQueue != "telegram_bot_responses" {
		t.Errorf("ResponseQueue: got %q", cfg.ResponseQueue)
	}
	if cfg.RabbitMQConnectionRetries != 5 || cfg.RabbitMQConnectionRetryDelay != 5*time.Second {
		t.Errorf("rabbitmq retries: got %d/%v, want 5/5s",
			cfg.RabbitMQConnectionRetries, cfg.RabbitMQConnectionRetryDelay)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("QUEUE_BACKEND", "rabbitmq")
	t.Setenv("QUEUE_PREFETCH_COUNT", "25")
	t.Setenv("QUEUE_POLL_INTERVAL", "250ms")
	t.Setenv("DEDUP_TTL", "1h")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.QueueBackend != config.BackendRabbitMQ {
		t.Errorf("QueueBackend: got %q", cfg.QueueBackend)
	}
	if cfg.QueuePrefetchCount != 25 {
		t.Errorf("QueuePrefetchCount: got %d, want 25", cfg.QueuePrefetchCount)
	}
	if cfg.QueuePollInterval != 250*time.Millisecond {
		t.Errorf("QueuePollInterval: got %v, want 250ms", cfg.QueuePollInterval)
	}
	if cfg.DedupTTL != time.Hour {
		t.Errorf("DedupTTL: got %v, want 1h", cfg.DedupTTL)
	}
}

func TestLoad_UnknownBackend(t *testing.T) {
	t.Setenv("QUEUE_BACKEND", "kafka")
	if _, err := config.Load(); err == nil {
		t.Fatal("Load should reject an unknown backend")
	}
}

func TestLoad_BadDuration(t *testing.T) {
	t.Setenv("QUEUE_POLL_INTERVAL", "soon")
	if _, err := config.Load(); err == nil {
		t.Fatal("Load should reject an unparsable duration")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.Config
		wantErr string
	}{
		{
			name: "postgres ok",
			cfg:  config.Config{QueueBackend: config.BackendPostgres, DatabaseURL: "postgres://x", TelegramBotToken: "t"},
		},
		{
			name:    "postgres without url",
			cfg:     config.Config{QueueBackend: config.BackendPostgres, TelegramBotToken: "t"},
			wantErr: "DATABASE_URL",
		},
		{
			name:    "rabbitmq without url",
			cfg:     config.Config{QueueBackend: config.BackendRabbitMQ, TelegramBotToken: "t"},
			wantErr: "RABBITMQ_URL",
		},
		{
			name:    "missing token",
			cfg:     config.Config{QueueBackend: config.BackendRabbitMQ, RabbitMQURL: "amqp://x"},
			wantErr: "TELEGRAM_BOT_TOKEN",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: unexpected error %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("Validate: got %v, want error mentioning %s", err, tc.wantErr)
			}
		})
	}
}
