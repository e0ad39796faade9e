// ABOUTME: Shared runtime for long-running subcommands: queue factory, connections, relay jobs.
// ABOUTME: newPool opens the Postgres pool with the startup retry loop.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/matipre/chatrelay/internal/api"
	"github.com/matipre/chatrelay/internal/config"
	"github.com/matipre/chatrelay/internal/dedup"
	"github.com/matipre/chatrelay/internal/queue"
	"github.com/matipre/chatrelay/internal/queue/broker"
	"github.com/matipre/chatrelay/internal/queue/pgqueue"
	"github.com/matipre/chatrelay/internal/relay"
	"github.com/matipre/chatrelay/internal/store"
	"github.com/matipre/chatrelay/internal/telegram"
)

// runtime holds everything a long-running subcommand shares: the queue
// factory, its backing connections, the Telegram client and the relay jobs.
type runtime struct {
	factory queue.Factory
	db      *pgxpool.Pool     // postgres backend only
	conn    broker.Connection // rabbitmq backend only
	guard   *dedup.Guard      // nil when REDIS_URL is unset

	telegram  *telegram.Client
	processor *relay.MessageProcessor
	workers   *relay.Workers
}

func newRuntime(ctx context.Context, cfg *config.Config, longPoll time.Duration) (*runtime, error) {
	rt := &runtime{}
	ok := false
	defer func() {
		if !ok {
			rt.close(cfg)
		}
	}()

	switch cfg.QueueBackend {
	case config.BackendRabbitMQ:
		conn, err := broker.Connect(ctx, broker.ConnectConfig{
			URL:        cfg.RabbitMQURL,
			Retries:    cfg.RabbitMQConnectionRetries,
			RetryDelay: cfg.RabbitMQConnectionRetryDelay,
		})
		if err != nil {
			return nil, fmt.Errorf("rabbitmq: %w", err)
		}
		rt.conn = conn
		rt.factory = broker.New(conn, broker.Config{
			Exchange:      cfg.RabbitMQExchange,
			DLXExchange:   cfg.RabbitMQDLXExchange,
			MaxRetries:    cfg.QueueMaxRetries,
			PrefetchCount: cfg.QueuePrefetchCount,
		})
	case config.BackendPostgres:
		db, err := newPool(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("database: %w", err)
		}
		rt.db = db
		rt.factory = pgqueue.New(store.New(db))
	}

	if cfg.RedisURL != "" {
		guard, err := dedup.Connect(ctx, cfg.RedisURL, cfg.DedupTTL)
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		rt.guard = guard
	}

	rt.telegram = telegram.NewClient(cfg.TelegramAPIURL, cfg.TelegramBotToken,
		telegram.BuildSafeClient(longPoll), cfg.TelegramRateLimit)

	jobOpts := queue.JobOptions{
		PollInterval:      cfg.QueuePollInterval,
		VisibilityTimeout: cfg.QueueVisibilityTimeout,
	}
	msgJob := relay.NewMessageProcessingJob(rt.factory, cfg.MessageQueue)
	respJob := relay.NewResponseSendingJob(rt.factory, cfg.ResponseQueue, rt.telegram, jobOpts)

	// A nil *dedup.Guard must not become a non-nil relay.Deduper.
	var deduper relay.Deduper
	if rt.guard != nil {
		deduper = rt.guard
	}
	rt.processor = relay.NewMessageProcessor(msgJob, deduper)
	rt.workers = relay.NewWorkers(respJob.Job())

	ok = true
	return rt, nil
}

func (rt *runtime) registerHealthChecks(srv *api.Server) {
	if rt.db != nil {
		srv.AddHealthCheck("database", rt.db.Ping)
	}
	if rt.conn != nil {
		conn := rt.conn
		srv.AddHealthCheck("rabbitmq", func(context.Context) error {
			if conn.IsClosed() {
				return errors.New("connection closed")
			}
			return nil
		})
	}
	if rt.guard != nil {
		srv.AddHealthCheck("redis", rt.guard.Ping)
	}
}

// close releases everything newRuntime opened, in reverse order. The broker
// factory owns and closes the AMQP connection.
func (rt *runtime) close(cfg *config.Config) {
	ctx, cancel := shutdownContext(cfg)
	defer cancel()

	if rt.factory != nil {
		if err := rt.factory.Close(ctx); err != nil {
			slog.Warn("close queue factory", "error", err)
		}
	} else if rt.conn != nil {
		_ = rt.conn.Close()
	}
	if rt.guard != nil {
		if err := rt.guard.Close(); err != nil {
			slog.Warn("close redis", "error", err)
		}
	}
	if rt.db != nil {
		rt.db.Close()
	}
}

// newPool creates and validates a pgxpool for the polling store.
//
// Retries up to 10 times with linear backoff to handle the Docker Compose
// startup race where Postgres is not immediately ready.
func newPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	// PgBouncer transaction-pooling compatibility.
	poolCfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	poolCfg.MaxConns = cfg.DBMaxConns

	var (
		db      *pgxpool.Pool
		connErr error
	)
	for attempt := 1; attempt <= 10; attempt++ {
		db, connErr = pgxpool.NewWithConfig(ctx, poolCfg)
		if connErr == nil {
			if connErr = db.Ping(ctx); connErr == nil {
				break
			}
			db.Close()
		}
		slog.Warn("database not ready, retrying",
			"attempt", attempt,
			"error", connErr,
		)
		// time.NewTimer (not time.After) so the timer is not leaked when ctx
		// is cancelled first.
		timer := time.NewTimer(time.Duration(attempt) * time.Second)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if connErr != nil {
		return nil, fmt.Errorf("database unavailable after retries: %w", connErr)
	}

	var schemaVersion int
	err = db.QueryRow(ctx,
		"SELECT version FROM schema_migrations ORDER BY version DESC LIMIT 1",
	).Scan(&schemaVersion)
	if err == nil && schemaVersion != expectedSchemaVersion {
		slog.Warn("schema version mismatch, run `chatrelay migrate`",
			"applied_version", schemaVersion,
			"expected_version", expectedSchemaVersion,
		)
	}

	return db, nil
}

// expectedSchemaVersion is the migration version this binary requires.
// Update this constant when new migrations are added.
const expectedSchemaVersion = 1
