// ABOUTME: Connect dials RabbitMQ with fixed-delay retries and logs connection closes.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/matipre/chatrelay/internal/queue"
)

const (
	defaultConnectionRetries    = 5
	defaultConnectionRetryDelay = 5 * time.Second
)

// Dialer opens a connection to url.
type Dialer func(url string) (Connection, error)

// ConnectConfig controls startup connection establishment.
type ConnectConfig struct {
	URL        string
	Retries    int           // default 5
	RetryDelay time.Duration // fixed delay between attempts, default 5s
	Dial       Dialer        // default DialAMQP
}

// Connect dials the broker, retrying with a fixed delay. When every attempt
// fails the returned error wraps queue.ErrConnectionExhausted and the last
// dial error.
//
// Connection-level close and error notifications are logged; there is no
// reconnect loop, so a connection lost mid-life surfaces as
// queue.ErrQueueUnavailable on the next publish or channel open.
func Connect(ctx context.Context, cfg ConnectConfig) (Connection, error) {
	if cfg.URL == "" {
		return nil, errors.New("broker: connection URL is required")
	}
	if cfg.Retries <= 0 {
		cfg.Retries = defaultConnectionRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultConnectionRetryDelay
	}
	if cfg.Dial == nil {
		cfg.Dial = DialAMQP
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.Retries; attempt++ {
		slog.Info("connecting to rabbitmq", "attempt", attempt, "max_attempts", cfg.Retries)
		conn, err := cfg.Dial(cfg.URL)
		if err == nil {
			slog.Info("connected to rabbitmq")
			watchConnection(conn)
			return conn, nil
		}
		lastErr = err
		slog.Warn("rabbitmq not ready",
			"attempt", attempt,
			"max_attempts", cfg.Retries,
			"error", err,
		)
		if attempt == cfg.Retries {
			break
		}

		// time.NewTimer (not time.After) so the timer is released if ctx ends first.
		timer := time.NewTimer(cfg.RetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	slog.Error("rabbitmq unavailable after all retries", "attempts", cfg.Retries)
	return nil, fmt.Errorf("%w after %d attempts: %w", queue.ErrConnectionExhausted, cfg.Retries, lastErr)
}

func watchConnection(conn Connection) {
	closes := conn.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		err, ok := <-closes
		if ok && err != nil {
			slog.Error("rabbitmq connection error", "error", err, "code", err.Code, "server", err.Server)
			return
		}
		slog.Warn("rabbitmq connection closed")
	}()
}
