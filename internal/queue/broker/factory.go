// Package broker implements the queue.Factory contract on an AMQP 0-9-1
// broker (RabbitMQ).
//
// Every queue name gets a durable direct exchange binding, a dead-letter
// exchange and a <name>.dlq queue. Failed envelopes are acked and republished
// after a capped exponential backoff until their retry budget is spent, then
// diverted to the dead-letter queue.
package broker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/matipre/chatrelay/internal/queue"
	"github.com/matipre/chatrelay/internal/worker"
)

var errFactoryClosed = errors.New("broker: factory closed")

// Config holds the broker factory settings.
type Config struct {
	Exchange      string // default "chatrelay"
	DLXExchange   string // default "chatrelay.dlx"
	MaxRetries    int    // stamped on new envelopes, default queue.DefaultMaxRetries
	PrefetchCount int    // default queue.DefaultPrefetchCount

	// RetryDelay maps a failed attempt count to the republish delay.
	// Default queue.RetryDelay.
	RetryDelay func(attempts int) time.Duration
}

func (c Config) withDefaults() Config {
	if c.Exchange == "" {
		c.Exchange = "chatrelay"
	}
	if c.DLXExchange == "" {
		c.DLXExchange = "chatrelay.dlx"
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = queue.DefaultMaxRetries
	}
	if c.PrefetchCount <= 0 {
		c.PrefetchCount = queue.DefaultPrefetchCount
	}
	if c.RetryDelay == nil {
		c.RetryDelay = queue.RetryDelay
	}
	return c
}

// Factory creates broker-backed jobs. It exclusively owns the map from queue
// name to channel and the consumer bookkeeping for every job it created.
type Factory struct {
	conn Connection
	cfg  Config
	log  *slog.Logger

	// ctx is handed to handlers and retry publishes; cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	channels map[string]*channelEntry
	closed   bool

	workersMu sync.Mutex
	workers   map[string]*consumer

	retries  *worker.Delayed
	inflight sync.WaitGroup
}

// channelEntry guards lazy creation per queue name so two jobs using the same
// name never open two channels.
type channelEntry struct {
	mu sync.Mutex
	ch Channel
}

// New creates a Factory on conn. The factory takes ownership of conn and
// closes it in Close.
func New(conn Connection, cfg Config) *Factory {
	ctx, cancel := context.WithCancel(context.Background())
	return &Factory{
		conn:     conn,
		cfg:      cfg.withDefaults(),
		log:      slog.Default().With("backend", queue.BackendBroker),
		ctx:      ctx,
		cancel:   cancel,
		channels: make(map[string]*channelEntry),
		workers:  make(map[string]*consumer),
		retries:  worker.NewDelayed(),
	}
}

// CreateJob returns a job bound to opts.Name. No channel is opened until the
// job is first used.
func (f *Factory) CreateJob(opts queue.JobOptions) queue.Job {
	f.log.Info("creating job", "queue", opts.Name)
	return &job{f: f, opts: opts}
}

// PendingRetries returns the number of republishes waiting on their backoff.
func (f *Factory) PendingRetries() int {
	return f.retries.Pending()
}

// channel returns the cached channel for name, opening and declaring it on
// first use.
func (f *Factory) channel(name string) (Channel, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, queue.Unavailable("open channel", errFactoryClosed)
	}
	e, ok := f.channels[name]
	if !ok {
		e = &channelEntry{}
		f.channels[name] = e
	}
	f.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ch != nil {
		return e.ch, nil
	}

	ch, err := f.conn.Channel()
	if err != nil {
		return nil, queue.Unavailable("open channel", err)
	}
	if err := declare(ch, f.cfg.Exchange, f.cfg.DLXExchange, name); err != nil {
		_ = ch.Close() //nolint:errcheck // declaration error is the one worth returning
		return nil, queue.Unavailable("declare topology", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close() //nolint:errcheck
		return nil, queue.Unavailable("enable confirms", err)
	}
	e.ch = ch
	f.watchChannel(name, e, ch)

	f.log.Info("created and configured channel", "queue", name)
	return ch, nil
}

// watchChannel evicts ch from the cache once the server or Close shuts it, so
// the next use opens a fresh channel on the connection.
func (f *Factory) watchChannel(name string, e *channelEntry, ch Channel) {
	closes := ch.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		if err, ok := <-closes; ok && err != nil {
			f.log.Error("channel closed by broker", "queue", name, "error", err)
		}
		e.mu.Lock()
		if e.ch == ch {
			e.ch = nil
		}
		e.mu.Unlock()
	}()
}

// publish sends env persistently to exchange/key over the channel for
// queueName and waits for the broker's confirm.
func (f *Factory) publish(ctx context.Context, queueName, exchange, key string, env *queue.Envelope) error {
	body, err := env.Encode()
	if err != nil {
		return err
	}
	ch, err := f.channel(queueName)
	if err != nil {
		return err
	}
	acked, err := ch.Publish(ctx, exchange, key, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    env.MsgID,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		return queue.Unavailable("publish", err)
	}
	if !acked {
		return queue.ErrPublishRejected
	}
	return nil
}

// Close turns every worker off, waits for in-flight handlers (bounded by
// ctx), republishes pending retries immediately, then closes every cached
// channel and the connection exactly once. Close failures are logged only.
func (f *Factory) Close(ctx context.Context) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.mu.Unlock()

	f.log.Info("shutting down broker channels and workers")

	f.workersMu.Lock()
	workers := f.workers
	f.workers = make(map[string]*consumer)
	f.workersMu.Unlock()
	for name, w := range workers {
		w.stop(f.log, name)
	}

	done := make(chan struct{})
	go func() {
		f.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		f.log.Warn("shutdown timed out waiting for in-flight handlers")
	}

	// Pending retries were already acked off the queue; publishing them now is
	// the only way they survive shutdown.
	if n := f.retries.Pending(); n > 0 {
		f.log.Info("flushing pending retries", "count", n)
	}
	f.retries.Flush()

	f.mu.Lock()
	f.closed = true
	entries := f.channels
	f.channels = make(map[string]*channelEntry)
	f.mu.Unlock()

	for name, e := range entries {
		e.mu.Lock()
		if e.ch != nil {
			if err := e.ch.Close(); err != nil {
				f.log.Warn("error closing channel", "queue", name, "error", err)
			} else {
				f.log.Info("closed channel", "queue", name)
			}
			e.ch = nil
		}
		e.mu.Unlock()
	}

	if !f.conn.IsClosed() {
		if err := f.conn.Close(); err != nil {
			f.log.Warn("error closing connection", "error", err)
		}
	}
	f.cancel()
	return nil
}
