// Package pgqueue implements the queue.Factory contract on a Postgres
// polling queue with visibility timeouts.
//
// Each turned-on job polls its queue on a fixed interval, claiming up to
// ReadBatch messages at a time. A message whose handler fails is archived
// after that single attempt; there is no count-based retry on this backend.
package pgqueue

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/matipre/chatrelay/internal/queue"
	"github.com/matipre/chatrelay/internal/store"
	"github.com/matipre/chatrelay/internal/worker"
)

// ReadBatch is the number of messages claimed per poll.
const ReadBatch = 10

// Store is the subset of store.Store the adapter drives.
type Store interface {
	Send(ctx context.Context, queue string, message json.RawMessage, delay time.Duration) (int64, error)
	Read(ctx context.Context, queue string, vt time.Duration, n int) ([]store.Message, error)
	Delete(ctx context.Context, queue string, msgID int64) (bool, error)
	Archive(ctx context.Context, queue string, msgID int64) (bool, error)
}

// body is the stored message shape.
type body struct {
	Data json.RawMessage `json:"data"`
}

// Factory creates polling jobs over one Store.
type Factory struct {
	store Store
	log   *slog.Logger

	mu   sync.Mutex
	jobs []*job
}

// New returns a Factory over s.
func New(s Store) *Factory {
	return &Factory{
		store: s,
		log:   slog.Default().With("backend", queue.BackendPolling),
	}
}

// CreateJob returns a job bound to opts.Name with defaults applied.
func (f *Factory) CreateJob(opts queue.JobOptions) queue.Job {
	opts = opts.WithDefaults()
	j := &job{f: f, opts: opts}
	j.ticker = worker.NewTicker("pgqueue:"+opts.Name, opts.PollInterval, j.poll)

	f.mu.Lock()
	f.jobs = append(f.jobs, j)
	f.mu.Unlock()

	f.log.Info("creating job", "queue", opts.Name,
		"poll_interval", opts.PollInterval, "visibility_timeout", opts.VisibilityTimeout)
	return j
}

// Close stops every job's poll loop, waiting for the current message of each.
// The store itself belongs to the caller.
func (f *Factory) Close(ctx context.Context) error {
	f.mu.Lock()
	jobs := f.jobs
	f.jobs = nil
	f.mu.Unlock()

	f.log.Info("shutting down polling workers", "jobs", len(jobs))
	for _, j := range jobs {
		_ = j.TurnOff(ctx) //nolint:errcheck // TurnOff never fails
	}
	return nil
}

type job struct {
	f      *Factory
	opts   queue.JobOptions
	ticker *worker.Ticker
}

func (j *job) Name() string { return j.opts.Name }

// ScheduleTask stores {"data": payload}. The message becomes visible once the
// job's visibility timeout has elapsed.
func (j *job) ScheduleTask(ctx context.Context, payload any) error {
	data, err := queue.MarshalPayload(payload)
	if err != nil {
		return err
	}
	msg, err := json.Marshal(body{Data: data})
	if err != nil {
		return &queue.MalformedError{Err: err}
	}
	id, err := j.f.store.Send(ctx, j.opts.Name, msg, j.opts.VisibilityTimeout)
	if err != nil {
		j.f.log.ErrorContext(ctx, "failed to schedule task", "queue", j.opts.Name, "error", err)
		return queue.Unavailable("send message", err)
	}
	queue.ObserveScheduled(queue.BackendPolling, j.opts.Name)
	j.f.log.DebugContext(ctx, "scheduled task", "queue", j.opts.Name, "msg_id", id)
	return nil
}

// TurnOn (re)starts the poll loop. Any loop already running is stopped first,
// so at most one loop polls per job.
func (j *job) TurnOn(ctx context.Context) error {
	if j.opts.Handler == nil {
		j.f.log.WarnContext(ctx, "no handler defined, not starting poller", "queue", j.opts.Name)
		return nil
	}
	j.ticker.Start(context.WithoutCancel(ctx))
	j.f.log.InfoContext(ctx, "started poller", "queue", j.opts.Name)
	return nil
}

// TurnOff stops the poll loop after the message being handled, if any.
func (j *job) TurnOff(ctx context.Context) error {
	if !j.ticker.Running() {
		return nil
	}
	j.ticker.Stop()
	j.f.log.InfoContext(ctx, "stopped poller", "queue", j.opts.Name)
	return nil
}

// poll is one tick: read a batch and settle each message in order. Messages
// left unprocessed after TurnOff reappear when their visibility expires.
func (j *job) poll(ctx context.Context) error {
	msgs, err := j.f.store.Read(ctx, j.opts.Name, j.opts.VisibilityTimeout, ReadBatch)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		if !j.ticker.Active() || ctx.Err() != nil {
			return nil
		}
		j.handle(ctx, m)
	}
	return nil
}

func (j *job) handle(ctx context.Context, m store.Message) {
	name := j.opts.Name
	log := j.f.log.With("queue", name, "msg_id", m.MsgID)

	var b body
	if err := json.Unmarshal(m.Message, &b); err != nil || len(b.Data) == 0 {
		log.Error("malformed message, archiving", "error", err)
		j.archive(ctx, log, m.MsgID)
		return
	}

	res, herr := queue.Invoke(ctx, name, j.opts.Handler, queue.Args{
		Data:      b.Data,
		MessageID: formatID(m.MsgID),
	})
	queue.ObserveProcessed(queue.BackendPolling, name, res.Status)

	if herr != nil {
		log.Warn("task failed, archiving", "read_ct", m.ReadCount, "error", herr)
		j.archive(ctx, log, m.MsgID)
		return
	}
	if _, err := j.f.store.Delete(ctx, name, m.MsgID); err != nil {
		log.Error("error deleting message", "error", err)
		return
	}
	log.Debug("task finished", "status", res.Status, "message", res.Message)
}

func (j *job) archive(ctx context.Context, log *slog.Logger, msgID int64) {
	if _, err := j.f.store.Archive(ctx, j.opts.Name, msgID); err != nil {
		log.Error("error archiving message", "error", err)
		return
	}
	queue.ObserveDeadLettered(queue.BackendPolling, j.opts.Name)
}

func formatID(id int64) string { return strconv.FormatInt(id, 10) }
