// ABOUTME: Broker-backed Job: schedule, consume loop, result mapping, retry and DLQ.
package broker

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/matipre/chatrelay/internal/queue"
)

type job struct {
	f    *Factory
	opts queue.JobOptions
}

func (j *job) Name() string { return j.opts.Name }

// ScheduleTask publishes payload in a fresh envelope to the work exchange,
// routed by the job name, and waits for the broker confirm.
func (j *job) ScheduleTask(ctx context.Context, payload any) error {
	env, err := queue.NewEnvelope(payload, j.f.cfg.MaxRetries)
	if err != nil {
		return err
	}
	if err := j.f.publish(ctx, j.opts.Name, j.f.cfg.Exchange, j.opts.Name, env); err != nil {
		j.f.log.ErrorContext(ctx, "failed to schedule task", "queue", j.opts.Name, "error", err)
		return err
	}
	queue.ObserveScheduled(queue.BackendBroker, j.opts.Name)
	j.f.log.DebugContext(ctx, "scheduled task", "queue", j.opts.Name, "msg_id", env.MsgID)
	return nil
}

// TurnOn registers a consumer on the job's queue. A second call while the
// consumer is registered is a no-op.
func (j *job) TurnOn(ctx context.Context) error {
	name := j.opts.Name
	if j.opts.Handler == nil {
		j.f.log.WarnContext(ctx, "no handler defined, not starting consumer", "queue", name)
		return nil
	}

	j.f.workersMu.Lock()
	defer j.f.workersMu.Unlock()
	if _, ok := j.f.workers[name]; ok {
		return nil
	}

	ch, err := j.f.channel(name)
	if err != nil {
		return err
	}
	if err := ch.Qos(j.f.cfg.PrefetchCount, 0, false); err != nil {
		return queue.Unavailable("set prefetch", err)
	}
	tag := name + "." + uuid.NewString()
	deliveries, err := ch.Consume(j.f.ctx, name, tag)
	if err != nil {
		return queue.Unavailable("consume", err)
	}

	w := &consumer{ch: ch, tag: tag, active: true}
	j.f.workers[name] = w
	go j.f.consume(name, j.opts.Handler, w, deliveries)

	j.f.log.InfoContext(ctx, "started consumer", "queue", name, "consumer_tag", tag)
	return nil
}

// TurnOff cancels the consumer. Handlers already running finish and settle
// their deliveries; retries already scheduled still fire.
func (j *job) TurnOff(ctx context.Context) error {
	j.f.workersMu.Lock()
	w, ok := j.f.workers[j.opts.Name]
	if ok {
		delete(j.f.workers, j.opts.Name)
	}
	j.f.workersMu.Unlock()
	if !ok {
		return nil
	}
	w.stop(j.f.log, j.opts.Name)
	j.f.log.InfoContext(ctx, "stopped consumer", "queue", j.opts.Name)
	return nil
}

// consumer is the live registration behind a turned-on job.
type consumer struct {
	ch  Channel
	tag string

	// mu orders the active check against inflight.Add so that once stop
	// returns no new handler can start.
	mu     sync.Mutex
	active bool
}

func (w *consumer) stop(log *slog.Logger, name string) {
	w.mu.Lock()
	w.active = false
	w.mu.Unlock()
	if err := w.ch.Cancel(w.tag, false); err != nil {
		log.Warn("error cancelling consumer", "queue", name, "consumer_tag", w.tag, "error", err)
	}
}

// consume dispatches each delivery to its own goroutine; the broker's
// prefetch bounds how many run at once.
func (f *Factory) consume(name string, h queue.Handler, w *consumer, deliveries <-chan amqp.Delivery) {
	for d := range deliveries {
		w.mu.Lock()
		if !w.active {
			w.mu.Unlock()
			if err := d.Nack(false, true); err != nil {
				f.log.Warn("error requeueing delivery", "queue", name, "error", err)
			}
			continue
		}
		f.inflight.Add(1)
		w.mu.Unlock()

		go func(d amqp.Delivery) {
			defer f.inflight.Done()
			f.handle(name, h, d)
		}(d)
	}

	// The delivery stream ended without TurnOff (channel or connection
	// lost); forget the registration so a later TurnOn starts afresh.
	f.workersMu.Lock()
	if f.workers[name] == w {
		delete(f.workers, name)
	}
	f.workersMu.Unlock()
}

// handle settles exactly one delivery.
func (f *Factory) handle(name string, h queue.Handler, d amqp.Delivery) {
	log := f.log.With("queue", name)

	env, err := queue.DecodeEnvelope(d.Body)
	if err != nil {
		// The queue's dead-letter attributes route a rejected delivery to
		// <name>.dlq untouched.
		log.Error("malformed delivery, dead-lettering", "delivery_tag", d.DeliveryTag, "error", err)
		queue.ObserveDeadLettered(queue.BackendBroker, name)
		if err := d.Nack(false, false); err != nil {
			log.Error("error rejecting malformed delivery", "error", err)
		}
		return
	}
	log = log.With("msg_id", env.MsgID)

	res, herr := queue.Invoke(f.ctx, name, h, queue.Args{
		Data:      env.Data,
		MessageID: env.MsgID,
		Attempts:  env.Attempts,
	})
	queue.ObserveProcessed(queue.BackendBroker, name, res.Status)

	if herr == nil {
		log.Debug("task finished", "status", res.Status, "message", res.Message)
		if err := d.Ack(false); err != nil {
			log.Error("error acking delivery", "error", err)
		}
		return
	}

	env.Attempts++
	log.Warn("task failed", "attempts", env.Attempts, "max_retries", env.MaxRetries, "error", herr)

	if env.Exhausted() {
		if err := f.publish(f.ctx, name, f.cfg.DLXExchange, DeadLetterQueue(name), env); err != nil {
			log.Error("dead-letter publish failed, rejecting delivery", "error", err)
			if err := d.Nack(false, false); err != nil {
				log.Error("error rejecting delivery", "error", err)
			}
			return
		}
		queue.ObserveDeadLettered(queue.BackendBroker, name)
		log.Error("max retries reached, moved to dead-letter queue", "dlq", DeadLetterQueue(name))
		if err := d.Ack(false); err != nil {
			log.Error("error acking delivery", "error", err)
		}
		return
	}

	if err := d.Ack(false); err != nil {
		log.Error("error acking delivery", "error", err)
	}
	delay := f.cfg.RetryDelay(env.Attempts)
	queue.ObserveRetry(queue.BackendBroker, name)
	log.Info("retrying task", "attempts", env.Attempts, "delay", delay)
	f.retries.After(delay, func() {
		if err := f.publish(f.ctx, name, f.cfg.Exchange, name, env); err != nil {
			log.Error("retry publish failed", "attempts", env.Attempts, "error", err)
		}
	})
}
