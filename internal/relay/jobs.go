// Package relay wires chat-platform traffic to the job queue: inbound
// Telegram messages become jobs on the message queue, and jobs on the
// response queue are delivered back with sendMessage.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/matipre/chatrelay/internal/queue"
)

// Default queue names shared with the processing backend.
const (
	DefaultMessageQueue  = "telegram_received_messages"
	DefaultResponseQueue = "telegram_bot_responses"
)

// InboundMessage is the payload scheduled for every accepted chat message.
type InboundMessage struct {
	ChatID         int64  `json:"chatId"`
	MessageText    string `json:"messageText"`
	TelegramUserID int64  `json:"telegramUserId"`
	Timestamp      string `json:"timestamp"`
	MessageID      int64  `json:"messageId"`
}

// Response is the payload the processing backend schedules for delivery.
type Response struct {
	ChatID int64  `json:"chatId"`
	Text   string `json:"text"`
}

// MessageProcessingJob is the producer side of the message queue. It has no
// handler; another service consumes the queue.
type MessageProcessingJob struct {
	job queue.Job
}

// NewMessageProcessingJob binds a producer-only job to queueName
// (DefaultMessageQueue when empty).
func NewMessageProcessingJob(f queue.Factory, queueName string) *MessageProcessingJob {
	if queueName == "" {
		queueName = DefaultMessageQueue
	}
	return &MessageProcessingJob{job: f.CreateJob(queue.JobOptions{Name: queueName})}
}

// Job returns the underlying queue job.
func (j *MessageProcessingJob) Job() queue.Job { return j.job }

// Schedule enqueues msg for processing.
func (j *MessageProcessingJob) Schedule(ctx context.Context, msg InboundMessage) error {
	if err := j.job.ScheduleTask(ctx, msg); err != nil {
		return fmt.Errorf("schedule message processing: %w", err)
	}
	return nil
}

// Sender delivers a text message to a chat.
type Sender interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
}

// ResponseSendingJob consumes the response queue and sends each response to
// its chat.
type ResponseSendingJob struct {
	job    queue.Job
	sender Sender
}

// NewResponseSendingJob binds a job on queueName (DefaultResponseQueue when
// empty) whose handler delivers each Response through sender.
func NewResponseSendingJob(f queue.Factory, queueName string, sender Sender, opts queue.JobOptions) *ResponseSendingJob {
	if queueName == "" {
		queueName = DefaultResponseQueue
	}
	j := &ResponseSendingJob{sender: sender}
	opts.Name = queueName
	opts.Handler = j.handle
	j.job = f.CreateJob(opts)
	return j
}

// Job returns the underlying queue job, for registering with Workers.
func (j *ResponseSendingJob) Job() queue.Job { return j.job }

// Schedule enqueues a response for delivery.
func (j *ResponseSendingJob) Schedule(ctx context.Context, chatID int64, text string) error {
	if err := j.job.ScheduleTask(ctx, Response{ChatID: chatID, Text: text}); err != nil {
		return fmt.Errorf("schedule response sending: %w", err)
	}
	return nil
}

func (j *ResponseSendingJob) handle(ctx context.Context, args queue.Args) queue.Result {
	var r Response
	if err := args.Decode(&r); err != nil {
		slog.ErrorContext(ctx, "undecodable response payload", "msg_id", args.MessageID, "error", err)
		return queue.Cancelled("undecodable response payload")
	}
	if r.ChatID == 0 {
		return queue.Cancelled("response has no chat id")
	}
	if err := j.sender.SendMessage(ctx, r.ChatID, r.Text); err != nil {
		return queue.Error(fmt.Sprintf("failed to send response: %v", err))
	}
	return queue.Success(fmt.Sprintf("Response sent to chat %d", r.ChatID))
}

// Workers turns a fixed set of jobs on and off together.
type Workers struct {
	jobs []queue.Job
}

// NewWorkers returns Workers for jobs, started and stopped in the given order.
func NewWorkers(jobs ...queue.Job) *Workers {
	return &Workers{jobs: jobs}
}

// Start turns every job on in order, stopping at the first failure.
func (w *Workers) Start(ctx context.Context) error {
	slog.InfoContext(ctx, "starting worker processors", "jobs", len(w.jobs))
	for _, j := range w.jobs {
		if err := j.TurnOn(ctx); err != nil {
			return fmt.Errorf("turn on %s: %w", j.Name(), err)
		}
	}
	return nil
}

// Stop turns every job off in order and reports all failures.
func (w *Workers) Stop(ctx context.Context) error {
	slog.InfoContext(ctx, "stopping worker processors")
	var errs []error
	for _, j := range w.jobs {
		if err := j.TurnOff(ctx); err != nil {
			errs = append(errs, fmt.Errorf("turn off %s: %w", j.Name(), err))
		}
	}
	return errors.Join(errs...)
}
