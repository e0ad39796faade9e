// Package queue defines the backend-neutral job contract shared by the broker
// and polling adapters.
//
// Application code obtains a [Job] from a [Factory] and uses it from both
// sides: producers call ScheduleTask, consumers call TurnOn/TurnOff to run the
// worker loop that feeds the job's [Handler]. Acknowledgment, retry and
// dead-letter behaviour is owned by the adapter and driven only by the
// handler's [Result].
package queue

import (
	"context"
	"encoding/json"
	"time"
)

const (
	// DefaultPollInterval is used by polling backends when JobOptions.PollInterval is zero.
	DefaultPollInterval = 1000 * time.Millisecond

	// DefaultVisibilityTimeout is used by polling backends when
	// JobOptions.VisibilityTimeout is zero.
	DefaultVisibilityTimeout = 5 * time.Second

	// DefaultMaxRetries is the retry budget stamped on new broker envelopes.
	DefaultMaxRetries = 3

	// DefaultPrefetchCount bounds unacknowledged broker deliveries per consumer.
	DefaultPrefetchCount = 10
)

// Args is what a Handler receives for one delivery.
type Args struct {
	// Data is the payload exactly as passed to ScheduleTask, JSON encoded.
	Data json.RawMessage

	// MessageID is the backend identifier of the delivery.
	MessageID string

	// Attempts is the number of failed processing cycles the envelope has
	// been through. Always 0 on the polling backend.
	Attempts int
}

// Decode unmarshals Data into v.
func (a Args) Decode(v any) error {
	if err := json.Unmarshal(a.Data, v); err != nil {
		return &MalformedError{Err: err}
	}
	return nil
}

// Handler processes one delivery. A panic inside a handler is recovered by the
// worker loop and treated exactly like an Error result.
type Handler func(ctx context.Context, args Args) Result

// JobOptions configures a Job. Name doubles as the queue name.
type JobOptions struct {
	Name string

	// Handler is optional; jobs without one are producer-only and TurnOn is a
	// logged no-op.
	Handler Handler

	// PollInterval and VisibilityTimeout apply to polling backends only.
	// Zero means the package default.
	PollInterval      time.Duration
	VisibilityTimeout time.Duration
}

// WithDefaults returns a copy of o with zero durations replaced by defaults.
func (o JobOptions) WithDefaults() JobOptions {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = DefaultVisibilityTimeout
	}
	return o
}

// Job is the unit application code holds onto.
type Job interface {
	// Name returns the queue name the job is bound to.
	Name() string

	// ScheduleTask wraps payload in a fresh envelope and submits it durably.
	ScheduleTask(ctx context.Context, payload any) error

	// TurnOn starts the worker loop. Calling it while already on does not
	// start a second loop.
	TurnOn(ctx context.Context) error

	// TurnOff stops the worker loop from starting new handler invocations.
	// A handler that is already running is left to finish.
	TurnOff(ctx context.Context) error
}

// Factory produces Jobs bound to one backend and owns the backend resources
// they share.
type Factory interface {
	// CreateJob returns immediately; no backend state is created until first use.
	CreateJob(opts JobOptions) Job

	// Close stops every worker and releases every cached channel or
	// connection. Individual release failures are logged, not returned.
	Close(ctx context.Context) error
}
