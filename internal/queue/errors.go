// ABOUTME: Queue error taxonomy: sentinels, MalformedError, HandlerError.
package queue

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectionExhausted means every startup connection attempt failed.
	// The process should not keep running without its queue.
	ErrConnectionExhausted = errors.New("queue: connection attempts exhausted")

	// ErrPublishRejected means the backend refused a publish. It is returned
	// to the scheduling caller and never retried internally.
	ErrPublishRejected = errors.New("queue: publish rejected")

	// ErrQueueUnavailable means the backend could not accept a submission.
	ErrQueueUnavailable = errors.New("queue: backend unavailable")

	// ErrMalformedEnvelope means a payload could not be encoded or a delivery
	// could not be decoded.
	ErrMalformedEnvelope = errors.New("queue: malformed envelope")
)

// MalformedError carries the decode or encode failure behind
// ErrMalformedEnvelope.
type MalformedError struct {
	Err error
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("%v: %v", ErrMalformedEnvelope, e.Err)
}

func (e *MalformedError) Unwrap() []error { return []error{ErrMalformedEnvelope, e.Err} }

// HandlerError describes a failed handler invocation, either an Error result
// or a recovered panic. It is absorbed by the worker loop and only logged.
type HandlerError struct {
	Queue     string
	MessageID string
	Message   string
	Panic     any
}

func (e *HandlerError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("handler for %s message %s panicked: %v", e.Queue, e.MessageID, e.Panic)
	}
	return fmt.Sprintf("handler for %s message %s failed: %s", e.Queue, e.MessageID, e.Message)
}

// Unavailable wraps err so that errors.Is(err, ErrQueueUnavailable) holds
// while keeping the backend cause inspectable.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrQueueUnavailable, err)
}
