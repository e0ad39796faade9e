// ABOUTME: Invoke runs a job handler, turning panics into error results.
package queue

import (
	"context"
	"log/slog"
)

// Invoke runs h and converts a panic into an Error result. The returned
// *HandlerError is non-nil whenever the result takes the failure path.
func Invoke(ctx context.Context, queueName string, h Handler, args Args) (res Result, herr *HandlerError) {
	defer func() {
		if p := recover(); p != nil {
			herr = &HandlerError{Queue: queueName, MessageID: args.MessageID, Panic: p}
			res = Error(herr.Error())
			slog.ErrorContext(ctx, "job handler panicked",
				"queue", queueName, "msg_id", args.MessageID, "panic", p)
		}
	}()

	res = h(ctx, args)
	if res.Failed() {
		herr = &HandlerError{Queue: queueName, MessageID: args.MessageID, Message: res.Message}
	}
	return res, herr
}
