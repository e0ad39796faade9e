// ABOUTME: Three-valued handler outcome: success, error, cancelled.
package queue

// Status is the outcome of a handler invocation.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// Result is the only channel through which a handler influences
// acknowledgment. Handlers never talk to the backend directly.
type Result struct {
	Status  Status
	Message string
}

// Success reports that the task completed. The optional message replaces the
// default description.
func Success(msg ...string) Result {
	return Result{Status: StatusSuccess, Message: firstOr(msg, "Task completed successfully")}
}

// Error reports a failed attempt. Broker jobs are retried until the envelope's
// budget is spent; polling jobs are archived immediately.
func Error(msg string) Result {
	return Result{Status: StatusError, Message: msg}
}

// Cancelled reports that the task should be dropped without retry.
func Cancelled(msg ...string) Result {
	return Result{Status: StatusCancelled, Message: firstOr(msg, "Task was cancelled")}
}

// Failed reports whether the result must go through the failure path.
// Unknown statuses count as failures.
func (r Result) Failed() bool {
	return r.Status != StatusSuccess && r.Status != StatusCancelled
}

func firstOr(msg []string, def string) string {
	if len(msg) > 0 && msg[0] != "" {
		return msg[0]
	}
	return def
}
