// ABOUTME: Capped exponential retry delay for the broker adapter.
package queue

import "time"

const (
	retryBaseDelay = 1000 * time.Millisecond
	retryMaxDelay  = 30000 * time.Millisecond
)

// RetryDelay returns how long the broker waits before republishing an
// envelope that has failed attempts times: min(1s * 2^(attempts-1), 30s).
// attempts is 1-indexed; values below 1 are treated as 1.
func RetryDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	// 2^5 = 32s already exceeds the cap; avoid shifting into overflow.
	if attempts > 6 {
		return retryMaxDelay
	}
	d := retryBaseDelay << (attempts - 1)
	if d > retryMaxDelay {
		return retryMaxDelay
	}
	return d
}
