// ABOUTME: Tests for Delayed: firing, Flush, Cancel and Wait.
package worker_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/matipre/chatrelay/internal/worker"
)

func TestDelayed_RunsAfterDelay(t *testing.T) {
	t.Parallel()

	g := worker.NewDelayed()
	var ran atomic.Bool
	start := time.Now()
	done := make(chan time.Duration, 1)
	g.After(20*time.Millisecond, func() {
		ran.Store(true)
		done <- time.Since(start)
	})

	if g.Pending() != 1 {
		t.Errorf("Pending() = %d, want 1", g.Pending())
	}

	select {
	case elapsed := <-done:
		if elapsed < 20*time.Millisecond {
			t.Errorf("task ran after %v, want >= 20ms", elapsed)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("task did not run")
	}
	g.Wait()
	if g.Pending() != 0 {
		t.Errorf("Pending() = %d after run, want 0", g.Pending())
	}
}

func TestDelayed_FlushRunsPendingOnce(t *testing.T) {
	t.Parallel()

	g := worker.NewDelayed()
	var runs atomic.Int32
	for i := 0; i < 5; i++ {
		g.After(time.Hour, func() { runs.Add(1) })
	}

	g.Flush()
	if got := runs.Load(); got != 5 {
		t.Errorf("runs after Flush = %d, want 5", got)
	}
	if g.Pending() != 0 {
		t.Errorf("Pending() = %d after Flush, want 0", g.Pending())
	}

	// Closed group runs new tasks immediately.
	g.After(time.Hour, func() { runs.Add(1) })
	if got := runs.Load(); got != 6 {
		t.Errorf("runs after post-flush After = %d, want 6", got)
	}
}

func TestDelayed_CancelDropsPending(t *testing.T) {
	t.Parallel()

	g := worker.NewDelayed()
	var runs atomic.Int32
	g.After(10*time.Millisecond, func() { runs.Add(1) })
	g.Cancel()

	time.Sleep(30 * time.Millisecond)
	if got := runs.Load(); got != 0 {
		t.Errorf("runs after Cancel = %d, want 0", got)
	}
}
