// ABOUTME: Tests for Ticker: serialized ticks, idempotent Start/Stop, restart.
package worker_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matipre/chatrelay/internal/worker"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within 2s")
}

func TestTicker_RunsUntilStopped(t *testing.T) {
	t.Parallel()

	var ticks atomic.Int32
	tk := worker.NewTicker("test", 5*time.Millisecond, func(context.Context) error {
		ticks.Add(1)
		return nil
	})

	tk.Start(context.Background())
	waitFor(t, func() bool { return ticks.Load() >= 3 })
	tk.Stop()

	after := ticks.Load()
	time.Sleep(30 * time.Millisecond)
	if got := ticks.Load(); got != after {
		t.Errorf("ticks after Stop = %d, want %d", got, after)
	}
	if tk.Running() {
		t.Error("Running() = true after Stop")
	}
}

func TestTicker_StopWhenStoppedIsNoop(t *testing.T) {
	t.Parallel()

	tk := worker.NewTicker("idle", time.Second, func(context.Context) error { return nil })
	tk.Stop()
	tk.Stop()
	if tk.Running() {
		t.Error("Running() = true for a ticker that was never started")
	}
	if tk.Active() {
		t.Error("Active() = true for a ticker that was never started")
	}
}

func TestTicker_TicksNeverOverlap(t *testing.T) {
	t.Parallel()

	var inFlight, maxInFlight, ticks atomic.Int32
	tk := worker.NewTicker("slow", time.Millisecond, func(context.Context) error {
		n := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		ticks.Add(1)
		return nil
	})

	tk.Start(context.Background())
	waitFor(t, func() bool { return ticks.Load() >= 3 })
	tk.Stop()

	if got := maxInFlight.Load(); got != 1 {
		t.Errorf("max concurrent ticks = %d, want 1", got)
	}
}

func TestTicker_StartTwiceKeepsOneLoop(t *testing.T) {
	t.Parallel()

	var inFlight, maxInFlight, ticks atomic.Int32
	tk := worker.NewTicker("restart", time.Millisecond, func(context.Context) error {
		n := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		inFlight.Add(-1)
		ticks.Add(1)
		return nil
	})

	ctx := context.Background()
	tk.Start(ctx)
	tk.Start(ctx)
	waitFor(t, func() bool { return ticks.Load() >= 5 })
	tk.Stop()

	if got := maxInFlight.Load(); got != 1 {
		t.Errorf("max concurrent ticks = %d, want 1", got)
	}
}

func TestTicker_ActiveFalseDuringStop(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{})
	release := make(chan struct{})
	var sawInactive atomic.Bool
	var tk *worker.Ticker
	tk = worker.NewTicker("batch", time.Millisecond, func(context.Context) error {
		select {
		case <-entered:
			return nil
		default:
		}
		close(entered)
		<-release
		sawInactive.Store(!tk.Active())
		return nil
	})

	tk.Start(context.Background())
	<-entered

	stopped := make(chan struct{})
	go func() {
		tk.Stop()
		close(stopped)
	}()
	// Give Stop time to signal before the tick continues.
	time.Sleep(10 * time.Millisecond)
	close(release)
	<-stopped

	if !sawInactive.Load() {
		t.Error("Active() = true inside a tick after Stop was requested")
	}
}

func TestTicker_ExitsOnContextCancel(t *testing.T) {
	t.Parallel()

	var ticks atomic.Int32
	tk := worker.NewTicker("ctx", time.Millisecond, func(context.Context) error {
		ticks.Add(1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	tk.Start(ctx)
	waitFor(t, func() bool { return ticks.Load() >= 1 })
	cancel()
	time.Sleep(10 * time.Millisecond)
	after := ticks.Load()
	time.Sleep(20 * time.Millisecond)
	if got := ticks.Load(); got != after {
		t.Errorf("ticks after cancel = %d, want %d", got, after)
	}
	tk.Stop()
}
