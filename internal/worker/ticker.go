// Package worker provides the scheduling primitives the queue adapters build
// their worker loops on: a serialized periodic loop and a group of delayed
// one-shot tasks.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// TickFunc is run once per tick. A returned error is logged and the loop
// continues with the next tick.
type TickFunc func(ctx context.Context) error

// Ticker runs a TickFunc on a single goroutine at a fixed interval. Ticks
// never overlap: a tick that outlasts the interval causes the missed ticks to
// be dropped, not queued.
type Ticker struct {
	name     string
	interval time.Duration
	fn       TickFunc

	mu  sync.Mutex // serializes Start and Stop
	cur atomic.Pointer[loop]
}

type loop struct {
	stop chan struct{}
	done chan struct{}
}

// NewTicker creates a stopped Ticker. name is used in log lines only.
func NewTicker(name string, interval time.Duration, fn TickFunc) *Ticker {
	return &Ticker{name: name, interval: interval, fn: fn}
}

// Start launches the loop. If a loop is already running it is stopped first,
// so at most one loop exists at any time. The loop also exits when ctx is
// cancelled.
func (t *Ticker) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopLocked()

	l := &loop{stop: make(chan struct{}), done: make(chan struct{})}
	t.cur.Store(l)
	go t.run(ctx, l)
}

// Stop signals the loop and waits for the current tick, if any, to return.
// It must not be called from inside the TickFunc. Stopping a stopped Ticker
// is a no-op.
func (t *Ticker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
}

func (t *Ticker) stopLocked() {
	l := t.cur.Load()
	if l == nil {
		return
	}
	close(l.stop)
	<-l.done
	t.cur.Store(nil)
}

// Running reports whether a loop has been started and not stopped.
func (t *Ticker) Running() bool {
	return t.cur.Load() != nil
}

// Active reports whether the loop has not been asked to stop. A TickFunc
// processing a batch consults it between items; it never blocks.
func (t *Ticker) Active() bool {
	l := t.cur.Load()
	if l == nil {
		return false
	}
	select {
	case <-l.stop:
		return false
	default:
		return true
	}
}

// run uses time.NewTicker (not time.After) to avoid timer leaks.
func (t *Ticker) run(ctx context.Context, l *loop) {
	defer close(l.done)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	slog.Debug("ticker started", "name", t.name, "interval", t.interval)

	for {
		select {
		case <-ctx.Done():
			slog.Debug("ticker context done", "name", t.name)
			return
		case <-l.stop:
			slog.Debug("ticker stopping", "name", t.name)
			return
		case <-ticker.C:
			if err := t.fn(ctx); err != nil {
				slog.Error("tick failed", "name", t.name, "error", err)
			}
		}
	}
}
