// ABOUTME: Delayed is a group of one-shot tasks that can be flushed or cancelled together.
// ABOUTME: The broker adapter schedules its retry republishes on it.
package worker

import (
	"sync"
	"time"
)

// Delayed is a group of fire-and-forget tasks, each run once after its delay.
// Tasks are independent of any worker loop: stopping a loop does not touch
// them. The group as a whole can be flushed (run everything now) or
// cancelled, which is what adapters do on shutdown.
type Delayed struct {
	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]*delayedTask
	closed  bool
	wg      sync.WaitGroup
}

type delayedTask struct {
	timer *time.Timer
	fn    func()
}

// NewDelayed returns an empty group.
func NewDelayed() *Delayed {
	return &Delayed{pending: make(map[uint64]*delayedTask)}
}

// After schedules fn to run once after d. After Flush or Cancel the group is
// closed and fn runs immediately on the caller's goroutine.
func (g *Delayed) After(d time.Duration, fn func()) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		fn()
		return
	}
	g.nextID++
	id := g.nextID
	task := &delayedTask{fn: fn}
	g.pending[id] = task
	g.wg.Add(1)
	// Assigned under mu so Flush and Cancel always see a non-nil timer.
	task.timer = time.AfterFunc(d, func() { g.fire(id) })
	g.mu.Unlock()
}

// fire runs the task unless Flush or Cancel already took ownership of it.
// Removal from pending under mu is the single ownership token.
func (g *Delayed) fire(id uint64) {
	g.mu.Lock()
	task, ok := g.pending[id]
	if ok {
		delete(g.pending, id)
	}
	g.mu.Unlock()
	if !ok {
		return
	}
	defer g.wg.Done()
	task.fn()
}

// Pending returns the number of tasks that have not started yet.
func (g *Delayed) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

// Flush closes the group and runs every pending task now, sequentially on the
// caller's goroutine, then waits for tasks already running on timers.
func (g *Delayed) Flush() {
	for _, task := range g.drain() {
		task.fn()
		g.wg.Done()
	}
	g.wg.Wait()
}

// Cancel closes the group and drops every pending task.
func (g *Delayed) Cancel() {
	for range g.drain() {
		g.wg.Done()
	}
	g.wg.Wait()
}

// Wait blocks until every scheduled task has run or been cancelled.
func (g *Delayed) Wait() {
	g.wg.Wait()
}

func (g *Delayed) drain() []*delayedTask {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	tasks := make([]*delayedTask, 0, len(g.pending))
	for id, task := range g.pending {
		task.timer.Stop()
		tasks = append(tasks, task)
		delete(g.pending, id)
	}
	return tasks
}
