// ABOUTME: Tests for Poller offsets, error backoff and cancellation.
package telegram_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matipre/chatrelay/internal/telegram"
)

type fakeSource struct {
	mu      sync.Mutex
	offsets []int64
	batches [][]telegram.Update
	errs    []error
}

func (f *fakeSource) GetUpdates(_ context.Context, offset int64, _ time.Duration) ([]telegram.Update, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offsets = append(f.offsets, offset)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	if len(f.batches) == 0 {
		return nil, nil
	}
	b := f.batches[0]
	f.batches = f.batches[1:]
	return b, nil
}

func (f *fakeSource) calls() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.offsets...)
}

type fakeProcessor struct {
	mu   sync.Mutex
	seen []int64
	fail map[int64]bool
}

func (p *fakeProcessor) ProcessUpdate(_ context.Context, u telegram.Update) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen = append(p.seen, u.UpdateID)
	if p.fail[u.UpdateID] {
		return errors.New("processing failed")
	}
	return nil
}

func (p *fakeProcessor) processed() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int64(nil), p.seen...)
}

func runPoller(t *testing.T, p *telegram.Poller) (cancel func()) {
	t.Helper()
	ctx, cancelCtx := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	return func() {
		cancelCtx()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("poller did not stop")
		}
	}
}

func TestPoller_AdvancesOffset(t *testing.T) {
	t.Parallel()
	src := &fakeSource{batches: [][]telegram.Update{
		{{UpdateID: 3}, {UpdateID: 4}},
		{{UpdateID: 7}},
	}}
	proc := &fakeProcessor{fail: map[int64]bool{4: true}}
	p := telegram.NewPoller(src, proc, telegram.PollerConfig{Interval: time.Millisecond})

	stop := runPoller(t, p)
	require.Eventually(t, func() bool { return len(src.calls()) >= 3 }, 2*time.Second, time.Millisecond)
	stop()

	assert.Equal(t, []int64{3, 4, 7}, proc.processed(), "a failing update does not stop the batch")
	offsets := src.calls()
	assert.Equal(t, []int64{1, 5, 8}, offsets[:3])
	assert.Equal(t, int64(7), p.LastUpdateID())
}

func TestPoller_BacksOffAfterError(t *testing.T) {
	t.Parallel()
	src := &fakeSource{errs: []error{errors.New("502 bad gateway")}}
	proc := &fakeProcessor{}
	p := telegram.NewPoller(src, proc, telegram.PollerConfig{
		Interval:      time.Millisecond,
		ErrorInterval: 200 * time.Millisecond,
	})

	stop := runPoller(t, p)
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, src.calls(), 1, "no poll during the error interval")
	require.Eventually(t, func() bool { return len(src.calls()) >= 2 }, 2*time.Second, time.Millisecond)
	stop()
}

func TestPoller_StopsOnCancel(t *testing.T) {
	t.Parallel()
	p := telegram.NewPoller(&fakeSource{}, &fakeProcessor{}, telegram.PollerConfig{Interval: time.Hour})
	stop := runPoller(t, p)
	time.Sleep(10 * time.Millisecond)
	stop()
}
