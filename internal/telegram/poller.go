// ABOUTME: getUpdates polling loop, the development alternative to the webhook.
package telegram

import (
	"context"
	"log/slog"
	"time"
)

const (
	defaultPollInterval  = 500 * time.Millisecond
	defaultErrorInterval = 2 * time.Second
)

// UpdateSource fetches updates starting at offset.
type UpdateSource interface {
	GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error)
}

// UpdateProcessor consumes one update. Errors are logged by the Poller and do
// not stop it.
type UpdateProcessor interface {
	ProcessUpdate(ctx context.Context, u Update) error
}

// PollerConfig controls the getUpdates loop. Zero values take defaults.
type PollerConfig struct {
	Interval      time.Duration // between successful polls, default 500ms
	ErrorInterval time.Duration // after a failed poll, default 2s
	LongPoll      time.Duration // getUpdates timeout, default 0 (short polling)
}

// Poller is the development-mode alternative to the webhook: it pulls updates
// with getUpdates and hands each to the processor in order.
type Poller struct {
	src  UpdateSource
	proc UpdateProcessor
	cfg  PollerConfig

	lastUpdateID int64
}

// NewPoller returns a Poller reading from src and handing updates to proc.
func NewPoller(src UpdateSource, proc UpdateProcessor, cfg PollerConfig) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultPollInterval
	}
	if cfg.ErrorInterval <= 0 {
		cfg.ErrorInterval = defaultErrorInterval
	}
	return &Poller{src: src, proc: proc, cfg: cfg}
}

// Run polls until ctx is cancelled. It always returns nil.
func (p *Poller) Run(ctx context.Context) error {
	slog.Info("telegram polling started", "interval", p.cfg.Interval)
	defer slog.Info("telegram polling stopped")

	for {
		wait := p.cfg.Interval
		if err := p.poll(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Error("telegram poll failed", "error", err)
			wait = p.cfg.ErrorInterval
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// LastUpdateID returns the highest update id seen.
func (p *Poller) LastUpdateID() int64 { return p.lastUpdateID }

func (p *Poller) poll(ctx context.Context) error {
	updates, err := p.src.GetUpdates(ctx, p.lastUpdateID+1, p.cfg.LongPoll)
	if err != nil {
		return err
	}
	for _, u := range updates {
		// Advance first: an update whose processing fails is not refetched.
		p.lastUpdateID = max(p.lastUpdateID, u.UpdateID)
		if err := p.proc.ProcessUpdate(ctx, u); err != nil {
			slog.Error("error processing update", "update_id", u.UpdateID, "error", err)
			continue
		}
		slog.Debug("processed update", "update_id", u.UpdateID)
	}
	if len(updates) > 0 {
		slog.Info("processed updates", "count", len(updates))
	}
	return nil
}
