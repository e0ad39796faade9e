// ABOUTME: MessageProcessor turns private text updates into message-processing jobs.
package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/matipre/chatrelay/internal/telegram"
)

// isoMillis renders timestamps with millisecond precision in UTC.
const isoMillis = "2006-01-02T15:04:05.000Z07:00"

// Deduper remembers update ids already accepted.
type Deduper interface {
	Claim(ctx context.Context, updateID int64) (bool, error)
	Release(ctx context.Context, updateID int64) error
}

// MessageProcessor turns Telegram updates into message-processing jobs. It is
// shared by the webhook handler and the poller.
type MessageProcessor struct {
	job   *MessageProcessingJob
	dedup Deduper
}

// NewMessageProcessor returns a processor. dedup may be nil.
func NewMessageProcessor(job *MessageProcessingJob, dedup Deduper) *MessageProcessor {
	return &MessageProcessor{job: job, dedup: dedup}
}

// ProcessUpdate schedules the update's text message. Updates without text,
// from non-private chats or already seen are skipped without error.
func (p *MessageProcessor) ProcessUpdate(ctx context.Context, u telegram.Update) error {
	log := slog.With("update_id", u.UpdateID)
	log.InfoContext(ctx, "processing update")

	if u.Message == nil || u.Message.Text == "" {
		log.InfoContext(ctx, "no text message found in update, skipping")
		return nil
	}
	m := u.Message
	if m.Chat.Type != telegram.ChatTypePrivate {
		log.InfoContext(ctx, "ignoring non-private chat message", "chat_type", m.Chat.Type)
		return nil
	}

	claimed := false
	if p.dedup != nil {
		first, err := p.dedup.Claim(ctx, u.UpdateID)
		switch {
		case err != nil:
			// Fail open: a dedup outage never drops a message.
			log.WarnContext(ctx, "dedup unavailable, processing anyway", "error", err)
		case !first:
			log.InfoContext(ctx, "duplicate update, skipping")
			return nil
		default:
			claimed = true
		}
	}

	var userID int64
	if m.From != nil {
		userID = m.From.ID
	}
	msg := InboundMessage{
		ChatID:         m.Chat.ID,
		MessageText:    m.Text,
		TelegramUserID: userID,
		Timestamp:      time.Unix(m.Date, 0).UTC().Format(isoMillis),
		MessageID:      m.MessageID,
	}
	if err := p.job.Schedule(ctx, msg); err != nil {
		log.ErrorContext(ctx, "failed to queue message for processing", "error", err)
		if claimed {
			if rerr := p.dedup.Release(ctx, u.UpdateID); rerr != nil {
				log.WarnContext(ctx, "failed to release dedup claim", "error", rerr)
			}
		}
		return err
	}
	log.InfoContext(ctx, "message queued for processing", "telegram_user_id", userID, "chat_id", m.Chat.ID)
	return nil
}
