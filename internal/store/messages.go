// ABOUTME: Polling-queue primitives: send, read with visibility timeout, delete, archive.
// ABOUTME: Also archive listing and queue depth for the admin CLI.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// Message is a polling-queue row as returned by Read.
type Message struct {
	MsgID      int64
	QueueName  string
	ReadCount  int
	EnqueuedAt time.Time
	VisibleAt  time.Time
	Message    json.RawMessage
}

// ArchivedMessage is a row of queue_archive.
type ArchivedMessage struct {
	Message
	ArchivedAt time.Time
}

// Send inserts message into queue, invisible to readers for delay, and
// returns the assigned id.
func (s *Store) Send(ctx context.Context, queue string, message json.RawMessage, delay time.Duration) (int64, error) {
	if !json.Valid(message) {
		return 0, errors.New("send message: body is not valid JSON")
	}
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO queue_messages (queue_name, vt, message)
		VALUES ($1, clock_timestamp() + make_interval(secs => $2), $3)
		RETURNING msg_id`,
		queue, delay.Seconds(), message,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("send message to %s: %w", queue, err)
	}
	return id, nil
}

// Read claims up to n visible messages from queue, hiding each for vt and
// incrementing its read count. Concurrent readers never claim the same row.
func (s *Store) Read(ctx context.Context, queue string, vt time.Duration, n int) ([]Message, error) {
	rows, err := s.pool.Query(ctx, `
		WITH next AS (
			SELECT msg_id
			FROM queue_messages
			WHERE queue_name = $1 AND vt <= clock_timestamp()
			ORDER BY msg_id
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE queue_messages m
		SET vt = clock_timestamp() + make_interval(secs => $3),
		    read_ct = m.read_ct + 1
		FROM next
		WHERE m.msg_id = next.msg_id
		RETURNING m.msg_id, m.queue_name, m.read_ct, m.enqueued_at, m.vt, m.message`,
		queue, n, vt.Seconds(),
	)
	if err != nil {
		return nil, fmt.Errorf("read messages from %s: %w", queue, err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.MsgID, &m.QueueName, &m.ReadCount, &m.EnqueuedAt, &m.VisibleAt, &m.Message); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read messages from %s: %w", queue, err)
	}
	return out, nil
}

// Delete removes a message. Returns false when no such message exists.
func (s *Store) Delete(ctx context.Context, queue string, msgID int64) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM queue_messages WHERE queue_name = $1 AND msg_id = $2`,
		queue, msgID)
	if err != nil {
		return false, fmt.Errorf("delete message %d: %w", msgID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// Archive moves a message to queue_archive in a single statement. Returns
// false when no such message exists.
func (s *Store) Archive(ctx context.Context, queue string, msgID int64) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		WITH moved AS (
			DELETE FROM queue_messages
			WHERE queue_name = $1 AND msg_id = $2
			RETURNING msg_id, queue_name, read_ct, enqueued_at, vt, message
		)
		INSERT INTO queue_archive (msg_id, queue_name, read_ct, enqueued_at, vt, message)
		SELECT msg_id, queue_name, read_ct, enqueued_at, vt, message FROM moved`,
		queue, msgID)
	if err != nil {
		return false, fmt.Errorf("archive message %d: %w", msgID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// ArchiveFilter narrows ListArchived. Zero values mean no filter.
type ArchiveFilter struct {
	Queue string
	Since time.Time
	Limit uint64 // default 50
}

// ListArchived returns archived messages, newest first.
func (s *Store) ListArchived(ctx context.Context, f ArchiveFilter) ([]ArchivedMessage, error) {
	if f.Limit == 0 {
		f.Limit = 50
	}
	q := psql.
		Select("msg_id", "queue_name", "read_ct", "enqueued_at", "vt", "message", "archived_at").
		From("queue_archive").
		OrderBy("archived_at DESC", "msg_id DESC").
		Limit(f.Limit)
	if f.Queue != "" {
		q = q.Where(sq.Eq{"queue_name": f.Queue})
	}
	if !f.Since.IsZero() {
		q = q.Where(sq.GtOrEq{"archived_at": f.Since})
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build archive query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list archived: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []ArchivedMessage
	for rows.Next() {
		var m ArchivedMessage
		var body []byte
		if err := rows.Scan(&m.MsgID, &m.QueueName, &m.ReadCount, &m.EnqueuedAt, &m.VisibleAt, &body, &m.ArchivedAt); err != nil {
			return nil, fmt.Errorf("scan archived message: %w", err)
		}
		m.Message.Message = body
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list archived: %w", err)
	}
	return out, nil
}

// QueueDepth returns the number of live messages in queue, visible or not.
func (s *Store) QueueDepth(ctx context.Context, queue string) (int64, error) {
	query, args, err := psql.Select("count(*)").From("queue_messages").
		Where(sq.Eq{"queue_name": queue}).ToSql()
	if err != nil {
		return 0, fmt.Errorf("build depth query: %w", err)
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("queue depth %s: %w", queue, err)
	}
	return n, nil
}
