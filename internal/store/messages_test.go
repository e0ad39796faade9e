// ABOUTME: Integration tests for store/messages.go: send, read visibility, delete and archive.
// ABOUTME: Uses testutil.NewTestDB; each test runs in its own container (t.Parallel).
package store_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matipre/chatrelay/internal/store"
	"github.com/matipre/chatrelay/internal/testutil"
)

func TestSendRead_HidesForVisibilityTimeout(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	id, err := s.Send(ctx, "q", json.RawMessage(`{"data":{"n":1}}`), 0)
	require.NoError(t, err)

	msgs, err := s.Read(ctx, "q", 30*time.Second, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, id, msgs[0].MsgID)
	assert.Equal(t, 1, msgs[0].ReadCount)
	assert.JSONEq(t, `{"data":{"n":1}}`, string(msgs[0].Message))

	again, err := s.Read(ctx, "q", 30*time.Second, 10)
	require.NoError(t, err)
	assert.Empty(t, again, "message must stay hidden until its visibility timeout expires")
}

func TestRead_ReappearsAfterVisibilityTimeout(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	_, err := s.Send(ctx, "q", json.RawMessage(`{"data":1}`), 0)
	require.NoError(t, err)

	first, err := s.Read(ctx, "q", 200*time.Millisecond, 10)
	require.NoError(t, err)
	require.Len(t, first, 1)

	require.Eventually(t, func() bool {
		msgs, err := s.Read(ctx, "q", 30*time.Second, 10)
		return err == nil && len(msgs) == 1 && msgs[0].ReadCount == 2
	}, 5*time.Second, 50*time.Millisecond)
}

func TestSend_DelayHidesMessage(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	_, err := s.Send(ctx, "q", json.RawMessage(`{"data":1}`), time.Hour)
	require.NoError(t, err)

	msgs, err := s.Read(ctx, "q", time.Second, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	depth, err := s.QueueDepth(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestRead_RespectsLimitAndQueue(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	for i := 0; i < 12; i++ {
		_, err := s.Send(ctx, "a", json.RawMessage(`{"data":null}`), 0)
		require.NoError(t, err)
	}
	_, err := s.Send(ctx, "b", json.RawMessage(`{"data":null}`), 0)
	require.NoError(t, err)

	msgs, err := s.Read(ctx, "a", time.Minute, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 10)
	for _, m := range msgs {
		assert.Equal(t, "a", m.QueueName)
	}
}

func TestSend_RejectsInvalidJSON(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)

	_, err := s.Send(context.Background(), "q", json.RawMessage(`{`), 0)
	assert.Error(t, err)
}

func TestDelete(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	id, err := s.Send(ctx, "q", json.RawMessage(`{"data":1}`), 0)
	require.NoError(t, err)

	ok, err := s.Delete(ctx, "q", id)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Delete(ctx, "q", id)
	require.NoError(t, err)
	assert.False(t, ok, "second delete finds nothing")

	depth, err := s.QueueDepth(ctx, "q")
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestArchive_MovesRow(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	id, err := s.Send(ctx, "q", json.RawMessage(`{"data":{"chatId":1}}`), 0)
	require.NoError(t, err)
	_, err = s.Read(ctx, "q", time.Minute, 1)
	require.NoError(t, err)

	ok, err := s.Archive(ctx, "q", id)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Archive(ctx, "q", id)
	require.NoError(t, err)
	assert.False(t, ok)

	depth, err := s.QueueDepth(ctx, "q")
	require.NoError(t, err)
	assert.Zero(t, depth)

	archived, err := s.ListArchived(ctx, store.ArchiveFilter{Queue: "q"})
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.Equal(t, id, archived[0].MsgID)
	assert.Equal(t, 1, archived[0].ReadCount)
	assert.False(t, archived[0].ArchivedAt.IsZero())
	assert.JSONEq(t, `{"data":{"chatId":1}}`, string(archived[0].Message.Message))
}

func TestListArchived_Filters(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	for _, q := range []string{"a", "a", "b"} {
		id, err := s.Send(ctx, q, json.RawMessage(`{"data":null}`), 0)
		require.NoError(t, err)
		_, err = s.Archive(ctx, q, id)
		require.NoError(t, err)
	}

	all, err := s.ListArchived(ctx, store.ArchiveFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	onlyA, err := s.ListArchived(ctx, store.ArchiveFilter{Queue: "a"})
	require.NoError(t, err)
	assert.Len(t, onlyA, 2)
	for _, m := range onlyA {
		assert.Equal(t, "a", m.QueueName)
		assert.JSONEq(t, `{"data":null}`, string(m.Message.Message))
	}

	limited, err := s.ListArchived(ctx, store.ArchiveFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	future, err := s.ListArchived(ctx, store.ArchiveFilter{Since: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	assert.Empty(t, future)
}
