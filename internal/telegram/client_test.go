// ABOUTME: Tests for the Bot API client against an httptest server.
package telegram_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matipre/chatrelay/internal/telegram"
)

// In tests use a plain http.Client (safeurl blocks the loopback addresses
// httptest listens on).
func buildTestClient() *http.Client {
	return &http.Client{Timeout: 5 * time.Second}
}

type recorded struct {
	path   string
	params map[string]any
}

func newServer(t *testing.T, reply string, status int) (*httptest.Server, chan recorded) {
	t.Helper()
	calls := make(chan recorded, 10)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var params map[string]any
		_ = json.NewDecoder(r.Body).Decode(&params)
		calls <- recorded{path: r.URL.Path, params: params}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(reply))
	}))
	t.Cleanup(srv.Close)
	return srv, calls
}

func TestSendMessage(t *testing.T) {
	t.Parallel()
	srv, calls := newServer(t, `{"ok":true,"result":{"message_id":1}}`, http.StatusOK)
	c := telegram.NewClient(srv.URL, "123:ABC", buildTestClient(), 0)

	require.NoError(t, c.SendMessage(context.Background(), 456, "hi"))

	got := <-calls
	assert.Equal(t, "/bot123:ABC/sendMessage", got.path)
	assert.Equal(t, float64(456), got.params["chat_id"])
	assert.Equal(t, "hi", got.params["text"])
}

func TestSendMessage_APIError(t *testing.T) {
	t.Parallel()
	srv, _ := newServer(t, `{"ok":false,"error_code":403,"description":"Forbidden: bot was blocked by the user"}`, http.StatusForbidden)
	c := telegram.NewClient(srv.URL, "t", buildTestClient(), 0)

	err := c.SendMessage(context.Background(), 1, "x")
	var apiErr *telegram.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "sendMessage", apiErr.Method)
	assert.Equal(t, 403, apiErr.Code)
	assert.Contains(t, apiErr.Description, "blocked")
}

func TestCall_TransportErrorOmitsToken(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	const token = "123456:SECRET-BOT-TOKEN"
	c := telegram.NewClient(addr, token, buildTestClient(), 0)
	err := c.SendMessage(context.Background(), 1, "hi")
	require.Error(t, err)
	assert.NotContains(t, err.Error(), token)
	assert.NotContains(t, err.Error(), "SECRET")
	assert.Contains(t, err.Error(), "telegram sendMessage")
}

func TestCall_UndecodableResponse(t *testing.T) {
	t.Parallel()
	srv, _ := newServer(t, `<html>bad gateway</html>`, http.StatusBadGateway)
	c := telegram.NewClient(srv.URL, "t", buildTestClient(), 0)

	err := c.DeleteWebhook(context.Background())
	require.Error(t, err)
	var apiErr *telegram.APIError
	assert.False(t, errors.As(err, &apiErr))
}

func TestSetWebhook_SendsSecret(t *testing.T) {
	t.Parallel()
	srv, calls := newServer(t, `{"ok":true,"result":true}`, http.StatusOK)
	c := telegram.NewClient(srv.URL, "t", buildTestClient(), 0)

	require.NoError(t, c.SetWebhook(context.Background(), "https://relay.example.com/telegram/webhook", "s3cret"))
	got := <-calls
	assert.Equal(t, "/bott/setWebhook", got.path)
	assert.Equal(t, "https://relay.example.com/telegram/webhook", got.params["url"])
	assert.Equal(t, "s3cret", got.params["secret_token"])

	require.NoError(t, c.SetWebhook(context.Background(), "https://relay.example.com/telegram/webhook", ""))
	got = <-calls
	assert.NotContains(t, got.params, "secret_token")
}

func TestDeleteWebhook(t *testing.T) {
	t.Parallel()
	srv, calls := newServer(t, `{"ok":true,"result":true}`, http.StatusOK)
	c := telegram.NewClient(srv.URL, "t", buildTestClient(), 0)

	require.NoError(t, c.DeleteWebhook(context.Background()))
	assert.Equal(t, "/bott/deleteWebhook", (<-calls).path)
}

func TestGetUpdates(t *testing.T) {
	t.Parallel()
	srv, calls := newServer(t, `{"ok":true,"result":[
		{"update_id":10,"message":{"message_id":5,"from":{"id":7,"is_bot":false,"first_name":"Ann"},
		 "chat":{"id":456,"type":"private"},"date":1700000000,"text":"hello"}},
		{"update_id":11}
	]}`, http.StatusOK)
	c := telegram.NewClient(srv.URL, "t", buildTestClient(), 0)

	updates, err := c.GetUpdates(context.Background(), 10, 25*time.Second)
	require.NoError(t, err)
	require.Len(t, updates, 2)
	assert.Equal(t, int64(10), updates[0].UpdateID)
	require.NotNil(t, updates[0].Message)
	assert.Equal(t, "hello", updates[0].Message.Text)
	assert.Equal(t, telegram.ChatTypePrivate, updates[0].Message.Chat.Type)
	assert.Equal(t, int64(7), updates[0].Message.From.ID)
	assert.Nil(t, updates[1].Message)

	got := <-calls
	assert.Equal(t, float64(10), got.params["offset"])
	assert.Equal(t, float64(25), got.params["timeout"])
}

func TestClient_RateLimited(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`{"ok":true,"result":true}`))
	}))
	t.Cleanup(srv.Close)

	c := telegram.NewClient(srv.URL, "t", buildTestClient(), 1)
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	require.NoError(t, c.DeleteWebhook(ctx))
	err := c.DeleteWebhook(ctx)
	assert.Error(t, err, "second call within the same second must wait past the deadline")
	assert.Equal(t, int32(1), hits.Load())
}

func TestBuildSafeClient(t *testing.T) {
	t.Parallel()
	c := telegram.BuildSafeClient(25 * time.Second)
	require.NotNil(t, c)
	assert.Equal(t, 35*time.Second, c.Timeout)
}
