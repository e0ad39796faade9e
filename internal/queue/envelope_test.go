// ABOUTME: Tests for envelope construction, encoding and malformed-body decoding.
package queue_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matipre/chatrelay/internal/queue"
)

func TestNewEnvelope(t *testing.T) {
	t.Parallel()

	env, err := queue.NewEnvelope(map[string]any{"chatId": 456, "text": "hi"}, 3)
	require.NoError(t, err)
	assert.NotEmpty(t, env.MsgID)
	assert.Equal(t, 0, env.Attempts)
	assert.Equal(t, 3, env.MaxRetries)
	assert.JSONEq(t, `{"chatId":456,"text":"hi"}`, string(env.Data))

	other, err := queue.NewEnvelope("x", 3)
	require.NoError(t, err)
	assert.NotEqual(t, env.MsgID, other.MsgID)
}

func TestNewEnvelope_ClampsRetryBudget(t *testing.T) {
	t.Parallel()

	env, err := queue.NewEnvelope(1, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, env.MaxRetries)
}

func TestNewEnvelope_RejectsUnencodablePayload(t *testing.T) {
	t.Parallel()

	_, err := queue.NewEnvelope(make(chan int), 3)
	assert.ErrorIs(t, err, queue.ErrMalformedEnvelope)

	_, err = queue.NewEnvelope(json.RawMessage(`{"broken"`), 3)
	assert.ErrorIs(t, err, queue.ErrMalformedEnvelope)
}

func TestEnvelopeWireFormat(t *testing.T) {
	t.Parallel()

	env := &queue.Envelope{MsgID: "abc", Data: json.RawMessage(`{"a":1}`), Attempts: 2, MaxRetries: 3}
	b, err := env.Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"msgId":"abc","data":{"a":1},"attempts":2,"maxRetries":3}`, string(b))
}

func TestDecodeEnvelope_Malformed(t *testing.T) {
	t.Parallel()

	bodies := map[string]string{
		"not json":       `hello`,
		"missing id":     `{"data":1,"attempts":0,"maxRetries":3}`,
		"zero budget":    `{"msgId":"a","data":1,"attempts":0,"maxRetries":0}`,
		"negative tries": `{"msgId":"a","data":1,"attempts":-1,"maxRetries":3}`,
	}
	for name, body := range bodies {
		_, err := queue.DecodeEnvelope([]byte(body))
		assert.ErrorIs(t, err, queue.ErrMalformedEnvelope, name)
	}
}

func TestExhausted(t *testing.T) {
	t.Parallel()

	env := &queue.Envelope{MsgID: "a", MaxRetries: 3, Attempts: 2}
	assert.False(t, env.Exhausted())
	env.Attempts = 3
	assert.True(t, env.Exhausted())
}
