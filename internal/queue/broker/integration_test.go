// ABOUTME: Integration test against a real RabbitMQ testcontainer; skipped under -short.
package broker_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcrabbit "github.com/testcontainers/testcontainers-go/modules/rabbitmq"

	"github.com/matipre/chatrelay/internal/queue"
	"github.com/matipre/chatrelay/internal/queue/broker"
)

// TestRabbitMQ_RetryThenDeadLetter runs the adapter against a real broker:
// one envelope succeeds after a retry, another exhausts its budget and lands
// in the dead-letter queue.
func TestRabbitMQ_RetryThenDeadLetter(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test: needs docker")
	}
	t.Parallel()
	ctx := context.Background()

	ctr, err := tcrabbit.Run(ctx, "rabbitmq:3.13-alpine")
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := ctr.Terminate(ctx); err != nil {
			t.Logf("terminate rabbitmq container: %v", err)
		}
	})
	url, err := ctr.AmqpURL(ctx)
	require.NoError(t, err)

	conn, err := broker.Connect(ctx, broker.ConnectConfig{URL: url, RetryDelay: time.Second})
	require.NoError(t, err)
	f := broker.New(conn, broker.Config{MaxRetries: 2, RetryDelay: func(int) time.Duration { return 100 * time.Millisecond }})
	t.Cleanup(func() { _ = f.Close(ctx) })

	var okCalls, badCalls atomic.Int32
	okJob := f.CreateJob(queue.JobOptions{Name: "it_ok", Handler: func(context.Context, queue.Args) queue.Result {
		if okCalls.Add(1) == 1 {
			return queue.Error("first try fails")
		}
		return queue.Success()
	}})
	badJob := f.CreateJob(queue.JobOptions{Name: "it_bad", Handler: func(context.Context, queue.Args) queue.Result {
		badCalls.Add(1)
		return queue.Error("always")
	}})
	require.NoError(t, okJob.TurnOn(ctx))
	require.NoError(t, badJob.TurnOn(ctx))
	require.NoError(t, okJob.ScheduleTask(ctx, map[string]any{"chatId": 456, "text": "hi"}))
	require.NoError(t, badJob.ScheduleTask(ctx, "x"))

	require.Eventually(t, func() bool { return okCalls.Load() == 2 }, 10*time.Second, 50*time.Millisecond)
	require.Eventually(t, func() bool { return badCalls.Load() == 2 && f.PendingRetries() == 0 }, 10*time.Second, 50*time.Millisecond)

	ch, err := conn.Channel()
	require.NoError(t, err)
	defer ch.Close() //nolint:errcheck
	require.Eventually(t, func() bool {
		q, err := ch.QueueDeclare(broker.DeadLetterQueue("it_bad"), true, false, false, false, nil)
		return err == nil && q.Messages == 1
	}, 10*time.Second, 50*time.Millisecond)
	assert.Equal(t, int32(2), badCalls.Load())
}
