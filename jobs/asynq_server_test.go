package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
)

func newQueueClient(t *testing.T) *Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := NewClient(asynq.RedisClientOpt{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestEnqueueDiagnosticSweepImmediate(t *testing.T) {
	client := newQueueClient(t)

	info, err := client.EnqueueDiagnosticSweep(context.Background(), DiagnosticSweepPayload{}, 0)
	require.NoError(t, err)
	require.Equal(t, TaskDiagnosticSweep, info.Type)
	require.Equal(t, QueueDefault, info.Queue)
	require.Equal(t, asynq.TaskStatePending, info.State)
}

func TestEnqueueDiagnosticSweepWithWarmupDelay(t *testing.T) {
	client := newQueueClient(t)

	delay := 90 * time.Second
	info, err := client.EnqueueDiagnosticSweep(context.Background(), DiagnosticSweepPayload{}, delay)
	require.NoError(t, err)
	require.Equal(t, asynq.TaskStateScheduled, info.State)
	require.WithinDuration(t, time.Now().Add(delay), info.NextProcessAt, 5*time.Second)
}

func TestEnqueueClosingCleanup(t *testing.T) {
	client := newQueueClient(t)

	info, err := client.EnqueueClosingCleanup(context.Background(), ClosingCleanupPayload{MaxAgeDays: 30})
	require.NoError(t, err)
	require.Equal(t, TaskClosingCleanup, info.Type)
	require.Equal(t, asynq.TaskStatePending, info.State)
}
