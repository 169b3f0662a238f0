package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcbound/tenantcore/internal/connfactory"
)

func newTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	f := connfactory.New(connfactory.Config{
		Addr:             s.Addr(),
		MaxConnections:   8,
		ConnectTimeout:   time.Second,
		OperationTimeout: time.Second,
	})
	require.NoError(t, f.Initialize(context.Background()))
	t.Cleanup(func() { _ = f.Close() })
	return New(f), s
}

func TestQueue_EnqueueDequeueRoundTrip(t *testing.T) {
	q, _ := newTestQueue(t)
	tenantID := uuid.New().String()
	ctx := context.Background()

	taskID, err := q.Enqueue(ctx, tenantID, TaskAgentTask, map[string]any{"prompt": "hi"}, EnqueueOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, taskID)

	task, attempts, err := q.Dequeue(ctx, TaskAgentTask, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, taskID, task.TaskID)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, tenantID, task.ProjectID)

	status, err := q.Status(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, status.Status)
	assert.Equal(t, "worker-1", status.WorkerID)
}

func TestQueue_DequeueOnEmptyQueueReturnsNil(t *testing.T) {
	q, _ := newTestQueue(t)
	task, _, err := q.Dequeue(context.Background(), TaskNotification, "worker-1")
	require.NoError(t, err)
	assert.Nil(t, task)
}

func TestQueue_HigherPriorityDequeuedFirst(t *testing.T) {
	q, _ := newTestQueue(t)
	tenantID := uuid.New().String()
	ctx := context.Background()

	lowID, err := q.Enqueue(ctx, tenantID, TaskCleanup, map[string]any{"n": 1}, EnqueueOptions{Priority: PriorityLow})
	require.NoError(t, err)
	highID, err := q.Enqueue(ctx, tenantID, TaskCleanup, map[string]any{"n": 2}, EnqueueOptions{Priority: PriorityCritical})
	require.NoError(t, err)

	first, _, err := q.Dequeue(ctx, TaskCleanup, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, highID, first.TaskID)

	second, _, err := q.Dequeue(ctx, TaskCleanup, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, lowID, second.TaskID)
}

func TestQueue_SameBandTiesBreakByInsertionOrder(t *testing.T) {
	q, _ := newTestQueue(t)
	tenantID := uuid.New().String()
	ctx := context.Background()

	firstID, err := q.Enqueue(ctx, tenantID, TaskCleanup, map[string]any{"n": 1}, EnqueueOptions{})
	require.NoError(t, err)
	secondID, err := q.Enqueue(ctx, tenantID, TaskCleanup, map[string]any{"n": 2}, EnqueueOptions{})
	require.NoError(t, err)

	first, _, err := q.Dequeue(ctx, TaskCleanup, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, firstID, first.TaskID)

	second, _, err := q.Dequeue(ctx, TaskCleanup, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, secondID, second.TaskID)
}

func TestQueue_ProjectFairnessCapRejectsBeyondQuarterShare(t *testing.T) {
	q, _ := newTestQueue(t)
	tenantID := uuid.New().String()
	ctx := context.Background()

	Queues[TaskHealthCheck] = Config{Name: "health_checks_test_fairness", MaxSize: 8, ProcessingTimeout: time.Minute}
	t.Cleanup(func() { Queues[TaskHealthCheck] = Config{Name: "health_checks", MaxSize: 50, ProcessingTimeout: time.Minute} })

	for i := 0; i < 2; i++ {
		_, err := q.Enqueue(ctx, tenantID, TaskHealthCheck, map[string]any{"n": i}, EnqueueOptions{})
		require.NoError(t, err)
	}

	_, err := q.Enqueue(ctx, tenantID, TaskHealthCheck, map[string]any{"n": 99}, EnqueueOptions{})
	require.Error(t, err)
}

func TestQueue_ScheduledTaskInvisibleUntilDue(t *testing.T) {
	// Readiness is judged against real wall-clock time (the script compares
	// the caller-supplied now_ms against the task's embedded
	// scheduled_at_ms), not miniredis's simulated clock, so this exercises
	// an actual short sleep rather than FastForward.
	q, _ := newTestQueue(t)
	tenantID := uuid.New().String()
	ctx := context.Background()

	soon := time.Now().Add(150 * time.Millisecond)
	taskID, err := q.Enqueue(ctx, tenantID, TaskNotification, map[string]any{}, EnqueueOptions{ScheduledAt: &soon})
	require.NoError(t, err)

	task, _, err := q.Dequeue(ctx, TaskNotification, "worker-1")
	require.NoError(t, err)
	assert.Nil(t, task, "a future-scheduled task must not be dequeued yet")

	time.Sleep(300 * time.Millisecond)

	task, _, err = q.Dequeue(ctx, TaskNotification, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, taskID, task.TaskID)
}

func TestQueue_EnqueuePastScheduledAtRejected(t *testing.T) {
	q, _ := newTestQueue(t)
	tenantID := uuid.New().String()
	past := time.Now().Add(-time.Hour)

	_, err := q.Enqueue(context.Background(), tenantID, TaskNotification, map[string]any{}, EnqueueOptions{ScheduledAt: &past})
	require.Error(t, err)
}

func TestQueue_FailWithRetryRequeuesWithBackoffAndHigherPriority(t *testing.T) {
	q, _ := newTestQueue(t)
	tenantID := uuid.New().String()
	ctx := context.Background()

	taskID, err := q.Enqueue(ctx, tenantID, TaskAgentTask, map[string]any{}, EnqueueOptions{Priority: PriorityNormal, MaxAttempts: 3})
	require.NoError(t, err)

	task, attempts, err := q.Dequeue(ctx, TaskAgentTask, "worker-1")
	require.NoError(t, err)
	require.Equal(t, taskID, task.TaskID)

	require.NoError(t, q.Fail(ctx, *task, attempts, "connection reset", true, "worker-1"))

	status, err := q.Status(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, StatusRetrying, status.Status)

	// The retry is scheduled in the future (backoff), so it must not be
	// immediately dequeuable.
	next, _, err := q.Dequeue(ctx, TaskAgentTask, "worker-1")
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestQueue_RequeuePreservesTaskIDAndAccumulatesAttempts(t *testing.T) {
	q, _ := newTestQueue(t)
	tenantID := uuid.New().String()
	ctx := context.Background()

	taskID, err := q.Enqueue(ctx, tenantID, TaskAgentTask, map[string]any{}, EnqueueOptions{MaxAttempts: 3})
	require.NoError(t, err)

	task, attempts, err := q.Dequeue(ctx, TaskAgentTask, "worker-1")
	require.NoError(t, err)
	require.Equal(t, 1, attempts)

	// Requeue with a past scheduled_at so the retry is immediately dequeuable,
	// exercising the attempt-accumulation logic without waiting out the real
	// exponential backoff delay.
	require.NoError(t, q.requeue(ctx, *task, attempts, PriorityHigh, time.Now().Add(-time.Millisecond), task.Metadata))

	again, attempts2, err := q.Dequeue(ctx, TaskAgentTask, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, taskID, again.TaskID, "requeue must preserve the original task_id")
	assert.Equal(t, 2, attempts2, "attempts must accumulate across a retry instead of resetting")

	require.NoError(t, q.requeue(ctx, *again, attempts2, PriorityCritical, time.Now().Add(-time.Millisecond), again.Metadata))
	third, attempts3, err := q.Dequeue(ctx, TaskAgentTask, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, third)
	assert.Equal(t, taskID, third.TaskID)
	assert.Equal(t, 3, attempts3, "a second retry generation must reach max_attempts, not restart at 1")

	require.NoError(t, q.Fail(ctx, *third, attempts3, "still failing", true, "worker-1"))
	status, err := q.Status(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, status.Status, "attempts must converge on max_attempts and reach the dead letter queue instead of retrying forever")
}

func TestQueue_FailWithoutRetryLeavesTaskFailed(t *testing.T) {
	q, _ := newTestQueue(t)
	tenantID := uuid.New().String()
	ctx := context.Background()

	taskID, err := q.Enqueue(ctx, tenantID, TaskAgentTask, map[string]any{}, EnqueueOptions{MaxAttempts: 1})
	require.NoError(t, err)
	task, attempts, err := q.Dequeue(ctx, TaskAgentTask, "worker-1")
	require.NoError(t, err)

	require.NoError(t, q.Fail(ctx, *task, attempts, "bad data", false, "worker-1"))

	status, err := q.Status(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, status.Status)
}

func TestQueue_FailWithExhaustedRetriesMovesToDeadLetter(t *testing.T) {
	q, _ := newTestQueue(t)
	tenantID := uuid.New().String()
	ctx := context.Background()

	taskID, err := q.Enqueue(ctx, tenantID, TaskAgentTask, map[string]any{}, EnqueueOptions{MaxAttempts: 1})
	require.NoError(t, err)
	task, attempts, err := q.Dequeue(ctx, TaskAgentTask, "worker-1")
	require.NoError(t, err)

	require.NoError(t, q.Fail(ctx, *task, attempts, "invalid document schema", true, "worker-1"))

	status, err := q.Status(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, status.Status, "attempts exhausted even with retry=true must end in failed, not retrying")

	var raw string
	require.NoError(t, q.factory.WithConnection(ctx, tenantID, func(ctx context.Context, tc connfactory.TenantConn) error {
		var err error
		raw, err = tc.Get(ctx, "dead_letter_queue:task:"+taskID)
		return err
	}))
	require.NotEmpty(t, raw, "exhausting retries must move the task into the dead-letter queue")
	var dlq DeadLetterTask
	require.NoError(t, json.Unmarshal([]byte(raw), &dlq))
	assert.Equal(t, "retry_exhausted", dlq.Category)
}

func TestQueue_CompleteRecordsResult(t *testing.T) {
	q, _ := newTestQueue(t)
	tenantID := uuid.New().String()
	ctx := context.Background()

	taskID, err := q.Enqueue(ctx, tenantID, TaskAgentTask, map[string]any{}, EnqueueOptions{})
	require.NoError(t, err)
	_, _, err = q.Dequeue(ctx, TaskAgentTask, "worker-1")
	require.NoError(t, err)

	require.NoError(t, q.Complete(ctx, taskID, map[string]any{"ok": true}))

	status, err := q.Status(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, status.Status)
}

func TestQueue_StatsReportsUtilization(t *testing.T) {
	q, _ := newTestQueue(t)
	tenantID := uuid.New().String()
	ctx := context.Background()

	_, err := q.Enqueue(ctx, tenantID, TaskBatchProcessing, map[string]any{}, EnqueueOptions{})
	require.NoError(t, err)

	stats, err := q.Stats(ctx, TaskBatchProcessing)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalQueued)
	assert.Greater(t, stats.Utilization, 0.0)
}
