package queue

import (
	"context"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcbound/tenantcore/internal/connfactory"
)

func TestDeadLetter_AddAndAutoRetryEligibility(t *testing.T) {
	q, _ := newTestQueue(t)
	tenantID := uuid.New().String()
	ctx := context.Background()

	task := TaskData{
		TaskID:      uuid.New().String(),
		TaskType:    TaskAgentTask,
		ProjectID:   tenantID,
		Priority:    PriorityNormal,
		Data:        map[string]any{"x": 1},
		MaxAttempts: 3,
	}

	require.NoError(t, q.AddToDeadLetter(ctx, task, "connection reset by peer", "worker-1", 3, "", ""))

	var raw string
	require.NoError(t, q.factory.WithConnection(ctx, tenantID, func(ctx context.Context, tc connfactory.TenantConn) error {
		var err error
		raw, err = tc.Get(ctx, "dead_letter_queue:task:"+task.TaskID)
		return err
	}))
	assert.NotEmpty(t, raw)

	var dlq DeadLetterTask
	require.NoError(t, json.Unmarshal([]byte(raw), &dlq))
	assert.True(t, dlq.AutoRetryEligible, "a connection-reset error on an auto-retry-eligible task type should be eligible")
}

func TestDeadLetter_IneligibleErrorIsNotAutoRetried(t *testing.T) {
	q, _ := newTestQueue(t)
	tenantID := uuid.New().String()
	ctx := context.Background()

	task := TaskData{
		TaskID:      uuid.New().String(),
		TaskType:    TaskDocumentExport,
		ProjectID:   tenantID,
		Priority:    PriorityNormal,
		Data:        map[string]any{},
		MaxAttempts: 3,
	}
	require.NoError(t, q.AddToDeadLetter(ctx, task, "invalid document schema", "worker-1", 3, "invalid_data", "low"))

	reinjected, err := q.AutoRetryScan(ctx, tenantID)
	require.NoError(t, err)
	assert.Equal(t, 0, reinjected)
}

func TestDeadLetter_EligibleTaskIsReinjectedOnceDue(t *testing.T) {
	q, _ := newTestQueue(t)
	tenantID := uuid.New().String()
	ctx := context.Background()

	task := TaskData{
		TaskID:      uuid.New().String(),
		TaskType:    TaskAgentTask,
		ProjectID:   tenantID,
		Priority:    PriorityNormal,
		Data:        map[string]any{"retry": true},
		MaxAttempts: 3,
	}
	require.NoError(t, q.AddToDeadLetter(ctx, task, "temporary connection timeout", "worker-1", 1, "", ""))

	// attempts=1 -> autoRetryDelay = 2 minutes in the future: not due yet.
	reinjected, err := q.AutoRetryScan(ctx, tenantID)
	require.NoError(t, err)
	assert.Equal(t, 0, reinjected)

	// Force the stored entry's NextAutoRetryAt into the past to simulate
	// the delay having elapsed, then rescan.
	require.NoError(t, q.factory.WithConnection(ctx, tenantID, func(ctx context.Context, tc connfactory.TenantConn) error {
		keys, _, err := tc.Scan(ctx, 0, "dead_letter_queue:task:*", 10)
		if err != nil {
			return err
		}
		require.Len(t, keys, 1)
		raw, err := tc.Get(ctx, keys[0])
		if err != nil {
			return err
		}
		var dlq DeadLetterTask
		if err := json.Unmarshal([]byte(raw), &dlq); err != nil {
			return err
		}
		past := time.Now().Add(-time.Minute)
		dlq.NextAutoRetryAt = &past
		patched, err := json.Marshal(dlq)
		if err != nil {
			return err
		}
		return tc.Set(ctx, keys[0], string(patched), 0)
	}))

	reinjected, err = q.AutoRetryScan(ctx, tenantID)
	require.NoError(t, err)
	assert.Equal(t, 1, reinjected)

	task2, _, err := q.Dequeue(ctx, TaskAgentTask, "worker-2")
	require.NoError(t, err)
	require.NotNil(t, task2)
	assert.Equal(t, PriorityNormal, task2.Priority)
}
