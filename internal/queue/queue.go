package queue

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/arcbound/tenantcore/internal/connfactory"
	"github.com/arcbound/tenantcore/internal/script"
	"github.com/arcbound/tenantcore/pkg/corerr"
)

// Queue is the shared, service-wide task queue: unlike the rate limiter and
// cache, its priority index and task records are NOT tenant-key-prefixed —
// it is one global backlog with per-tenant fairness bookkeeping layered on
// top (§4.5.1's "25% of queue capacity" cap only makes sense against a
// shared capacity). Every operation therefore runs over the factory's
// admin connection; tenantID is carried in the task payload and used for
// the fairness sub-queue and DLQ scoping, not for Redis key prefixing.
type Queue struct {
	factory *connfactory.Factory
	exec    *script.Executor
	logger  *slog.Logger
}

// New constructs a Queue bound to factory.
func New(factory *connfactory.Factory) *Queue {
	return &Queue{factory: factory, exec: newExecutor(), logger: slog.Default()}
}

// EnqueueOptions customizes a single Enqueue call; zero value applies the
// queue's default processing timeout and a max_attempts of 3.
type EnqueueOptions struct {
	Priority       Priority
	ScheduledAt    *time.Time
	TimeoutSeconds int
	MaxAttempts    int
	Metadata       map[string]any
}

// Enqueue adds a task to its type's queue, rejecting it with a structured
// error when either the global or the tenant fairness cap is hit.
func (q *Queue) Enqueue(ctx context.Context, tenantID string, taskType TaskType, data map[string]any, opts EnqueueOptions) (string, error) {
	cfg, ok := Queues[taskType]
	if !ok {
		return "", corerr.NewInvalidArgument(fmt.Sprintf("unknown task type %q", taskType))
	}
	if opts.ScheduledAt != nil && opts.ScheduledAt.Before(time.Now()) {
		return "", corerr.NewInvalidArgument("scheduled_at cannot be in the past")
	}
	if _, err := uuid.Parse(tenantID); err != nil {
		return "", corerr.NewIsolationViolation(tenantID, "task project_id must be a valid UUID")
	}

	priority := opts.Priority
	if priority == 0 {
		priority = PriorityNormal
	}
	timeoutSeconds := opts.TimeoutSeconds
	if timeoutSeconds == 0 {
		timeoutSeconds = int(cfg.ProcessingTimeout.Seconds())
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 3
	}

	task := TaskData{
		TaskID:         uuid.New().String(),
		TaskType:       taskType,
		ProjectID:      tenantID,
		Priority:       priority,
		Data:           data,
		CreatedAt:      time.Now().UTC(),
		ScheduledAt:    opts.ScheduledAt,
		TimeoutSeconds: timeoutSeconds,
		MaxAttempts:    maxAttempts,
		Metadata:       opts.Metadata,
	}
	if opts.ScheduledAt != nil {
		ms := opts.ScheduledAt.UnixMilli()
		task.ScheduledAtMs = &ms
	}

	taskJSON, err := json.Marshal(task)
	if err != nil {
		return "", corerr.NewInvalidArgument("task payload is not serializable: " + err.Error())
	}

	nowMs := time.Now().UnixMilli()
	var raw any
	err = q.factory.WithAdminConnection(ctx, func(ctx context.Context, ac connfactory.AdminConn) error {
		var runErr error
		raw, runErr = q.exec.Run(ctx, ac, "admin", scriptNameEnqueue,
			[]string{priorityKey(cfg.Name), tenantSubQueueKey(cfg.Name, tenantID), taskKey(task.TaskID), statusKey(task.TaskID)},
			int64(priority), string(taskJSON), cfg.MaxSize, nowMs, task.CreatedAt.Format(time.RFC3339),
		)
		return runErr
	})
	if err != nil {
		return "", err
	}

	parts, ok := raw.([]any)
	if !ok || len(parts) < 2 {
		return "", corerr.NewInvalidArgument("malformed enqueue script reply")
	}
	if toInt64(parts[0]) != 1 {
		msg, _ := parts[1].(string)
		if strings.Contains(msg, "Project") {
			return "", corerr.NewProjectQueueFull(tenantID, cfg.Name)
		}
		return "", corerr.NewQueueFull(tenantID, cfg.Name)
	}
	return task.TaskID, nil
}

// Dequeue pops the highest-priority ready task from taskType's queue.
// Returns (nil, 0, nil) when nothing is ready.
func (q *Queue) Dequeue(ctx context.Context, taskType TaskType, workerID string) (*TaskData, int, error) {
	cfg, ok := Queues[taskType]
	if !ok {
		return nil, 0, corerr.NewInvalidArgument(fmt.Sprintf("unknown task type %q", taskType))
	}

	nowMs := time.Now().UnixMilli()
	var raw any
	err := q.factory.WithAdminConnection(ctx, func(ctx context.Context, ac connfactory.AdminConn) error {
		var runErr error
		raw, runErr = q.exec.Run(ctx, ac, "admin", scriptNameDequeue,
			[]string{priorityKey(cfg.Name), "queue:" + cfg.Name + ":project:"},
			workerID, time.Now().UTC().Format(time.RFC3339), nowMs, maxScanCandidates,
		)
		return runErr
	})
	if err != nil {
		return nil, 0, err
	}

	parts, ok := raw.([]any)
	if !ok || len(parts) < 2 {
		return nil, 0, corerr.NewInvalidArgument("malformed dequeue script reply")
	}
	if toInt64(parts[0]) != 1 {
		return nil, 0, nil
	}

	taskJSON, _ := parts[1].(string)
	var task TaskData
	if err := json.Unmarshal([]byte(taskJSON), &task); err != nil {
		return nil, 0, fmt.Errorf("decoding dequeued task: %w", err)
	}
	attempts := 1
	if len(parts) > 2 {
		attempts = int(toInt64(parts[2]))
	}
	return &task, attempts, nil
}

// Complete marks a task completed and records its result.
func (q *Queue) Complete(ctx context.Context, taskID string, result map[string]any) error {
	return q.updateStatus(ctx, taskID, StatusCompleted, result, "", "")
}

// Cancel marks a queued or running task cancelled.
func (q *Queue) Cancel(ctx context.Context, taskID string) error {
	return q.updateStatus(ctx, taskID, StatusCancelled, nil, "", "")
}

// Fail marks a task failed. If attempts remain and retry is requested, it
// requeues the task with exponential backoff and a bumped priority band,
// preserving its task_id and cumulative attempt count so the count actually
// converges on max_attempts; otherwise the task's retries are exhausted (or
// retry was declined) and it is moved to the dead-letter queue (§4.5.6) with
// category "retry_exhausted", in addition to recording the terminal failed
// status.
func (q *Queue) Fail(ctx context.Context, task TaskData, attempts int, errMsg string, retry bool, workerID string) error {
	if retry && attempts < task.MaxAttempts {
		delay := backoffDelay(attempts)
		scheduledAt := time.Now().Add(delay)
		newPriority := NextPriority(task.Priority)

		metadata := map[string]any{}
		for k, v := range task.Metadata {
			metadata[k] = v
		}
		metadata["retry_attempt"] = attempts
		metadata["retry_error"] = errMsg
		metadata["retry_delay_seconds"] = int(delay.Seconds())

		if err := q.requeue(ctx, task, attempts, newPriority, scheduledAt, metadata); err != nil {
			return err
		}
		return q.updateStatus(ctx, task.TaskID, StatusRetrying, nil, errMsg, "")
	}

	if err := q.AddToDeadLetter(ctx, task, errMsg, workerID, attempts, "", ""); err != nil {
		q.logger.Error("failed to write dead-letter entry", "task_id", task.TaskID, "error", err)
	}
	return q.updateStatus(ctx, task.TaskID, StatusFailed, nil, errMsg, workerID)
}

// requeue puts task back on its original queue under its existing task_id,
// carrying attempts forward (instead of Enqueue's fresh task_id / attempts
// reset), so a retry chain's attempt count actually accumulates toward
// max_attempts.
func (q *Queue) requeue(ctx context.Context, task TaskData, attempts int, priority Priority, scheduledAt time.Time, metadata map[string]any) error {
	cfg, ok := Queues[task.TaskType]
	if !ok {
		return corerr.NewInvalidArgument(fmt.Sprintf("unknown task type %q", task.TaskType))
	}

	retried := task
	retried.Priority = priority
	retried.ScheduledAt = &scheduledAt
	ms := scheduledAt.UnixMilli()
	retried.ScheduledAtMs = &ms
	retried.Metadata = metadata

	taskJSON, err := json.Marshal(retried)
	if err != nil {
		return corerr.NewInvalidArgument("task payload is not serializable: " + err.Error())
	}

	nowMs := time.Now().UnixMilli()
	var raw any
	err = q.factory.WithAdminConnection(ctx, func(ctx context.Context, ac connfactory.AdminConn) error {
		var runErr error
		raw, runErr = q.exec.Run(ctx, ac, "admin", scriptNameRequeue,
			[]string{priorityKey(cfg.Name), tenantSubQueueKey(cfg.Name, task.ProjectID), taskKey(task.TaskID), statusKey(task.TaskID)},
			int64(priority), string(taskJSON), cfg.MaxSize, nowMs, fmt.Sprintf("%d", attempts),
		)
		return runErr
	})
	if err != nil {
		return err
	}

	parts, ok := raw.([]any)
	if !ok || len(parts) < 2 {
		return corerr.NewInvalidArgument("malformed requeue script reply")
	}
	if toInt64(parts[0]) != 1 {
		msg, _ := parts[1].(string)
		if strings.Contains(msg, "Project") {
			return corerr.NewProjectQueueFull(task.ProjectID, cfg.Name)
		}
		return corerr.NewQueueFull(task.ProjectID, cfg.Name)
	}
	return nil
}

func (q *Queue) updateStatus(ctx context.Context, taskID string, status Status, result map[string]any, errMsg, workerID string) error {
	return q.factory.WithAdminConnection(ctx, func(ctx context.Context, ac connfactory.AdminConn) error {
		values := map[string]any{
			"status":       string(status),
			"completed_at": time.Now().UTC().Format(time.RFC3339),
		}
		if result != nil {
			b, err := json.Marshal(result)
			if err != nil {
				return err
			}
			values["result"] = string(b)
		}
		if errMsg != "" {
			values["error"] = errMsg
		}
		if workerID != "" {
			values["worker_id"] = workerID
		}
		return ac.HSet(ctx, statusKey(taskID), values)
	})
}

// Status returns the current status record for a task.
func (q *Queue) Status(ctx context.Context, taskID string) (StatusRecord, error) {
	var record StatusRecord
	err := q.factory.WithAdminConnection(ctx, func(ctx context.Context, ac connfactory.AdminConn) error {
		fields, err := ac.HGetAll(ctx, statusKey(taskID))
		if err != nil {
			return err
		}
		if len(fields) == 0 {
			return corerr.NewKeyNotFound("", taskID)
		}
		record.Status = Status(fields["status"])
		record.WorkerID = fields["worker_id"]
		record.Error = fields["error"]
		if v, ok := fields["attempts"]; ok {
			fmt.Sscanf(v, "%d", &record.Attempts)
		}
		return nil
	})
	return record, err
}

// Stats reports a queue type's current population.
func (q *Queue) Stats(ctx context.Context, taskType TaskType) (Stats, error) {
	cfg, ok := Queues[taskType]
	if !ok {
		return Stats{}, corerr.NewInvalidArgument(fmt.Sprintf("unknown task type %q", taskType))
	}
	var total int64
	err := q.factory.WithAdminConnection(ctx, func(ctx context.Context, ac connfactory.AdminConn) error {
		var err error
		total, err = ac.ZCard(ctx, priorityKey(cfg.Name))
		return err
	})
	if err != nil {
		return Stats{}, err
	}
	util := float64(0)
	if cfg.MaxSize > 0 {
		util = float64(total) / float64(cfg.MaxSize) * 100
	}
	return Stats{TaskType: taskType, QueueName: cfg.Name, TotalQueued: total, MaxSize: cfg.MaxSize, Utilization: util}, nil
}

// CleanupExpired scans task records older than maxAge and removes both the
// task body and its status hash, mirroring
// queue_manager.py's cleanup_expired_tasks.
func (q *Queue) CleanupExpired(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	cleaned := 0
	err := q.factory.WithAdminConnection(ctx, func(ctx context.Context, ac connfactory.AdminConn) error {
		var cursor uint64
		for {
			keys, next, err := ac.Scan(ctx, cursor, "task:*", 200)
			if err != nil {
				return err
			}
			for _, key := range keys {
				if strings.HasSuffix(key, ":status") {
					continue
				}
				raw, err := ac.Get(ctx, key)
				if err != nil || raw == "" {
					continue
				}
				var task TaskData
				if err := json.Unmarshal([]byte(raw), &task); err != nil {
					continue
				}
				if task.CreatedAt.Before(cutoff) {
					_, _ = ac.Del(ctx, key, key+":status")
					cleaned++
				}
			}
			cursor = next
			if cursor == 0 {
				break
			}
		}
		return nil
	})
	return cleaned, err
}

func toInt64(v any) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case float64:
		return int64(x)
	default:
		return 0
	}
}
