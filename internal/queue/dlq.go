package queue

import (
	"context"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/arcbound/tenantcore/internal/connfactory"
	"github.com/arcbound/tenantcore/pkg/corerr"
)

// DeadLetterTask is a task that exhausted its retries, grounded on
// dead_letter.py's DeadLetterTask model.
type DeadLetterTask struct {
	Task              TaskData   `json:"task"`
	ErrorMessage      string     `json:"error_message"`
	Attempts          int        `json:"attempts"`
	FirstFailedAt     time.Time  `json:"first_failed_at"`
	LastFailedAt      time.Time  `json:"last_failed_at"`
	WorkerID          string     `json:"worker_id,omitempty"`
	Severity          string     `json:"severity"`
	Category          string     `json:"category"`
	AutoRetryEligible bool       `json:"auto_retry_eligible"`
	NextAutoRetryAt   *time.Time `json:"next_auto_retry_at,omitempty"`
}

// autoRetryEligibleTypes mirrors dead_letter.py's AUTO_RETRY_TYPES allowlist.
var autoRetryEligibleTypes = map[TaskType]bool{
	TaskEmbeddingComputation: true,
	TaskAgentTask:            true,
	TaskDocumentExport:       true,
}

// retryablePatterns mirrors dead_letter.py's RETRYABLE_ERRORS substrings.
var retryablePatterns = []string{"timeout", "connection", "temporary", "rate limit"}

func isAutoRetryEligible(task TaskData, errMsg string, attempts int) bool {
	if attempts >= 5 {
		return false
	}
	if !autoRetryEligibleTypes[task.TaskType] {
		return false
	}
	lower := strings.ToLower(errMsg)
	for _, pattern := range retryablePatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

// autoRetryDelay mirrors dead_letter.py's exponential backoff in minutes,
// capped at one hour.
func autoRetryDelay(attempts int) time.Duration {
	minutes := time.Duration(1) << uint(attempts)
	if minutes > 60 || minutes <= 0 {
		minutes = 60
	}
	return minutes * time.Minute
}

// AddToDeadLetter stores a failed task whose retries are exhausted. Unlike
// the rest of the queue, DLQ entries ARE tenant-key-prefixed (the key
// schema in §6 is "proj:<tenant>:dead_letter_queue:task:<task-id>"), since
// this is operator-facing, per-tenant triage data rather than shared
// processing backlog.
func (q *Queue) AddToDeadLetter(ctx context.Context, task TaskData, errMsg string, workerID string, attempts int, category, severity string) error {
	if category == "" {
		category = "retry_exhausted"
	}
	if severity == "" {
		severity = "medium"
	}

	now := time.Now().UTC()
	dlq := DeadLetterTask{
		Task:          task,
		ErrorMessage:  errMsg,
		Attempts:      attempts,
		FirstFailedAt: now,
		LastFailedAt:  now,
		WorkerID:      workerID,
		Severity:      severity,
		Category:      category,
	}
	if isAutoRetryEligible(task, errMsg, attempts) {
		dlq.AutoRetryEligible = true
		next := now.Add(autoRetryDelay(attempts))
		dlq.NextAutoRetryAt = &next
	}

	body, err := json.Marshal(dlq)
	if err != nil {
		return corerr.NewInvalidArgument("dead letter payload is not serializable: " + err.Error())
	}

	return q.factory.WithConnection(ctx, task.ProjectID, func(ctx context.Context, tc connfactory.TenantConn) error {
		return tc.Set(ctx, "dead_letter_queue:task:"+task.TaskID, string(body), 0)
	})
}

// AutoRetryScan re-injects DLQ tasks whose NextAutoRetryAt has elapsed back
// into the live queue at PriorityNormal with max_attempts capped at 3, per
// §4.5.6. Each call walks the tenant's whole DLQ, 200 keys per SCAN round
// trip, until the cursor returns to zero.
func (q *Queue) AutoRetryScan(ctx context.Context, tenantID string) (int, error) {
	reinjected := 0
	err := q.factory.WithConnection(ctx, tenantID, func(ctx context.Context, tc connfactory.TenantConn) error {
		var cursor uint64
		for {
			keys, next, err := tc.Scan(ctx, cursor, "dead_letter_queue:task:*", 200)
			if err != nil {
				return err
			}
			for _, key := range keys {
				raw, err := tc.Get(ctx, key)
				if err != nil || raw == "" {
					continue
				}
				var dlq DeadLetterTask
				if err := json.Unmarshal([]byte(raw), &dlq); err != nil {
					continue
				}
				if !dlq.AutoRetryEligible || dlq.NextAutoRetryAt == nil {
					continue
				}
				if dlq.NextAutoRetryAt.After(time.Now()) {
					continue
				}

				if _, err := q.Enqueue(ctx, tenantID, dlq.Task.TaskType, dlq.Task.Data, EnqueueOptions{
					Priority:    PriorityNormal,
					MaxAttempts: 3,
					Metadata:    dlq.Task.Metadata,
				}); err != nil {
					continue
				}
				_, _ = tc.Del(ctx, key)
				reinjected++
			}
			cursor = next
			if cursor == 0 {
				break
			}
		}
		return nil
	})
	return reinjected, err
}
