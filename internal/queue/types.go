// Package queue implements C5: a priority task queue with per-tenant
// fairness caps, scheduled execution, retry backoff, and a dead-letter
// queue for exhausted tasks. Grounded on original_source's
// queue_manager.py/dead_letter.py/retry.py/workers.py for the storage
// layout and state machine, and on internal/healthcheck/prober.go for the
// ticker-driven background-loop idiom the worker pool and DLQ rescanner
// reuse.
package queue

import "time"

// TaskType names a category of work, each with its own queue configuration.
type TaskType string

const (
	TaskEmbeddingComputation TaskType = "embedding_computation"
	TaskAgentTask            TaskType = "agent_task"
	TaskDocumentExport       TaskType = "document_export"
	TaskBatchProcessing      TaskType = "batch_processing"
	TaskNotification         TaskType = "notification"
	TaskCleanup              TaskType = "cleanup"
	TaskHealthCheck          TaskType = "health_check"
)

// Priority orders tasks within a queue; higher sorts first.
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityNormal   Priority = 5
	PriorityHigh     Priority = 10
	PriorityCritical Priority = 20
	PriorityUrgent   Priority = 50
)

// NextPriority bumps a priority one band higher, capped at Urgent, used
// when a failed task is requeued for retry.
func NextPriority(p Priority) Priority {
	switch {
	case p < PriorityNormal:
		return PriorityNormal
	case p < PriorityHigh:
		return PriorityHigh
	case p < PriorityCritical:
		return PriorityCritical
	default:
		return PriorityUrgent
	}
}

// Status is a task's lifecycle state.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusRetrying   Status = "retrying"
	StatusDeadLetter Status = "dead_letter"
)

// Config describes one queue's capacity and processing timeout.
type Config struct {
	Name              string
	MaxSize           int64
	ProcessingTimeout time.Duration
}

// Queues mirrors queue_manager.py's QUEUES table.
var Queues = map[TaskType]Config{
	TaskEmbeddingComputation: {Name: "embeddings", MaxSize: 1000, ProcessingTimeout: 10 * time.Minute},
	TaskAgentTask:            {Name: "agent_tasks", MaxSize: 500, ProcessingTimeout: 30 * time.Minute},
	TaskDocumentExport:       {Name: "exports", MaxSize: 200, ProcessingTimeout: 20 * time.Minute},
	TaskBatchProcessing:      {Name: "batch", MaxSize: 100, ProcessingTimeout: time.Hour},
	TaskNotification:         {Name: "notifications", MaxSize: 5000, ProcessingTimeout: 30 * time.Second},
	TaskCleanup:              {Name: "cleanup", MaxSize: 100, ProcessingTimeout: 10 * time.Minute},
	TaskHealthCheck:          {Name: "health_checks", MaxSize: 50, ProcessingTimeout: time.Minute},
}

// TaskData is the wire-format task record (§6): persisted as the priority
// index's ZSET member and as the standalone task: string record.
type TaskData struct {
	TaskID         string         `json:"task_id"`
	TaskType       TaskType       `json:"task_type"`
	ProjectID      string         `json:"project_id"`
	Priority       Priority       `json:"priority"`
	Data           map[string]any `json:"data"`
	CreatedAt      time.Time      `json:"created_at"`
	ScheduledAt    *time.Time     `json:"scheduled_at,omitempty"`
	// ScheduledAtMs mirrors ScheduledAt as epoch milliseconds purely so the
	// dequeue script can compare it against now without parsing ISO-8601 in
	// Lua; it carries no information beyond ScheduledAt.
	ScheduledAtMs  *int64         `json:"scheduled_at_ms,omitempty"`
	TimeoutSeconds int            `json:"timeout_seconds"`
	MaxAttempts    int            `json:"max_attempts"`
	Metadata       map[string]any `json:"metadata"`
}

// StatusRecord is the wire-format status hash (§6).
type StatusRecord struct {
	Status      Status         `json:"status"`
	WorkerID    string         `json:"worker_id,omitempty"`
	QueuedAt    *time.Time     `json:"queued_at,omitempty"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Attempts    int            `json:"attempts"`
	Error       string         `json:"error,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
}

// Stats summarizes one queue's population, for operator dashboards
// (original_source's get_queue_stats).
type Stats struct {
	TaskType    TaskType
	QueueName   string
	TotalQueued int64
	MaxSize     int64
	Utilization float64
}

func priorityKey(name string) string     { return "queue:" + name + ":priority" }
func tenantSubQueueKey(name, tenantID string) string {
	return "queue:" + name + ":project:" + tenantID
}
func taskKey(taskID string) string        { return "task:" + taskID }
func statusKey(taskID string) string       { return "task:" + taskID + ":status" }

const (
	taskRecordTTL   = 24 * time.Hour
	maxScanCandidates = 64 // bounded lookahead past future-scheduled tasks
)

// backoffDelay mirrors queue_manager.py's _retry_task: 2^attempts seconds,
// capped at 300s (5 minutes).
func backoffDelay(attempts int) time.Duration {
	d := time.Duration(1) << uint(attempts)
	d *= time.Second
	if d > 300*time.Second || d <= 0 {
		d = 300 * time.Second
	}
	return d
}
