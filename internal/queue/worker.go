package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Handler processes one dequeued task's payload. A non-nil error is fed
// into Fail (with retry=true); a handler that times out relative to the
// task's TimeoutSeconds is also treated as a failure.
type Handler func(ctx context.Context, task TaskData) error

// WorkerConfig describes one worker's polling behavior, grounded on
// workers.py's per-worker task-type list, concurrency cap, and poll
// interval.
type WorkerConfig struct {
	ID            string
	TaskTypes     []TaskType
	Concurrency   int
	PollInterval  time.Duration
	Handler       Handler
	DrainTimeout  time.Duration
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
	return c
}

// Worker polls its configured task types in order, dispatching each
// dequeued task to its handler concurrently up to Concurrency in-flight
// tasks. Per §4.5.7: when at the concurrency cap, the loop sleeps for
// PollInterval instead of dequeuing.
type Worker struct {
	cfg    WorkerConfig
	queue  *Queue
	logger *slog.Logger

	inFlight sync.WaitGroup
	sem      chan struct{}
	stop     chan struct{}
	done     chan struct{}
}

// NewWorker constructs a worker bound to queue.
func NewWorker(queue *Queue, cfg WorkerConfig) *Worker {
	cfg = cfg.withDefaults()
	return &Worker{
		cfg:    cfg,
		queue:  queue,
		logger: slog.Default().With("worker_id", cfg.ID),
		sem:    make(chan struct{}, cfg.Concurrency),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Run polls until ctx is cancelled or Stop is called, dispatching each
// dequeued task to the handler in its own goroutine.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		default:
		}

		select {
		case w.sem <- struct{}{}:
			if !w.pollOnce(ctx) {
				<-w.sem
				w.waitNextTick(ctx, ticker)
			}
		default:
			w.waitNextTick(ctx, ticker)
		}
	}
}

func (w *Worker) waitNextTick(ctx context.Context, ticker *time.Ticker) {
	select {
	case <-ctx.Done():
	case <-w.stop:
	case <-ticker.C:
	}
}

// pollOnce attempts one dequeue across the worker's configured task types,
// in order, returning true if a task was found and dispatched.
func (w *Worker) pollOnce(ctx context.Context) bool {
	for _, taskType := range w.cfg.TaskTypes {
		task, attempts, err := w.queue.Dequeue(ctx, taskType, w.cfg.ID)
		if err != nil {
			w.logger.Warn("dequeue failed", "task_type", taskType, "error", err)
			continue
		}
		if task == nil {
			continue
		}
		w.dispatch(ctx, *task, attempts)
		return true
	}
	return false
}

func (w *Worker) dispatch(ctx context.Context, task TaskData, attempts int) {
	w.inFlight.Add(1)
	go func() {
		defer w.inFlight.Done()
		defer func() { <-w.sem }()

		opCtx, cancel := context.WithTimeout(ctx, time.Duration(task.TimeoutSeconds)*time.Second)
		defer cancel()

		err := w.cfg.Handler(opCtx, task)
		if err != nil {
			errMsg := err.Error()
			if opCtx.Err() == context.DeadlineExceeded {
				errMsg = "handler timed out: " + errMsg
			}
			if failErr := w.queue.Fail(ctx, task, attempts, errMsg, true, w.cfg.ID); failErr != nil {
				w.logger.Error("failed to record task failure", "task_id", task.TaskID, "error", failErr)
			}
			return
		}
		if completeErr := w.queue.Complete(ctx, task.TaskID, nil); completeErr != nil {
			w.logger.Error("failed to record task completion", "task_id", task.TaskID, "error", completeErr)
		}
	}()
}

// Stop signals the poll loop to exit and waits, up to drainTimeout, for
// in-flight handlers to finish. Tasks still running when the timeout
// elapses are abandoned: they remain "running" until their own
// TimeoutSeconds elapses, per §5's no-exactly-once guarantee.
func (w *Worker) Stop() {
	close(w.stop)
	<-w.done

	drained := make(chan struct{})
	go func() {
		w.inFlight.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(w.cfg.DrainTimeout):
		w.logger.Warn("drain timeout elapsed, abandoning in-flight tasks")
	}
}

// Pool runs a fixed set of workers, used by the orchestrator (C8) to own
// their combined lifecycle.
type Pool struct {
	workers []*Worker
}

// NewPool constructs a pool of workers, one per config.
func NewPool(queue *Queue, configs ...WorkerConfig) *Pool {
	p := &Pool{}
	for _, cfg := range configs {
		p.workers = append(p.workers, NewWorker(queue, cfg))
	}
	return p
}

// Start launches every worker's poll loop in its own goroutine.
func (p *Pool) Start(ctx context.Context) {
	for _, w := range p.workers {
		go w.Run(ctx)
	}
}

// Stop drains every worker, in parallel, each bounded by its own
// DrainTimeout.
func (p *Pool) Stop() {
	var wg sync.WaitGroup
	for _, w := range p.workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			w.Stop()
		}(w)
	}
	wg.Wait()
}
