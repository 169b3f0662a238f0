// Package orchestrator implements C8: startup ordering, lifecycle of the
// background loops (health sampling/alerting, DLQ auto-retry scanning, the
// worker pool), and graceful shutdown, grounded on cmd/server/main.go's
// signal-driven shutdown and internal/healthcheck's atomic.Bool-guarded
// Start/Stop idiom (reused directly by health.Sampler and queue.Pool, which
// this package merely sequences).
//
// Process-wide singletons in the source (module-level factory/limiter/
// queue/alert-manager instances) become explicit dependencies constructed
// here and threaded through to callers instead.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/arcbound/tenantcore/internal/breaker"
	"github.com/arcbound/tenantcore/internal/cache"
	"github.com/arcbound/tenantcore/internal/config"
	"github.com/arcbound/tenantcore/internal/connfactory"
	"github.com/arcbound/tenantcore/internal/health"
	"github.com/arcbound/tenantcore/internal/queue"
	"github.com/arcbound/tenantcore/internal/ratelimit"
)

const (
	defaultDLQScanInterval  = 5 * time.Minute
	defaultCleanupInterval  = 10 * time.Minute
	defaultTaskRecordMaxAge = 24 * time.Hour
)

// Core bundles every component an HTTP layer needs, constructed once at
// startup and passed into handlers rather than reached for as a package
// singleton.
type Core struct {
	Factory *connfactory.Factory
	Limiter *ratelimit.Limiter
	Queue   *queue.Queue
	Cache   *cache.Cache
	Health  *health.Manager
}

// Option customizes an Orchestrator before Start.
type Option func(*Orchestrator)

// WithWorkers registers worker pool configurations; without this option
// the orchestrator runs with no task-queue consumers (useful for an
// admission-only deployment that only enqueues).
func WithWorkers(configs ...queue.WorkerConfig) Option {
	return func(o *Orchestrator) { o.workerConfigs = configs }
}

// WithDLQScanInterval overrides the default DLQ auto-retry scan cadence.
func WithDLQScanInterval(d time.Duration) Option {
	return func(o *Orchestrator) { o.dlqScanInterval = d }
}

// WithCleanupInterval overrides the default expired-task-record cleanup
// cadence (grounded on original_source's cleanup_expired_tasks).
func WithCleanupInterval(d time.Duration) Option {
	return func(o *Orchestrator) { o.cleanupInterval = d }
}

// WithTaskRecordMaxAge overrides how old a task record must be, counted
// from its created_at and whatever its status, before the cleanup loop
// prunes it.
func WithTaskRecordMaxAge(d time.Duration) Option {
	return func(o *Orchestrator) { o.taskRecordMaxAge = d }
}

// WithSampleInterval overrides C7's sampling/alert-evaluation cadence.
func WithSampleInterval(d time.Duration) Option {
	return func(o *Orchestrator) { o.sampleInterval = d }
}

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// Orchestrator owns the full lifecycle of one core instance: connection
// factory and every background loop (health sampler, DLQ auto-retry scan,
// expired-record cleanup, worker pool). Start-up order: connection
// factory -> background loops; scripts are not warmed up at start-up but
// loaded on first use per pool. Shutdown reverses it: stop
// accepting dequeues, drain workers, cancel loops, close pools.
type Orchestrator struct {
	Core Core

	logger           *slog.Logger
	workerConfigs    []queue.WorkerConfig
	dlqScanInterval  time.Duration
	cleanupInterval  time.Duration
	taskRecordMaxAge time.Duration
	sampleInterval   time.Duration

	pool    *queue.Pool
	sampler *health.Sampler

	cancel  context.CancelFunc
	loopsWG sync.WaitGroup

	started bool
	mu      sync.Mutex
}

// New constructs every component over a single connection factory built
// from cfg, but does not dial Redis or start any loop; call Start for that.
func New(cfg *config.Config, opts ...Option) *Orchestrator {
	factory := connfactory.New(cfg.ConnFactoryConfig())
	limiter := ratelimit.New(factory)
	q := queue.New(factory)
	c := cache.New(factory)
	rules := health.DefaultRules()
	manager := health.NewManager(rules)

	o := &Orchestrator{
		Core: Core{
			Factory: factory,
			Limiter: limiter,
			Queue:   q,
			Cache:   c,
			Health:  manager,
		},
		logger:           slog.Default(),
		dlqScanInterval:  defaultDLQScanInterval,
		cleanupInterval:  defaultCleanupInterval,
		taskRecordMaxAge: defaultTaskRecordMaxAge,
	}
	for _, opt := range opts {
		opt(o)
	}

	o.sampler = health.NewSampler(o.sampleInterval, factory, limiter, q, c, manager, o.logger)

	// Feed every Redis round-trip into both the CommandLatency histogram
	// (for histogram_quantile over /metrics) and the sampler's exact-rank
	// ring buffer (for Snapshot callers that want a Go struct instead of a
	// Prometheus query).
	factory.OnCommand(func(cmd string, dur time.Duration, err error) {
		health.CommandLatency.WithLabelValues(cmd).Observe(dur.Seconds())
		o.sampler.RecordCommandLatency(dur)
	})

	// Surface breaker state transitions as a log line immediately, rather
	// than waiting for the next sample tick to notice the state changed.
	factory.Breaker().OnStateChange(func(name string, from, to breaker.State) {
		o.logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
	})

	if len(o.workerConfigs) > 0 {
		o.pool = queue.NewPool(q, o.workerConfigs...)
	}
	return o
}

// Snapshot returns the core's current memory/connection/latency figures
// plus its active alert list, for an operator endpoint that wants one
// struct instead of scraping /metrics and GET /alerts separately.
func (o *Orchestrator) Snapshot() health.Snapshot {
	return o.sampler.Snapshot()
}

// Start dials the admin pool (connection factory initialization), performs
// the connectivity PING through the breaker, and then launches every
// background loop. Script bodies are not pre-loaded here: §4.3's
// load-on-first-use-per-pool behavior means the first real Admit/Enqueue/
// Dequeue call against a given tenant pool pays that one-time SHA load,
// exactly as it would for any later call; there is no separate warm-up RPC
// to make that happen any earlier.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return fmt.Errorf("orchestrator already started")
	}

	if err := o.Core.Factory.Initialize(ctx); err != nil {
		return fmt.Errorf("connection factory initialize: %w", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	o.sampler.Start(loopCtx)

	o.loopsWG.Add(1)
	go o.runDLQScanLoop(loopCtx)

	o.loopsWG.Add(1)
	go o.runCleanupLoop(loopCtx)

	if o.pool != nil {
		o.pool.Start(loopCtx)
	}

	o.started = true
	o.logger.Info("orchestrator started",
		"dlq_scan_interval", o.dlqScanInterval,
		"workers", len(o.workerConfigs),
	)
	return nil
}

// runDLQScanLoop periodically sweeps every tenant with a live connection
// pool for DLQ entries past their NextAutoRetryAt, per §4.5.6. Unexpected
// errors are logged and the loop backs off to the next tick rather than
// terminating, per §7's "unexpected errors in loops are logged and the
// loop backs off before retrying".
func (o *Orchestrator) runDLQScanLoop(ctx context.Context) {
	defer o.loopsWG.Done()

	ticker := time.NewTicker(o.dlqScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("dlq auto-retry scan loop stopped")
			return
		case <-ticker.C:
			o.scanDLQOnce(ctx)
		}
	}
}

func (o *Orchestrator) scanDLQOnce(ctx context.Context) {
	for _, tenantID := range o.Core.Factory.Tenants() {
		n, err := o.Core.Queue.AutoRetryScan(ctx, tenantID)
		if err != nil {
			o.logger.Warn("dlq auto-retry scan failed", "tenant", tenantID, "error", err)
			continue
		}
		if n > 0 {
			o.logger.Info("dlq auto-retry reinjected tasks", "tenant", tenantID, "count", n)
		}
	}
}

// runCleanupLoop periodically prunes expired task/status records
// (original_source's cleanup_expired_tasks, supplemented per SPEC_FULL.md),
// a housekeeping concern distinct from DLQ auto-retry: this removes every
// task record, with its status hash, whose created_at is older than
// taskRecordMaxAge. Status is not consulted, so a record still queued,
// running or retrying is removed as well once it is that old.
func (o *Orchestrator) runCleanupLoop(ctx context.Context) {
	defer o.loopsWG.Done()

	ticker := time.NewTicker(o.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("task record cleanup loop stopped")
			return
		case <-ticker.C:
			n, err := o.Core.Queue.CleanupExpired(ctx, o.taskRecordMaxAge)
			if err != nil {
				o.logger.Warn("task record cleanup failed", "error", err)
				continue
			}
			if n > 0 {
				o.logger.Info("pruned expired task records", "count", n)
			}
		}
	}
}

// Shutdown stops accepting new dequeues by draining the worker pool first
// (bounded by each worker's DrainTimeout), then cancels the background
// loops, then closes every connection pool. Order matters: draining
// workers before closing pools lets in-flight Complete/Fail calls still
// reach Redis.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.started {
		return nil
	}

	if o.pool != nil {
		o.logger.Info("draining worker pool")
		o.pool.Stop()
	}

	if o.cancel != nil {
		o.cancel()
	}
	o.loopsWG.Wait()

	o.started = false
	return o.Core.Factory.Close()
}
