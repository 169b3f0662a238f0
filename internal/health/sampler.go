package health

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arcbound/tenantcore/internal/cache"
	"github.com/arcbound/tenantcore/internal/connfactory"
	"github.com/arcbound/tenantcore/internal/queue"
	"github.com/arcbound/tenantcore/internal/ratelimit"
)

const (
	defaultSampleInterval = 15 * time.Second
)

// Sampler periodically snapshots the core's internal state into the
// Prometheus gauges/counters in metrics.go and a Sample fed to Manager,
// using the same atomic.Bool-guarded Start/run/runOnce ticker loop as
// internal/healthcheck.Prober.
type Sampler struct {
	interval time.Duration
	factory  *connfactory.Factory
	limiter  *ratelimit.Limiter
	q        *queue.Queue
	manager  *Manager
	logger   *slog.Logger

	started atomic.Bool

	failOpenMu sync.Mutex
	failOpen   map[ratelimit.Kind]int64

	cacheHitMu  sync.Mutex
	cacheHits   int64
	cacheMisses int64

	latencyMu sync.Mutex
	latencies []time.Duration

	lastSample atomic.Pointer[Sample]
}

// NewSampler wires a Sampler over factory, limiter, and q. It registers
// itself as limiter's OnFailOpen callback, so fail-open events recorded
// between ticks are not lost.
func NewSampler(interval time.Duration, factory *connfactory.Factory, limiter *ratelimit.Limiter, q *queue.Queue, c *cache.Cache, manager *Manager, logger *slog.Logger) *Sampler {
	if interval <= 0 {
		interval = defaultSampleInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sampler{
		interval: interval,
		factory:  factory,
		limiter:  limiter,
		q:        q,
		manager:  manager,
		logger:   logger,
		failOpen: make(map[ratelimit.Kind]int64),
	}
	if limiter != nil {
		limiter.OnFailOpen(func(kind ratelimit.Kind, tenantID, identifier string) {
			s.failOpenMu.Lock()
			s.failOpen[kind]++
			s.failOpenMu.Unlock()
			RateLimitFailOpenTotal.WithLabelValues(string(kind)).Inc()
		})
	}
	if c != nil {
		c.OnAccess(func(hit bool) {
			if hit {
				s.RecordCacheHit()
			} else {
				s.RecordCacheMiss()
			}
		})
	}
	return s
}

// RecordCacheHit and RecordCacheMiss feed the sampler's rolling miss-rate
// calculation; call these from internal/cache's Get path.
func (s *Sampler) RecordCacheHit() {
	CacheHitTotal.Inc()
	s.cacheHitMu.Lock()
	s.cacheHits++
	s.cacheHitMu.Unlock()
}

func (s *Sampler) RecordCacheMiss() {
	CacheMissTotal.Inc()
	s.cacheHitMu.Lock()
	s.cacheMisses++
	s.cacheHitMu.Unlock()
}

// maxRecentLatencies bounds the ring buffer RecordCommandLatency feeds,
// mirroring bench/runner.go's in-memory Latencies slice but capped instead
// of unbounded, since this one runs for the life of the process rather than
// one benchmark run.
const maxRecentLatencies = 500

// RecordCommandLatency feeds the sampler's recent-latency ring buffer,
// independent of the CommandLatency Prometheus histogram: this is what
// Snapshot uses to compute exact p50/p95/p99 without a histogram_quantile
// query, for callers that only have a Go struct to inspect.
func (s *Sampler) RecordCommandLatency(d time.Duration) {
	s.latencyMu.Lock()
	defer s.latencyMu.Unlock()
	s.latencies = append(s.latencies, d)
	if len(s.latencies) > maxRecentLatencies {
		s.latencies = s.latencies[len(s.latencies)-maxRecentLatencies:]
	}
}

func (s *Sampler) latencyPercentiles() (p50, p95, p99 time.Duration) {
	s.latencyMu.Lock()
	recent := make([]time.Duration, len(s.latencies))
	copy(recent, s.latencies)
	s.latencyMu.Unlock()

	if len(recent) == 0 {
		return 0, 0, 0
	}
	sort.Slice(recent, func(i, j int) bool { return recent[i] < recent[j] })
	return percentile(recent, 50), percentile(recent, 95), percentile(recent, 99)
}

// percentile mirrors bench/internal/runner.go's percentile helper: sorted
// slice, nearest-rank index, no interpolation.
func percentile(sorted []time.Duration, p int) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := (len(sorted) * p) / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Start begins the sampling loop until ctx is canceled. A second call is a
// no-op, matching Prober.Start's CompareAndSwap guard.
func (s *Sampler) Start(ctx context.Context) {
	if s == nil || !s.started.CompareAndSwap(false, true) {
		return
	}
	go s.run(ctx)
}

func (s *Sampler) run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.runOnce(ctx)
	for {
		select {
		case <-ticker.C:
			s.runOnce(ctx)
		case <-ctx.Done():
			s.logger.Info("health sampler stopped")
			return
		}
	}
}

func (s *Sampler) runOnce(ctx context.Context) {
	sample := s.collect(ctx)

	BreakerState.Set(breakerStateValue(sample.BreakerState))
	TenantPoolCount.Set(float64(sample.TenantPoolCount))
	for taskType, util := range sample.QueueUtilization {
		QueueUtilization.WithLabelValues(taskType).Set(util)
	}
	MemoryUsedBytes.Set(float64(sample.MemoryUsedBytes))
	MemoryUsagePercent.Set(sample.MemoryPercentage)

	if s.manager != nil {
		for _, alert := range s.manager.Evaluate(sample) {
			s.logger.Warn("alert fired",
				"rule_id", alert.RuleID,
				"severity", alert.Severity,
				"value", alert.CurrentValue,
			)
		}
	}

	s.lastSample.Store(&sample)
}

func (s *Sampler) collect(ctx context.Context) Sample {
	sample := Sample{
		QueueUtilization: make(map[string]float64),
	}

	if s.factory != nil {
		m := s.factory.Metrics()
		sample.BreakerState = m.BreakerState
		sample.TenantPoolCount = m.TenantPoolCount

		used, max, err := sampleMemory(ctx, s.factory)
		if err != nil {
			s.logger.Warn("memory sample failed", "error", err)
		} else {
			sample.MemoryUsedBytes = used
			sample.MemoryMaxBytes = max
			if max > 0 {
				sample.MemoryPercentage = float64(used) / float64(max) * 100
			}
		}
	}

	if s.q != nil {
		for taskType := range queue.Queues {
			stats, err := s.q.Stats(ctx, taskType)
			if err != nil {
				s.logger.Warn("queue stats sample failed", "task_type", taskType, "error", err)
				continue
			}
			QueueDepth.WithLabelValues(string(taskType)).Set(float64(stats.TotalQueued))
			sample.QueueUtilization[string(taskType)] = stats.Utilization
		}
	}

	s.failOpenMu.Lock()
	failOpen := make(map[string]int64, len(s.failOpen))
	for k, v := range s.failOpen {
		failOpen[string(k)] = v
	}
	s.failOpenMu.Unlock()
	sample.RateLimitFailOpen = failOpen

	s.cacheHitMu.Lock()
	hits, misses := s.cacheHits, s.cacheMisses
	s.cacheHitMu.Unlock()
	if total := hits + misses; total > 0 {
		sample.CacheMissRate = float64(misses) / float64(total)
	}

	return sample
}

// sampleMemory runs INFO memory over the admin connection and pulls
// used_memory/maxmemory out of its line-oriented reply, mirroring
// health_checker.py's _check_memory_usage (redis_client.info("memory")).
func sampleMemory(ctx context.Context, factory *connfactory.Factory) (used, max int64, err error) {
	var info string
	err = factory.WithAdminConnection(ctx, func(ctx context.Context, ac connfactory.AdminConn) error {
		var e error
		info, e = ac.Info(ctx, "memory")
		return e
	})
	if err != nil {
		return 0, 0, err
	}
	return parseMemoryInfo(info)
}

func parseMemoryInfo(info string) (used, max int64, err error) {
	for _, line := range strings.Split(info, "\r\n") {
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		switch k {
		case "used_memory":
			if n, perr := strconv.ParseInt(v, 10, 64); perr == nil {
				used = n
			}
		case "maxmemory":
			if n, perr := strconv.ParseInt(v, 10, 64); perr == nil {
				max = n
			}
		}
	}
	return used, max, nil
}

// Snapshot aggregates the most recent sample's memory and connection
// figures with the sampler's exact command-latency percentiles and the
// manager's currently active alerts, for a caller that wants one read-only
// struct instead of scraping /metrics.
type Snapshot struct {
	BreakerState     string
	TenantPoolCount  int
	MemoryUsedBytes  int64
	MemoryPercentage float64
	LatencyP50       time.Duration
	LatencyP95       time.Duration
	LatencyP99       time.Duration
	ActiveAlerts     []Alert
	SampledAt        time.Time
}

// Snapshot returns the current state without waiting for the next tick.
// Before the first tick completes, the memory/connection fields are zero
// and only ActiveAlerts/percentiles (if any commands have already run)
// are populated.
func (s *Sampler) Snapshot() Snapshot {
	snap := Snapshot{SampledAt: time.Now().UTC()}

	if sample := s.lastSample.Load(); sample != nil {
		snap.BreakerState = sample.BreakerState
		snap.TenantPoolCount = sample.TenantPoolCount
		snap.MemoryUsedBytes = sample.MemoryUsedBytes
		snap.MemoryPercentage = sample.MemoryPercentage
	}

	snap.LatencyP50, snap.LatencyP95, snap.LatencyP99 = s.latencyPercentiles()

	if s.manager != nil {
		snap.ActiveAlerts = s.manager.Active()
	}
	return snap
}
