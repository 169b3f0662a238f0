// Package health implements C7: a Prometheus sampling loop over the core's
// internal state, plus a threshold/cooldown/suppression alert-rule engine
// evaluated against the same samples.
//
// Grounded on teacher's internal/metrics/prometheus.go (promauto vector
// shapes, LatencyBuckets) and internal/healthcheck/prober.go (ticker loop,
// atomic.Bool started-guard); grounded on monitoring/alert_manager.py and
// monitoring/health_checker.py (original_source) for the rule/cooldown/
// suppression state machine, reworked into closures registered at build
// time rather than dotted-path metric lookups.
package health

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tenantcore"

var (
	// BreakerState reports the circuit breaker's current state as a gauge
	// (0=Closed, 1=HalfOpen, 2=Open) so it can be graphed alongside other
	// core metrics.
	BreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "breaker_state",
		Help:      "Circuit breaker state: 0=closed, 1=half_open, 2=open",
	})

	// TenantPoolCount reports the number of lazily-created tenant
	// connection pools currently live.
	TenantPoolCount = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tenant_pool_count",
		Help:      "Number of active per-tenant Redis connection pools",
	})

	// RateLimitFailOpenTotal counts every rate-limit check that fell back
	// to the local limiter because Redis was unreachable or the breaker
	// was open (§4.4.4). A nonzero rate is operator-actionable.
	RateLimitFailOpenTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_fail_open_total",
			Help:      "Rate limit checks that failed open to the local fallback limiter",
		},
		[]string{"kind"},
	)

	// QueueDepth reports a task queue's current population.
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Current number of queued tasks",
		},
		[]string{"task_type"},
	)

	// QueueUtilization reports a task queue's population as a percentage
	// of its configured max size.
	QueueUtilization = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_utilization_percent",
			Help:      "Queue depth as a percentage of max_size",
		},
		[]string{"task_type"},
	)

	// CacheHitTotal and CacheMissTotal count Get calls against internal/cache.
	CacheHitTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_hit_total",
		Help:      "Cache entry reads that found a live entry",
	})
	CacheMissTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_miss_total",
		Help:      "Cache entry reads that found nothing or an expired entry",
	})

	// AlertsFiredTotal counts every alert rule transition into firing.
	AlertsFiredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_fired_total",
			Help:      "Alert rule evaluations that newly fired",
		},
		[]string{"rule_id", "severity"},
	)

	// CommandLatency tracks per-command Redis round-trip latency, fed by
	// connfactory's OnCommand hook.
	CommandLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "redis_command_latency_seconds",
			Help:      "Redis command latency in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"command"},
	)

	// MemoryUsedBytes and MemoryUsagePercent report the admin pool's INFO
	// memory reading (used_memory / maxmemory), sampled alongside everything
	// else in Sampler.collect.
	MemoryUsedBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "redis_memory_used_bytes",
		Help:      "Redis used_memory as reported by INFO memory",
	})
	MemoryUsagePercent = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "redis_memory_usage_percent",
		Help:      "used_memory as a percentage of maxmemory (0 if maxmemory is unset)",
	})
)

func breakerStateValue(state string) float64 {
	switch state {
	case "half-open":
		return 1
	case "open":
		return 2
	default:
		return 0
	}
}
