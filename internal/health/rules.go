package health

import "time"

// Severity mirrors alert_manager.py's AlertSeverity.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Category mirrors alert_manager.py's AlertCategory.
type Category string

const (
	CategoryMemory         Category = "memory"
	CategoryPerformance    Category = "performance"
	CategoryConnectivity   Category = "connectivity"
	CategoryConnectionPool Category = "connection_pool"
	CategoryErrorRate      Category = "error_rate"
	CategoryAvailability   Category = "availability"
)

// Sample is the one snapshot of core state every alert rule's Check
// closure is evaluated against. It is populated by the sampler loop, not by
// rules themselves, keeping rule definitions free of any dotted-path metric
// lookup, resolved the same way as connfactory.TenantConn: a concrete,
// compile-time-checked shape instead of reflection.
type Sample struct {
	BreakerState      string
	TenantPoolCount   int
	RateLimitFailOpen map[string]int64 // kind -> cumulative fail-open count
	QueueUtilization  map[string]float64
	CacheMissRate     float64
	MemoryUsedBytes   int64
	MemoryMaxBytes    int64
	MemoryPercentage  float64
}

// Rule is an alert rule: Check inspects a Sample and reports whether the
// rule's threshold is currently breached, plus the value that breached it
// (for the alert message). Registered at build time via DefaultRules, not
// discovered by name at runtime.
type Rule struct {
	ID               string
	Name             string
	Category         Category
	Severity         Severity
	Description      string
	CooldownMinutes  int
	SuppressionHours int
	Check            func(Sample) (breached bool, value float64)
}

// DefaultRules mirrors alert_manager.py's _initialize_default_rules,
// reworked from dotted metric paths into closures over Sample.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID: "breaker_open", Name: "Circuit breaker open",
			Category: CategoryConnectivity, Severity: SeverityCritical,
			Description:     "The shared circuit breaker has tripped open",
			CooldownMinutes: 5, SuppressionHours: 1,
			Check: func(s Sample) (bool, float64) {
				return s.BreakerState == "open", breakerStateValue(s.BreakerState)
			},
		},
		{
			ID: "tenant_pool_count_high", Name: "High tenant pool count",
			Category: CategoryConnectionPool, Severity: SeverityWarning,
			Description:     "An unusually large number of tenant connection pools are live",
			CooldownMinutes: 10, SuppressionHours: 1,
			Check: func(s Sample) (bool, float64) {
				return s.TenantPoolCount > 1000, float64(s.TenantPoolCount)
			},
		},
		{
			ID: "rate_limit_fail_open", Name: "Rate limiter failing open",
			Category: CategoryAvailability, Severity: SeverityError,
			Description:     "Rate limit checks are falling back to the local limiter",
			CooldownMinutes: 2, SuppressionHours: 1,
			Check: func(s Sample) (bool, float64) {
				var total int64
				for _, n := range s.RateLimitFailOpen {
					total += n
				}
				return total > 0, float64(total)
			},
		},
		{
			ID: "queue_near_capacity", Name: "Queue near capacity",
			Category: CategoryPerformance, Severity: SeverityWarning,
			Description:     "A task queue is above 90% of its configured max size",
			CooldownMinutes: 5, SuppressionHours: 1,
			Check: func(s Sample) (bool, float64) {
				var worst float64
				for _, u := range s.QueueUtilization {
					if u > worst {
						worst = u
					}
				}
				return worst > 90, worst
			},
		},
		{
			ID: "cache_miss_rate_high", Name: "High cache miss rate",
			Category: CategoryPerformance, Severity: SeverityInfo,
			Description:     "More than 80% of recent cache reads missed",
			CooldownMinutes: 15, SuppressionHours: 2,
			Check: func(s Sample) (bool, float64) {
				return s.CacheMissRate > 0.8, s.CacheMissRate
			},
		},
		{
			ID: "memory_usage_high", Name: "High Redis memory usage",
			Category: CategoryMemory, Severity: SeverityCritical,
			Description:     "used_memory is above 90% of maxmemory",
			CooldownMinutes: 5, SuppressionHours: 1,
			Check: func(s Sample) (bool, float64) {
				return s.MemoryMaxBytes > 0 && s.MemoryPercentage >= memoryCriticalThreshold, s.MemoryPercentage
			},
		},
	}
}

// memoryWarningThreshold and memoryCriticalThreshold mirror
// health_checker.py's RedisHealthChecker.memory_warning_threshold/
// memory_critical_threshold (0.7/0.9 there, expressed here as a
// percentage to match Sample.MemoryPercentage).
const (
	memoryWarningThreshold  = 70.0
	memoryCriticalThreshold = 90.0
)

func (r Rule) cooldown() time.Duration  { return time.Duration(r.CooldownMinutes) * time.Minute }
func (r Rule) suppression() time.Duration {
	return time.Duration(r.SuppressionHours) * time.Hour
}
