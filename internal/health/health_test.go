package health

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcbound/tenantcore/internal/cache"
	"github.com/arcbound/tenantcore/internal/connfactory"
	"github.com/arcbound/tenantcore/internal/queue"
	"github.com/arcbound/tenantcore/internal/ratelimit"
)

func newTestRig(t *testing.T) (*connfactory.Factory, *ratelimit.Limiter, *queue.Queue, *cache.Cache) {
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
	return f, ratelimit.New(f), queue.New(f), cache.New(f)
}

func TestManager_FiresOnBreach(t *testing.T) {
	m := NewManager([]Rule{
		{
			ID: "always", Name: "Always breached", Severity: SeverityWarning,
			CooldownMinutes: 5, SuppressionHours: 1,
			Check: func(Sample) (bool, float64) { return true, 1 },
		},
	})
	fired := m.Evaluate(Sample{})
	require.Len(t, fired, 1)
	assert.Equal(t, "always", fired[0].RuleID)
	assert.Len(t, m.Active(), 1)
}

func TestManager_RespectsCooldown(t *testing.T) {
	m := NewManager([]Rule{
		{
			ID: "flappy", Name: "Flappy", Severity: SeverityWarning,
			CooldownMinutes: 5, SuppressionHours: 1,
			Check: func(Sample) (bool, float64) { return true, 1 },
		},
	})
	first := m.Evaluate(Sample{})
	require.Len(t, first, 1)

	m.mu.Lock()
	m.states["flappy"].active = nil // simulate condition having cleared and re-breached
	m.mu.Unlock()

	second := m.Evaluate(Sample{})
	assert.Empty(t, second, "a rule still inside its cooldown window must not re-fire")
}

func TestManager_ClearsActiveWhenConditionResolves(t *testing.T) {
	breached := true
	m := NewManager([]Rule{
		{
			ID: "toggle", Name: "Toggle", Severity: SeverityWarning,
			CooldownMinutes: 0, SuppressionHours: 0,
			Check: func(Sample) (bool, float64) { return breached, 1 },
		},
	})
	require.Len(t, m.Evaluate(Sample{}), 1)
	require.Len(t, m.Active(), 1)

	breached = false
	m.Evaluate(Sample{})
	assert.Empty(t, m.Active())
}

func TestManager_AcknowledgeActiveAlert(t *testing.T) {
	m := NewManager([]Rule{
		{ID: "r", Name: "R", Check: func(Sample) (bool, float64) { return true, 0 }},
	})
	m.Evaluate(Sample{})
	assert.True(t, m.Acknowledge("r", "operator-1"))
	assert.False(t, m.Acknowledge("missing", "operator-1"))
}

func TestManager_ResolveActiveAlert(t *testing.T) {
	m := NewManager([]Rule{
		{ID: "r", Name: "R", Check: func(Sample) (bool, float64) { return true, 0 }},
	})
	m.Evaluate(Sample{})
	require.Len(t, m.Active(), 1)

	assert.True(t, m.Resolve("r"))
	assert.Empty(t, m.Active())
	assert.False(t, m.Resolve("missing"))
}

func TestManager_SuppressMutesFutureTriggers(t *testing.T) {
	m := NewManager([]Rule{
		{
			ID: "r", Name: "R", CooldownMinutes: 0, SuppressionHours: 0,
			Check: func(Sample) (bool, float64) { return true, 0 },
		},
	})
	m.Evaluate(Sample{})
	require.Len(t, m.Active(), 1)

	assert.True(t, m.Suppress("r", time.Hour))
	assert.Empty(t, m.Active(), "suppress must resolve the currently active alert")

	fired := m.Evaluate(Sample{})
	assert.Empty(t, fired, "a suppressed rule must not re-fire within its suppression window")
}

func TestDefaultRules_MemoryUsageHighRequiresMaxMemorySet(t *testing.T) {
	m := NewManager(DefaultRules())

	fired := m.Evaluate(Sample{MemoryMaxBytes: 0, MemoryPercentage: 99})
	for _, a := range fired {
		assert.NotEqual(t, "memory_usage_high", a.RuleID, "an unset maxmemory must not be treated as 100% full")
	}

	fired = m.Evaluate(Sample{MemoryMaxBytes: 100, MemoryPercentage: 95})
	require.Len(t, fired, 1)
	assert.Equal(t, "memory_usage_high", fired[0].RuleID)
}

func TestBreakerStateValue(t *testing.T) {
	assert.Equal(t, float64(0), breakerStateValue("closed"))
	assert.Equal(t, float64(1), breakerStateValue("half-open"))
	assert.Equal(t, float64(2), breakerStateValue("open"))
}

func TestSampler_CollectReflectsFactoryAndQueueState(t *testing.T) {
	f, limiter, q, c := newTestRig(t)
	sampler := NewSampler(time.Hour, f, limiter, q, c, NewManager(DefaultRules()), nil)

	ctx := context.Background()
	_, err := q.Enqueue(ctx, uuid.New().String(), queue.TaskNotification, nil, queue.EnqueueOptions{Priority: queue.PriorityNormal, MaxAttempts: 3})
	require.NoError(t, err)

	sample := sampler.collect(ctx)
	assert.Equal(t, "closed", sample.BreakerState)
	assert.Contains(t, sample.QueueUtilization, string(queue.TaskNotification))
	assert.Greater(t, sample.QueueUtilization[string(queue.TaskNotification)], float64(0))
}

func TestParseMemoryInfo(t *testing.T) {
	info := "# Memory\r\nused_memory:1048576\r\nused_memory_human:1.00M\r\nmaxmemory:4194304\r\nmaxmemory_policy:noeviction\r\n"
	used, max, err := parseMemoryInfo(info)
	require.NoError(t, err)
	assert.Equal(t, int64(1048576), used)
	assert.Equal(t, int64(4194304), max)
}

func TestParseMemoryInfo_MissingFieldsDefaultToZero(t *testing.T) {
	used, max, err := parseMemoryInfo("# Memory\r\nsome_other_field:abc\r\n")
	require.NoError(t, err)
	assert.Zero(t, used)
	assert.Zero(t, max)
}

func TestSampler_RecordCommandLatencyPercentiles(t *testing.T) {
	sampler := NewSampler(time.Hour, nil, nil, nil, nil, nil, nil)
	for _, ms := range []int{10, 20, 30, 40, 50, 60, 70, 80, 90, 100} {
		sampler.RecordCommandLatency(time.Duration(ms) * time.Millisecond)
	}

	p50, p95, p99 := sampler.latencyPercentiles()
	assert.Equal(t, 60*time.Millisecond, p50)
	assert.Equal(t, 100*time.Millisecond, p95)
	assert.Equal(t, 100*time.Millisecond, p99)
}

func TestSampler_Snapshot_IncludesActiveAlertsAndLatency(t *testing.T) {
	manager := NewManager([]Rule{
		{ID: "r", Name: "R", Check: func(Sample) (bool, float64) { return true, 1 }},
	})
	sampler := NewSampler(time.Hour, nil, nil, nil, nil, manager, nil)
	sampler.RecordCommandLatency(25 * time.Millisecond)
	manager.Evaluate(Sample{})

	snap := sampler.Snapshot()
	assert.Equal(t, 25*time.Millisecond, snap.LatencyP50)
	require.Len(t, snap.ActiveAlerts, 1)
	assert.Equal(t, "r", snap.ActiveAlerts[0].RuleID)
	assert.False(t, snap.SampledAt.IsZero())
}

func TestSampler_TracksCacheHitMissRate(t *testing.T) {
	f, limiter, q, c := newTestRig(t)
	sampler := NewSampler(time.Hour, f, limiter, q, c, NewManager(nil), nil)
	ctx := context.Background()
	tenantID := uuid.New().String()

	require.NoError(t, c.Set(ctx, tenantID, "widget", map[string]any{}, time.Minute))
	_, err := c.Get(ctx, tenantID, "widget")
	require.NoError(t, err)
	_, err = c.Get(ctx, tenantID, "missing")
	require.NoError(t, err)

	sample := sampler.collect(ctx)
	assert.Equal(t, 0.5, sample.CacheMissRate)
}
