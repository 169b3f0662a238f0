package ratelimit

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/arcbound/tenantcore/internal/connfactory"
	"github.com/arcbound/tenantcore/internal/script"
	"github.com/arcbound/tenantcore/pkg/corerr"
)

// tracer annotates each Admit call with a span, mirroring rate_limiter.py's
// tracer.start_as_current_span around its check_rate_limit body.
var tracer = otel.Tracer("github.com/arcbound/tenantcore/internal/ratelimit")

// Runner is what a sliding-window/token-bucket check needs from a
// connection: script evaluation plus the sorted-set, delete and scan ops
// the Status and Reset helpers draw on.
type Runner interface {
	script.Runner
	ZCount(ctx context.Context, key, min, max string) (int64, error)
	ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]goredis.Z, error)
	Del(ctx context.Context, keys ...string) (int64, error)
	Scan(ctx context.Context, cursor uint64, matchLogical string, count int64) ([]string, uint64, error)
}

// Limiter evaluates rate-limit checks through a connection factory. When
// Redis is unreachable or the shared breaker is open it fails open to a
// per-process token bucket per descriptor (fallbackAdmit): no Redis
// counters are updated, and a request is admitted while its local buckets
// have tokens and denied once one is empty.
type Limiter struct {
	factory    *connfactory.Factory
	exec       *script.Executor
	logger     *slog.Logger
	onFailOpen func(kind Kind, tenantID, identifier string)
	fallback   sync.Map // key -> *rate.Limiter
}

// New constructs a Limiter bound to factory.
func New(factory *connfactory.Factory) *Limiter {
	return &Limiter{factory: factory, exec: newExecutor(), logger: slog.Default()}
}

// fallbackLimiter lazily creates a per-(tenant,kind,identifier) in-process
// token bucket approximating cfg, used only while Redis is unreachable or
// the breaker is open. This mirrors teacher's internal/auth.TenantRateLimiter
// use of golang.org/x/time/rate: a best-effort local cap rather than a blind
// admit during an outage.
func (l *Limiter) fallbackLimiter(key string, cfg Config) *rate.Limiter {
	if existing, ok := l.fallback.Load(key); ok {
		return existing.(*rate.Limiter)
	}
	windowSeconds := cfg.Window.Seconds()
	if windowSeconds < 1 {
		windowSeconds = 1
	}
	limit := cfg.Limit
	if limit < 1 {
		limit = 1
	}
	lim := rate.NewLimiter(rate.Limit(float64(limit)/windowSeconds), int(limit))
	actual, _ := l.fallback.LoadOrStore(key, lim)
	return actual.(*rate.Limiter)
}

// OnFailOpen registers a callback invoked every time a check fails open,
// so C7 can raise an alert (operators should notice fail-open admits).
func (l *Limiter) OnFailOpen(fn func(kind Kind, tenantID, identifier string)) {
	l.onFailOpen = fn
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

func (l *Limiter) slidingWindow(ctx context.Context, runner Runner, poolKey, identifier string, kind Kind, cfg Config, cost int64) (Result, error) {
	if cost < 1 {
		return Result{}, corerr.NewInvalidArgument("rate limit cost must be >= 1")
	}
	windowSeconds := int64(cfg.Window.Seconds())
	if windowSeconds < 1 {
		windowSeconds = 1
	}
	key := slidingWindowKey(identifier, kind, windowSeconds)
	nowMs := time.Now().UnixMilli()
	windowMs := cfg.Window.Milliseconds()
	if windowMs < 1 {
		windowMs = 1000
	}

	raw, err := l.exec.Run(ctx, runner, poolKey, scriptNameSlidingWindow, []string{key}, windowMs, nowMs, cost, cfg.Limit)
	if err != nil {
		return Result{}, err
	}
	parts, ok := raw.([]any)
	if !ok || len(parts) < 5 {
		return Result{}, corerr.NewInvalidArgument("malformed sliding window script reply")
	}

	return Result{
		Allowed:      toInt64(parts[0]) == 1,
		Current:      toInt64(parts[1]),
		Remaining:    toInt64(parts[2]),
		ResetSeconds: (toInt64(parts[3]) + 999) / 1000,
		Limit:        toInt64(parts[4]),
		Window:       cfg.Window,
		Identifier:   identifier,
		Kind:         kind,
	}, nil
}

func (l *Limiter) tokenBucket(ctx context.Context, runner Runner, poolKey, identifier string, cfg Config, cost int64) (Result, error) {
	if cost < 1 {
		return Result{}, corerr.NewInvalidArgument("rate limit cost must be >= 1")
	}
	if cfg.Rate <= 0 {
		return Result{}, corerr.NewInvalidArgument("token bucket refill rate must be > 0")
	}
	key := tokenBucketKey(identifier)
	nowMs := time.Now().UnixMilli()

	raw, err := l.exec.Run(ctx, runner, poolKey, scriptNameTokenBucket, []string{key}, cfg.Limit, cfg.Rate, nowMs, cost)
	if err != nil {
		return Result{}, err
	}
	parts, ok := raw.([]any)
	if !ok || len(parts) < 3 {
		return Result{}, corerr.NewInvalidArgument("malformed token bucket script reply")
	}

	return Result{
		Allowed:    toInt64(parts[0]) == 1,
		Current:    toInt64(parts[1]),
		Remaining:  toInt64(parts[1]),
		Limit:      cfg.Limit,
		RetryAfter: toInt64(parts[2]),
		Identifier: identifier,
	}, nil
}

// check dispatches to the sliding-window or token-bucket algorithm.
func (l *Limiter) check(ctx context.Context, runner Runner, poolKey string, d Descriptor) (Result, error) {
	if d.Config.IsBucket {
		return l.tokenBucket(ctx, runner, poolKey, d.Identifier, d.Config, d.Cost)
	}
	return l.slidingWindow(ctx, runner, poolKey, d.Identifier, d.Kind, d.Config, d.Cost)
}

// Admit evaluates every descriptor under tenantID's pool. The request is
// admitted only if all checks pass; the caller receives the most
// restrictive result (lowest remaining). On a connection/breaker failure
// the limiter fails open: no Redis counters are touched, OnFailOpen's
// callback fires so an operator-visible alert can be raised, and the
// result comes from fallbackAdmit, which admits the request unless one of
// its per-process token buckets is empty. An invalid argument or an
// invalid tenant identifier is returned as an error instead.
func (l *Limiter) Admit(ctx context.Context, tenantID string, descriptors []Descriptor) (Result, error) {
	if len(descriptors) == 0 {
		return Result{Allowed: true}, nil
	}

	ctx, span := tracer.Start(ctx, "ratelimit.Admit", trace.WithAttributes(
		attribute.String("tenantcore.tenant_id", tenantID),
		attribute.Int("tenantcore.descriptor_count", len(descriptors)),
	))
	defer span.End()

	var results []Result
	err := l.factory.WithConnection(ctx, tenantID, func(ctx context.Context, tc connfactory.TenantConn) error {
		for _, d := range descriptors {
			r, err := l.check(ctx, tc, tenantID, d)
			if err != nil {
				return err
			}
			results = append(results, r)
		}
		return nil
	})

	if err != nil {
		if corerr.Is(err, corerr.KindInvalidArgument) || corerr.Is(err, corerr.KindIsolationViolation) {
			return Result{}, err
		}
		for _, d := range descriptors {
			if l.onFailOpen != nil {
				l.onFailOpen(d.Kind, tenantID, d.Identifier)
			}
		}
		l.logger.Warn("rate limiter failing open, falling back to local limiter", "tenant", tenantID, "error", err)
		return l.fallbackAdmit(tenantID, descriptors), nil
	}

	most := results[0]
	for _, r := range results[1:] {
		if !r.Allowed && most.Allowed {
			most = r
			continue
		}
		if r.Allowed == most.Allowed && r.Remaining < most.Remaining {
			most = r
		}
	}
	return most, nil
}

// fallbackAdmit is consulted only when Redis is unreachable or the shared
// breaker is open: it approximates each descriptor's limit with a local
// token bucket so an outage degrades to per-process best-effort limiting
// rather than admitting every request unconditionally.
func (l *Limiter) fallbackAdmit(tenantID string, descriptors []Descriptor) Result {
	allowed := true
	var denied Descriptor
	for _, d := range descriptors {
		key := tenantID + ":" + string(d.Kind) + ":" + d.Identifier
		if !l.fallbackLimiter(key, d.Config).AllowN(time.Now(), int(max64(d.Cost, 1))) {
			allowed = false
			denied = d
		}
	}
	if !allowed {
		return Result{Allowed: false, Identifier: denied.Identifier, Kind: denied.Kind, Limit: denied.Config.Limit}
	}
	return Result{Allowed: true}
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// Status returns a read-only sliding-window snapshot without consuming a
// slot, via ZCOUNT rather than the check script. Grounded on
// original_source's get_rate_limit_status.
func (l *Limiter) Status(ctx context.Context, tenantID, identifier string, kind Kind, cfg Config) (Result, error) {
	windowSeconds := int64(cfg.Window.Seconds())
	if windowSeconds < 1 {
		windowSeconds = 1
	}
	key := slidingWindowKey(identifier, kind, windowSeconds)
	nowMs := time.Now().UnixMilli()
	windowMs := cfg.Window.Milliseconds()

	var current int64
	err := l.factory.WithConnection(ctx, tenantID, func(ctx context.Context, tc connfactory.TenantConn) error {
		var err error
		current, err = tc.ZCount(ctx, key, itoaMin(nowMs-windowMs), "+inf")
		return err
	})
	if err != nil {
		return Result{}, err
	}
	remaining := cfg.Limit - current
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Current:    current,
		Remaining:  remaining,
		Limit:      cfg.Limit,
		Window:     cfg.Window,
		Identifier: identifier,
		Kind:       kind,
		Allowed:    current < cfg.Limit,
	}, nil
}

// Reset deletes the rate-limit state for identifier/kind, used by
// operator tooling (original_source's reset_rate_limit).
func (l *Limiter) Reset(ctx context.Context, tenantID, identifier string, kind Kind, windowSeconds int64) error {
	key := slidingWindowKey(identifier, kind, windowSeconds)
	return l.factory.WithConnection(ctx, tenantID, func(ctx context.Context, tc connfactory.TenantConn) error {
		_, err := tc.Del(ctx, key)
		return err
	})
}

func itoaMin(v int64) string {
	if v < 0 {
		v = 0
	}
	return strconv.FormatInt(v, 10)
}
