// Package connfactory implements C2: one shared connection pool per
// tenant plus an admin pool, each wrapped by the shared circuit breaker,
// with lazy pool creation and tenant key-prefix isolation enforced by the
// TenantConn proxy (conn.go). Grounded on caches/redis/redis.go
// (redis.Client construction, PING-based connectivity test) and on
// original_source's infrastructure/redis/connection_factory.py (the
// per-tenant pool map, proj:<tenant>: prefixing, and the admin/tenant pool
// split it implements in Python).
package connfactory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/arcbound/tenantcore/internal/breaker"
	"github.com/arcbound/tenantcore/pkg/corerr"
	"github.com/arcbound/tenantcore/pkg/tenant"
)

// tracer annotates WithConnection/WithAdminConnection with a span per call,
// mirroring rate_limiter.py's tracer.start_as_current_span around each
// rate-limit check. No exporter is configured here: with no global
// TracerProvider registered, span.End() is a no-op, so this has zero cost
// for callers who never wire one up.
var tracer = otel.Tracer("github.com/arcbound/tenantcore/internal/connfactory")

// Config controls how the factory dials Redis and sizes pools.
type Config struct {
	Addr                string
	Password            string
	DB                  int
	MaxConnections      int // global max M; tenant pools get max(2, M/4)
	ConnectTimeout      time.Duration
	OperationTimeout    time.Duration
	HealthCheckInterval time.Duration
	CircuitBreaker      breaker.Config
	Logger              *slog.Logger
}

// DefaultConfig mirrors the env-variable defaults in the external
// interfaces section: REDIS_MAX_CONNECTIONS etc.
func DefaultConfig() Config {
	return Config{
		Addr:                "localhost:6379",
		MaxConnections:      40,
		ConnectTimeout:      5 * time.Second,
		OperationTimeout:    10 * time.Second,
		HealthCheckInterval: 30 * time.Second,
	}
}

func (c Config) tenantPoolSize() int {
	size := c.MaxConnections / 4
	if size < 2 {
		size = 2
	}
	return size
}

// Factory owns the admin pool, the per-tenant pool map, and the single
// shared circuit breaker instance guarding every connection this factory
// hands out.
type Factory struct {
	cfg     Config
	logger  *slog.Logger
	breaker *breaker.Breaker
	onCmd   func(cmd string, dur time.Duration, err error)

	adminClient *goredis.Client

	mu      sync.RWMutex
	tenants map[string]*goredis.Client

	closed bool
}

// New constructs a Factory. Dialing is lazy: no network I/O happens until
// Initialize, WithConnection, or WithAdminConnection is called.
func New(cfg Config) *Factory {
	if cfg.MaxConnections <= 0 {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Factory{
		cfg:     cfg,
		logger:  cfg.Logger,
		breaker: breaker.New("redis-connection-factory", cfg.CircuitBreaker),
		tenants: make(map[string]*goredis.Client),
	}
}

// OnCommand registers a hook invoked after every Redis command issued
// through any connection this factory hands out; C7's command tracer uses
// this to build its p50/p95/p99 history.
func (f *Factory) OnCommand(fn func(cmd string, dur time.Duration, err error)) {
	f.onCmd = fn
}

// Breaker exposes the shared circuit breaker so the orchestrator can wire
// an OnStateChange alert callback (C7) without the factory needing to know
// about alerting.
func (f *Factory) Breaker() *breaker.Breaker { return f.breaker }

// Initialize dials the admin pool and performs a PING through the breaker,
// distinguishing authentication failures (fatal, non-retryable) from
// transient connection failures.
func (f *Factory) Initialize(ctx context.Context) error {
	f.mu.Lock()
	if f.adminClient == nil {
		f.adminClient = f.newClient(f.cfg.tenantPoolSize() * 2)
	}
	client := f.adminClient
	f.mu.Unlock()

	err := f.breaker.Call(ctx, func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
	if err != nil {
		if isAuthError(err) {
			return corerr.NewAuthError(tenant.Admin, "redis authentication failed", err)
		}
		return corerr.NewConnectionError(tenant.Admin, "initial admin PING failed", err)
	}
	return nil
}

func (f *Factory) newClient(poolSize int) *goredis.Client {
	return goredis.NewClient(&goredis.Options{
		Addr:         f.cfg.Addr,
		Password:     f.cfg.Password,
		DB:           f.cfg.DB,
		PoolSize:     poolSize,
		DialTimeout:  f.cfg.ConnectTimeout,
		ReadTimeout:  f.cfg.OperationTimeout,
		WriteTimeout: f.cfg.OperationTimeout,
	})
}

// tenantClient returns the lazily created client for a tenant, using
// double-checked locking so concurrent first-uses only dial once.
func (f *Factory) tenantClient(id string) *goredis.Client {
	f.mu.RLock()
	client, ok := f.tenants[id]
	f.mu.RUnlock()
	if ok {
		return client
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if client, ok = f.tenants[id]; ok {
		return client
	}
	client = f.newClient(f.cfg.tenantPoolSize())
	f.tenants[id] = client
	return client
}

// WithConnection validates tenantID, acquires (lazily creating) that
// tenant's pool, wraps it in the tenant-isolating proxy, and invokes fn.
// The tenant must parse as a UUID before any I/O is attempted; an invalid
// identifier fails with ProjectIsolationViolation.
func (f *Factory) WithConnection(ctx context.Context, tenantID string, fn func(context.Context, TenantConn) error) error {
	ctx, span := tracer.Start(ctx, "connfactory.WithConnection", trace.WithAttributes(
		attribute.String("tenantcore.tenant_id", tenantID),
	))
	defer span.End()

	id, err := tenant.Parse(tenantID)
	if err != nil || id == tenant.Admin {
		return corerr.NewIsolationViolation(tenantID, "tenant id must be a non-admin UUID")
	}

	f.mu.RLock()
	closed := f.closed
	f.mu.RUnlock()
	if closed {
		return corerr.NewConnectionError(tenantID, "connection factory is closed", nil)
	}

	client := f.tenantClient(id.String())
	tc := TenantConn{&conn{
		client:  client,
		breaker: f.breaker,
		prefix:  id.Prefix(),
		tenant:  id.String(),
		onCmd:   f.onCmd,
	}}
	return fn(ctx, tc)
}

// WithAdminConnection invokes fn against the unprefixed admin pool. Used
// by health/metrics sampling, global script loading, and the task queue's
// shared priority index, task records and status hashes.
func (f *Factory) WithAdminConnection(ctx context.Context, fn func(context.Context, AdminConn) error) error {
	ctx, span := tracer.Start(ctx, "connfactory.WithAdminConnection")
	defer span.End()

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return corerr.NewConnectionError(tenant.Admin, "connection factory is closed", nil)
	}
	if f.adminClient == nil {
		f.adminClient = f.newClient(f.cfg.tenantPoolSize() * 2)
	}
	client := f.adminClient
	f.mu.Unlock()

	ac := AdminConn{&conn{
		client:  client,
		breaker: f.breaker,
		prefix:  "",
		tenant:  tenant.Admin,
		onCmd:   f.onCmd,
	}}
	return fn(ctx, ac)
}

// HealthCheck performs a lightweight admin PING through the breaker.
func (f *Factory) HealthCheck(ctx context.Context) error {
	return f.WithAdminConnection(ctx, func(ctx context.Context, ac AdminConn) error {
		return ac.Ping(ctx)
	})
}

// Metrics describes the factory's current pool population, for C7
// sampling and operator introspection.
type Metrics struct {
	TenantPoolCount int
	TenantPoolSize  int
	AdminPoolSize   int
	BreakerState    string
}

func (f *Factory) Metrics() Metrics {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return Metrics{
		TenantPoolCount: len(f.tenants),
		TenantPoolSize:  f.cfg.tenantPoolSize(),
		AdminPoolSize:   f.cfg.tenantPoolSize() * 2,
		BreakerState:    f.breaker.State().String(),
	}
}

// Tenants returns the IDs of every tenant with a pool currently open, for
// background loops (e.g. C5's DLQ auto-retry scan) that need to sweep
// per-tenant state without a separate tenant registry.
func (f *Factory) Tenants() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	ids := make([]string, 0, len(f.tenants))
	for id := range f.tenants {
		ids = append(ids, id)
	}
	return ids
}

// Close closes the admin pool and every tenant pool. Pools never shrink
// individually; the whole factory closes at once.
func (f *Factory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true

	var firstErr error
	if f.adminClient != nil {
		if err := f.adminClient.Close(); err != nil {
			firstErr = err
		}
	}
	for id, client := range f.tenants {
		if err := client.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing pool for tenant %s: %w", id, err)
		}
	}
	return firstErr
}

func isAuthError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToUpper(err.Error())
	return strings.Contains(msg, "NOAUTH") || strings.Contains(msg, "WRONGPASS") || strings.Contains(msg, "AUTHENTICATION")
}
