package cache

import (
	"context"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/goccy/go-json"

	"github.com/arcbound/tenantcore/internal/connfactory"
	"github.com/arcbound/tenantcore/pkg/corerr"
)

// Cache is the tenant-scoped project-data cache, sessions, and progress
// tracker store. Unlike the task queue (C5), every key here runs through
// TenantConn and is therefore genuinely isolated by the proxy's automatic
// tenant-prefixing — this is per-tenant data, not a shared backlog.
type Cache struct {
	factory  *connfactory.Factory
	logger   *slog.Logger
	onAccess func(hit bool)
}

// New constructs a Cache bound to factory.
func New(factory *connfactory.Factory) *Cache {
	return &Cache{factory: factory, logger: slog.Default()}
}

// OnAccess registers a callback invoked on every Get with whether it was a
// hit, letting internal/health's Sampler track a rolling hit/miss rate
// without internal/cache importing internal/health.
func (c *Cache) OnAccess(fn func(hit bool)) {
	c.onAccess = fn
}

func (c *Cache) reportAccess(hit bool) {
	if c.onAccess != nil {
		c.onAccess(hit)
	}
}

// Set stores data under key with ttl (DefaultEntryTTL if zero) and tags,
// always including the tenant's own tag so InvalidateTenant can find it.
// Writes are last-write-wins at the key (per §5); Version increases
// monotonically so callers can detect a concurrent overwrite. A negative
// ttl is rejected rather than silently substituted.
func (c *Cache) Set(ctx context.Context, tenantID, key string, data map[string]any, ttl time.Duration, tags ...string) error {
	if ttl < 0 {
		return corerr.NewInvalidArgument("ttl must not be negative")
	}
	if ttl == 0 {
		ttl = DefaultEntryTTL
	}
	now := time.Now().UTC()
	allTags := append([]string{tenantTag(tenantID)}, tags...)

	var version int64 = 1
	err := c.factory.WithConnection(ctx, tenantID, func(ctx context.Context, tc connfactory.TenantConn) error {
		if existing, err := c.get(ctx, tc, key); err == nil && existing != nil {
			version = existing.Version + 1
		}

		entry := Entry{
			Key:         key,
			Data:        data,
			Version:     version,
			Tags:        allTags,
			CreatedAt:   now,
			ExpiresAt:   now.Add(ttl),
			LastAccess:  now,
			AccessCount: 0,
		}
		body, err := json.Marshal(entry)
		if err != nil {
			return corerr.NewInvalidArgument("cache entry is not serializable: " + err.Error())
		}
		if err := tc.Set(ctx, entryKey(key), string(body), ttl); err != nil {
			return err
		}
		for _, tag := range allTags {
			if _, err := tc.ZAdd(ctx, tagIndexKey(tag), goredis.Z{Score: 0, Member: key}); err != nil {
				return err
			}
		}
		return nil
	})
	return err
}

func (c *Cache) get(ctx context.Context, tc connfactory.TenantConn, key string) (*Entry, error) {
	raw, err := tc.Get(ctx, entryKey(key))
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, nil
	}
	var entry Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, nil
	}
	return &entry, nil
}

// Get returns an entry, or nil if missing or expired (an expired entry is
// treated exactly like a miss, per §4.6). On a hit, access_count is
// incremented and last_access refreshed without extending the entry's
// remaining TTL.
func (c *Cache) Get(ctx context.Context, tenantID, key string) (*Entry, error) {
	var result *Entry
	err := c.factory.WithConnection(ctx, tenantID, func(ctx context.Context, tc connfactory.TenantConn) error {
		entry, err := c.get(ctx, tc, key)
		if err != nil {
			return err
		}
		if entry == nil {
			c.reportAccess(false)
			return nil
		}
		if entry.isExpired(time.Now().UTC()) {
			c.reportAccess(false)
			return nil
		}
		c.reportAccess(true)

		entry.AccessCount++
		entry.LastAccess = time.Now().UTC()
		result = entry

		remaining, err := tc.TTL(ctx, entryKey(key))
		if err != nil || remaining <= 0 {
			return nil
		}
		body, err := json.Marshal(entry)
		if err != nil {
			return nil
		}
		if err := tc.Set(ctx, entryKey(key), string(body), remaining); err != nil {
			c.logger.Warn("failed to persist cache access stats", "key", key, "error", err)
		}
		return nil
	})
	return result, err
}

// Invalidate removes key and its tag-index memberships.
func (c *Cache) Invalidate(ctx context.Context, tenantID, key string) error {
	return c.factory.WithConnection(ctx, tenantID, func(ctx context.Context, tc connfactory.TenantConn) error {
		entry, err := c.get(ctx, tc, key)
		if err != nil {
			return err
		}
		if _, err := tc.Del(ctx, entryKey(key)); err != nil {
			return err
		}
		if entry == nil {
			return nil
		}
		for _, tag := range entry.Tags {
			if _, err := tc.ZRem(ctx, tagIndexKey(tag), key); err != nil {
				return err
			}
		}
		return nil
	})
}

// InvalidateTag removes every entry carrying tag, returning the count
// invalidated. Mirrors cache_manager.py's invalidate_project_cache, with an
// arbitrary tag instead of just the project tag.
func (c *Cache) InvalidateTag(ctx context.Context, tenantID, tag string) (int, error) {
	count := 0
	err := c.factory.WithConnection(ctx, tenantID, func(ctx context.Context, tc connfactory.TenantConn) error {
		keys, err := tc.ZRange(ctx, tagIndexKey(tag), 0, -1)
		if err != nil {
			return err
		}
		for _, key := range keys {
			entry, err := c.get(ctx, tc, key)
			if err != nil {
				continue
			}
			if _, err := tc.Del(ctx, entryKey(key)); err != nil {
				continue
			}
			if entry != nil {
				for _, t := range entry.Tags {
					if t == tag {
						continue
					}
					_, _ = tc.ZRem(ctx, tagIndexKey(t), key)
				}
			}
			count++
		}
		_, err = tc.Del(ctx, tagIndexKey(tag))
		return err
	})
	return count, err
}

// InvalidateTenant removes every entry belonging to tenantID, regardless of
// what other tags it carries.
func (c *Cache) InvalidateTenant(ctx context.Context, tenantID string) (int, error) {
	return c.InvalidateTag(ctx, tenantID, tenantTag(tenantID))
}
