package connfactory

import (
	"context"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/arcbound/tenantcore/internal/breaker"
)

// conn is the tenant-isolating proxy's shared implementation. It is never
// exported directly: callers only ever see it through TenantConn (prefix
// set) or AdminConn (prefix empty), whose method sets are the allowlist —
// there is no reflection, no forwarding of arbitrary method names. Any
// Redis operation not given an explicit method below simply cannot be
// called through this type; that is the isolation boundary, enforced at
// compile time rather than by a runtime check.
type conn struct {
	client  *goredis.Client
	breaker *breaker.Breaker
	prefix  string // "" for the admin connection, "proj:<tenant>:" otherwise
	tenant  string
	onCmd   func(cmd string, dur time.Duration, err error)
}

func (c *conn) key(logical string) string {
	return c.prefix + logical
}

func (c *conn) keys(logical []string) []string {
	out := make([]string, len(logical))
	for i, k := range logical {
		out[i] = c.key(k)
	}
	return out
}

func (c *conn) unkey(physical string) string {
	return strings.TrimPrefix(physical, c.prefix)
}

// run executes op under the breaker, bounded by its operation timeout, and
// reports to the optional command hook C7 uses for command tracing.
func (c *conn) run(ctx context.Context, cmd string, op func(context.Context) error) error {
	start := time.Now()
	err := c.breaker.Call(ctx, op)
	if c.onCmd != nil {
		c.onCmd(cmd, time.Since(start), err)
	}
	return err
}

// --- string ops ---

func (c *conn) Get(ctx context.Context, key string) (string, error) {
	var val string
	err := c.run(ctx, "GET", func(ctx context.Context) error {
		v, err := c.client.Get(ctx, c.key(key)).Result()
		if err == goredis.Nil {
			return nil
		}
		val = v
		return err
	})
	return val, err
}

func (c *conn) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return c.run(ctx, "SET", func(ctx context.Context) error {
		return c.client.Set(ctx, c.key(key), value, ttl).Err()
	})
}

func (c *conn) Del(ctx context.Context, keys ...string) (int64, error) {
	var n int64
	err := c.run(ctx, "DEL", func(ctx context.Context) error {
		var e error
		n, e = c.client.Del(ctx, c.keys(keys)...).Result()
		return e
	})
	return n, err
}

func (c *conn) Exists(ctx context.Context, keys ...string) (int64, error) {
	var n int64
	err := c.run(ctx, "EXISTS", func(ctx context.Context) error {
		var e error
		n, e = c.client.Exists(ctx, c.keys(keys)...).Result()
		return e
	})
	return n, err
}

func (c *conn) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	var ok bool
	err := c.run(ctx, "EXPIRE", func(ctx context.Context) error {
		var e error
		ok, e = c.client.Expire(ctx, c.key(key), ttl).Result()
		return e
	})
	return ok, err
}

func (c *conn) TTL(ctx context.Context, key string) (time.Duration, error) {
	var d time.Duration
	err := c.run(ctx, "TTL", func(ctx context.Context) error {
		var e error
		d, e = c.client.TTL(ctx, c.key(key)).Result()
		return e
	})
	return d, err
}

func (c *conn) Incr(ctx context.Context, key string) (int64, error) {
	var n int64
	err := c.run(ctx, "INCR", func(ctx context.Context) error {
		var e error
		n, e = c.client.Incr(ctx, c.key(key)).Result()
		return e
	})
	return n, err
}

func (c *conn) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	var n int64
	err := c.run(ctx, "INCRBY", func(ctx context.Context) error {
		var e error
		n, e = c.client.IncrBy(ctx, c.key(key), delta).Result()
		return e
	})
	return n, err
}

// --- hash ops ---

func (c *conn) HGet(ctx context.Context, key, field string) (string, error) {
	var val string
	err := c.run(ctx, "HGET", func(ctx context.Context) error {
		v, err := c.client.HGet(ctx, c.key(key), field).Result()
		if err == goredis.Nil {
			return nil
		}
		val = v
		return err
	})
	return val, err
}

func (c *conn) HSet(ctx context.Context, key string, values map[string]any) error {
	return c.run(ctx, "HSET", func(ctx context.Context) error {
		return c.client.HSet(ctx, c.key(key), values).Err()
	})
}

func (c *conn) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	var val map[string]string
	err := c.run(ctx, "HGETALL", func(ctx context.Context) error {
		var e error
		val, e = c.client.HGetAll(ctx, c.key(key)).Result()
		return e
	})
	return val, err
}

// --- list ops ---

func (c *conn) LPush(ctx context.Context, key string, values ...any) (int64, error) {
	var n int64
	err := c.run(ctx, "LPUSH", func(ctx context.Context) error {
		var e error
		n, e = c.client.LPush(ctx, c.key(key), values...).Result()
		return e
	})
	return n, err
}

func (c *conn) RPush(ctx context.Context, key string, values ...any) (int64, error) {
	var n int64
	err := c.run(ctx, "RPUSH", func(ctx context.Context) error {
		var e error
		n, e = c.client.RPush(ctx, c.key(key), values...).Result()
		return e
	})
	return n, err
}

func (c *conn) LPop(ctx context.Context, key string) (string, error) {
	var val string
	err := c.run(ctx, "LPOP", func(ctx context.Context) error {
		v, err := c.client.LPop(ctx, c.key(key)).Result()
		if err == goredis.Nil {
			return nil
		}
		val = v
		return err
	})
	return val, err
}

func (c *conn) RPop(ctx context.Context, key string) (string, error) {
	var val string
	err := c.run(ctx, "RPOP", func(ctx context.Context) error {
		v, err := c.client.RPop(ctx, c.key(key)).Result()
		if err == goredis.Nil {
			return nil
		}
		val = v
		return err
	})
	return val, err
}

func (c *conn) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	var val []string
	err := c.run(ctx, "LRANGE", func(ctx context.Context) error {
		var e error
		val, e = c.client.LRange(ctx, c.key(key), start, stop).Result()
		return e
	})
	return val, err
}

func (c *conn) LLen(ctx context.Context, key string) (int64, error) {
	var n int64
	err := c.run(ctx, "LLEN", func(ctx context.Context) error {
		var e error
		n, e = c.client.LLen(ctx, c.key(key)).Result()
		return e
	})
	return n, err
}

func (c *conn) LRem(ctx context.Context, key string, count int64, value any) (int64, error) {
	var n int64
	err := c.run(ctx, "LREM", func(ctx context.Context) error {
		var e error
		n, e = c.client.LRem(ctx, c.key(key), count, value).Result()
		return e
	})
	return n, err
}

// --- sorted set ops ---

func (c *conn) ZAdd(ctx context.Context, key string, members ...goredis.Z) (int64, error) {
	var n int64
	err := c.run(ctx, "ZADD", func(ctx context.Context) error {
		var e error
		n, e = c.client.ZAdd(ctx, c.key(key), members...).Result()
		return e
	})
	return n, err
}

func (c *conn) ZRem(ctx context.Context, key string, members ...any) (int64, error) {
	var n int64
	err := c.run(ctx, "ZREM", func(ctx context.Context) error {
		var e error
		n, e = c.client.ZRem(ctx, c.key(key), members...).Result()
		return e
	})
	return n, err
}

func (c *conn) ZRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	var val []string
	err := c.run(ctx, "ZRANGE", func(ctx context.Context) error {
		var e error
		val, e = c.client.ZRange(ctx, c.key(key), start, stop).Result()
		return e
	})
	return val, err
}

func (c *conn) ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]goredis.Z, error) {
	var val []goredis.Z
	err := c.run(ctx, "ZRANGE_WITHSCORES", func(ctx context.Context) error {
		var e error
		val, e = c.client.ZRangeWithScores(ctx, c.key(key), start, stop).Result()
		return e
	})
	return val, err
}

func (c *conn) ZCard(ctx context.Context, key string) (int64, error) {
	var n int64
	err := c.run(ctx, "ZCARD", func(ctx context.Context) error {
		var e error
		n, e = c.client.ZCard(ctx, c.key(key)).Result()
		return e
	})
	return n, err
}

func (c *conn) ZCount(ctx context.Context, key, min, max string) (int64, error) {
	var n int64
	err := c.run(ctx, "ZCOUNT", func(ctx context.Context) error {
		var e error
		n, e = c.client.ZCount(ctx, c.key(key), min, max).Result()
		return e
	})
	return n, err
}

func (c *conn) ZRemRangeByScore(ctx context.Context, key, min, max string) (int64, error) {
	var n int64
	err := c.run(ctx, "ZREMRANGEBYSCORE", func(ctx context.Context) error {
		var e error
		n, e = c.client.ZRemRangeByScore(ctx, c.key(key), min, max).Result()
		return e
	})
	return n, err
}

// --- scan ---

// Scan iterates keys matching a logical pattern, stripping the tenant
// prefix from results before they reach the caller.
func (c *conn) Scan(ctx context.Context, cursor uint64, matchLogical string, count int64) ([]string, uint64, error) {
	var keys []string
	var next uint64
	err := c.run(ctx, "SCAN", func(ctx context.Context) error {
		var e error
		keys, next, e = c.client.Scan(ctx, cursor, c.key(matchLogical), count).Result()
		return e
	})
	for i, k := range keys {
		keys[i] = c.unkey(k)
	}
	return keys, next, err
}

// --- scripting (keys are rewritten like any other keyed operation; the
// script body itself is never rewritten, it is server-global Lua text) ---

func (c *conn) EvalSha(ctx context.Context, sha string, keys []string, args ...any) (any, error) {
	var result any
	err := c.run(ctx, "EVALSHA", func(ctx context.Context) error {
		var e error
		result, e = c.client.EvalSha(ctx, sha, c.keys(keys), args...).Result()
		return e
	})
	return result, err
}

func (c *conn) Eval(ctx context.Context, script string, keys []string, args ...any) (any, error) {
	var result any
	err := c.run(ctx, "EVAL", func(ctx context.Context) error {
		var e error
		result, e = c.client.Eval(ctx, script, c.keys(keys), args...).Result()
		return e
	})
	return result, err
}

func (c *conn) ScriptLoad(ctx context.Context, script string) (string, error) {
	var sha string
	err := c.run(ctx, "SCRIPT_LOAD", func(ctx context.Context) error {
		var e error
		sha, e = c.client.ScriptLoad(ctx, script).Result()
		return e
	})
	return sha, err
}

// --- introspection ---

func (c *conn) Ping(ctx context.Context) error {
	return c.run(ctx, "PING", func(ctx context.Context) error {
		return c.client.Ping(ctx).Err()
	})
}

func (c *conn) Info(ctx context.Context, section string) (string, error) {
	var info string
	err := c.run(ctx, "INFO", func(ctx context.Context) error {
		var e error
		info, e = c.client.Info(ctx, section).Result()
		return e
	})
	return info, err
}

func (c *conn) MemoryUsage(ctx context.Context, key string) (int64, error) {
	var n int64
	err := c.run(ctx, "MEMORY_USAGE", func(ctx context.Context) error {
		v, e := c.client.MemoryUsage(ctx, c.key(key)).Result()
		n = v
		return e
	})
	return n, err
}

// TenantConn is the tenant-isolating proxy: every key-accepting method
// rewrites its keys under the tenant's prefix before the call reaches
// Redis, and strips it again from any keys in the reply. This is the only
// way application code reaches a tenant's data; there is no escape hatch.
type TenantConn struct{ *conn }

// Tenant returns the tenant identifier this connection is scoped to.
func (t TenantConn) Tenant() string { return t.tenant }

// AdminConn is the unprefixed connection used by health/metrics sampling,
// global script loading, and the task queue's shared priority index, task
// records and status hashes. It shares the same allowlisted
// method set as TenantConn (same underlying conn type) but with an empty
// prefix, so keys pass through unmodified.
type AdminConn struct{ *conn }
