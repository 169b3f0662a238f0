package ratelimit

import "github.com/arcbound/tenantcore/internal/script"

// Both Lua bodies are ported from original_source's rate_limiter.py
// (_load_lua_scripts), adapted to millisecond timestamps supplied by the
// caller and a single round-trip per check. The sliding-window member
// format "<ts>:<nonce>" allows multiple events landing on the same
// millisecond to coexist in the set.
const slidingWindowScript = `
local key = KEYS[1]
local window_ms = tonumber(ARGV[1])
local now_ms = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local limit = tonumber(ARGV[4])

redis.call('ZREMRANGEBYSCORE', key, 0, now_ms - window_ms)

local current = redis.call('ZCARD', key)

if current + cost > limit then
  local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
  local reset_ms = window_ms
  if oldest[2] then
    reset_ms = math.max(0, (oldest[2] + window_ms) - now_ms)
  end
  return {0, current, math.max(0, limit - current), reset_ms, limit}
end

for i = 1, cost do
  local member = now_ms .. ':' .. math.random(1000000000)
  redis.call('ZADD', key, now_ms, member)
end
redis.call('PEXPIRE', key, window_ms)

return {1, current + cost, math.max(0, limit - current - cost), window_ms, limit}
`

// tokenBucketScript refills continuously between calls and persists the
// updated (tokens, last_refill_ms) whether or not the request is admitted,
// matching §4.4.2 exactly.
const tokenBucketScript = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_per_sec = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])

local bucket = redis.call('HMGET', key, 'tokens', 'last_refill_ms')
local tokens = tonumber(bucket[1])
if tokens == nil then tokens = capacity end
local last_refill = tonumber(bucket[2])
if last_refill == nil then last_refill = now_ms end

local elapsed_sec = math.max(0, now_ms - last_refill) / 1000.0
tokens = math.min(capacity, tokens + elapsed_sec * refill_per_sec)

local ttl = math.ceil(capacity / refill_per_sec) + 1

if tokens < cost then
  redis.call('HSET', key, 'tokens', tokens, 'last_refill_ms', now_ms)
  redis.call('EXPIRE', key, ttl)
  local retry_after = math.ceil((cost - tokens) / refill_per_sec)
  return {0, tokens, retry_after}
end

tokens = tokens - cost
redis.call('HSET', key, 'tokens', tokens, 'last_refill_ms', now_ms)
redis.call('EXPIRE', key, ttl)

return {1, tokens, 0}
`

const scriptNameSlidingWindow = "ratelimit_sliding_window"
const scriptNameTokenBucket = "ratelimit_token_bucket"

func newExecutor() *script.Executor {
	return script.NewExecutor(
		script.Script{Name: scriptNameSlidingWindow, Body: slidingWindowScript},
		script.Script{Name: scriptNameTokenBucket, Body: tokenBucketScript},
	)
}
