package queue

import "github.com/arcbound/tenantcore/internal/script"

// enqueueScript is adapted from queue_manager.py's enqueue Lua body. The
// priority-index score combines priority and enqueue time so that, within
// one priority band, earlier tasks sort first (insertion-order tiebreak)
// while the priority band always dominates: consecutive integer priorities
// are 1e13 apart, far larger than any realistic millisecond timestamp spread
// within one band.
const enqueueScript = `
local priority_key = KEYS[1]
local sub_queue_key = KEYS[2]
local task_key = KEYS[3]
local status_key = KEYS[4]

local priority = tonumber(ARGV[1])
local task_json = ARGV[2]
local max_size = tonumber(ARGV[3])
local now_ms = tonumber(ARGV[4])
local queued_at_iso = ARGV[5]

local queue_size = redis.call('ZCARD', priority_key)
if queue_size >= max_size then
  return {0, 'Queue full'}
end

local project_size = redis.call('LLEN', sub_queue_key)
if project_size >= math.floor(max_size / 4) then
  return {0, 'Project queue full'}
end

redis.call('SET', task_key, task_json, 'EX', 86400)

local score = (-priority * 1e13) + now_ms
redis.call('ZADD', priority_key, score, task_json)

redis.call('RPUSH', sub_queue_key, task_json)
redis.call('EXPIRE', sub_queue_key, 86400)

redis.call('HSET', status_key, 'status', 'queued', 'queued_at', queued_at_iso, 'attempts', '0')
redis.call('EXPIRE', status_key, 86400)

return {1, 'Task enqueued', queue_size + 1}
`

// dequeueScript scans a bounded number of the highest-priority candidates,
// skipping (without removing) any whose scheduled_at is still in the
// future, per §4.5.4's "dequeue script skips and restores" approach — here
// "restores" is free because skipped candidates were never removed.
const dequeueScript = `
local priority_key = KEYS[1]
local sub_queue_key_prefix = KEYS[2]
local worker_id = ARGV[1]
local started_at_iso = ARGV[2]
local now_ms = tonumber(ARGV[3])
local max_scan = tonumber(ARGV[4])

local candidates = redis.call('ZRANGE', priority_key, 0, max_scan - 1)
if #candidates == 0 then
  return {0, 'No tasks available'}
end

for i = 1, #candidates do
  local task_json = candidates[i]
  local task = cjson.decode(task_json)
  local ready = true
  if task.scheduled_at_ms and task.scheduled_at_ms ~= cjson.null then
    local scheduled_ms = tonumber(task.scheduled_at_ms)
    if scheduled_ms and scheduled_ms > now_ms then
      ready = false
    end
  end

  if ready then
    redis.call('ZREM', priority_key, task_json)
    local sub_queue_key = sub_queue_key_prefix .. task.project_id
    redis.call('LREM', sub_queue_key, 1, task_json)

    local status_key = 'task:' .. task.task_id .. ':status'
    local attempts = tonumber(redis.call('HGET', status_key, 'attempts') or '0') + 1
    redis.call('HSET', status_key, 'status', 'running', 'worker_id', worker_id, 'started_at', started_at_iso, 'attempts', tostring(attempts))

    return {1, task_json, attempts}
  end
end

return {0, 'No tasks ready'}
`

// requeueScript puts a failed task back on its original queue for retry,
// unlike enqueueScript it reuses the caller-supplied task_id and attempts
// count instead of minting a fresh one, so the attempt count actually
// accumulates toward max_attempts across retry generations (mirroring
// retry.py's update_task_for_retry/model_copy, which preserves task_id).
const requeueScript = `
local priority_key = KEYS[1]
local sub_queue_key = KEYS[2]
local task_key = KEYS[3]
local status_key = KEYS[4]

local priority = tonumber(ARGV[1])
local task_json = ARGV[2]
local max_size = tonumber(ARGV[3])
local now_ms = tonumber(ARGV[4])
local attempts = ARGV[5]

local queue_size = redis.call('ZCARD', priority_key)
if queue_size >= max_size then
  return {0, 'Queue full'}
end

local project_size = redis.call('LLEN', sub_queue_key)
if project_size >= math.floor(max_size / 4) then
  return {0, 'Project queue full'}
end

redis.call('SET', task_key, task_json, 'EX', 86400)

local score = (-priority * 1e13) + now_ms
redis.call('ZADD', priority_key, score, task_json)

redis.call('RPUSH', sub_queue_key, task_json)
redis.call('EXPIRE', sub_queue_key, 86400)

redis.call('HSET', status_key, 'attempts', attempts)
redis.call('EXPIRE', status_key, 86400)

return {1, 'Task requeued', queue_size + 1}
`

const scriptNameEnqueue = "queue_enqueue"
const scriptNameDequeue = "queue_dequeue"
const scriptNameRequeue = "queue_requeue"

func newExecutor() *script.Executor {
	return script.NewExecutor(
		script.Script{Name: scriptNameEnqueue, Body: enqueueScript},
		script.Script{Name: scriptNameDequeue, Body: dequeueScript},
		script.Script{Name: scriptNameRequeue, Body: requeueScript},
	)
}
