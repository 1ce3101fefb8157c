package redisalloc

import "github.com/redis/go-redis/v9"

// Every script runs with the same KEYS layout:
//
//	KEYS[1] = instances        hash: instanceId -> lastHeartbeatMs
//	KEYS[2] = allocations      hash: instanceId -> AllocationInfo JSON
//	KEYS[3] = channel          pub/sub topic for allocation changes
//	KEYS[4] = modelCapacities  JSON snapshot of the cluster-wide limits
//	KEYS[5] = jobTypeResources JSON snapshot of per-type estimates
//	KEYS[6] = inuse            hash: instanceId:modelId -> in-flight count
//	KEYS[7] = usage            hash: modelId:dimension:windowStart -> actuals
//
// recomputeLua recalculates every instance's allocation from the static
// capacity snapshot and the live instance count, writes the allocations
// hash, and publishes one {instanceId, allocation} message per instance.
//
// Per model: slots = floor(min over active dimensions of
// (capacity / avgEstimate) / instanceCount); the window limits are
// divided by instanceCount as well.
const recomputeLua = `
local function recompute()
    local caps = cjson.decode(redis.call("GET", KEYS[4]) or "{}")
    local res = cjson.decode(redis.call("GET", KEYS[5]) or "{}")
    local ids = redis.call("HKEYS", KEYS[1])
    local count = #ids
    if count == 0 then
        redis.call("DEL", KEYS[2])
        return
    end

    local tokSum, tokN, reqSum, reqN = 0, 0, 0, 0
    for _, r in pairs(res) do
        local t = tonumber(r.estimatedTokens) or 0
        local q = tonumber(r.estimatedRequests) or 0
        if t > 0 then tokSum = tokSum + t; tokN = tokN + 1 end
        if q > 0 then reqSum = reqSum + q; reqN = reqN + 1 end
    end
    local avgTok = 0
    if tokN > 0 then avgTok = tokSum / tokN end
    local avgReq = 0
    if reqN > 0 then avgReq = reqSum / reqN end

    local pools = {}
    for id, c in pairs(caps) do
        local slots = -1
        local function dim(capacity, est)
            capacity = tonumber(capacity) or 0
            if capacity > 0 and est > 0 then
                local s = math.floor(capacity / est)
                if slots < 0 or s < slots then slots = s end
            end
        end
        dim(c.tokensPerMinute, avgTok)
        dim(c.tokensPerDay, avgTok)
        dim(c.requestsPerMinute, avgReq)
        dim(c.requestsPerDay, avgReq)
        dim(c.maxConcurrentRequests, 1)

        local total = 0
        if slots >= 0 then total = math.floor(slots / count) end
        pools[id] = {
            totalSlots        = total,
            tokensPerMinute   = math.floor((tonumber(c.tokensPerMinute) or 0) / count),
            requestsPerMinute = math.floor((tonumber(c.requestsPerMinute) or 0) / count),
            tokensPerDay      = math.floor((tonumber(c.tokensPerDay) or 0) / count),
            requestsPerDay    = math.floor((tonumber(c.requestsPerDay) or 0) / count),
        }
    end

    local doc = cjson.encode({instanceCount = count, pools = pools})
    for _, id in ipairs(ids) do
        redis.call("HSET", KEYS[2], id, doc)
        redis.call("PUBLISH", KEYS[3], cjson.encode({instanceId = id, allocation = doc}))
    end
end
`

// register(instanceId, nowMs): upsert the heartbeat, recompute all
// allocations, publish, and return the caller's new allocation JSON.
var registerScript = redis.NewScript(recomputeLua + `
redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
recompute()
return redis.call("HGET", KEYS[2], ARGV[1])
`)

// unregister(instanceId): drop the instance, recompute, publish.
var unregisterScript = redis.NewScript(recomputeLua + `
redis.call("HDEL", KEYS[1], ARGV[1])
redis.call("HDEL", KEYS[2], ARGV[1])
recompute()
return 1
`)

// heartbeat(instanceId, nowMs): refresh the liveness stamp.
var heartbeatScript = redis.NewScript(`
redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
return 1
`)

// cleanup(cutoffMs): remove instances whose heartbeat is older than the
// cutoff, then recompute and publish. Idempotent when nothing expires.
var cleanupScript = redis.NewScript(recomputeLua + `
local stale = {}
local all = redis.call("HGETALL", KEYS[1])
for i = 1, #all, 2 do
    if tonumber(all[i + 1]) < tonumber(ARGV[1]) then
        stale[#stale + 1] = all[i]
    end
end
if #stale == 0 then
    return 0
end
for _, id in ipairs(stale) do
    redis.call("HDEL", KEYS[1], id)
    redis.call("HDEL", KEYS[2], id)
end
recompute()
return #stale
`)

// acquire(instanceId, nowMs, modelId): heartbeat, then a conditional
// in-use bump against the instance's pool. Returns 1 (granted) or 0.
var acquireScript = redis.NewScript(`
redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
local doc = redis.call("HGET", KEYS[2], ARGV[1])
if not doc then
    return 0
end
local pool = cjson.decode(doc).pools[ARGV[3]]
if not pool then
    return 0
end
local field = ARGV[1] .. ":" .. ARGV[3]
local inuse = tonumber(redis.call("HGET", KEYS[6], field) or "0")
local total = tonumber(pool.totalSlots) or 0
if total > 0 and inuse >= total then
    return 0
end
redis.call("HINCRBY", KEYS[6], field, 1)
return 1
`)

// release(instanceId, nowMs, modelId, tokens, requests, wsTpm, wsRpm,
// wsTpd, wsRpd): heartbeat, decrement the in-use counter, record actual
// usage against the windows it was reserved in, and publish when the
// pool crossed from full back to available.
var releaseScript = redis.NewScript(`
redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
local field = ARGV[1] .. ":" .. ARGV[3]
local inuse = tonumber(redis.call("HGET", KEYS[6], field) or "0")

local wasFull = false
local doc = redis.call("HGET", KEYS[2], ARGV[1])
if doc then
    local pool = cjson.decode(doc).pools[ARGV[3]]
    if pool then
        local total = tonumber(pool.totalSlots) or 0
        if total > 0 and inuse >= total then wasFull = true end
    end
end
if inuse > 0 then
    redis.call("HINCRBY", KEYS[6], field, -1)
end

local tokens = tonumber(ARGV[4]) or 0
local requests = tonumber(ARGV[5]) or 0
local function record(dimension, ws, amount)
    if amount > 0 and (tonumber(ws) or 0) > 0 then
        redis.call("HINCRBY", KEYS[7], ARGV[3] .. ":" .. dimension .. ":" .. ws, amount)
    end
end
record("tokensMinute", ARGV[6], tokens)
record("requestsMinute", ARGV[7], requests)
record("tokensDay", ARGV[8], tokens)
record("requestsDay", ARGV[9], requests)
redis.call("EXPIRE", KEYS[7], 172800)

if wasFull and doc then
    redis.call("PUBLISH", KEYS[3], cjson.encode({instanceId = ARGV[1], allocation = doc}))
end
return 1
`)
