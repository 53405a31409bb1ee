package state

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kashaf12/mandate/pkg/contracts"
)

// checkAndCommitScript runs admission and commit as one atomic step. The
// caller evaluates the checks Redis cannot run (expiry, tool permissions,
// argument validation, per-tool cost ceiling) and passes the verdict in;
// the script orders that verdict between the replay/kill checks and the
// shared-counter checks so the overall precedence matches the in-process
// engine. On ALLOW the estimated cost is committed before returning, which
// is what closes the race between concurrent processes: no interleaving of
// two scripts can admit both when the budget only covers one.
//
// The per-tool window is a sliding window over a sorted set of recent call
// timestamps; the agent-level window stays a fixed window pinned to
// windowStart, like the in-process manager.
//
// KEYS[1] = state hash key
// KEYS[2] = tool rate-limit zset key (untouched unless ARGV[16] > 0)
// ARGV[1]  = agent id            ARGV[2]  = mandate id
// ARGV[3]  = action id           ARGV[4]  = idempotency key ("" = none)
// ARGV[5]  = estimated cost      ARGV[6]  = cost bucket field name
// ARGV[7]  = action timestamp ms ARGV[8]  = preflight blocked ("1"/"0")
// ARGV[9]  = preflight code      ARGV[10] = preflight reason
// ARGV[11] = mandate per-call ceiling (0 = none)
// ARGV[12] = mandate total budget     (0 = none)
// ARGV[13] = agent window max calls   (0 = none)
// ARGV[14] = agent window ms
// ARGV[15] = tool name
// ARGV[16] = tool window max calls    (0 = none)
// ARGV[17] = tool window ms
// ARGV[18] = state ttl seconds        (0 = no expiry)
//
// Reply: {allowed, code, reason, remainingCost, remainingCalls,
// retryAfterMs, cumulativeCost}, every element a string so large and
// fractional numbers survive the Lua number round-trip.
var checkAndCommitScript = redis.NewScript(`
local state = KEYS[1]
local toolkey = KEYS[2]

local actionId = ARGV[3]
local idemKey = ARGV[4]
local est = tonumber(ARGV[5])
local costField = ARGV[6]
local now = tonumber(ARGV[7])
local maxPerCall = tonumber(ARGV[11])
local maxTotal = tonumber(ARGV[12])
local agentMax = tonumber(ARGV[13])
local agentWindow = tonumber(ARGV[14])
local toolMax = tonumber(ARGV[16])
local toolWindow = tonumber(ARGV[17])

local cum = tonumber(redis.call("HGET", state, "cumulativeCost") or "0") or 0

local function blocked(code, reason, retryMs)
    return {"0", code, reason, "", "", tostring(retryMs), tostring(cum)}
end

local function escape(s)
    s = string.gsub(s, "\\", "\\\\")
    s = string.gsub(s, '"', '\\"')
    return s
end

local function appendString(arr, s)
    if arr == "[]" then
        return '["' .. s .. '"]'
    end
    return string.sub(arr, 1, #arr - 1) .. ',"' .. s .. '"]'
end

-- 1. Replay protection: action id, then idempotency key.
local seenIds = redis.call("HGET", state, "seenActionIds") or "[]"
for _, id in ipairs(cjson.decode(seenIds)) do
    if id == actionId then
        return blocked("DUPLICATE_ACTION", "action " .. actionId .. " was already committed", 0)
    end
end
local seenKeys = redis.call("HGET", state, "seenIdempotencyKeys") or "[]"
if idemKey ~= "" then
    for _, k in ipairs(cjson.decode(seenKeys)) do
        if k == idemKey then
            return blocked("DUPLICATE_ACTION", "action " .. actionId .. " was already committed", 0)
        end
    end
end

-- 2. Kill switch.
if redis.call("HGET", state, "killed") == "1" then
    local reason = redis.call("HGET", state, "killedReason")
    if not reason or reason == "" then
        reason = "agent is killed"
    end
    return blocked("AGENT_KILLED", reason, 0)
end

-- 3-7. The caller's preflight verdict (expiry, permissions, validation,
-- per-tool ceiling) slots in here.
if ARGV[8] == "1" then
    return blocked(ARGV[9], ARGV[10], 0)
end

-- 8. Per-tool rate window, sliding over the sorted set.
if toolMax > 0 and toolWindow > 0 then
    redis.call("ZREMRANGEBYSCORE", toolkey, 0, now - toolWindow)
    local inWindow = redis.call("ZCARD", toolkey)
    if inWindow >= toolMax then
        local retry = toolWindow
        local oldest = redis.call("ZRANGE", toolkey, 0, 0, "WITHSCORES")
        if oldest and oldest[2] then
            retry = math.floor(tonumber(oldest[2]) + toolWindow - now)
            if retry < 0 then
                retry = 0
            end
        end
        return blocked("RATE_LIMIT_EXCEEDED",
            "rate limit of " .. ARGV[16] .. " calls per " .. ARGV[17] .. 'ms reached for tool "' .. ARGV[15] .. '"',
            retry)
    end
end

-- 9. Mandate per-call ceiling.
if maxPerCall > 0 and est > maxPerCall then
    return blocked("COST_LIMIT_EXCEEDED",
        "estimated cost " .. ARGV[5] .. " exceeds per-call limit " .. ARGV[11], 0)
end

-- 10. Total budget.
if maxTotal > 0 and cum + est > maxTotal then
    return blocked("COST_LIMIT_EXCEEDED",
        "cumulative cost " .. tostring(cum) .. " plus estimated " .. ARGV[5] .. " exceeds total budget " .. ARGV[12], 0)
end

-- 11. Agent-level rate window, fixed and pinned to windowStart.
local callCount = tonumber(redis.call("HGET", state, "callCount") or "0") or 0
local windowStart = tonumber(redis.call("HGET", state, "windowStart") or "0") or 0
if agentMax > 0 and agentWindow > 0 then
    if now < windowStart + agentWindow and callCount >= agentMax then
        return blocked("RATE_LIMIT_EXCEEDED",
            "agent rate limit of " .. ARGV[13] .. " calls per " .. ARGV[14] .. "ms reached",
            windowStart + agentWindow - now)
    end
end

-- Commit. Everything below mutates; no check may follow.
redis.call("HSET", state, "agentId", ARGV[1], "mandateId", ARGV[2])
local newCum = tonumber(redis.call("HINCRBYFLOAT", state, "cumulativeCost", est))
redis.call("HINCRBYFLOAT", state, costField, est)

redis.call("HSET", state, "seenActionIds", appendString(seenIds, escape(actionId)))
if idemKey ~= "" then
    redis.call("HSET", state, "seenIdempotencyKeys", appendString(seenKeys, escape(idemKey)))
end

local newCount
if agentMax > 0 and agentWindow > 0 then
    if now >= windowStart + agentWindow then
        windowStart = now
        newCount = 1
    else
        newCount = callCount + 1
    end
else
    newCount = callCount + 1
    if windowStart == 0 then
        windowStart = now
    end
end
redis.call("HSET", state, "callCount", tostring(newCount), "windowStart", tostring(windowStart))

if toolMax > 0 and toolWindow > 0 then
    redis.call("ZADD", toolkey, now, actionId)
    redis.call("PEXPIRE", toolkey, 2 * toolWindow)

    local counts = cjson.decode(redis.call("HGET", state, "toolCallCounts") or "{}")
    local w = counts[ARGV[15]]
    if w == nil or now >= (tonumber(w["windowStart"]) or 0) + toolWindow then
        counts[ARGV[15]] = {count = 1, windowStart = now}
    else
        w["count"] = (tonumber(w["count"]) or 0) + 1
        counts[ARGV[15]] = w
    end
    redis.call("HSET", state, "toolCallCounts", cjson.encode(counts))
end

local ttl = tonumber(ARGV[18])
if ttl > 0 then
    redis.call("EXPIRE", state, ttl)
end

local remCost = ""
if maxTotal > 0 then
    remCost = tostring(maxTotal - newCum)
end
local remCalls = ""
if agentMax > 0 then
    local rc = agentMax - callCount
    if rc < 0 then
        rc = 0
    end
    remCalls = tostring(rc)
end

return {"1", "", "all checks passed", remCost, remCalls, "0", tostring(newCum)}
`)

// CheckAndCommit admits the action against shared state and, on ALLOW,
// commits its estimated cost in the same atomic step. The preflight
// decision must come from the policy engine's Preflight for the same
// action and mandate; on ALLOW its argument transformation is not carried
// through the script, so the caller reattaches it.
func (r *RedisManager) CheckAndCommit(ctx context.Context, action *contracts.Action, m *contracts.Mandate, preflight contracts.Decision) (AtomicResult, error) {
	stateKey := r.stateKey(action.AgentID, m.MandateID)
	// Placeholder key: the script leaves it untouched unless a tool window
	// is configured.
	toolKey := stateKey
	var toolMax, toolWindowMs int64
	if limit := toolLimitFor(action, m); limit != nil && limit.Enabled() {
		toolKey = r.toolRateKey(action.AgentID, action.Tool)
		toolMax = limit.MaxCalls
		toolWindowMs = limit.WindowMs
	}
	var agentMax, agentWindowMs int64
	if m.RateLimit != nil && m.RateLimit.Enabled() {
		agentMax = m.RateLimit.MaxCalls
		agentWindowMs = m.RateLimit.WindowMs
	}

	preBlocked := "0"
	if !preflight.Allowed() {
		preBlocked = "1"
	}
	costField := fieldExecutionCost
	if action.CostType == contracts.CostCognition {
		costField = fieldCognitionCost
	}

	argv := []any{
		action.AgentID,
		m.MandateID,
		action.ID,
		action.IdempotencyKey,
		formatFloat(action.EstimatedCost),
		costField,
		action.Timestamp.UnixMilli(),
		preBlocked,
		string(preflight.Code),
		preflight.Reason,
		formatFloat(m.MaxCostPerCall),
		formatFloat(m.MaxCostTotal),
		agentMax,
		agentWindowMs,
		action.Tool,
		toolMax,
		toolWindowMs,
		int64(stateTTL(m, time.Now()) / time.Second),
	}

	raw, err := checkAndCommitScript.Run(ctx, r.client, []string{stateKey, toolKey}, argv...).Result()
	if err != nil {
		return AtomicResult{}, fmt.Errorf("state: atomic admission for %s: %w", action.ID, err)
	}
	return parseAtomicReply(raw)
}

func parseAtomicReply(raw any) (AtomicResult, error) {
	vals, ok := raw.([]any)
	if !ok || len(vals) != 7 {
		return AtomicResult{}, fmt.Errorf("state: unexpected admission reply %T", raw)
	}
	str := func(i int) string {
		s, _ := vals[i].(string)
		return s
	}

	var res AtomicResult
	res.CumulativeCost, _ = strconv.ParseFloat(str(6), 64)

	if str(0) == "1" {
		d := contracts.Allow(str(2))
		if s := str(3); s != "" {
			if v, err := strconv.ParseFloat(s, 64); err == nil {
				d.RemainingCost = &v
			}
		}
		if s := str(4); s != "" {
			if v, err := strconv.ParseInt(s, 10, 64); err == nil {
				d.RemainingCalls = &v
			}
		}
		res.Decision = d
		return res, nil
	}

	code := contracts.BlockCode(str(1))
	if code == contracts.BlockRateLimitExceeded {
		retry, _ := strconv.ParseFloat(str(5), 64)
		res.Decision = contracts.BlockRetryable(code, str(2), int64(retry))
	} else {
		res.Decision = contracts.Block(code, str(2))
	}
	return res, nil
}
