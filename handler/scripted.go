package handler

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-logr/logr"
	"github.com/redis/go-redis/v9"

	"github.com/distlock/redisync/identity"
)

// The five scripts below generalize the teacher's single-key
// lockScript/unlockScript/extendScript to N keys and to the
// "<owner>$<deadline-ms>" lease encoding shared with the optimistic
// handler (see codec.go). Every comparison against "now" uses Redis's
// own TIME command rather than a value passed in from the client,
// since the spec requires deadlines to be computed from the store's
// clock, not trusted from the caller.
const nowMsSnippet = `
local function now_ms()
  local t = redis.call('time')
  return tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)
end
local function split_lease(v)
  local sep = string.find(v, '%$[^%$]*$')
  if not sep then
    return nil, nil
  end
  return string.sub(v, 1, sep - 1), tonumber(string.sub(v, sep + 1))
end
`

const tryLockScript = nowMsSnippet + `
local n = #KEYS
local leaseMs = tonumber(ARGV[1])
local owner = ARGV[2]
local nowMs = now_ms()
local minRemaining = -1
for i = 1, n do
  local val = redis.call('get', KEYS[i])
  if val then
    local _, deadline = split_lease(val)
    if deadline then
      local remaining = deadline - nowMs
      if remaining > 0 then
        if minRemaining == -1 or remaining < minRemaining then
          minRemaining = remaining
        end
      end
    end
  end
end
if minRemaining == -1 then
  local deadline = nowMs + leaseMs
  local value = owner .. '$' .. tostring(deadline)
  for i = 1, n do
    redis.call('set', KEYS[i], value, 'px', leaseMs * 2)
  end
  return 0
end
return minRemaining
`

const heldByOwnerScript = nowMsSnippet + `
local n = #KEYS
local owner = ARGV[1]
local nowMs = now_ms()
local any = 0
local all = 1
for i = 1, n do
  local val = redis.call('get', KEYS[i])
  local held = 0
  if val then
    local o, deadline = split_lease(val)
    if o == owner and deadline and deadline > nowMs then
      held = 1
    end
  end
  if held == 1 then
    any = 1
  else
    all = 0
  end
end
return {any, all}
`

const lockedScript = nowMsSnippet + `
local n = #KEYS
local nowMs = now_ms()
for i = 1, n do
  local val = redis.call('get', KEYS[i])
  if val then
    local _, deadline = split_lease(val)
    if deadline and deadline > nowMs then
      return 1
    end
  end
end
return 0
`

const unlockScript = `
local n = #KEYS - 1
local channel = KEYS[n + 1]
local owner = ARGV[1]
local released = {}
for i = 1, n do
  local val = redis.call('get', KEYS[i])
  if val then
    local sep = string.find(val, '%$[^%$]*$')
    local o = sep and string.sub(val, 1, sep - 1) or nil
    if o == owner then
      redis.call('del', KEYS[i])
      table.insert(released, KEYS[i])
    end
  end
end
if #released > 0 then
  redis.call('publish', channel, cjson.encode(released))
end
return released
`

const refreshScript = nowMsSnippet + `
local n = #KEYS
local leaseMs = tonumber(ARGV[1])
local owner = ARGV[2]
for i = 1, n do
  local val = redis.call('get', KEYS[i])
  if not val then
    return 0
  end
  local o = split_lease(val)
  if o ~= owner then
    return 0
  end
end
local deadline = now_ms() + leaseMs
local value = owner .. '$' .. tostring(deadline)
for i = 1, n do
  redis.call('set', KEYS[i], value, 'px', leaseMs * 2)
end
return 1
`

// scriptedHandler implements Handler with one round trip per
// operation via server-side Lua, per the core spec's "script" handler.
// Scripts are registered with redis.NewScript, which already caches
// each script's SHA and transparently falls back from EVALSHA to EVAL
// on a cache miss -- exactly the "loaded on first use, invoked by hash
// thereafter" behavior the spec calls for, without hand-rolled SCRIPT
// LOAD bookkeeping.
type scriptedHandler struct {
	client  redis.UniversalClient
	channel string
	clock   clock.Clock
	logger  logr.Logger

	tryLock     *redis.Script
	heldByOwner *redis.Script
	locked      *redis.Script
	unlock      *redis.Script
	refresh     *redis.Script
}

// NewScripted constructs the server-side-scripting Handler.
func NewScripted(client redis.UniversalClient, channel string, clk clock.Clock, logger logr.Logger) Handler {
	return &scriptedHandler{
		client:      client,
		channel:     channel,
		clock:       clk,
		logger:      logger,
		tryLock:     redis.NewScript(tryLockScript),
		heldByOwner: redis.NewScript(heldByOwnerScript),
		locked:      redis.NewScript(lockedScript),
		unlock:      redis.NewScript(unlockScript),
		refresh:     redis.NewScript(refreshScript),
	}
}

func (h *scriptedHandler) CanRefreshExpired() bool { return true }

func (h *scriptedHandler) HeldByOwner(ctx context.Context, names []string, owner identity.Owner) (any bool, all bool, err error) {
	res, err := h.heldByOwner.Run(ctx, h.client, names, string(owner)).Result()
	if err != nil {
		return false, false, fmt.Errorf("held-by-owner script: %w", err)
	}
	pair, ok := res.([]interface{})
	if !ok || len(pair) != 2 {
		return false, false, &ProtocolError{Reason: "held-by-owner script returned an unexpected shape"}
	}
	anyI, _ := pair[0].(int64)
	allI, _ := pair[1].(int64)
	return anyI == 1, allI == 1, nil
}

func (h *scriptedHandler) Locked(ctx context.Context, names []string) (bool, error) {
	res, err := h.locked.Run(ctx, h.client, names).Int64()
	if err != nil {
		return false, fmt.Errorf("locked script: %w", err)
	}
	return res == 1, nil
}

func (h *scriptedHandler) TryLock(ctx context.Context, names []string, owner identity.Owner, lease time.Duration) (bool, time.Duration, error) {
	remainingMs, err := h.tryLock.Run(ctx, h.client, names, lease.Milliseconds(), string(owner)).Int64()
	if err != nil {
		return false, 0, fmt.Errorf("try-lock script: %w", err)
	}
	if remainingMs == 0 {
		return true, 0, nil
	}
	return false, time.Duration(remainingMs) * time.Millisecond, nil
}

func (h *scriptedHandler) Unlock(ctx context.Context, names []string, owner identity.Owner) ([]string, error) {
	keys := append(append([]string{}, names...), h.channel)
	res, err := h.unlock.Run(ctx, h.client, keys, string(owner)).Result()
	if err != nil {
		return nil, fmt.Errorf("unlock script: %w", err)
	}
	items, ok := res.([]interface{})
	if !ok {
		return nil, &ProtocolError{Reason: "unlock script returned an unexpected shape"}
	}
	released := make([]string, 0, len(items))
	for _, it := range items {
		s, ok := it.(string)
		if !ok {
			return nil, &ProtocolError{Reason: "unlock script returned a non-string name"}
		}
		released = append(released, s)
	}
	return released, nil
}

func (h *scriptedHandler) Refresh(ctx context.Context, names []string, owner identity.Owner, lease time.Duration) (bool, error) {
	res, err := h.refresh.Run(ctx, h.client, names, lease.Milliseconds(), string(owner)).Int64()
	if err != nil {
		return false, fmt.Errorf("refresh script: %w", err)
	}
	return res == 1, nil
}
