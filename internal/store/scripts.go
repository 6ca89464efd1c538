package store

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
)

// Server-side atomic scripts. Both are the sole writers of the keys they
// touch: the token bucket owns rl:{agent}, the dedup script owns the
// votes/agent_votes pair and the invariant
// sum(tally scores) == len(agent_votes).

// TokenBucketScript refills and drains a token bucket in one atomic step.
// KEYS[1] = bucket hash. ARGV = now_ms, rate_per_s, burst, cost.
// Returns {allowed (0|1), floor(remaining tokens)}.
const TokenBucketScript = `
local bucket = KEYS[1]
local now = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local burst = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])

local state = redis.call('HMGET', bucket, 'tokens', 'last_refill')
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])
if tokens == nil then
  tokens = burst
  last_refill = now
end

local elapsed = now - last_refill
if elapsed < 0 then
  elapsed = 0
end
tokens = tokens + (elapsed / 1000) * rate
if tokens > burst then
  tokens = burst
end

local allowed = 0
if tokens >= cost then
  tokens = tokens - cost
  allowed = 1
end

redis.call('HSET', bucket, 'tokens', tokens, 'last_refill', now)
redis.call('EXPIRE', bucket, math.ceil(burst / rate) + 60)

return {allowed, math.floor(tokens)}
`

// VoteDedupScript records one agent's vote for one tick, at most once.
// Re-voting the same action is a no-op; re-voting a different action moves
// the tally point. KEYS[1] = agent_votes hash, KEYS[2] = tally zset.
// ARGV = agentId, action, ttl_s. Returns 0 duplicate, 1 first vote,
// 2 changed vote.
const VoteDedupScript = `
local agent_votes = KEYS[1]
local tally = KEYS[2]
local agent = ARGV[1]
local action = ARGV[2]
local ttl = tonumber(ARGV[3])

local prior = redis.call('HGET', agent_votes, agent)
if prior == action then
  return 0
end

local result = 1
if prior then
  redis.call('ZINCRBY', tally, -1, prior)
  result = 2
end

redis.call('ZINCRBY', tally, 1, action)
redis.call('HSET', agent_votes, agent, action)
redis.call('EXPIRE', agent_votes, ttl)
redis.call('EXPIRE', tally, ttl)

return result
`

// Script is a Lua program addressed by its SHA-1, evaluated with EVALSHA
// and falling back to EVAL when the server has not cached it yet.
type Script struct {
	src string
	sha string
}

// NewScript precomputes the script's SHA-1 digest.
func NewScript(src string) *Script {
	sum := sha1.Sum([]byte(src))
	return &Script{src: src, sha: hex.EncodeToString(sum[:])}
}

// Hash returns the script's SHA-1 hex digest.
func (s *Script) Hash() string { return s.sha }

// Source returns the Lua source.
func (s *Script) Source() string { return s.src }

// Run evaluates the script by hash, loading the source on NOSCRIPT.
func (s *Script) Run(ctx context.Context, c Client, keys []string, args ...interface{}) (interface{}, error) {
	res, err := c.EvalSha(ctx, s.sha, keys, args...)
	if IsNoScript(err) {
		return c.Eval(ctx, s.src, keys, args...)
	}
	return res, err
}
