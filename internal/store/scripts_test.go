package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runScript(t *testing.T, mem *Memory, s *Script, keys []string, args ...interface{}) []interface{} {
	t.Helper()
	res, err := s.Run(context.Background(), mem, keys, args...)
	require.NoError(t, err)
	if list, ok := res.([]interface{}); ok {
		return list
	}
	return []interface{}{res}
}

func TestScript_NoScriptFallback(t *testing.T) {
	mem := NewMemory()
	s := NewScript(TokenBucketScript)

	// A cold server has never seen this script; EVALSHA must fail and the
	// wrapper must fall back to EVAL transparently.
	_, err := mem.EvalSha(context.Background(), s.Hash(), []string{"rl:x"},
		time.Now().UnixMilli(), 5, 8, 1)
	require.Error(t, err)
	require.True(t, IsNoScript(err))

	res := runScript(t, mem, s, []string{"rl:x"}, time.Now().UnixMilli(), 5, 8, 1)
	assert.Equal(t, int64(1), res[0])

	// The fallback loaded the script; EVALSHA works from now on.
	_, err = mem.EvalSha(context.Background(), s.Hash(), []string{"rl:x"},
		time.Now().UnixMilli(), 5, 8, 1)
	assert.NoError(t, err)
}

func TestTokenBucket_BurstThenDeny(t *testing.T) {
	mem := NewMemory()
	s := NewScript(TokenBucketScript)
	now := time.Now().UnixMilli()

	for i := 0; i < 8; i++ {
		res := runScript(t, mem, s, []string{"rl:a"}, now, 5, 8, 1)
		require.Equal(t, int64(1), res[0], "request %d within burst", i+1)
		assert.Equal(t, int64(8-i-1), res[1], "remaining counts down")
	}

	res := runScript(t, mem, s, []string{"rl:a"}, now, 5, 8, 1)
	assert.Equal(t, int64(0), res[0], "burst exhausted")
	assert.Equal(t, int64(0), res[1])
}

func TestTokenBucket_RefillOverTime(t *testing.T) {
	mem := NewMemory()
	s := NewScript(TokenBucketScript)
	now := time.Now().UnixMilli()

	for i := 0; i < 8; i++ {
		runScript(t, mem, s, []string{"rl:a"}, now, 5, 8, 1)
	}
	res := runScript(t, mem, s, []string{"rl:a"}, now, 5, 8, 1)
	require.Equal(t, int64(0), res[0])

	// One second later exactly rate tokens have come back.
	later := now + 1000
	for i := 0; i < 5; i++ {
		res = runScript(t, mem, s, []string{"rl:a"}, later, 5, 8, 1)
		require.Equal(t, int64(1), res[0], "refilled token %d", i+1)
	}
	res = runScript(t, mem, s, []string{"rl:a"}, later, 5, 8, 1)
	assert.Equal(t, int64(0), res[0])
}

func TestTokenBucket_CapAtBurst(t *testing.T) {
	mem := NewMemory()
	s := NewScript(TokenBucketScript)
	now := time.Now().UnixMilli()

	runScript(t, mem, s, []string{"rl:a"}, now, 5, 8, 1)

	// An hour idle refills far more than burst; the cap holds.
	later := now + 3600_000
	res := runScript(t, mem, s, []string{"rl:a"}, later, 5, 8, 1)
	assert.Equal(t, int64(1), res[0])
	assert.Equal(t, int64(7), res[1], "bucket was capped at burst before the drain")
}

func TestTokenBucket_ClockSkewTolerated(t *testing.T) {
	mem := NewMemory()
	s := NewScript(TokenBucketScript)
	now := time.Now().UnixMilli()

	runScript(t, mem, s, []string{"rl:a"}, now, 5, 8, 1)

	// A caller with a clock behind the last refill must not mint tokens.
	res := runScript(t, mem, s, []string{"rl:a"}, now-5000, 5, 8, 1)
	assert.Equal(t, int64(1), res[0])
	assert.Equal(t, int64(6), res[1])
}

func TestVoteDedup_StatusTransitions(t *testing.T) {
	mem := NewMemory()
	s := NewScript(VoteDedupScript)
	keys := []string{"agent_votes:g:1", "votes:g:1"}

	res := runScript(t, mem, s, keys, "ash", "up", 3600)
	assert.Equal(t, int64(1), res[0], "first vote")

	res = runScript(t, mem, s, keys, "ash", "up", 3600)
	assert.Equal(t, int64(0), res[0], "same action is a duplicate")

	res = runScript(t, mem, s, keys, "ash", "left", 3600)
	assert.Equal(t, int64(2), res[0], "different action moves the vote")

	// The tally reflects one voter on "left" and none on "up".
	left, err := mem.ZScore(context.Background(), "votes:g:1", "left")
	require.NoError(t, err)
	assert.Equal(t, float64(1), left)
	up, err := mem.ZScore(context.Background(), "votes:g:1", "up")
	require.NoError(t, err)
	assert.Equal(t, float64(0), up)
}

func TestVoteDedup_TallyMatchesVoters(t *testing.T) {
	mem := NewMemory()
	s := NewScript(VoteDedupScript)
	keys := []string{"agent_votes:g:1", "votes:g:1"}

	agents := []string{"a1", "a2", "a3", "a4", "a5"}
	actions := []string{"up", "up", "a", "b", "up"}
	for i, agent := range agents {
		runScript(t, mem, s, keys, agent, actions[i], 3600)
	}
	// Everyone revotes; totals must not inflate.
	for i, agent := range agents {
		runScript(t, mem, s, keys, agent, actions[i], 3600)
	}

	members, err := mem.ZRevRangeWithScores(context.Background(), "votes:g:1", 0, -1)
	require.NoError(t, err)
	var total float64
	for _, m := range members {
		total += m.Score
	}
	assert.Equal(t, float64(len(agents)), total, "one tally point per distinct voter")
	assert.Equal(t, "up", members[0].Member, "plurality leader first")
	assert.Equal(t, float64(3), members[0].Score)
}
