package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmplay/backend/internal/auth"
	"github.com/swarmplay/backend/internal/store"
)

// newTestLimiter returns a limiter with a controllable clock.
func newTestLimiter(t *testing.T) (*Limiter, *time.Time) {
	t.Helper()
	l := New(store.NewMemory())
	now := time.UnixMilli(1000)
	l.now = func() time.Time { return now }
	return l, &now
}

// With rate=5 burst=8, 8 of 10 back-to-back requests pass, then after one
// second up to 5 more.
func TestCheck_BurstThenRefill(t *testing.T) {
	l, now := newTestLimiter(t)
	ctx := context.Background()

	allowed := 0
	for i := 0; i < 10; i++ {
		res, err := l.Check(ctx, "a1", 5, 8)
		require.NoError(t, err)
		if res.Allowed {
			allowed++
		} else {
			assert.Equal(t, 200*time.Millisecond, res.RetryAfter)
		}
	}
	assert.Equal(t, 8, allowed, "burst capacity admits exactly 8")

	*now = time.UnixMilli(2000)
	allowed = 0
	for i := 0; i < 10; i++ {
		res, err := l.Check(ctx, "a1", 5, 8)
		require.NoError(t, err)
		if res.Allowed {
			allowed++
		}
	}
	assert.Equal(t, 5, allowed, "one second refills rate tokens")
}

// Allowed requests never exceed burst + rate*elapsed.
func TestCheck_NeverExceedsBudget(t *testing.T) {
	l, now := newTestLimiter(t)
	ctx := context.Background()

	const rate, burst = 3, 7
	total := 0
	for step := 0; step < 5; step++ {
		for i := 0; i < 20; i++ {
			res, err := l.Check(ctx, "a2", rate, burst)
			require.NoError(t, err)
			if res.Allowed {
				total++
			}
		}
		*now = now.Add(500 * time.Millisecond)
	}
	// 4 advances of 0.5 s elapsed during the run
	budget := burst + rate*4/2
	assert.LessOrEqual(t, total, budget)
}

func TestCheck_RemainingCountsDown(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()

	res, err := l.Check(ctx, "a3", 5, 3)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 2, res.Remaining)

	res, err = l.Check(ctx, "a3", 5, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Remaining)
}

func TestCheck_BucketsAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		_, err := l.Check(ctx, "hog", 5, 8)
		require.NoError(t, err)
	}
	res, err := l.Check(ctx, "hog", 5, 8)
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	res, err = l.Check(ctx, "other", 5, 8)
	require.NoError(t, err)
	assert.True(t, res.Allowed, "an exhausted neighbor must not affect other agents")
}

func TestCheck_InvalidConfig(t *testing.T) {
	l, _ := newTestLimiter(t)
	_, err := l.Check(context.Background(), "a4", 0, 8)
	assert.Error(t, err)
}

func TestPlanLimits(t *testing.T) {
	tests := []struct {
		plan        string
		rps         int
		wantRate    int
		wantBurst   int
	}{
		{auth.PlanFree, 5, 5, 8},
		{auth.PlanStandard, 20, 20, 30},
		{auth.PlanPremium, 100, 100, 150},
		{"legacy", 12, 12, 24}, // unknown plan: burst = rps*2
	}
	for _, tt := range tests {
		rate, burst := PlanLimits(tt.plan, tt.rps)
		assert.Equal(t, tt.wantRate, rate, tt.plan)
		assert.Equal(t, tt.wantBurst, burst, tt.plan)
	}
}
