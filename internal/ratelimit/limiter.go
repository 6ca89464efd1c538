// Package ratelimit is the per-agent token-bucket admission control. The
// bucket lives in the shared store and is mutated only by the atomic
// script, so any number of server processes share one view of an agent's
// allowance.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/swarmplay/backend/internal/auth"
	"github.com/swarmplay/backend/internal/store"
)

// Plan burst sizes. Rates come from auth.PlanLimits.
var planBursts = map[string]int{
	auth.PlanFree:     8,
	auth.PlanStandard: 30,
	auth.PlanPremium:  150,
}

// PlanLimits returns the (rate, burst) pair for a plan. Unknown plans get
// burst = rps*2.
func PlanLimits(plan string, rps int) (rate, burst int) {
	if b, ok := planBursts[plan]; ok {
		if r, ok := auth.PlanLimits[plan]; ok {
			return r, b
		}
	}
	return rps, rps * 2
}

// Result is one admission decision.
type Result struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration // set only when denied
}

// Limiter runs the token-bucket script against the store.
type Limiter struct {
	client store.Client
	script *store.Script
	now    func() time.Time
}

// New creates a limiter on the given store client.
func New(client store.Client) *Limiter {
	return &Limiter{
		client: client,
		script: store.NewScript(store.TokenBucketScript),
		now:    time.Now,
	}
}

// Check spends one token from the agent's bucket. rate is tokens per
// second, burst the bucket capacity.
func (l *Limiter) Check(ctx context.Context, agentID string, rate, burst int) (Result, error) {
	if rate <= 0 || burst <= 0 {
		return Result{}, fmt.Errorf("rate limiter: invalid rate=%d burst=%d", rate, burst)
	}

	res, err := l.script.Run(ctx, l.client,
		[]string{store.RateLimitKey(agentID)},
		l.now().UnixMilli(), rate, burst, 1)
	if err != nil {
		return Result{}, fmt.Errorf("token bucket script: %w", err)
	}

	reply, ok := res.([]interface{})
	if !ok || len(reply) != 2 {
		return Result{}, fmt.Errorf("token bucket script: unexpected reply %T", res)
	}
	allowed, okA := toInt64(reply[0])
	remaining, okR := toInt64(reply[1])
	if !okA || !okR {
		return Result{}, fmt.Errorf("token bucket script: non-numeric reply")
	}

	out := Result{Allowed: allowed == 1, Remaining: int(remaining)}
	if !out.Allowed {
		out.RetryAfter = time.Duration(math.Ceil(1000/float64(rate))) * time.Millisecond
	}
	return out, nil
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	}
	return 0, false
}
