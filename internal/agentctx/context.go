// Package agentctx carries the authenticated agent's identity through a
// request's context so leaf handlers don't need it threaded through every
// signature.
package agentctx

import "context"

type contextKey string

const agentKey contextKey = "agent"

// Agent is the request-scoped identity attached by the auth middleware.
type Agent struct {
	ID       string
	Plan     string
	RPSLimit int
}

// WithAgent returns a context carrying the agent identity.
func WithAgent(ctx context.Context, a Agent) context.Context {
	return context.WithValue(ctx, agentKey, a)
}

// FromContext returns the agent attached to ctx, if any.
func FromContext(ctx context.Context) (Agent, bool) {
	a, ok := ctx.Value(agentKey).(Agent)
	return a, ok
}

// MustFromContext returns the agent attached to ctx and panics when called
// outside an authenticated request. Handlers registered behind the auth
// middleware may rely on it.
func MustFromContext(ctx context.Context) Agent {
	a, ok := FromContext(ctx)
	if !ok {
		panic("agentctx: no agent in context (handler called outside an authenticated request)")
	}
	return a
}
