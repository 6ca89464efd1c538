package httpapi

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/swarmplay/backend/internal/agentctx"
	"github.com/swarmplay/backend/internal/ban"
	"github.com/swarmplay/backend/internal/ratelimit"
)

// Proxy trust modes for client IP resolution.
const (
	TrustProxyNone       = "none"
	TrustProxyCloudflare = "cloudflare"
	TrustProxyAny        = "any"
)

// ClientIP resolves the caller's address under the configured proxy trust
// policy. Forwarded headers are honored only when the deployment says a
// trusted proxy sets them; otherwise a client could spoof its way around
// IP bans.
func ClientIP(r *http.Request, trustProxy string) string {
	switch trustProxy {
	case TrustProxyCloudflare:
		if ip := strings.TrimSpace(r.Header.Get("CF-Connecting-IP")); ip != "" {
			return normalizeIP(ip)
		}
	case TrustProxyAny:
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			parts := strings.Split(fwd, ",")
			if ip := strings.TrimSpace(parts[0]); ip != "" {
				return normalizeIP(ip)
			}
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
			return normalizeIP(ip)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return normalizeIP(r.RemoteAddr)
	}
	return normalizeIP(host)
}

// normalizeIP unwraps IPv4-mapped IPv6 addresses so ban records written
// against dotted quads match.
func normalizeIP(ip string) string {
	return strings.TrimPrefix(ip, "::ffff:")
}

// AgentMiddleware is the gate every agent-facing endpoint passes through:
// authenticate the API key, enforce bans, enforce the per-agent rate
// limit, then attach the agent identity to the request context.
func (s *Server) AgentMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey := r.Header.Get("X-Api-Key")
		if apiKey == "" {
			s.metrics.AuthFailures.WithLabelValues("missing").Inc()
			writeError(w, http.StatusUnauthorized, CodeMissingAuth, "missing X-Api-Key header", nil)
			return
		}

		ip := ClientIP(r, s.trustProxy)

		cred, err := s.credentials.Lookup(r.Context(), apiKey)
		if err != nil {
			slog.Error("[API] Credential lookup failed", "error", err)
			writeError(w, http.StatusInternalServerError, CodeInternal, "internal error", nil)
			return
		}
		if cred == nil {
			// No violation is recorded for a failed key: the 401 must not
			// reveal whether the key was close, and an unauthenticated
			// caller must not be able to poison an address's counters.
			s.metrics.AuthFailures.WithLabelValues("invalid").Inc()
			writeError(w, http.StatusUnauthorized, CodeInvalidAuth, "invalid API key", nil)
			return
		}

		status, err := s.bans.Check(r.Context(), cred.AgentID, ip, r.Header.Get("User-Agent"))
		if err != nil {
			slog.Error("[API] Ban check failed", "agent_id", cred.AgentID, "error", err)
			writeError(w, http.StatusInternalServerError, CodeInternal, "internal error", nil)
			return
		}
		if status.Banned {
			s.metrics.BansEnforced.Inc()
			details := map[string]interface{}{"reason": status.Reason}
			if status.ExpiresAt != nil {
				details["expiresAt"] = status.ExpiresAt.UnixMilli()
			}
			writeError(w, http.StatusForbidden, CodeBanned, "access revoked", details)
			return
		}

		rate, burst := ratelimit.PlanLimits(cred.Plan, cred.RPSLimit)
		res, err := s.limiter.Check(r.Context(), cred.AgentID, rate, burst)
		if err != nil {
			slog.Error("[API] Rate limit check failed", "agent_id", cred.AgentID, "error", err)
			writeError(w, http.StatusInternalServerError, CodeInternal, "internal error", nil)
			return
		}
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rate))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		if !res.Allowed {
			s.metrics.RateLimitDenied.Inc()
			retrySec := (res.RetryAfter.Milliseconds() + 999) / 1000
			w.Header().Set("Retry-After", strconv.FormatInt(retrySec, 10))
			s.punishViolation(r.Context(), cred.AgentID, ip, ban.ViolationRateLimit)
			writeError(w, http.StatusTooManyRequests, CodeRateLimited, "rate limit exceeded", map[string]interface{}{
				"retryAfterMs": res.RetryAfter.Milliseconds(),
			})
			return
		}

		ctx := agentctx.WithAgent(r.Context(), agentctx.Agent{
			ID:       cred.AgentID,
			Plan:     cred.Plan,
			RPSLimit: rate,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// punishViolation bumps the violation counter and lets the escalation
// rules decide whether the caller has earned a ban. Failures are logged
// and never change the response already chosen for the request.
func (s *Server) punishViolation(ctx context.Context, subject, ip, kind string) {
	if _, err := s.bans.RecordViolation(ctx, subject, kind); err != nil {
		slog.Warn("[API] Violation record failed", "subject", subject, "error", err)
		return
	}
	if err := s.bans.CheckAutoEscalation(ctx, subject, ip, s.rateLimitBanThreshold, s.invalidReqBanThreshold); err != nil {
		slog.Warn("[API] Escalation check failed", "subject", subject, "error", err)
	}
}
