package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/swarmplay/backend/internal/ban"
)

// AdminMiddleware guards the control plane with a shared secret. With no
// secret configured the whole plane is disabled; every request gets 401.
// The comparison is constant-time so the secret can't be probed byte by
// byte.
func (s *Server) AdminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminSecret == "" {
			writeError(w, http.StatusUnauthorized, CodeInvalidAuth, "admin interface disabled", nil)
			return
		}
		got := r.Header.Get("X-Admin-Secret")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.adminSecret)) != 1 {
			s.metrics.AuthFailures.WithLabelValues("admin").Inc()
			writeError(w, http.StatusUnauthorized, CodeInvalidAuth, "invalid admin secret", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type banRequest struct {
	Subject     string `json:"subject"`
	Type        string `json:"type"`
	Reason      string `json:"reason"`
	DurationSec int64  `json:"durationSec"` // 0 means permanent
}

func (req *banRequest) validate() (time.Duration, string) {
	req.Subject = strings.TrimSpace(req.Subject)
	if req.Subject == "" {
		return 0, "subject is required"
	}
	if req.Type == "" {
		req.Type = ban.TypeHard
	}
	if req.Type != ban.TypeSoft && req.Type != ban.TypeHard {
		return 0, "type must be soft or hard"
	}
	if req.DurationSec < 0 {
		return 0, "durationSec must be >= 0"
	}
	if req.Reason == "" {
		req.Reason = "banned by admin"
	}
	return time.Duration(req.DurationSec) * time.Second, ""
}

func (s *Server) handleBan(w http.ResponseWriter, r *http.Request, kind string,
	apply func(subject, banType, reason string, d time.Duration) error) {
	var req banRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, "invalid JSON body", nil)
		return
	}
	dur, problem := req.validate()
	if problem != "" {
		writeError(w, http.StatusBadRequest, CodeValidation, problem, nil)
		return
	}

	if err := apply(req.Subject, req.Type, req.Reason, dur); err != nil {
		// Shape errors are the caller's fault; anything else is a store
		// failure whose text stays out of the response.
		if errors.Is(err, ban.ErrInvalidCIDR) {
			writeError(w, http.StatusBadRequest, CodeValidation, err.Error(), nil)
			return
		}
		slog.Error("[Admin] Ban failed", "kind", kind, "subject", req.Subject, "error", err)
		writeError(w, http.StatusInternalServerError, CodeInternal, "internal error", nil)
		return
	}

	slog.Info("[Admin] Ban applied", "kind", kind, "subject", req.Subject,
		"type", req.Type, "duration_sec", req.DurationSec)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"banned":  true,
		"kind":    kind,
		"subject": req.Subject,
	})
}

func (s *Server) handleBanAgent(w http.ResponseWriter, r *http.Request) {
	s.handleBan(w, r, "agent", func(subject, banType, reason string, d time.Duration) error {
		return s.bans.BanAgent(r.Context(), subject, banType, reason, "admin", d)
	})
}

func (s *Server) handleBanIP(w http.ResponseWriter, r *http.Request) {
	s.handleBan(w, r, "ip", func(subject, banType, reason string, d time.Duration) error {
		return s.bans.BanIP(r.Context(), subject, banType, reason, "admin", d)
	})
}

func (s *Server) handleBanCIDR(w http.ResponseWriter, r *http.Request) {
	s.handleBan(w, r, "cidr", func(subject, banType, reason string, d time.Duration) error {
		return s.bans.BanCIDR(r.Context(), subject, banType, reason, "admin", d)
	})
}

func (s *Server) handleBanUserAgent(w http.ResponseWriter, r *http.Request) {
	s.handleBan(w, r, "userAgent", func(subject, banType, reason string, d time.Duration) error {
		return s.bans.BanUserAgent(r.Context(), subject, banType, reason, "admin", d)
	})
}

type unbanRequest struct {
	Kind    string `json:"kind"` // agent | ip | cidr | userAgent
	Subject string `json:"subject"`
}

func (s *Server) handleUnban(w http.ResponseWriter, r *http.Request) {
	var req unbanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, "invalid JSON body", nil)
		return
	}
	if req.Subject == "" {
		writeError(w, http.StatusBadRequest, CodeValidation, "subject is required", nil)
		return
	}

	if err := s.bans.Unban(r.Context(), req.Kind, req.Subject); err != nil {
		if errors.Is(err, ban.ErrUnknownKind) {
			writeError(w, http.StatusBadRequest, CodeValidation, err.Error(), nil)
			return
		}
		slog.Error("[Admin] Unban failed", "kind", req.Kind, "subject", req.Subject, "error", err)
		writeError(w, http.StatusInternalServerError, CodeInternal, "internal error", nil)
		return
	}

	slog.Info("[Admin] Ban lifted", "kind", req.Kind, "subject", req.Subject)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"unbanned": true,
		"kind":     req.Kind,
		"subject":  req.Subject,
	})
}

func (s *Server) handleListBans(w http.ResponseWriter, r *http.Request) {
	entries, err := s.bans.List(r.Context())
	if err != nil {
		slog.Error("[Admin] Ban listing failed", "error", err)
		writeError(w, http.StatusInternalServerError, CodeInternal, "internal error", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"bans":  entries,
		"count": len(entries),
	})
}
