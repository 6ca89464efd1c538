// Package httpapi is the HTTP surface of the game server: the agent API,
// the admin control plane and the operational endpoints.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/swarmplay/backend/internal/agentctx"
	"github.com/swarmplay/backend/internal/auth"
	"github.com/swarmplay/backend/internal/ban"
	"github.com/swarmplay/backend/internal/monitoring"
	"github.com/swarmplay/backend/internal/ratelimit"
	"github.com/swarmplay/backend/internal/store"
	"github.com/swarmplay/backend/internal/votes"
)

// TickSource tells the API which tick votes are currently collected for.
type TickSource interface {
	CurrentTick() int64
	GameID() string
}

// Config carries the policy knobs the HTTP layer needs.
type Config struct {
	AdminSecret            string
	TrustProxy             string
	RateLimitBanThreshold  int64
	InvalidReqBanThreshold int64
}

// Server holds the wired subsystems behind the HTTP routes.
type Server struct {
	credentials *auth.Store
	bans        *ban.Manager
	limiter     *ratelimit.Limiter
	aggregator  *votes.Aggregator
	ticks       TickSource
	client      store.Client
	metrics     *monitoring.Metrics

	adminSecret            string
	trustProxy             string
	rateLimitBanThreshold  int64
	invalidReqBanThreshold int64
}

// NewServer wires the HTTP layer. An empty or short AdminSecret disables
// the admin control plane entirely.
func NewServer(cfg Config, creds *auth.Store, bans *ban.Manager, limiter *ratelimit.Limiter,
	agg *votes.Aggregator, ticks TickSource, client store.Client, metrics *monitoring.Metrics) *Server {
	trust := cfg.TrustProxy
	if trust == "" {
		trust = TrustProxyNone
	}
	return &Server{
		credentials:            creds,
		bans:                   bans,
		limiter:                limiter,
		aggregator:             agg,
		ticks:                  ticks,
		client:                 client,
		metrics:                metrics,
		adminSecret:            cfg.AdminSecret,
		trustProxy:             trust,
		rateLimitBanThreshold:  cfg.RateLimitBanThreshold,
		invalidReqBanThreshold: cfg.InvalidReqBanThreshold,
	}
}

// Router builds the full route table.
func (s *Server) Router(extra ...func(*mux.Router)) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/register", s.handleRegister).Methods(http.MethodPost)

	agent := api.NewRoute().Subrouter()
	agent.Use(s.AgentMiddleware)
	agent.HandleFunc("/vote", s.handleVote).Methods(http.MethodPost)
	agent.HandleFunc("/state", s.handleState).Methods(http.MethodGet)

	admin := api.PathPrefix("/admin").Subrouter()
	admin.Use(s.AdminMiddleware)
	admin.HandleFunc("/ban/agent", s.handleBanAgent).Methods(http.MethodPost)
	admin.HandleFunc("/ban/ip", s.handleBanIP).Methods(http.MethodPost)
	admin.HandleFunc("/ban/cidr", s.handleBanCIDR).Methods(http.MethodPost)
	admin.HandleFunc("/ban/user-agent", s.handleBanUserAgent).Methods(http.MethodPost)
	admin.HandleFunc("/unban", s.handleUnban).Methods(http.MethodPost)
	admin.HandleFunc("/bans", s.handleListBans).Methods(http.MethodGet)

	for _, register := range extra {
		register(r)
	}
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type registerRequest struct {
	AgentID string `json:"agentId"`
	Plan    string `json:"plan"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, "invalid JSON body", nil)
		return
	}
	req.AgentID = strings.TrimSpace(req.AgentID)
	if req.AgentID == "" {
		writeError(w, http.StatusBadRequest, CodeValidation, "agentId is required", nil)
		return
	}
	if req.Plan == "" {
		req.Plan = auth.PlanFree
	}
	if _, ok := auth.PlanLimits[req.Plan]; !ok {
		writeError(w, http.StatusBadRequest, CodeValidation, "unknown plan", map[string]interface{}{
			"plan": req.Plan,
		})
		return
	}

	reg, err := s.credentials.RegisterAgent(r.Context(), req.AgentID, req.Plan)
	if errors.Is(err, auth.ErrAgentIDTaken) {
		writeError(w, http.StatusConflict, CodeAgentIDTaken, "agent id already registered", nil)
		return
	}
	if err != nil {
		slog.Error("[API] Registration failed", "agent_id", req.AgentID, "error", err)
		writeError(w, http.StatusInternalServerError, CodeInternal, "internal error", nil)
		return
	}

	slog.Info("[API] Agent registered", "agent_id", reg.AgentID, "plan", reg.Plan)
	writeJSON(w, http.StatusCreated, map[string]string{
		"agentId": reg.AgentID,
		"apiKey":  reg.APIKey,
		"plan":    reg.Plan,
	})
}

type voteRequest struct {
	Action string `json:"action"`
	Tick   *int64 `json:"tick,omitempty"`
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	agent := agentctx.MustFromContext(r.Context())

	// Malformed bodies from an authenticated agent count against its
	// violation window; enough of them earn an escalated ban.
	var req voteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.punishViolation(r.Context(), agent.ID, ClientIP(r, s.trustProxy), ban.ViolationInvalidRequest)
		writeError(w, http.StatusBadRequest, CodeValidation, "invalid JSON body", nil)
		return
	}
	if !votes.ValidAction(req.Action) {
		s.punishViolation(r.Context(), agent.ID, ClientIP(r, s.trustProxy), ban.ViolationInvalidRequest)
		writeError(w, http.StatusBadRequest, CodeValidation, "unknown action", map[string]interface{}{
			"action":  req.Action,
			"allowed": votes.Actions,
		})
		return
	}

	// Votes always land on the tick currently being collected. A stale
	// tick in the body means the client raced a tick boundary; the vote
	// still counts, for the current tick.
	tick := s.ticks.CurrentTick()
	status, err := s.aggregator.RecordVote(r.Context(), s.ticks.GameID(), tick, agent.ID, req.Action)
	if err != nil {
		slog.Error("[API] Vote record failed", "agent_id", agent.ID, "tick", tick, "error", err)
		writeError(w, http.StatusInternalServerError, CodeInternal, "internal error", nil)
		return
	}

	s.metrics.VotesRecorded.WithLabelValues(string(status)).Inc()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"accepted": true,
		"status":   status,
		"tick":     tick,
		"action":   req.Action,
	})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	raw, err := s.client.Get(r.Context(), store.GameStateKey(s.ticks.GameID()))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusServiceUnavailable, CodeStateUnavailable, "no state published yet", nil)
		return
	}
	if err != nil {
		slog.Error("[API] State read failed", "error", err)
		writeError(w, http.StatusInternalServerError, CodeInternal, "internal error", nil)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(raw))
}
