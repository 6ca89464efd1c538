// Package auth stores agent credentials: hashed API keys, plan metadata
// and the agent-id uniqueness claim. Raw keys exist only on the stack
// between header parse and hashing; they are never persisted or logged.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/swarmplay/backend/internal/store"
)

// KeyPrefix identifies keys issued by this server. The random part is 32
// bytes, hex encoded.
const KeyPrefix = "agt_"

// ErrAgentIDTaken is returned when registration loses the claim race.
var ErrAgentIDTaken = errors.New("auth: agent id already registered")

// Plans and their (rate, burst) pairs. Unknown plans fall back to
// burst = rps*2 in the rate limiter.
const (
	PlanFree     = "free"
	PlanStandard = "standard"
	PlanPremium  = "premium"
)

// PlanLimits maps a plan to its requests-per-second allowance.
var PlanLimits = map[string]int{
	PlanFree:     5,
	PlanStandard: 20,
	PlanPremium:  100,
}

// Credential is the metadata stored for one API key.
type Credential struct {
	AgentID   string
	Plan      string
	RPSLimit  int
	CreatedAt time.Time
}

// Registration is the result of a successful agent registration. APIKey is
// handed to the caller exactly once and never recoverable afterwards.
type Registration struct {
	AgentID string
	APIKey  string
	Plan    string
}

// Store reads and writes credentials on the shared store.
type Store struct {
	client store.Client
}

// NewStore creates a credential store on the given client.
func NewStore(client store.Client) *Store {
	return &Store{client: client}
}

// HashKey returns the lowercase hex SHA-256 of a raw API key. Salt-free by
// design: lookups are by hash and the key space is 32 random bytes.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Save persists the credential record under the key's hash.
func (s *Store) Save(ctx context.Context, rawKey string, cred Credential) error {
	fields := map[string]string{
		"agentId":   cred.AgentID,
		"plan":      cred.Plan,
		"rpsLimit":  strconv.Itoa(cred.RPSLimit),
		"createdAt": strconv.FormatInt(cred.CreatedAt.UnixMilli(), 10),
	}
	if err := s.client.HSet(ctx, store.CredentialKey(HashKey(rawKey)), fields); err != nil {
		return fmt.Errorf("save credential: %w", err)
	}
	return nil
}

// Lookup resolves a raw key to its credential. Returns (nil, nil) when the
// key is unknown, and fails closed: a record that doesn't parse is treated
// as absent.
func (s *Store) Lookup(ctx context.Context, rawKey string) (*Credential, error) {
	fields, err := s.client.HGetAll(ctx, store.CredentialKey(HashKey(rawKey)))
	if err != nil {
		return nil, fmt.Errorf("lookup credential: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	agentID := fields["agentId"]
	plan := fields["plan"]
	rps, rpsErr := strconv.Atoi(fields["rpsLimit"])
	createdMs, createdErr := strconv.ParseInt(fields["createdAt"], 10, 64)
	if agentID == "" || plan == "" || rpsErr != nil || rps <= 0 || createdErr != nil {
		slog.Warn("[Auth] Malformed credential record, treating as absent", "agent_id", agentID)
		return nil, nil
	}

	return &Credential{
		AgentID:   agentID,
		Plan:      plan,
		RPSLimit:  rps,
		CreatedAt: time.UnixMilli(createdMs),
	}, nil
}

// Revoke deletes the credential for a raw key.
func (s *Store) Revoke(ctx context.Context, rawKey string) error {
	return s.client.Del(ctx, store.CredentialKey(HashKey(rawKey)))
}

// RegisterAgent claims an agent id and issues a fresh API key. The SET NX
// on the claim key is the linearisation point: of two concurrent
// registrations for the same id, exactly one wins and the loser gets
// ErrAgentIDTaken.
func (s *Store) RegisterAgent(ctx context.Context, agentID, plan string) (*Registration, error) {
	rps, ok := PlanLimits[plan]
	if !ok {
		return nil, fmt.Errorf("unknown plan %q", plan)
	}

	now := time.Now()
	claimed, err := s.client.SetNX(ctx, store.AgentClaimKey(agentID), "pending", 0)
	if err != nil {
		return nil, fmt.Errorf("claim agent id: %w", err)
	}
	if !claimed {
		return nil, ErrAgentIDTaken
	}

	rawKey, err := generateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}

	cred := Credential{AgentID: agentID, Plan: plan, RPSLimit: rps, CreatedAt: now}
	if err := s.Save(ctx, rawKey, cred); err != nil {
		return nil, err
	}

	// Overwrite the placeholder claim with the credential pointer. A claim
	// without a matching credential is a corruption repaired by admin
	// tooling; this ordering keeps the window to a single write.
	claim := fmt.Sprintf(`{"keyHash":%q,"plan":%q,"createdAt":%d}`,
		HashKey(rawKey), plan, now.UnixMilli())
	if err := s.client.Set(ctx, store.AgentClaimKey(agentID), claim, 0); err != nil {
		return nil, fmt.Errorf("finalize claim: %w", err)
	}

	slog.Info("[Auth] Agent registered", "agent_id", agentID, "plan", plan)
	return &Registration{AgentID: agentID, APIKey: rawKey, Plan: plan}, nil
}

func generateKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return KeyPrefix + hex.EncodeToString(buf), nil
}
