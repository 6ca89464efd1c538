package store

import "fmt"

// Key layout. This is compatibility-critical: other deployments of the
// control plane share the same store, so none of these formats may drift.

// CredentialKey holds one credential record, keyed by the SHA-256 of the
// raw API key.
func CredentialKey(keyHash string) string { return "api-key:" + keyHash }

// AgentClaimKey is the uniqueness claim for an agent id.
func AgentClaimKey(agentID string) string { return "agent:registered:" + agentID }

// RateLimitKey holds the token bucket for an agent.
func RateLimitKey(agentID string) string { return "rl:" + agentID }

// VoteTallyKey is the ordered set action → count for one tick.
func VoteTallyKey(gameID string, tick int64) string {
	return fmt.Sprintf("votes:%s:%d", gameID, tick)
}

// AgentVotesKey is the per-agent dedup hash agentID → action for one tick.
func AgentVotesKey(gameID string, tick int64) string {
	return fmt.Sprintf("agent_votes:%s:%d", gameID, tick)
}

// Ban keys, one per dimension. CIDR bans keep a membership index in
// BanCIDRIndexKey plus a per-CIDR record hash.
func BanAgentKey(agentID string) string { return "ban:agent:" + agentID }
func BanIPKey(ip string) string         { return "ban:ip:" + ip }
func BanCIDRMetaKey(cidr string) string { return "ban:cidr:meta:" + cidr }

const (
	BanCIDRIndexKey = "ban:cidr"
	BanUASetKey     = "ban:ua"
)

// ViolationsKey holds the sliding-window violation counters for an agent.
func ViolationsKey(agentID string) string { return "violations:" + agentID }

// GameStateKey holds the latest unified state JSON for a game.
func GameStateKey(gameID string) string { return "game:state:" + gameID }

// GameSnapshotKey holds a periodic state snapshot (24 h TTL).
func GameSnapshotKey(gameID string, turn int64) string {
	return fmt.Sprintf("game:snapshot:%s:%d", gameID, turn)
}

// GameEventsStream is the append-only action history for a game.
func GameEventsStream(gameID string) string { return "game_events:" + gameID }

// GameStateChannel is the pub/sub topic carrying each tick's state.
func GameStateChannel(gameID string) string { return "game_state:" + gameID }
