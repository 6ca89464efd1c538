// Package votes aggregates agent votes per game and tick. One agent, one
// vote per tick: the dedup script is the only writer of the tally pair, so
// the sum of tally scores always equals the number of distinct voters.
package votes

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/swarmplay/backend/internal/store"
)

// Actions is the wire-stable button alphabet, in fallback-preference
// order. Anything else is rejected at the boundary.
var Actions = []string{"up", "down", "left", "right", "a", "b", "start", "select"}

var actionSet = func() map[string]struct{} {
	s := make(map[string]struct{}, len(Actions))
	for _, a := range Actions {
		s[a] = struct{}{}
	}
	return s
}()

// ValidAction reports whether a string is one of the eight buttons.
func ValidAction(action string) bool {
	_, ok := actionSet[action]
	return ok
}

// Status of a recorded vote.
type Status string

const (
	StatusNew       Status = "new"       // first vote by this agent this tick
	StatusChanged   Status = "changed"   // agent moved its vote to a new action
	StatusDuplicate Status = "duplicate" // same action re-submitted, no-op
)

// ErrInvalidAction is returned for votes outside the alphabet.
var ErrInvalidAction = errors.New("votes: invalid action")

// Tally is the result of counting one tick's votes.
type Tally struct {
	GameID        string         `json:"gameId"`
	TickID        int64          `json:"tickId"`
	WinningAction string         `json:"winningAction"`
	VoteCounts    map[string]int `json:"voteCounts"`
	TotalVotes    int            `json:"totalVotes"`
}

// VoteTTL keeps abandoned tick keys from accumulating. The tick processor
// clears live keys explicitly; the TTL is the backstop. Tick ids are a
// monotonically increasing int64, so a still-live key is never reused.
const VoteTTL = time.Hour

// Aggregator records and tallies votes on the shared store.
type Aggregator struct {
	client store.Client
	script *store.Script
}

// NewAggregator creates a vote aggregator on the given store client.
func NewAggregator(client store.Client) *Aggregator {
	return &Aggregator{client: client, script: store.NewScript(store.VoteDedupScript)}
}

// RecordVote casts or moves an agent's vote for a tick.
func (a *Aggregator) RecordVote(ctx context.Context, gameID string, tick int64, agentID, action string) (Status, error) {
	if !ValidAction(action) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAction, action)
	}

	res, err := a.script.Run(ctx, a.client,
		[]string{store.AgentVotesKey(gameID, tick), store.VoteTallyKey(gameID, tick)},
		agentID, action, int64(VoteTTL.Seconds()))
	if err != nil {
		return "", fmt.Errorf("vote dedup script: %w", err)
	}

	switch n, _ := res.(int64); n {
	case 0:
		return StatusDuplicate, nil
	case 1:
		return StatusNew, nil
	case 2:
		return StatusChanged, nil
	}
	return "", fmt.Errorf("vote dedup script: unexpected reply %v", res)
}

// TallyVotes counts a tick's votes and picks the winner: the first valid
// action in the reverse score range, i.e. highest count with ties broken
// by range order. With no valid votes the winner falls back to the first
// action of the alphabet and TotalVotes is 0.
func (a *Aggregator) TallyVotes(ctx context.Context, gameID string, tick int64) (Tally, error) {
	tally := Tally{
		GameID:        gameID,
		TickID:        tick,
		WinningAction: Actions[0],
		VoteCounts:    make(map[string]int),
	}

	members, err := a.client.ZRevRangeWithScores(ctx, store.VoteTallyKey(gameID, tick), 0, -1)
	if err != nil {
		return tally, fmt.Errorf("tally votes: %w", err)
	}

	first := true
	for _, zm := range members {
		if !ValidAction(zm.Member) || zm.Score <= 0 {
			continue
		}
		count := int(zm.Score)
		tally.VoteCounts[zm.Member] = count
		tally.TotalVotes += count
		if first {
			tally.WinningAction = zm.Member
			first = false
		}
	}
	return tally, nil
}

// ClearVotes deletes the tick's tally and dedup keys. Votes landing after
// the tally was computed are discarded with them.
func (a *Aggregator) ClearVotes(ctx context.Context, gameID string, tick int64) error {
	return a.client.Del(ctx, store.VoteTallyKey(gameID, tick), store.AgentVotesKey(gameID, tick))
}

// GetVoteCount returns one action's count for a tick; 0 when absent.
func (a *Aggregator) GetVoteCount(ctx context.Context, gameID string, tick int64, action string) (int, error) {
	score, err := a.client.ZScore(ctx, store.VoteTallyKey(gameID, tick), action)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get vote count: %w", err)
	}
	if score < 0 {
		return 0, nil
	}
	return int(score), nil
}
