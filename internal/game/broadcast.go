package game

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/swarmplay/backend/internal/store"
)

const snapshotTTL = 24 * time.Hour

// Publisher fans each tick's unified state out to the live state key
// (last-write-wins), the pub/sub topic, and every N turns a snapshot key.
// Event appends go to the per-game stream.
type Publisher struct {
	client        store.Client
	snapshotEvery int64
}

// NewPublisher creates a publisher. snapshotEvery <= 0 disables periodic
// snapshots; the live key is always the source of truth for recovery.
func NewPublisher(client store.Client, snapshotEvery int64) *Publisher {
	return &Publisher{client: client, snapshotEvery: snapshotEvery}
}

// PublishState persists and broadcasts one tick's state. The persist and
// the publish stand or fall together so subscribers never see a turn the
// store doesn't hold.
func (p *Publisher) PublishState(ctx context.Context, state *UnifiedState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	if err := p.client.Set(ctx, store.GameStateKey(state.GameID), string(data), 0); err != nil {
		return fmt.Errorf("persist state: %w", err)
	}
	if err := p.client.Publish(ctx, store.GameStateChannel(state.GameID), data); err != nil {
		return fmt.Errorf("publish state: %w", err)
	}

	if p.snapshotEvery > 0 && state.Turn%p.snapshotEvery == 0 {
		key := store.GameSnapshotKey(state.GameID, state.Turn)
		if err := p.client.Set(ctx, key, string(data), snapshotTTL); err != nil {
			return fmt.Errorf("snapshot state: %w", err)
		}
	}
	return nil
}

// AppendEvent records an executed action in the game's event stream.
func (p *Publisher) AppendEvent(ctx context.Context, gameID string, turn int64, action string, voteTotal int) error {
	_, err := p.client.XAdd(ctx, store.GameEventsStream(gameID), map[string]string{
		"type":        "ACTION",
		"turn":        strconv.FormatInt(turn, 10),
		"action":      action,
		"votes":       strconv.Itoa(voteTotal),
		"description": fmt.Sprintf("Pressed %s with %d vote(s)", action, voteTotal),
	})
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}
