package game

import "encoding/json"

// UnifiedState is the structured record the extractor produces from a raw
// memory snapshot each tick. The processor treats everything past the
// header fields as opaque JSON; only GameID and Turn are read here.
type UnifiedState struct {
	GameID    string          `json:"gameId"`
	Turn      int64           `json:"turn"`
	Phase     string          `json:"phase"`
	Player    json.RawMessage `json:"player,omitempty"`
	Party     json.RawMessage `json:"party,omitempty"`
	Inventory json.RawMessage `json:"inventory,omitempty"`
	Progress  json.RawMessage `json:"progress,omitempty"`
	Battle    json.RawMessage `json:"battle,omitempty"`
	Overworld json.RawMessage `json:"overworld,omitempty"`
	Screen    json.RawMessage `json:"screen,omitempty"`
}

// Extractor decodes a memory snapshot into a unified state. It must be a
// pure function of its inputs: no I/O, no retained references to memory.
type Extractor interface {
	Extract(memory []byte, gameID string, tick int64) (*UnifiedState, error)
}

// BasicExtractor is the built-in fallback extractor: it reports only the
// turn header, leaving game decoding to an injected implementation.
type BasicExtractor struct{}

func (BasicExtractor) Extract(memory []byte, gameID string, tick int64) (*UnifiedState, error) {
	return &UnifiedState{GameID: gameID, Turn: tick, Phase: "overworld"}, nil
}
