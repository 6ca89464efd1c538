package game

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmplay/backend/internal/store"
	"github.com/swarmplay/backend/internal/votes"
)

// fixedVotes always reports the same winning action, like a crowd that
// has made up its mind.
type fixedVotes struct {
	mu      sync.Mutex
	tally   votes.Tally
	err     error
	cleared []int64
}

func (f *fixedVotes) TallyVotes(ctx context.Context, gameID string, tick int64) (votes.Tally, error) {
	if f.err != nil {
		return votes.Tally{}, f.err
	}
	t := f.tally
	t.GameID = gameID
	t.TickID = tick
	return t, nil
}

func (f *fixedVotes) ClearVotes(ctx context.Context, gameID string, tick int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = append(f.cleared, tick)
	return nil
}

type fakeEmulator struct {
	mu       sync.Mutex
	presses  []Button
	pressErr error
	readErr  error
}

func (e *fakeEmulator) PressButton(ctx context.Context, b Button) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pressErr != nil {
		return e.pressErr
	}
	e.presses = append(e.presses, b)
	return nil
}

func (e *fakeEmulator) ReadMemory(ctx context.Context) ([]byte, error) {
	if e.readErr != nil {
		return nil, e.readErr
	}
	return []byte{0x00}, nil
}

func (e *fakeEmulator) pressed() []Button {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Button, len(e.presses))
	copy(out, e.presses)
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

// With a fixed winning vote, each tick presses the button, publishes a
// state with a strictly increasing turn and appends one event.
func TestProcessor_TickLoop(t *testing.T) {
	mem := store.NewMemory()
	emu := &fakeEmulator{}
	vs := &fixedVotes{tally: votes.Tally{WinningAction: "up", TotalVotes: 3, VoteCounts: map[string]int{"up": 3}}}

	var published struct {
		mu    sync.Mutex
		turns []int64
	}
	_, err := mem.Subscribe(context.Background(), store.GameStateChannel("g"), func(payload []byte) {
		var st UnifiedState
		if json.Unmarshal(payload, &st) == nil {
			published.mu.Lock()
			published.turns = append(published.turns, st.Turn)
			published.mu.Unlock()
		}
	})
	require.NoError(t, err)

	p := NewProcessor(ProcessorConfig{GameID: "g", Interval: 20 * time.Millisecond},
		vs, emu, BasicExtractor{}, NewPublisher(mem, 0))
	require.NoError(t, p.Start())
	defer p.Stop()

	waitFor(t, func() bool {
		published.mu.Lock()
		defer published.mu.Unlock()
		return len(published.turns) >= 3
	})
	p.Stop()

	published.mu.Lock()
	turns := append([]int64(nil), published.turns...)
	published.mu.Unlock()

	require.GreaterOrEqual(t, len(turns), 3)
	assert.Equal(t, []int64{0, 1, 2}, turns[:3], "published turns start at 0 and step by 1")
	for i := 1; i < len(turns); i++ {
		assert.Equal(t, turns[i-1]+1, turns[i], "turns are strictly increasing")
	}

	presses := emu.pressed()
	require.GreaterOrEqual(t, len(presses), 3)
	for _, b := range presses {
		assert.Equal(t, ButtonUp, b)
	}

	assert.GreaterOrEqual(t, mem.StreamLen(store.GameEventsStream("g")), 3)
	entry := mem.StreamEntries(store.GameEventsStream("g"))[0]
	assert.Equal(t, "ACTION", entry["type"])
	assert.Equal(t, "0", entry["turn"])
	assert.Equal(t, "up", entry["action"])
	assert.Equal(t, "3", entry["votes"])

	// The live state key holds the latest published turn.
	raw, err := mem.Get(context.Background(), store.GameStateKey("g"))
	require.NoError(t, err)
	var latest UnifiedState
	require.NoError(t, json.Unmarshal([]byte(raw), &latest))
	assert.Equal(t, turns[len(turns)-1], latest.Turn)
}

func TestProcessor_NoVotesStillPublishes(t *testing.T) {
	mem := store.NewMemory()
	emu := &fakeEmulator{}
	vs := &fixedVotes{tally: votes.Tally{WinningAction: "up", TotalVotes: 0}}

	p := NewProcessor(ProcessorConfig{GameID: "g", Interval: 10 * time.Millisecond},
		vs, emu, BasicExtractor{}, NewPublisher(mem, 0))
	require.NoError(t, p.Start())
	defer p.Stop()

	waitFor(t, func() bool { return p.CurrentTick() >= 2 })
	p.Stop()

	assert.Empty(t, emu.pressed(), "no votes, no button press")
	assert.Zero(t, mem.StreamLen(store.GameEventsStream("g")), "no votes, no event")

	_, err := mem.Get(context.Background(), store.GameStateKey("g"))
	assert.NoError(t, err, "state is still published every tick")

	vs.mu.Lock()
	defer vs.mu.Unlock()
	assert.Empty(t, vs.cleared, "nothing to clear on an empty tick")
}

// An emulator failure aborts the actuation but the state is still read
// and published, and the tick advances.
func TestProcessor_PressFailureStillPublishes(t *testing.T) {
	mem := store.NewMemory()
	emu := &fakeEmulator{pressErr: errors.New("cartridge on fire")}
	vs := &fixedVotes{tally: votes.Tally{WinningAction: "a", TotalVotes: 1}}

	p := NewProcessor(ProcessorConfig{GameID: "g", Interval: 10 * time.Millisecond},
		vs, emu, BasicExtractor{}, NewPublisher(mem, 0))
	require.NoError(t, p.Start())
	defer p.Stop()

	waitFor(t, func() bool { return p.CurrentTick() >= 2 })
	p.Stop()

	_, err := mem.Get(context.Background(), store.GameStateKey("g"))
	assert.NoError(t, err)
	assert.GreaterOrEqual(t, p.CurrentTick(), int64(2))
}

// A failing tally is logged and the tick still advances.
func TestProcessor_TallyFailureAdvances(t *testing.T) {
	mem := store.NewMemory()
	vs := &fixedVotes{err: errors.New("store unavailable")}

	p := NewProcessor(ProcessorConfig{GameID: "g", Interval: 10 * time.Millisecond},
		vs, &fakeEmulator{}, BasicExtractor{}, NewPublisher(mem, 0))
	require.NoError(t, p.Start())
	defer p.Stop()

	waitFor(t, func() bool { return p.CurrentTick() >= 3 })
}

func TestProcessor_StartTwiceErrors(t *testing.T) {
	p := NewProcessor(ProcessorConfig{GameID: "g", Interval: time.Hour},
		&fixedVotes{}, &fakeEmulator{}, BasicExtractor{}, NewPublisher(store.NewMemory(), 0))
	require.NoError(t, p.Start())
	defer p.Stop()

	assert.Error(t, p.Start())
}

func TestProcessor_StopIdempotent(t *testing.T) {
	p := NewProcessor(ProcessorConfig{GameID: "g", Interval: time.Hour},
		&fixedVotes{}, &fakeEmulator{}, BasicExtractor{}, NewPublisher(store.NewMemory(), 0))

	p.Stop() // never started
	require.NoError(t, p.Start())
	p.Stop()
	p.Stop()

	// Restartable after a stop.
	require.NoError(t, p.Start())
	p.Stop()
}

// A panicking callback is contained; later callbacks and ticks still run.
func TestProcessor_CallbackFaultIsolation(t *testing.T) {
	mem := store.NewMemory()
	p := NewProcessor(ProcessorConfig{GameID: "g", Interval: 10 * time.Millisecond},
		&fixedVotes{tally: votes.Tally{WinningAction: "up", TotalVotes: 1}},
		&fakeEmulator{}, BasicExtractor{}, NewPublisher(mem, 0))

	p.OnTick(func(*UnifiedState) error { panic("boom") })
	p.OnTick(func(*UnifiedState) error { return errors.New("soft failure") })

	var calls atomic.Int64
	unregister := p.OnTick(func(st *UnifiedState) error {
		calls.Add(1)
		return nil
	})
	defer unregister()

	require.NoError(t, p.Start())
	defer p.Stop()

	waitFor(t, func() bool { return calls.Load() >= 2 })
}

func TestProcessor_SnapshotEveryN(t *testing.T) {
	mem := store.NewMemory()
	p := NewProcessor(ProcessorConfig{GameID: "g", Interval: 10 * time.Millisecond},
		&fixedVotes{}, &fakeEmulator{}, BasicExtractor{}, NewPublisher(mem, 2))
	require.NoError(t, p.Start())
	defer p.Stop()

	waitFor(t, func() bool { return p.CurrentTick() >= 3 })
	p.Stop()

	_, err := mem.Get(context.Background(), store.GameSnapshotKey("g", 0))
	assert.NoError(t, err, "turn 0 is snapshotted")
	_, err = mem.Get(context.Background(), store.GameSnapshotKey("g", 2))
	assert.NoError(t, err, "turn 2 is snapshotted")
	_, err = mem.Get(context.Background(), store.GameSnapshotKey("g", 1))
	assert.ErrorIs(t, err, store.ErrNotFound, "odd turns are not")
}
