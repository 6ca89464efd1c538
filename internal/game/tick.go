package game

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/swarmplay/backend/internal/votes"
)

// VoteSource is the slice of the vote aggregator the processor needs.
type VoteSource interface {
	TallyVotes(ctx context.Context, gameID string, tick int64) (votes.Tally, error)
	ClearVotes(ctx context.Context, gameID string, tick int64) error
}

// Callback observes each tick's unified state. Callbacks run sequentially
// on the tick goroutine; a panicking or failing callback is logged and
// never aborts the tick.
type Callback func(*UnifiedState) error

// ProcessorConfig configures one game's tick loop.
type ProcessorConfig struct {
	GameID     string
	Interval   time.Duration
	SettleWait time.Duration // pause after a button press before the RAM read
}

// Processor is the single writer for one game: it alone presses buttons,
// reads RAM and advances the tick counter. Ticks run strictly
// sequentially; a slow tick delays the next, never overlaps it.
type Processor struct {
	cfg       ProcessorConfig
	votes     VoteSource
	emulator  Emulator
	extractor Extractor
	publisher *Publisher

	tick atomic.Int64

	mu        sync.Mutex
	running   bool
	stop      chan struct{}
	done      chan struct{}
	callbacks map[string]Callback
}

// NewProcessor wires a tick processor. It does not start the loop.
func NewProcessor(cfg ProcessorConfig, vs VoteSource, emu Emulator, ex Extractor, pub *Publisher) *Processor {
	return &Processor{
		cfg:       cfg,
		votes:     vs,
		emulator:  emu,
		extractor: ex,
		publisher: pub,
		callbacks: make(map[string]Callback),
	}
}

// CurrentTick returns the tick votes are currently being collected for.
func (p *Processor) CurrentTick() int64 { return p.tick.Load() }

// GameID returns the game this processor drives.
func (p *Processor) GameID() string { return p.cfg.GameID }

// OnTick registers a callback invoked with each tick's state. Returns an
// unregister function.
func (p *Processor) OnTick(cb Callback) func() {
	id := uuid.New().String()
	p.mu.Lock()
	p.callbacks[id] = cb
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		delete(p.callbacks, id)
		p.mu.Unlock()
	}
}

// Start launches the tick loop. Starting an already-running processor is
// an error; the emulator is not reentrant.
func (p *Processor) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return errors.New("tick processor already running")
	}
	p.running = true
	p.stop = make(chan struct{})
	p.done = make(chan struct{})

	go p.run(p.stop, p.done)
	slog.Info("[Tick] Processor started", "game_id", p.cfg.GameID, "interval", p.cfg.Interval)
	return nil
}

// Stop halts the loop after the in-flight tick completes. Safe to call
// repeatedly or on a stopped processor.
func (p *Processor) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stop)
	done := p.done
	p.mu.Unlock()

	<-done
	slog.Info("[Tick] Processor stopped", "game_id", p.cfg.GameID, "tick", p.tick.Load())
}

func (p *Processor) run(stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.processTick(context.Background())
		}
	}
}

// processTick runs one quantum. Every failure is logged and the counter
// still advances: agents must never be left voting on a tick that will
// never be drained.
func (p *Processor) processTick(ctx context.Context) {
	tick := p.tick.Load()
	gameID := p.cfg.GameID
	defer p.tick.Add(1)

	tally, err := p.votes.TallyVotes(ctx, gameID, tick)
	if err != nil {
		slog.Error("[Tick] Tally failed", "game_id", gameID, "tick", tick, "error", err)
		tally = votes.Tally{GameID: gameID, TickID: tick}
	}

	if tally.TotalVotes > 0 {
		if button, ok := ButtonForAction(tally.WinningAction); ok {
			if err := p.emulator.PressButton(ctx, button); err != nil {
				// Abort the actuation only; the RAM read and publish below
				// still run so observers see liveness.
				slog.Error("[Tick] Button press failed", "game_id", gameID, "tick", tick,
					"button", button, "error", err)
			} else if p.cfg.SettleWait > 0 {
				time.Sleep(p.cfg.SettleWait)
			}
		}
	}

	memory, err := p.emulator.ReadMemory(ctx)
	if err != nil {
		slog.Error("[Tick] Memory read failed", "game_id", gameID, "tick", tick, "error", err)
		return
	}

	state, err := p.extractor.Extract(memory, gameID, tick)
	if err != nil {
		slog.Error("[Tick] State extraction failed", "game_id", gameID, "tick", tick, "error", err)
		return
	}

	if err := p.publisher.PublishState(ctx, state); err != nil {
		slog.Error("[Tick] State publish failed", "game_id", gameID, "tick", tick, "error", err)
	}

	if tally.TotalVotes > 0 {
		if err := p.votes.ClearVotes(ctx, gameID, tick); err != nil {
			slog.Error("[Tick] Vote clear failed", "game_id", gameID, "tick", tick, "error", err)
		}
		if err := p.publisher.AppendEvent(ctx, gameID, tick, tally.WinningAction, tally.TotalVotes); err != nil {
			slog.Error("[Tick] Event append failed", "game_id", gameID, "tick", tick, "error", err)
		}
	}

	p.runCallbacks(state)
}

func (p *Processor) runCallbacks(state *UnifiedState) {
	p.mu.Lock()
	cbs := make([]Callback, 0, len(p.callbacks))
	for _, cb := range p.callbacks {
		cbs = append(cbs, cb)
	}
	p.mu.Unlock()

	for _, cb := range cbs {
		p.invokeCallback(cb, state)
	}
}

// invokeCallback isolates one callback in a fault-capturing boundary.
func (p *Processor) invokeCallback(cb Callback, state *UnifiedState) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("[Tick] Callback panicked", "game_id", p.cfg.GameID,
				"error", fmt.Sprintf("%v", r))
		}
	}()
	if err := cb(state); err != nil {
		slog.Warn("[Tick] Callback error", "game_id", p.cfg.GameID, "error", err)
	}
}
