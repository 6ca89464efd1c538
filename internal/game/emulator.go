package game

import "context"

// Button is a Game Boy input.
type Button string

const (
	ButtonUp     Button = "UP"
	ButtonDown   Button = "DOWN"
	ButtonLeft   Button = "LEFT"
	ButtonRight  Button = "RIGHT"
	ButtonA      Button = "A"
	ButtonB      Button = "B"
	ButtonStart  Button = "START"
	ButtonSelect Button = "SELECT"
)

// buttonForAction maps the wire action alphabet onto buttons.
var buttonForAction = map[string]Button{
	"up":     ButtonUp,
	"down":   ButtonDown,
	"left":   ButtonLeft,
	"right":  ButtonRight,
	"a":      ButtonA,
	"b":      ButtonB,
	"start":  ButtonStart,
	"select": ButtonSelect,
}

// ButtonForAction resolves a vote action to its button.
func ButtonForAction(action string) (Button, bool) {
	b, ok := buttonForAction[action]
	return b, ok
}

// Emulator is the handle on the running game. It is single-owner: only
// the tick processor calls it, so implementations need not be reentrant.
type Emulator interface {
	// PressButton actuates one input.
	PressButton(ctx context.Context, b Button) error
	// ReadMemory returns a snapshot of the emulator's addressable memory.
	ReadMemory(ctx context.Context) ([]byte, error)
}

// NullEmulator accepts every press and exposes empty memory. Used when the
// server runs without an attached emulator.
type NullEmulator struct{}

func (NullEmulator) PressButton(ctx context.Context, b Button) error { return nil }
func (NullEmulator) ReadMemory(ctx context.Context) ([]byte, error)  { return nil, nil }
