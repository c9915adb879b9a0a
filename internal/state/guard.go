package state

import "sync/atomic"

// GuardState is the reentrancy guard's position in its state machine.
type GuardState int32

const (
	GuardNotEntered GuardState = iota
	GuardEntered
	GuardLocked
)

func (s GuardState) String() string {
	switch s {
	case GuardNotEntered:
		return "NotEntered"
	case GuardEntered:
		return "Entered"
	case GuardLocked:
		return "Locked"
	default:
		return "Unknown"
	}
}

// ReentrancyGuard serializes the tick-critical section. Enter moves
// NotEntered -> Entered via compare-and-swap; a second Enter while held
// is rejected rather than interleaved. Lock is a one-way emergency
// freeze that no Exit clears.
type ReentrancyGuard struct {
	state atomic.Int32
}

func NewReentrancyGuard() *ReentrancyGuard {
	return &ReentrancyGuard{}
}

// Enter claims the critical section.
func (g *ReentrancyGuard) Enter() error {
	if g.state.CompareAndSwap(int32(GuardNotEntered), int32(GuardEntered)) {
		return nil
	}
	if GuardState(g.state.Load()) == GuardLocked {
		return ErrGuardLocked
	}
	return ErrReentrancyDetected
}

// Exit releases the critical section. Callers pair it with Enter via
// defer so release happens on every path, error paths included. Exit
// never clears a Locked guard.
func (g *ReentrancyGuard) Exit() {
	g.state.CompareAndSwap(int32(GuardEntered), int32(GuardNotEntered))
}

// Lock freezes the guard permanently; every later Enter fails with
// ErrGuardLocked until the process restarts.
func (g *ReentrancyGuard) Lock() {
	g.state.Store(int32(GuardLocked))
}

// State returns the current guard state.
func (g *ReentrancyGuard) State() GuardState {
	return GuardState(g.state.Load())
}
