package event

import "fmt"

// TickAdvanced moves the discrete clock forward one tick. Scans,
// cooldowns, staleness windows and liquidation cycles all key off the
// tick number; no core path reads the wall clock.
type TickAdvanced struct {
	Tick      int64
	Sequence  int64
	Timestamp int64 // Epoch microseconds (versioned input)
}

func (t *TickAdvanced) IdempotencyKey() string {
	return fmt.Sprintf("tick:%d", t.Tick)
}

func (t *TickAdvanced) EventType() EventType {
	return EventTypeTickAdvanced
}

func (t *TickAdvanced) MarketID() *string {
	return nil // Global event
}

func (t *TickAdvanced) SourceSequence() int64 {
	return t.Sequence
}
