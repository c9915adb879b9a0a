package event

import "fmt"

// RecoveryModeChanged is emitted on recovery-mode transitions, both entry
// below the activation threshold and exit above the hysteresis band.
type RecoveryModeChanged struct {
	Active         bool
	Coverage       int64 // Micros
	FeeMultiplier  int64 // Micros
	LimitFactor    int64 // Micros
	OpeningsHalted bool
	Sequence       int64
	Timestamp      int64
}

func (r *RecoveryModeChanged) IdempotencyKey() string {
	return fmt.Sprintf("recovery:%d", r.Sequence)
}

func (r *RecoveryModeChanged) EventType() EventType {
	return EventTypeRecoveryModeChanged
}

// MarketID returns nil. Recovery mode is a platform-wide regime.
func (r *RecoveryModeChanged) MarketID() *string {
	return nil
}

func (r *RecoveryModeChanged) SourceSequence() int64 {
	return r.Sequence
}
