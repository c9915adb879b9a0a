package event

import (
	"fmt"

	"github.com/google/uuid"
)

// BreakerResetRequested is an authorized request to lift a circuit
// breaker halt on one market outcome.
type BreakerResetRequested struct {
	Market    string
	Outcome   uint8
	Authority uuid.UUID
	Sequence  int64
	Timestamp int64 // Epoch microseconds (versioned input)
}

func (b *BreakerResetRequested) IdempotencyKey() string {
	return fmt.Sprintf("%s/%d:reset:%d", b.Market, b.Outcome, b.Sequence)
}

func (b *BreakerResetRequested) EventType() EventType {
	return EventTypeBreakerResetRequested
}

func (b *BreakerResetRequested) MarketID() *string {
	m := b.Market
	return &m
}

func (b *BreakerResetRequested) SourceSequence() int64 {
	return b.Sequence
}
