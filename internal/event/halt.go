package event

import (
	"fmt"

	"github.com/google/uuid"
)

// MarketHalted is emitted when the circuit breaker trips on an outcome.
type MarketHalted struct {
	Market       string
	Outcome      uint8
	MovementBps  int64
	TriggeredAt  int64 // Tick
	TriggerCount int64
	Sequence     int64
	Timestamp    int64
}

func (m *MarketHalted) IdempotencyKey() string {
	return fmt.Sprintf("%s/%d:halt:%d", m.Market, m.Outcome, m.TriggeredAt)
}

func (m *MarketHalted) EventType() EventType {
	return EventTypeMarketHalted
}

func (m *MarketHalted) MarketID() *string {
	mk := m.Market
	return &mk
}

func (m *MarketHalted) SourceSequence() int64 {
	return m.Sequence
}

// MarketHaltLifted is emitted when an authorized reset clears a halt.
type MarketHaltLifted struct {
	Market    string
	Outcome   uint8
	Authority uuid.UUID
	LiftedAt  int64 // Tick
	Sequence  int64
	Timestamp int64
}

func (m *MarketHaltLifted) IdempotencyKey() string {
	return fmt.Sprintf("%s/%d:lift:%d", m.Market, m.Outcome, m.LiftedAt)
}

func (m *MarketHaltLifted) EventType() EventType {
	return EventTypeMarketHaltLifted
}

func (m *MarketHaltLifted) MarketID() *string {
	mk := m.Market
	return &mk
}

func (m *MarketHaltLifted) SourceSequence() int64 {
	return m.Sequence
}
