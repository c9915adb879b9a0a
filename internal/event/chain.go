package event

import (
	"fmt"

	"github.com/google/uuid"
)

// ChainStepRequested asks the validator to extend a position's leverage
// chain by one step. StepType carries the wire name (Borrow,
// AddLiquidity, Stake, Arbitrage); parsing happens at the ingestion
// boundary so the core never sees an unknown type.
type ChainStepRequested struct {
	PositionID uuid.UUID
	Actor      uuid.UUID
	Market     string
	StepType   string
	Deposit    int64 // Fixed-point: quote scale (decimal_precision=6, scale=1_000_000)
	Sequence   int64
	Timestamp  int64 // Epoch microseconds (versioned input)
}

func (c *ChainStepRequested) IdempotencyKey() string {
	return fmt.Sprintf("%s:chain:%d", c.PositionID, c.Sequence)
}

func (c *ChainStepRequested) EventType() EventType {
	return EventTypeChainStepRequested
}

func (c *ChainStepRequested) MarketID() *string {
	m := c.Market
	return &m
}

func (c *ChainStepRequested) SourceSequence() int64 {
	return c.Sequence
}
