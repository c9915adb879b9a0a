package event

import (
	"fmt"

	"github.com/google/uuid"
)

// PositionOpened registers a leveraged position with the risk core.
// Idempotency key: position_id (UUID from the trading layer).
type PositionOpened struct {
	PositionID uuid.UUID // Idempotency key
	Owner      uuid.UUID
	Market     string
	Outcome    uint8
	TradeSide  Side
	Quantity   int64 // Fixed-point: quantity scale (decimal_precision=6, scale=1_000_000)
	Collateral int64 // Fixed-point: quote scale (decimal_precision=6, scale=1_000_000)
	EntryPrice int64 // Fixed-point: price scale (decimal_precision=6, scale=1_000_000)
	Leverage   int64 // Fixed-point: quantity scale, 1_000_000 = 1x
	Sequence   int64
	Timestamp  int64 // Epoch microseconds (versioned input)
}

func (p *PositionOpened) IdempotencyKey() string {
	return p.PositionID.String()
}

func (p *PositionOpened) EventType() EventType {
	return EventTypePositionOpened
}

func (p *PositionOpened) MarketID() *string {
	m := p.Market
	return &m
}

func (p *PositionOpened) SourceSequence() int64 {
	return p.Sequence
}

// PositionClosed is a voluntary close requested by the owner.
type PositionClosed struct {
	PositionID uuid.UUID
	Owner      uuid.UUID
	Market     string
	Sequence   int64
	Timestamp  int64
}

func (p *PositionClosed) IdempotencyKey() string {
	return fmt.Sprintf("%s:close", p.PositionID)
}

func (p *PositionClosed) EventType() EventType {
	return EventTypePositionClosed
}

func (p *PositionClosed) MarketID() *string {
	m := p.Market
	return &m
}

func (p *PositionClosed) SourceSequence() int64 {
	return p.Sequence
}
