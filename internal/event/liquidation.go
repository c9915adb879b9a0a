package event

import (
	"fmt"

	"github.com/google/uuid"
)

// LiquidationExecuted is emitted by the core after a queue drain commits a
// liquidation. One event per directive, in lane-commit order.
type LiquidationExecuted struct {
	PositionID         uuid.UUID
	Owner              uuid.UUID
	Market             string
	Outcome            uint8
	LiquidatedAmount   int64
	RemainingSize      int64
	ExitPrice          int64
	KeeperReward       int64
	Penalty            int64
	CollateralReleased int64
	Partial            bool
	Tick               int64
	Sequence           int64
	Timestamp          int64
}

func (l *LiquidationExecuted) IdempotencyKey() string {
	return fmt.Sprintf("%s:liq:%d", l.PositionID, l.Tick)
}

func (l *LiquidationExecuted) EventType() EventType {
	return EventTypeLiquidationExecuted
}

func (l *LiquidationExecuted) MarketID() *string {
	m := l.Market
	return &m
}

func (l *LiquidationExecuted) SourceSequence() int64 {
	return l.Sequence
}
