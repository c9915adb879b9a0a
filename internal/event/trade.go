package event

import (
	"fmt"

	"github.com/google/uuid"
)

// Side represents position direction
type Side int32

const (
	SideFlat Side = iota
	SideLong
	SideShort
)

func (s Side) String() string {
	switch s {
	case SideLong:
		return "long"
	case SideShort:
		return "short"
	default:
		return "flat"
	}
}

// ParseSide converts the wire name of a side.
func ParseSide(s string) (Side, error) {
	switch s {
	case "long":
		return SideLong, nil
	case "short":
		return SideShort, nil
	default:
		return SideFlat, fmt.Errorf("unknown side %q", s)
	}
}

// TradeSubmitted is a trade attempt routed through the attack detector
// before the matching layer accepts it.
// Idempotency key: actor + source sequence.
type TradeSubmitted struct {
	Actor     uuid.UUID
	Market    string
	Outcome   uint8
	TradeSide Side
	Quantity  int64 // Fixed-point: quantity scale (decimal_precision=6, scale=1_000_000)
	Leverage  int64 // Fixed-point: quantity scale, 1_000_000 = 1x
	Sequence  int64
	Timestamp int64 // Epoch microseconds (versioned input)
}

func (t *TradeSubmitted) IdempotencyKey() string {
	return fmt.Sprintf("%s:trade:%d", t.Actor, t.Sequence)
}

func (t *TradeSubmitted) EventType() EventType {
	return EventTypeTradeSubmitted
}

func (t *TradeSubmitted) MarketID() *string {
	m := t.Market
	return &m
}

func (t *TradeSubmitted) SourceSequence() int64 {
	return t.Sequence
}
