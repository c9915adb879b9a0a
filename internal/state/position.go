package state

import (
	"RiskCore/internal/event"
	"RiskCore/internal/fixed"

	"github.com/google/uuid"
)

// PositionStatus tracks a position through its liquidation lifecycle.
type PositionStatus int32

const (
	// StatusOpen is a live position eligible for health evaluation.
	StatusOpen PositionStatus = iota
	// StatusProcessing marks a position claimed by a liquidation lane
	// this tick. A second claim fails closed instead of double-
	// liquidating.
	StatusProcessing
	// StatusLiquidated is a position fully closed by liquidation.
	StatusLiquidated
	// StatusClosed is a position closed voluntarily by its owner.
	StatusClosed
)

func (s PositionStatus) String() string {
	switch s {
	case StatusOpen:
		return "Open"
	case StatusProcessing:
		return "Processing"
	case StatusLiquidated:
		return "Liquidated"
	case StatusClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// CanTransitionTo validates status transitions. A partial liquidation
// returns the residual to Open with reduced size.
func (s PositionStatus) CanTransitionTo(next PositionStatus) bool {
	validTransitions := map[PositionStatus][]PositionStatus{
		StatusOpen: {
			StatusProcessing,
			StatusClosed,
		},
		StatusProcessing: {
			StatusOpen,
			StatusLiquidated,
		},
		StatusLiquidated: {},
		StatusClosed:     {},
	}

	allowed, ok := validTransitions[s]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if next == a {
			return true
		}
	}
	return false
}

// Position is a leveraged exposure on one market outcome. Positions live
// in a flat table keyed by ID; queue entries and directives reference
// the ID and never hold the struct itself.
type Position struct {
	ID       uuid.UUID
	Owner    uuid.UUID
	MarketID string
	Outcome  uint8
	Side     event.Side

	Size       int64 // Fixed-point: quantity scale
	Collateral int64 // Fixed-point: quote scale
	EntryPrice int64 // Fixed-point: price scale

	// Leverage is the base multiplier at open (quantity scale, so
	// 10_000_000 = 10x). ChainMultiplier accumulates the product of
	// applied chain-step multipliers and is 1_000_000 with no steps.
	Leverage        int64
	ChainMultiplier int64

	// Chain is append-only while the position is open.
	Chain []ChainStep

	LiquidationPrice int64 // Fixed-point: price scale, 0 until computed
	Status           PositionStatus
	OpenedAtTick     int64
	Version          int64 // Optimistic concurrency control
}

// IsOpen reports whether the position still carries exposure.
func (p *Position) IsOpen() bool {
	return p.Status == StatusOpen || p.Status == StatusProcessing
}

// SideSign returns +1 for long, -1 for short, 0 for flat.
func (p *Position) SideSign() int64 {
	switch p.Side {
	case event.SideLong:
		return 1
	case event.SideShort:
		return -1
	default:
		return 0
	}
}

// EffectiveLeverage is base leverage times the accumulated chain
// multiplier. The chain validator guarantees the product stayed under
// the system cap when each step was applied.
func (p *Position) EffectiveLeverage() fixed.FP {
	return fixed.FromMicros(p.Leverage).Mul(fixed.FromMicros(p.ChainMultiplier))
}

// BorrowSteps counts Borrow entries in the applied chain.
func (p *Position) BorrowSteps() int {
	n := 0
	for _, s := range p.Chain {
		if s.Type == StepBorrow {
			n++
		}
	}
	return n
}

// CanonicalBytes returns deterministic serialization for hashing.
func (p *Position) CanonicalBytes() []byte {
	buf := make([]byte, 0, 160)

	buf = append(buf, p.ID[:]...)
	buf = append(buf, p.Owner[:]...)

	buf = append(buf, byte(len(p.MarketID)))
	buf = append(buf, []byte(p.MarketID)...)
	buf = append(buf, p.Outcome)
	buf = append(buf, byte(p.Side))

	buf = appendInt64LE(buf, p.Size)
	buf = appendInt64LE(buf, p.Collateral)
	buf = appendInt64LE(buf, p.EntryPrice)
	buf = appendInt64LE(buf, p.Leverage)
	buf = appendInt64LE(buf, p.ChainMultiplier)
	buf = appendInt64LE(buf, p.LiquidationPrice)

	buf = append(buf, byte(len(p.Chain)))
	for _, s := range p.Chain {
		buf = append(buf, byte(s.Type))
		buf = appendInt64LE(buf, s.Multiplier)
		buf = appendInt64LE(buf, s.AppliedAtTick)
	}

	buf = append(buf, byte(p.Status))
	buf = appendInt64LE(buf, p.OpenedAtTick)

	return buf
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}
