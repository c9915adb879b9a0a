package event

import (
	"time"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeMarkPriceObserved
	EventTypeCoverageSnapshot
	EventTypePositionOpened
	EventTypePositionClosed
	EventTypeChainStepRequested
	EventTypeBorrowRecorded
	EventTypeTradeSubmitted
	EventTypeFlashLoanRepaid
	EventTypeTickAdvanced
	EventTypeBreakerResetRequested
	EventTypeRiskParamUpdate

	// Outbound types produced by the core itself
	EventTypeLiquidationExecuted
	EventTypeMarketHalted
	EventTypeMarketHaltLifted
	EventTypeRecoveryModeChanged
)

// EventEnvelope wraps every event in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Market context (nullable for global events)
	MarketID *string

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// Upstream sequence for ordering validation
	SourceSequence int64

	// Encoded event-specific data
	Payload []byte

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// MarketID returns the market context (nil for global events)
	MarketID() *string

	// SourceSequence returns upstream ordering key
	SourceSequence() int64
}

func (et EventType) String() string {
	switch et {
	case EventTypeMarkPriceObserved:
		return "MarkPriceObserved"
	case EventTypeCoverageSnapshot:
		return "CoverageSnapshot"
	case EventTypePositionOpened:
		return "PositionOpened"
	case EventTypePositionClosed:
		return "PositionClosed"
	case EventTypeChainStepRequested:
		return "ChainStepRequested"
	case EventTypeBorrowRecorded:
		return "BorrowRecorded"
	case EventTypeTradeSubmitted:
		return "TradeSubmitted"
	case EventTypeFlashLoanRepaid:
		return "FlashLoanRepaid"
	case EventTypeTickAdvanced:
		return "TickAdvanced"
	case EventTypeBreakerResetRequested:
		return "BreakerResetRequested"
	case EventTypeRiskParamUpdate:
		return "RiskParamUpdate"
	case EventTypeLiquidationExecuted:
		return "LiquidationExecuted"
	case EventTypeMarketHalted:
		return "MarketHalted"
	case EventTypeMarketHaltLifted:
		return "MarketHaltLifted"
	case EventTypeRecoveryModeChanged:
		return "RecoveryModeChanged"
	default:
		return "Unknown"
	}
}
