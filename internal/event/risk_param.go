package event

import (
	"fmt"
)

// RiskParamUpdate replaces the active risk parameter set. When applied,
// the core swaps params and the next scan re-evaluates every position
// under the new values. Fields at quantity scale unless noted.
type RiskParamUpdate struct {
	Sigma              int64 // volatility constant, 1_000_000 = 1.0
	CriticalBand       int64
	HighBand           int64
	MediumBand         int64
	LowBand            int64
	MaxChainSteps      int64
	MaxBorrowSteps     int64
	ChainCooldownTicks int64
	BaseExposureLimit  int64 // leverage units at quantity scale
	EffectiveSeq       int64 // Sequence at which params take effect
	Sequence           int64 // Source sequence
	Timestamp          int64 // Epoch microseconds (versioned input)
}

func (r *RiskParamUpdate) IdempotencyKey() string {
	return fmt.Sprintf("risk_param:%d", r.EffectiveSeq)
}

func (r *RiskParamUpdate) EventType() EventType {
	return EventTypeRiskParamUpdate
}

func (r *RiskParamUpdate) MarketID() *string {
	return nil // Global event
}

func (r *RiskParamUpdate) SourceSequence() int64 {
	return r.Sequence
}
