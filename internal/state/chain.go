package state

import (
	"fmt"

	"RiskCore/internal/fixed"

	"github.com/google/uuid"
)

// StepType classifies a leverage-multiplying chain operation.
type StepType int32

const (
	StepBorrow StepType = iota
	StepAddLiquidity
	StepStake
	StepArbitrage
)

func (t StepType) String() string {
	switch t {
	case StepBorrow:
		return "Borrow"
	case StepAddLiquidity:
		return "AddLiquidity"
	case StepStake:
		return "Stake"
	case StepArbitrage:
		return "Arbitrage"
	default:
		return "Unknown"
	}
}

// ParseStepType converts the wire name of a step type.
func ParseStepType(s string) (StepType, error) {
	switch s {
	case "Borrow":
		return StepBorrow, nil
	case "AddLiquidity":
		return StepAddLiquidity, nil
	case "Stake":
		return StepStake, nil
	case "Arbitrage":
		return StepArbitrage, nil
	default:
		return 0, fmt.Errorf("unknown step type %q", s)
	}
}

// stepMultipliers are the fixed per-step leverage factors at quantity
// scale.
var stepMultipliers = map[StepType]int64{
	StepBorrow:       1_500_000, // 1.5x
	StepAddLiquidity: 1_200_000, // 1.2x
	StepStake:        1_100_000, // 1.1x
	StepArbitrage:    1_050_000, // 1.05x
}

// Multiplier returns the step's leverage factor.
func (t StepType) Multiplier() (fixed.FP, error) {
	m, ok := stepMultipliers[t]
	if !ok {
		return fixed.Zero, fmt.Errorf("step type %d has no multiplier", t)
	}
	return fixed.FromMicros(m), nil
}

// ChainStep is one applied link of a position's leverage chain.
type ChainStep struct {
	Type          StepType
	Multiplier    int64 // quantity scale
	AppliedAtTick int64
}

// ChainDecision is the accepted outcome of a step validation: the
// multiplier the position will carry and the resulting effective
// leverage after the system cap.
type ChainDecision struct {
	NewMultiplier     int64 // quantity scale
	EffectiveLeverage fixed.FP
	Step              ChainStep
}

// ChainValidator gates chain-step additions. Validation never mutates
// the position; the cooldown clock advances only through RecordOp once
// the step has actually been applied.
type ChainValidator struct {
	params     *RiskParamsManager
	health     *HealthCalculator
	lastOpTick map[uuid.UUID]int64
}

func NewChainValidator(params *RiskParamsManager, health *HealthCalculator) *ChainValidator {
	return &ChainValidator{
		params:     params,
		health:     health,
		lastOpTick: make(map[uuid.UUID]int64),
	}
}

// HasCycle applies the cycle heuristic: a chain is flagged when a
// Borrow and a Stake co-occur and the chain is longer than 2 steps.
func HasCycle(steps []StepType) bool {
	if len(steps) <= 2 {
		return false
	}
	var borrow, stake bool
	for _, s := range steps {
		switch s {
		case StepBorrow:
			borrow = true
		case StepStake:
			stake = true
		}
	}
	return borrow && stake
}

// ValidateStep runs the gate checks in order: step count, cycle,
// exposure limit, liquidation buffer, rate limits. deposit is the
// capital committed alongside the step; correlated is the actor's open
// position count for the buffer computation.
func (cv *ChainValidator) ValidateStep(
	pos *Position,
	actor uuid.UUID,
	stepType StepType,
	deposit int64,
	coverage fixed.FP,
	correlated int,
	tick int64,
) (ChainDecision, error) {
	if pos == nil || pos.Status != StatusOpen {
		return ChainDecision{}, ErrInvalidPosition
	}
	if !coverage.IsPositive() {
		return ChainDecision{}, ErrInvalidCoverage
	}
	if deposit <= 0 {
		return ChainDecision{}, ErrInvalidDeposit
	}

	p := cv.params.Current()

	// (a) step count
	if len(pos.Chain) >= p.MaxChainSteps {
		return ChainDecision{}, ErrTooManySteps
	}

	// (b) cycle heuristic over the would-be sequence
	proposed := make([]StepType, 0, len(pos.Chain)+1)
	for _, s := range pos.Chain {
		proposed = append(proposed, s.Type)
	}
	proposed = append(proposed, stepType)
	if HasCycle(proposed) {
		return ChainDecision{}, ErrChainCycle
	}

	// (c) exposure limit against the simulated leverage
	stepMult, err := stepType.Multiplier()
	if err != nil {
		return ChainDecision{}, fmt.Errorf("%w: %v", ErrInvalidOutcome, err)
	}
	newMultiplier := fixed.FromMicros(pos.ChainMultiplier).Mul(stepMult)
	simulated := fixed.FromMicros(pos.Leverage).SatMul(newMultiplier)
	levCap := coverage.SatMul(p.LeverageCapFactor)
	simulated = fixed.Min(simulated, levCap)

	depth := int64(len(proposed)) + 1
	if depth > p.MaxDepth {
		return ChainDecision{}, ErrDepthLimitExceeded
	}
	depthScale, err := fixed.FromInt(p.MaxDepth).CheckedDiv(fixed.FromInt(depth))
	if err != nil {
		return ChainDecision{}, err
	}
	limit := p.BaseExposureLimit.SatMul(depthScale).SatMul(coverage)
	if simulated.GreaterThan(limit) {
		return ChainDecision{}, ErrExceedsExposureLimit
	}

	// (d) liquidation buffer: the resulting risk-adjusted margin ratio
	// must clear the tiered minimum for the new leverage.
	marginRatio, err := cv.health.MarginRatio(simulated, correlated)
	if err != nil {
		return ChainDecision{}, err
	}
	if marginRatio.LessThan(p.RequiredBuffer(simulated)) {
		return ChainDecision{}, ErrInsufficientLiquidationBuffer
	}

	// (e) rate limits: per-actor cooldown, per-chain Borrow cap
	if last, ok := cv.lastOpTick[actor]; ok && tick-last < p.ChainCooldownTicks {
		return ChainDecision{}, ErrRateLimited
	}
	borrows := pos.BorrowSteps()
	if stepType == StepBorrow {
		borrows++
	}
	if borrows > p.MaxBorrowSteps {
		return ChainDecision{}, ErrRateLimited
	}

	return ChainDecision{
		NewMultiplier:     newMultiplier.Micros(),
		EffectiveLeverage: simulated,
		Step: ChainStep{
			Type:          stepType,
			Multiplier:    stepMult.Micros(),
			AppliedAtTick: tick,
		},
	}, nil
}

// RecordOp advances the actor's cooldown clock after a step was
// applied.
func (cv *ChainValidator) RecordOp(actor uuid.UUID, tick int64) {
	cv.lastOpTick[actor] = tick
}

// LastOpTick returns the actor's last applied chain operation, if any.
func (cv *ChainValidator) LastOpTick(actor uuid.UUID) (int64, bool) {
	t, ok := cv.lastOpTick[actor]
	return t, ok
}

// Snapshot returns the cooldown table keyed by actor id string, for
// snapshot persistence.
func (cv *ChainValidator) Snapshot() map[string]int64 {
	out := make(map[string]int64, len(cv.lastOpTick))
	for k, v := range cv.lastOpTick {
		out[k.String()] = v
	}
	return out
}

// Restore replaces the cooldown table from a snapshot.
func (cv *ChainValidator) Restore(ops map[string]int64) error {
	table := make(map[uuid.UUID]int64, len(ops))
	for k, v := range ops {
		id, err := uuid.Parse(k)
		if err != nil {
			return fmt.Errorf("parse actor id: %w", err)
		}
		table[id] = v
	}
	cv.lastOpTick = table
	return nil
}
