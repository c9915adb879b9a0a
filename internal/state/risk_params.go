package state

import (
	"fmt"

	"RiskCore/internal/fixed"
)

// RiskParams carries the cross-cutting risk constants shared by the
// health calculator and the chain validator. Component-local tuning
// (queue capacity, lane sizes, breaker thresholds) lives in the
// respective component configs.
type RiskParams struct {
	// Sigma is the volatility constant in the margin ratio formula
	// margin_ratio = 1/L + sigma * sqrt(L) * f(n).
	Sigma fixed.FP

	// Warning tier bands over the health ratio. A position is Critical
	// below CriticalBand, High below HighBand, and so on; at or above
	// LowBand it carries no warning.
	CriticalBand fixed.FP
	HighBand     fixed.FP
	MediumBand   fixed.FP
	LowBand      fixed.FP

	// Chain validation.
	MaxChainSteps      int
	MaxBorrowSteps     int
	ChainCooldownTicks int64
	BaseExposureLimit  fixed.FP // leverage units, scaled by 32/depth * coverage
	MaxDepth           int64

	// Required liquidation buffer by effective leverage tier.
	BaseBuffer        fixed.FP // leverage <= HighLeverageTier
	HighBuffer        fixed.FP // leverage > HighLeverageTier
	ExtremeBuffer     fixed.FP // leverage > ExtremeLeverageTier
	HighLeverageTier  fixed.FP
	ExtremeLeverage   fixed.FP
	LeverageCapFactor fixed.FP // system max leverage = coverage * LeverageCapFactor

	// EffectiveSeq is the event sequence at which these params took
	// effect.
	EffectiveSeq int64
}

// DefaultRiskParams returns the production defaults.
func DefaultRiskParams() *RiskParams {
	return &RiskParams{
		Sigma:        fixed.MustParse("0.05"),
		CriticalBand: fixed.MustParse("0.1"),
		HighBand:     fixed.MustParse("0.25"),
		MediumBand:   fixed.MustParse("0.5"),
		LowBand:      fixed.FromInt(1),

		MaxChainSteps:      5,
		MaxBorrowSteps:     2,
		ChainCooldownTicks: 10,
		BaseExposureLimit:  fixed.FromInt(10),
		MaxDepth:           32,

		BaseBuffer:        fixed.MustParse("0.05"),
		HighBuffer:        fixed.MustParse("0.075"),
		ExtremeBuffer:     fixed.MustParse("0.1"),
		HighLeverageTier:  fixed.FromInt(50),
		ExtremeLeverage:   fixed.FromInt(100),
		LeverageCapFactor: fixed.FromInt(100),

		EffectiveSeq: 0,
	}
}

// ValidateRiskParams checks that parameters are internally consistent:
// sigma non-negative, tier bands strictly increasing, positive limits.
func ValidateRiskParams(p *RiskParams) error {
	if p.Sigma.IsNegative() {
		return fmt.Errorf("sigma must be >= 0, got %s", p.Sigma)
	}
	if !p.CriticalBand.IsPositive() {
		return fmt.Errorf("critical band must be > 0, got %s", p.CriticalBand)
	}
	if p.HighBand.Cmp(p.CriticalBand) <= 0 ||
		p.MediumBand.Cmp(p.HighBand) <= 0 ||
		p.LowBand.Cmp(p.MediumBand) <= 0 {
		return fmt.Errorf("tier bands must be strictly increasing: %s %s %s %s",
			p.CriticalBand, p.HighBand, p.MediumBand, p.LowBand)
	}
	if p.MaxChainSteps <= 0 {
		return fmt.Errorf("max_chain_steps must be > 0, got %d", p.MaxChainSteps)
	}
	if p.MaxBorrowSteps <= 0 {
		return fmt.Errorf("max_borrow_steps must be > 0, got %d", p.MaxBorrowSteps)
	}
	if p.ChainCooldownTicks < 0 {
		return fmt.Errorf("chain_cooldown_ticks must be >= 0, got %d", p.ChainCooldownTicks)
	}
	if !p.BaseExposureLimit.IsPositive() {
		return fmt.Errorf("base_exposure_limit must be > 0, got %s", p.BaseExposureLimit)
	}
	if p.MaxDepth <= 0 {
		return fmt.Errorf("max_depth must be > 0, got %d", p.MaxDepth)
	}
	if !p.BaseBuffer.IsPositive() ||
		p.HighBuffer.Cmp(p.BaseBuffer) <= 0 ||
		p.ExtremeBuffer.Cmp(p.HighBuffer) <= 0 {
		return fmt.Errorf("buffers must be positive and escalating: %s %s %s",
			p.BaseBuffer, p.HighBuffer, p.ExtremeBuffer)
	}
	if p.ExtremeLeverage.Cmp(p.HighLeverageTier) <= 0 {
		return fmt.Errorf("extreme leverage tier (%s) must exceed high tier (%s)",
			p.ExtremeLeverage, p.HighLeverageTier)
	}
	if !p.LeverageCapFactor.IsPositive() {
		return fmt.Errorf("leverage_cap_factor must be > 0, got %s", p.LeverageCapFactor)
	}
	return nil
}

// RequiredBuffer returns the minimum liquidation buffer for a given
// effective leverage.
func (p *RiskParams) RequiredBuffer(effectiveLeverage fixed.FP) fixed.FP {
	if effectiveLeverage.GreaterThan(p.ExtremeLeverage) {
		return p.ExtremeBuffer
	}
	if effectiveLeverage.GreaterThan(p.HighLeverageTier) {
		return p.HighBuffer
	}
	return p.BaseBuffer
}

// RiskParamsManager holds the active parameter set and applies
// validated updates.
type RiskParamsManager struct {
	params *RiskParams
}

func NewRiskParamsManager() *RiskParamsManager {
	return &RiskParamsManager{params: DefaultRiskParams()}
}

// Current returns the active parameter set.
func (rpm *RiskParamsManager) Current() *RiskParams {
	return rpm.params
}

// Update validates and swaps in a new parameter set.
func (rpm *RiskParamsManager) Update(p *RiskParams) error {
	if err := ValidateRiskParams(p); err != nil {
		return fmt.Errorf("invalid risk params: %w", err)
	}
	rpm.params = p
	return nil
}
