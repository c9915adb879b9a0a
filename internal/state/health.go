package state

import (
	"RiskCore/internal/fixed"
)

// WarningTier classifies a health ratio into escalation bands.
type WarningTier int32

const (
	TierNone WarningTier = iota
	TierLow
	TierMedium
	TierHigh
	TierCritical
)

func (t WarningTier) String() string {
	switch t {
	case TierNone:
		return "None"
	case TierLow:
		return "Low"
	case TierMedium:
		return "Medium"
	case TierHigh:
		return "High"
	case TierCritical:
		return "Critical"
	default:
		return "Unknown"
	}
}

// HealthResult is one full evaluation of a position against a mark
// price and the current coverage ratio.
type HealthResult struct {
	PnLPercent  fixed.FP
	Health      fixed.FP
	MarginRatio fixed.FP
	// RiskScore feeds the liquidation queue priority: the distance of
	// the margin ratio below the coverage trigger line, floored so
	// every candidate ranks positively.
	RiskScore           fixed.FP
	LiquidationPrice    int64
	Tier                WarningTier
	LiquidationEligible bool
}

// HealthCalculator derives solvency metrics for a single position. It
// is pure: all inputs arrive as arguments, nothing is cached.
type HealthCalculator struct {
	params *RiskParamsManager
}

func NewHealthCalculator(params *RiskParamsManager) *HealthCalculator {
	return &HealthCalculator{params: params}
}

// riskScoreFloor keeps queue priorities positive for positions that are
// Critical by health band but not yet margin-eligible.
var riskScoreFloor = fixed.MustParse("0.01")

// Evaluate computes PnL%, health, margin ratio, liquidation price and
// warning tier. correlated is the owner's open position count feeding
// the margin ratio's f(n) term.
//
// Health = 1 + PnL% * effective_leverage, floored at zero. The
// leverage-adjusted term saturates instead of wrapping on extreme
// inputs.
func (hc *HealthCalculator) Evaluate(
	pos *Position,
	markPrice int64,
	coverage fixed.FP,
	correlated int,
) (HealthResult, error) {
	if pos == nil || !pos.IsOpen() {
		return HealthResult{}, ErrInvalidPosition
	}
	if pos.Leverage <= 0 {
		return HealthResult{}, ErrInvalidLeverage
	}
	if pos.EntryPrice <= 0 || markPrice <= 0 {
		return HealthResult{}, ErrInvalidPrice
	}
	if !coverage.IsPositive() {
		return HealthResult{}, ErrInvalidCoverage
	}

	entry := fixed.FromMicros(pos.EntryPrice)
	mark := fixed.FromMicros(markPrice)

	pnl, err := mark.Sub(entry).CheckedDiv(entry)
	if err != nil {
		return HealthResult{}, err
	}
	if pos.SideSign() < 0 {
		pnl = pnl.Neg()
	}

	leff := pos.EffectiveLeverage()
	health := fixed.Max(fixed.Zero, fixed.One.SatAdd(pnl.SatMul(leff)))

	marginRatio, err := hc.MarginRatio(leff, correlated)
	if err != nil {
		return HealthResult{}, err
	}

	trigger, err := fixed.One.CheckedDiv(coverage)
	if err != nil {
		return HealthResult{}, err
	}
	eligible := marginRatio.LessThan(trigger)
	risk := fixed.Max(trigger.Sub(marginRatio), riskScoreFloor)

	liqPrice, err := hc.LiquidationPrice(pos)
	if err != nil {
		return HealthResult{}, err
	}

	return HealthResult{
		PnLPercent:          pnl,
		Health:              health,
		MarginRatio:         marginRatio,
		RiskScore:           risk,
		LiquidationPrice:    liqPrice,
		Tier:                hc.Tier(health),
		LiquidationEligible: eligible,
	}, nil
}

// MarginRatio computes 1/L + sigma * sqrt(L) * f(n) where f(n) = 1 for
// n <= 1 and 1 + ln(n)/10 above. The volatility term is non-negative,
// so the result is always at least 1/L.
func (hc *HealthCalculator) MarginRatio(leverage fixed.FP, correlated int) (fixed.FP, error) {
	if !leverage.IsPositive() {
		return fixed.Zero, ErrInvalidLeverage
	}

	base, err := fixed.One.CheckedDiv(leverage)
	if err != nil {
		return fixed.Zero, err
	}

	root, err := fixed.Sqrt(leverage)
	if err != nil {
		return fixed.Zero, err
	}

	scale := fixed.One
	if correlated > 1 {
		ln, err := fixed.Ln(fixed.FromInt(int64(correlated)))
		if err != nil {
			return fixed.Zero, err
		}
		tenth, err := ln.CheckedDiv(fixed.FromInt(10))
		if err != nil {
			return fixed.Zero, err
		}
		scale = fixed.One.Add(tenth)
	}

	params := hc.params.Current()
	return base.SatAdd(params.Sigma.SatMul(root).SatMul(scale)), nil
}

// LiquidationPrice inverts the health formula for the price that drives
// health to zero: entry * (1 -/+ 1/effective_leverage). Longs liquidate
// on a decrease, shorts on an increase. The long-side price floors at
// zero when effective leverage is below 1.
func (hc *HealthCalculator) LiquidationPrice(pos *Position) (int64, error) {
	if pos.Leverage <= 0 {
		return 0, ErrInvalidLeverage
	}
	if pos.EntryPrice <= 0 {
		return 0, ErrInvalidPrice
	}

	leff := pos.EffectiveLeverage()
	inv, err := fixed.One.CheckedDiv(leff)
	if err != nil {
		return 0, err
	}

	entry := fixed.FromMicros(pos.EntryPrice)
	var price fixed.FP
	if pos.SideSign() < 0 {
		price = entry.Mul(fixed.One.Add(inv))
	} else {
		price = fixed.Max(fixed.Zero, entry.Mul(fixed.One.Sub(inv)))
	}
	return price.Micros(), nil
}

// Tier maps a health ratio onto its warning band.
func (hc *HealthCalculator) Tier(health fixed.FP) WarningTier {
	p := hc.params.Current()
	switch {
	case health.LessThan(p.CriticalBand):
		return TierCritical
	case health.LessThan(p.HighBand):
		return TierHigh
	case health.LessThan(p.MediumBand):
		return TierMedium
	case health.LessThan(p.LowBand):
		return TierLow
	default:
		return TierNone
	}
}
