package state

import (
	"RiskCore/internal/fixed"
)

// CoverageConfig tunes the elastic fee curve and recovery mode.
type CoverageConfig struct {
	MinFeeBps int64
	MaxFeeBps int64
	// FullCoverage is the ratio at or above which the fee bottoms out.
	FullCoverage fixed.FP

	// Recovery hysteresis: activate below RecoveryActivate, deactivate
	// only once coverage climbs back to RecoveryTarget.
	RecoveryActivate fixed.FP
	RecoveryTarget   fixed.FP
	// OpenHaltBelow fully halts new position opening inside recovery.
	OpenHaltBelow fixed.FP

	RecoveryFeeMultiplier fixed.FP
	RecoveryPositionLimit fixed.FP

	// MaxPositionSize is the normal per-position size bound at quantity
	// scale, scaled down by RecoveryPositionLimit during recovery.
	MaxPositionSize int64
}

func DefaultCoverageConfig() CoverageConfig {
	return CoverageConfig{
		MinFeeBps:             3,
		MaxFeeBps:             28,
		FullCoverage:          fixed.FromInt(2),
		RecoveryActivate:      fixed.MustParse("0.5"),
		RecoveryTarget:        fixed.MustParse("0.75"),
		OpenHaltBelow:         fixed.MustParse("0.25"),
		RecoveryFeeMultiplier: fixed.FromInt(3),
		RecoveryPositionLimit: fixed.MustParse("0.2"),
		MaxPositionSize:       1_000_000_000_000, // 1M units
	}
}

// RecoveryStatus is the outbound recovery-mode report.
type RecoveryStatus struct {
	Active              bool
	FeeMultiplier       fixed.FP
	PositionLimitFactor fixed.FP
	OpenHalted          bool
}

// CoverageManager tracks vault-to-open-interest coverage, derives the
// elastic fee, and runs recovery mode with hysteresis. It is owned by
// the engine and updated once per snapshot event.
type CoverageManager struct {
	cfg CoverageConfig

	vault        int64
	openInterest int64
	coverage     fixed.FP

	recoveryActive bool
	feeMultiplier  fixed.FP
	limitFactor    fixed.FP
	openHalted     bool
}

func NewCoverageManager(cfg CoverageConfig) *CoverageManager {
	return &CoverageManager{
		cfg:           cfg,
		coverage:      cfg.FullCoverage,
		feeMultiplier: fixed.One,
		limitFactor:   fixed.One,
	}
}

// UpdateSnapshot ingests a (vault_balance, total_open_interest) pair
// and re-evaluates recovery mode. It returns the new status and whether
// the recovery flags changed, so the engine can emit a status event on
// transitions only.
func (cm *CoverageManager) UpdateSnapshot(vault, openInterest int64) (RecoveryStatus, bool) {
	if vault < 0 {
		vault = 0
	}
	cm.vault = vault
	cm.openInterest = openInterest

	if openInterest <= 0 {
		// No exposure outstanding: the system is fully covered by
		// definition.
		cm.coverage = cm.cfg.FullCoverage
	} else {
		ratio, err := fixed.FromMicros(vault).CheckedDiv(fixed.FromMicros(openInterest))
		if err != nil {
			ratio = fixed.Zero
		}
		cm.coverage = ratio
	}

	before := cm.Status()

	if !cm.recoveryActive && cm.coverage.LessThan(cm.cfg.RecoveryActivate) {
		cm.recoveryActive = true
	}
	if cm.recoveryActive && cm.coverage.Cmp(cm.cfg.RecoveryTarget) >= 0 {
		cm.recoveryActive = false
	}

	if cm.recoveryActive {
		cm.feeMultiplier = cm.relaxedMultiplier()
		cm.limitFactor = cm.cfg.RecoveryPositionLimit
		cm.openHalted = cm.coverage.LessThan(cm.cfg.OpenHaltBelow)
	} else {
		cm.feeMultiplier = fixed.One
		cm.limitFactor = fixed.One
		cm.openHalted = false
	}

	after := cm.Status()
	changed := before.Active != after.Active ||
		before.OpenHalted != after.OpenHalted ||
		!before.FeeMultiplier.Equal(after.FeeMultiplier) ||
		!before.PositionLimitFactor.Equal(after.PositionLimitFactor)
	return after, changed
}

// relaxedMultiplier interpolates the recovery fee multiplier from its
// maximum at the activation floor down to 1 at the deactivation target.
func (cm *CoverageManager) relaxedMultiplier() fixed.FP {
	span := cm.cfg.RecoveryTarget.Sub(cm.cfg.RecoveryActivate)
	if !span.IsPositive() {
		return cm.cfg.RecoveryFeeMultiplier
	}
	progress, err := cm.coverage.Sub(cm.cfg.RecoveryActivate).CheckedDiv(span)
	if err != nil {
		return cm.cfg.RecoveryFeeMultiplier
	}
	progress = fixed.Clamp(progress, fixed.Zero, fixed.One)
	extra := cm.cfg.RecoveryFeeMultiplier.Sub(fixed.One)
	return cm.cfg.RecoveryFeeMultiplier.Sub(extra.Mul(progress))
}

// Coverage returns the current ratio.
func (cm *CoverageManager) Coverage() fixed.FP {
	return cm.coverage
}

// Vault returns the last vault balance.
func (cm *CoverageManager) Vault() int64 {
	return cm.vault
}

// OpenInterest returns the last open-interest figure.
func (cm *CoverageManager) OpenInterest() int64 {
	return cm.openInterest
}

// FeeFraction returns the elastic fee as a fraction: the minimum at
// coverage >= FullCoverage, the maximum at coverage <= 0, linear in
// between, then scaled by the recovery multiplier.
func (cm *CoverageManager) FeeFraction() fixed.FP {
	minFee := fixed.FromBps(cm.cfg.MinFeeBps)
	maxFee := fixed.FromBps(cm.cfg.MaxFeeBps)

	var fee fixed.FP
	switch {
	case cm.coverage.Cmp(cm.cfg.FullCoverage) >= 0:
		fee = minFee
	case !cm.coverage.IsPositive():
		fee = maxFee
	default:
		frac, err := cm.coverage.CheckedDiv(cm.cfg.FullCoverage)
		if err != nil {
			return maxFee
		}
		fee = maxFee.Sub(maxFee.Sub(minFee).Mul(frac))
	}
	return fee.Mul(cm.feeMultiplier)
}

// FeeBps returns the elastic fee in whole basis points.
func (cm *CoverageManager) FeeBps() int64 {
	return cm.FeeFraction().Bps()
}

// CanOpen gates a new position of the given size under the current
// limits.
func (cm *CoverageManager) CanOpen(size int64) error {
	if size <= 0 {
		return ErrInvalidPosition
	}
	if cm.openHalted {
		return ErrOpeningHalted
	}
	limit := fixed.FromMicros(cm.cfg.MaxPositionSize).Mul(cm.limitFactor)
	if fixed.FromMicros(size).GreaterThan(limit) {
		return ErrPositionLimitExceeded
	}
	return nil
}

// Status returns the current recovery report.
func (cm *CoverageManager) Status() RecoveryStatus {
	return RecoveryStatus{
		Active:              cm.recoveryActive,
		FeeMultiplier:       cm.feeMultiplier,
		PositionLimitFactor: cm.limitFactor,
		OpenHalted:          cm.openHalted,
	}
}

// RecoveryActive reports the recovery flag.
func (cm *CoverageManager) RecoveryActive() bool {
	return cm.recoveryActive
}

// Restore reinstates coverage state from a snapshot. The recovery flag
// is seeded before re-evaluating so the hysteresis band survives a
// restart: a manager restored at coverage 0.6 stays in recovery if it
// was in recovery when the snapshot was taken.
func (cm *CoverageManager) Restore(vault, openInterest int64, recoveryActive bool) {
	cm.recoveryActive = recoveryActive
	cm.UpdateSnapshot(vault, openInterest)
}
