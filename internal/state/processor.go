package state

import (
	"RiskCore/internal/fixed"

	"github.com/google/uuid"
)

// ProcessorConfig sizes the per-cycle liquidation drain.
type ProcessorConfig struct {
	Lanes        int
	BatchPerLane int

	// PartialCeiling caps the fraction a single partial liquidation may
	// close; a required fraction above it escalates to full.
	PartialCeiling fixed.FP
	// TargetHealth is the health ratio a partial liquidation restores.
	TargetHealth fixed.FP

	KeeperRewardBps       int64
	LiquidationPenaltyBps int64

	// CostPerLiquidation is the budget draw per processed entry.
	CostPerLiquidation int64
}

func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		Lanes:                 8,
		BatchPerLane:          500,
		PartialCeiling:        fixed.MustParse("0.5"),
		TargetHealth:          fixed.MustParse("0.5"),
		KeeperRewardBps:       50,  // 0.5%
		LiquidationPenaltyBps: 100, // 1%
		CostPerLiquidation:    50,
	}
}

// LiquidationDirective is the outbound instruction for settlement.
type LiquidationDirective struct {
	PositionID uuid.UUID
	Owner      uuid.UUID
	MarketID   string
	Outcome    uint8

	LiquidatedAmount int64 // quantity scale
	RemainingSize    int64 // quantity scale
	ExitPrice        int64 // price scale
	KeeperReward     int64 // quote scale
	Penalty          int64 // quote scale, to the vault
	// CollateralReleased returns to the owner on a full close.
	CollateralReleased int64
	Partial            bool
}

// CycleReport summarizes one processing cycle.
type CycleReport struct {
	Tick               int64
	Taken              int
	Liquidated         int
	Partial            int
	DroppedHealthy     int
	Deferred           int
	EvictedStale       int
	SkippedUnavailable int
	Directives         []LiquidationDirective
}

// BatchProcessor drains the liquidation queue each tick under the lane
// capacity and the compute budget. Work is partitioned into contiguous
// lane batches; lanes share no mutable state while evaluating and their
// results commit in lane order, so a cycle's outcome is a pure function
// of its inputs.
type BatchProcessor struct {
	cfg       ProcessorConfig
	queue     *LiquidationQueue
	positions *PositionManager
	health    *HealthCalculator
	budget    *ComputeBudget
	guard     *ReentrancyGuard

	// failedCounts tracks budget deferrals per position across cycles.
	failedCounts map[uuid.UUID]int
}

func NewBatchProcessor(
	cfg ProcessorConfig,
	queue *LiquidationQueue,
	positions *PositionManager,
	health *HealthCalculator,
	budget *ComputeBudget,
	guard *ReentrancyGuard,
) *BatchProcessor {
	return &BatchProcessor{
		cfg:          cfg,
		queue:        queue,
		positions:    positions,
		health:       health,
		budget:       budget,
		guard:        guard,
		failedCounts: make(map[uuid.UUID]int),
	}
}

// CycleCapacity is the hard per-cycle entry bound.
func (bp *BatchProcessor) CycleCapacity() int {
	return bp.cfg.Lanes * bp.cfg.BatchPerLane
}

// FailedCount reports how many times a position's liquidation was
// deferred by budget exhaustion.
func (bp *BatchProcessor) FailedCount(id uuid.UUID) int {
	return bp.failedCounts[id]
}

// RunCycle executes one liquidation cycle at the given tick. The
// reentrancy guard rejects overlapping cycles instead of interleaving
// them.
func (bp *BatchProcessor) RunCycle(tick int64, coverage fixed.FP) (CycleReport, error) {
	if err := bp.guard.Enter(); err != nil {
		return CycleReport{}, err
	}
	defer bp.guard.Exit()

	report := CycleReport{Tick: tick}
	report.EvictedStale = bp.queue.EvictStale(tick)

	taken := bp.queue.TakeBatch(bp.CycleCapacity())
	report.Taken = len(taken)

	budgetOut := false
	for start := 0; start < len(taken); start += bp.cfg.BatchPerLane {
		end := start + bp.cfg.BatchPerLane
		if end > len(taken) {
			end = len(taken)
		}
		bp.runLane(taken[start:end], tick, coverage, &report, &budgetOut)
	}
	return report, nil
}

func (bp *BatchProcessor) runLane(
	lane []*QueueEntry,
	tick int64,
	coverage fixed.FP,
	report *CycleReport,
	budgetOut *bool,
) {
	for _, entry := range lane {
		if *budgetOut {
			bp.deferEntry(entry, report)
			continue
		}
		bp.processEntry(entry, tick, coverage, report, budgetOut)
	}
}

func (bp *BatchProcessor) processEntry(
	entry *QueueEntry,
	tick int64,
	coverage fixed.FP,
	report *CycleReport,
	budgetOut *bool,
) {
	pos, err := bp.positions.Claim(entry.PositionID)
	if err != nil {
		// Gone, closed, or already mid-processing: fail closed.
		report.SkippedUnavailable++
		return
	}

	key := MarketKey{MarketID: pos.MarketID, Outcome: pos.Outcome}
	price, ok := bp.positions.GetMarkPrice(key)
	if !ok {
		bp.positions.Release(pos.ID)
		report.SkippedUnavailable++
		return
	}

	// Prices may have moved since enqueue; re-verify before acting.
	res, err := bp.health.Evaluate(pos, price, coverage, bp.positions.CountOpenByOwner(pos.Owner))
	if err != nil {
		bp.positions.Release(pos.ID)
		report.SkippedUnavailable++
		return
	}
	// Liquidation needs both: health back above the critical band or a
	// coverage regime that absorbs the risk means the entry is dropped.
	if res.Tier != TierCritical || !res.LiquidationEligible {
		bp.positions.Release(pos.ID)
		delete(bp.failedCounts, pos.ID)
		report.DroppedHealthy++
		return
	}

	if err := bp.budget.Consume(bp.cfg.CostPerLiquidation); err != nil {
		bp.positions.Release(pos.ID)
		bp.deferEntry(entry, report)
		*budgetOut = true
		return
	}

	directive, err := bp.liquidate(pos, res, price)
	if err != nil {
		bp.positions.Release(pos.ID)
		report.SkippedUnavailable++
		return
	}

	delete(bp.failedCounts, pos.ID)
	report.Directives = append(report.Directives, directive)
	if directive.Partial {
		report.Partial++
	} else {
		report.Liquidated++
	}
}

// deferEntry returns an entry to the queue for the next cycle and
// increments its failed count. The original scan tick is preserved so
// staleness keeps aging from the last real rescan.
func (bp *BatchProcessor) deferEntry(entry *QueueEntry, report *CycleReport) {
	bp.failedCounts[entry.PositionID]++
	err := bp.queue.Submit(Candidate{
		PositionID: entry.PositionID,
		RiskScore:  entry.RiskScore,
		Health:     entry.Health,
		Size:       entry.Size,
	}, entry.LastScanTick)
	if err != nil {
		report.SkippedUnavailable++
		return
	}
	report.Deferred++
}

// liquidate computes the close amount and commits it to the position
// table. The claimed position ends Liquidated, or back Open with the
// residual size on a partial.
func (bp *BatchProcessor) liquidate(pos *Position, res HealthResult, price int64) (LiquidationDirective, error) {
	size := fixed.FromMicros(pos.Size)
	leff := pos.EffectiveLeverage()

	fraction, full := bp.requiredFraction(res, leff)

	var amount int64
	if full {
		amount = pos.Size
	} else {
		amount = size.Mul(fraction).Micros()
		if amount < 1 {
			amount = 1
		}
		if amount >= pos.Size {
			full = true
			amount = pos.Size
		}
	}
	remaining := pos.Size - amount

	notional := fixed.FromMicros(amount).Mul(fixed.FromMicros(price))
	keeper := notional.Mul(fixed.FromBps(bp.cfg.KeeperRewardBps)).Micros()
	penalty := notional.Mul(fixed.FromBps(bp.cfg.LiquidationPenaltyBps)).Micros()

	// Deductions never exceed what the position actually holds; keeper
	// payment takes precedence over the vault penalty.
	if keeper > pos.Collateral {
		keeper = pos.Collateral
	}
	if penalty > pos.Collateral-keeper {
		penalty = pos.Collateral - keeper
	}

	directive := LiquidationDirective{
		PositionID:       pos.ID,
		Owner:            pos.Owner,
		MarketID:         pos.MarketID,
		Outcome:          pos.Outcome,
		LiquidatedAmount: amount,
		RemainingSize:    remaining,
		ExitPrice:        price,
		KeeperReward:     keeper,
		Penalty:          penalty,
		Partial:          !full,
	}

	if full {
		directive.CollateralReleased = pos.Collateral - keeper - penalty
		if err := bp.positions.ApplyFullLiquidation(pos.ID); err != nil {
			return LiquidationDirective{}, err
		}
		return directive, nil
	}

	applied, err := fixed.FromMicros(amount).CheckedDiv(size)
	if err != nil {
		return LiquidationDirective{}, err
	}
	newLeff := leff.Mul(fixed.One.Sub(applied))
	newLeverage := newLeff.Micros()
	if newLeverage < 1 {
		newLeverage = 1
	}

	residual := *pos
	residual.Leverage = newLeverage
	residual.ChainMultiplier = 1_000_000
	liqPrice, err := bp.health.LiquidationPrice(&residual)
	if err != nil {
		return LiquidationDirective{}, err
	}

	if err := bp.positions.ApplyPartialLiquidation(
		pos.ID, remaining, keeper+penalty, newLeverage, liqPrice,
	); err != nil {
		return LiquidationDirective{}, err
	}
	return directive, nil
}

// requiredFraction solves for the close fraction restoring health to
// the target under the residual-leverage model L' = L*(1-q): from
// health' = 1 + PnL% * L', the target leverage is (target-1)/PnL%.
// Zero health, non-negative PnL (margin-triggered) and fractions beyond
// the partial ceiling all escalate to a full close.
func (bp *BatchProcessor) requiredFraction(res HealthResult, leff fixed.FP) (fixed.FP, bool) {
	if res.Health.IsZero() {
		return fixed.One, true
	}
	if !res.PnLPercent.IsNegative() {
		return fixed.One, true
	}
	if res.Health.Cmp(bp.cfg.TargetHealth) >= 0 {
		// Margin-triggered but health already at target: deleverage is
		// not expressible through the health model, close fully.
		return fixed.One, true
	}

	targetL, err := bp.cfg.TargetHealth.Sub(fixed.One).CheckedDiv(res.PnLPercent)
	if err != nil {
		return fixed.One, true
	}
	ratio, err := targetL.CheckedDiv(leff)
	if err != nil {
		return fixed.One, true
	}
	fraction := fixed.One.Sub(ratio)
	if !fraction.IsPositive() || fraction.GreaterThan(bp.cfg.PartialCeiling) {
		return fixed.One, true
	}
	return fraction, false
}
