package core_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"

	"RiskCore/internal/core"
	"RiskCore/internal/event"
	"RiskCore/internal/state"
)

// --- Test helpers ---

const testMarket = "TRUMP-2028"

var testAuthority = uuid.New()

// newTestCore builds a core with buffered channels and no DB checker.
// The breaker threshold is relaxed so staged price declines reach the
// liquidation path; breaker tests construct their own core with the
// default threshold.
func newTestCore() (*core.DeterministicCore, chan core.CoreOutput, chan core.CoreOutput) {
	cfg := core.DefaultCoreConfig()
	cfg.Breaker.ThresholdBps = 100_000
	cfg.ResetAuthorities = []uuid.UUID{testAuthority}
	return newTestCoreWithConfig(cfg)
}

func newTestCoreWithConfig(cfg core.CoreConfig) (*core.DeterministicCore, chan core.CoreOutput, chan core.CoreOutput) {
	persistChan := make(chan core.CoreOutput, 4096)
	projChan := make(chan core.CoreOutput, 4096)
	c := core.NewDeterministicCore(cfg, 0, persistChan, projChan, nil, nil)
	return c, persistChan, projChan
}

func mustMarkPrice(market string, outcome uint8, price, priceSeq int64) *event.MarkPriceObserved {
	return &event.MarkPriceObserved{
		Market:         market,
		Outcome:        outcome,
		MarkPrice:      price,
		PriceSequence:  priceSeq,
		PriceTimestamp: 1_000_000 + priceSeq*1000,
	}
}

func mustPositionOpened(posID, owner uuid.UUID, side event.Side, qty, collateral, entry, leverage, seq int64) *event.PositionOpened {
	return &event.PositionOpened{
		PositionID: posID,
		Owner:      owner,
		Market:     testMarket,
		Outcome:    0,
		TradeSide:  side,
		Quantity:   qty,
		Collateral: collateral,
		EntryPrice: entry,
		Leverage:   leverage,
		Sequence:   seq,
		Timestamp:  1_000_000 + seq*1000,
	}
}

func mustPositionClosed(posID, owner uuid.UUID, seq int64) *event.PositionClosed {
	return &event.PositionClosed{
		PositionID: posID,
		Owner:      owner,
		Market:     testMarket,
		Sequence:   seq,
		Timestamp:  1_000_000 + seq*1000,
	}
}

func mustCoverageSnapshot(vault, openInterest, seq int64) *event.CoverageSnapshot {
	return &event.CoverageSnapshot{
		VaultBalance:      vault,
		TotalOpenInterest: openInterest,
		Sequence:          seq,
		Timestamp:         1_000_000 + seq*1000,
	}
}

func mustTick(tick, seq int64) *event.TickAdvanced {
	return &event.TickAdvanced{
		Tick:      tick,
		Sequence:  seq,
		Timestamp: 1_000_000 + seq*1000,
	}
}

func mustChainStep(posID, actor uuid.UUID, stepType string, deposit, seq int64) *event.ChainStepRequested {
	return &event.ChainStepRequested{
		PositionID: posID,
		Actor:      actor,
		Market:     testMarket,
		StepType:   stepType,
		Deposit:    deposit,
		Sequence:   seq,
		Timestamp:  1_000_000 + seq*1000,
	}
}

func mustBreakerReset(market string, outcome uint8, authority uuid.UUID, seq int64) *event.BreakerResetRequested {
	return &event.BreakerResetRequested{
		Market:    market,
		Outcome:   outcome,
		Authority: authority,
		Sequence:  seq,
		Timestamp: 1_000_000 + seq*1000,
	}
}

func drainOutputs(ch chan core.CoreOutput) []core.CoreOutput {
	var outputs []core.CoreOutput
	for {
		select {
		case o := <-ch:
			outputs = append(outputs, o)
		default:
			return outputs
		}
	}
}

func outputsOfType(outputs []core.CoreOutput, et event.EventType) []core.CoreOutput {
	var matched []core.CoreOutput
	for _, o := range outputs {
		if o.Envelope.EventType == et {
			matched = append(matched, o)
		}
	}
	return matched
}

// mustProcess applies an event and fails the test on rejection.
func mustProcess(t *testing.T, c *core.DeterministicCore, evt event.Event) {
	t.Helper()
	if err := c.ProcessEvent(evt); err != nil {
		t.Fatalf("ProcessEvent(%s) failed: %v", evt.EventType(), err)
	}
}

// openTenXLong opens the reference 10x long: entry 50.0, size 2.0,
// collateral 10.0, at the outcome's liquidation price 45.0.
func openTenXLong(t *testing.T, c *core.DeterministicCore, posID, owner uuid.UUID, seq int64) {
	t.Helper()
	mustProcess(t, c, mustPositionOpened(posID, owner, event.SideLong, 2_000_000, 10_000_000, 50_000_000, 10_000_000, seq))
}

// snapshotPosition pulls a position out of the engine's restart image.
func snapshotPosition(t *testing.T, c *core.DeterministicCore, posID uuid.UUID) *state.Position {
	t.Helper()
	for _, pos := range c.CreateSnapshotState().Positions {
		if pos.ID == posID {
			return pos
		}
	}
	t.Fatalf("position %s not in snapshot", posID)
	return nil
}

// ============================================================================
// Test: Position lifecycle
// ============================================================================

func TestPositionOpened_EmitsEnvelope(t *testing.T) {
	c, persistCh, _ := newTestCore()
	posID, owner := uuid.New(), uuid.New()

	evt := mustPositionOpened(posID, owner, event.SideLong, 2_000_000, 10_000_000, 50_000_000, 10_000_000, 0)
	mustProcess(t, c, evt)

	outputs := drainOutputs(persistCh)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}

	env := outputs[0].Envelope
	if env.Sequence != 0 {
		t.Errorf("expected sequence 0, got %d", env.Sequence)
	}
	if env.EventType != event.EventTypePositionOpened {
		t.Errorf("expected PositionOpened event type, got %v", env.EventType)
	}
	if env.IdempotencyKey != evt.IdempotencyKey() {
		t.Errorf("idempotency key mismatch: %s vs %s", env.IdempotencyKey, evt.IdempotencyKey())
	}
	if env.MarketID == nil || *env.MarketID != testMarket {
		t.Errorf("expected market %s, got %v", testMarket, env.MarketID)
	}

	pos := snapshotPosition(t, c, posID)
	if pos.Status != state.StatusOpen {
		t.Errorf("expected StatusOpen, got %v", pos.Status)
	}
	if pos.LiquidationPrice != 45_000_000 {
		t.Errorf("expected liquidation price 45_000_000, got %d", pos.LiquidationPrice)
	}
}

func TestPositionOpened_LeverageAboveCap_Rejected(t *testing.T) {
	c, _, _ := newTestCore()

	// Default coverage is 2.0, cap factor 100 -> max 200x.
	evt := mustPositionOpened(uuid.New(), uuid.New(), event.SideLong, 2_000_000, 10_000_000, 50_000_000, 250_000_000, 0)
	if err := c.ProcessEvent(evt); err == nil {
		t.Fatal("expected leverage cap rejection, got nil")
	}
}

func TestPositionClosed_ByNonOwner_Rejected(t *testing.T) {
	c, persistCh, _ := newTestCore()
	posID, owner := uuid.New(), uuid.New()

	openTenXLong(t, c, posID, owner, 0)
	drainOutputs(persistCh)

	if err := c.ProcessEvent(mustPositionClosed(posID, uuid.New(), 1)); err == nil {
		t.Fatal("expected non-owner close rejection, got nil")
	}

	// The owner can still close; the market partition sequence was
	// consumed by the rejected attempt.
	mustProcess(t, c, mustPositionClosed(posID, owner, 2))

	pos := snapshotPosition(t, c, posID)
	if pos.Status != state.StatusClosed {
		t.Errorf("expected StatusClosed, got %v", pos.Status)
	}
	if pos.Collateral != 0 {
		t.Errorf("expected zero collateral after close, got %d", pos.Collateral)
	}
}

// ============================================================================
// Test: Liquidation end to end
// ============================================================================

func TestLongTenX_DropToLiquidationPrice_FullyLiquidated(t *testing.T) {
	c, persistCh, _ := newTestCore()
	posID, owner := uuid.New(), uuid.New()

	openTenXLong(t, c, posID, owner, 0)
	mustProcess(t, c, mustMarkPrice(testMarket, 0, 50_000_000, 1))

	// 10% drop: health = 1 + (-0.10 * 10) = 0, Critical.
	mustProcess(t, c, mustMarkPrice(testMarket, 0, 45_000_000, 2))
	drainOutputs(persistCh)

	// The next tick drains the queue.
	mustProcess(t, c, mustTick(1, 0))
	outputs := drainOutputs(persistCh)

	liqs := outputsOfType(outputs, event.EventTypeLiquidationExecuted)
	if len(liqs) != 1 {
		t.Fatalf("expected 1 LiquidationExecuted, got %d", len(liqs))
	}

	liq := liqs[0].Source.(*event.LiquidationExecuted)
	if liq.Partial {
		t.Error("expected full liquidation, got partial")
	}
	if liq.PositionID != posID {
		t.Errorf("liquidated wrong position: %s", liq.PositionID)
	}
	if liq.LiquidatedAmount != 2_000_000 {
		t.Errorf("expected liquidated amount 2_000_000, got %d", liq.LiquidatedAmount)
	}
	if liq.RemainingSize != 0 {
		t.Errorf("expected no residual, got %d", liq.RemainingSize)
	}
	if liq.ExitPrice != 45_000_000 {
		t.Errorf("expected exit at 45_000_000, got %d", liq.ExitPrice)
	}
	// 5% of collateral to the keeper, 10% to the vault, rest returned.
	if liq.KeeperReward != 450_000 {
		t.Errorf("expected keeper reward 450_000, got %d", liq.KeeperReward)
	}
	if liq.Penalty != 900_000 {
		t.Errorf("expected penalty 900_000, got %d", liq.Penalty)
	}
	if liq.CollateralReleased != 8_650_000 {
		t.Errorf("expected released 8_650_000, got %d", liq.CollateralReleased)
	}

	// The tick envelope commits last, after its derived liquidations.
	tickOut := outputs[len(outputs)-1]
	if tickOut.Envelope.EventType != event.EventTypeTickAdvanced {
		t.Fatalf("expected final output to be the tick envelope, got %v", tickOut.Envelope.EventType)
	}
	if liqs[0].Envelope.Sequence >= tickOut.Envelope.Sequence {
		t.Errorf("liquidation sequence %d not before tick sequence %d",
			liqs[0].Envelope.Sequence, tickOut.Envelope.Sequence)
	}
	if tickOut.Report == nil || tickOut.Report.Liquidated != 1 {
		t.Errorf("expected cycle report with 1 liquidation, got %+v", tickOut.Report)
	}

	pos := snapshotPosition(t, c, posID)
	if pos.Status != state.StatusLiquidated {
		t.Errorf("expected StatusLiquidated, got %v", pos.Status)
	}
}

func TestShortTenX_SameDrop_StaysHealthy(t *testing.T) {
	c, persistCh, _ := newTestCore()
	posID, owner := uuid.New(), uuid.New()

	mustProcess(t, c, mustPositionOpened(posID, owner, event.SideShort, 2_000_000, 10_000_000, 50_000_000, 10_000_000, 0))
	mustProcess(t, c, mustMarkPrice(testMarket, 0, 50_000_000, 1))

	// The same 10% drop is a gain for the short: health = 1 + (0.10 * 10) = 2.
	mustProcess(t, c, mustMarkPrice(testMarket, 0, 45_000_000, 2))
	drainOutputs(persistCh)

	mustProcess(t, c, mustTick(1, 0))
	outputs := drainOutputs(persistCh)

	if liqs := outputsOfType(outputs, event.EventTypeLiquidationExecuted); len(liqs) != 0 {
		t.Fatalf("expected no liquidations for a profitable short, got %d", len(liqs))
	}
	tickOut := outputs[len(outputs)-1]
	if tickOut.Report == nil || tickOut.Report.Liquidated != 0 {
		t.Errorf("expected empty cycle report, got %+v", tickOut.Report)
	}

	pos := snapshotPosition(t, c, posID)
	if pos.Status != state.StatusOpen {
		t.Errorf("expected short to stay open, got %v", pos.Status)
	}
}

func TestPartialLiquidation_ResidualStaysOpen(t *testing.T) {
	c, persistCh, _ := newTestCore()
	posID, owner := uuid.New(), uuid.New()

	openTenXLong(t, c, posID, owner, 0)
	mustProcess(t, c, mustMarkPrice(testMarket, 0, 50_000_000, 1))

	// 9.2% drop: health 0.08, low but above the full-liquidation band.
	mustProcess(t, c, mustMarkPrice(testMarket, 0, 45_400_000, 2))
	drainOutputs(persistCh)

	mustProcess(t, c, mustTick(1, 0))
	outputs := drainOutputs(persistCh)

	liqs := outputsOfType(outputs, event.EventTypeLiquidationExecuted)
	if len(liqs) != 1 {
		t.Fatalf("expected 1 LiquidationExecuted, got %d", len(liqs))
	}
	liq := liqs[0].Source.(*event.LiquidationExecuted)
	if !liq.Partial {
		t.Fatal("expected partial liquidation")
	}
	if liq.LiquidatedAmount != 913_043 {
		t.Errorf("expected liquidated amount 913_043, got %d", liq.LiquidatedAmount)
	}
	if liq.RemainingSize != 1_086_957 {
		t.Errorf("expected residual 1_086_957, got %d", liq.RemainingSize)
	}

	pos := snapshotPosition(t, c, posID)
	if pos.Status != state.StatusOpen {
		t.Fatalf("expected residual to stay open, got %v", pos.Status)
	}
	if pos.Size != 1_086_957 {
		t.Errorf("expected residual size 1_086_957, got %d", pos.Size)
	}
	if pos.Leverage != 5_434_785 {
		t.Errorf("expected deleveraged to 5_434_785 micros, got %d", pos.Leverage)
	}
	if pos.LiquidationPrice == 45_000_000 || pos.LiquidationPrice <= 0 {
		t.Errorf("expected recomputed liquidation price, got %d", pos.LiquidationPrice)
	}
}

// ============================================================================
// Test: Circuit breaker
// ============================================================================

func TestBreakerTrip_HaltsMarketAndFreezesPrice(t *testing.T) {
	cfg := core.DefaultCoreConfig()
	cfg.ResetAuthorities = []uuid.UUID{testAuthority}
	c, persistCh, _ := newTestCoreWithConfig(cfg)

	mustProcess(t, c, mustMarkPrice(testMarket, 0, 50_000_000, 1))
	drainOutputs(persistCh)

	// 6% in one observation, above the 500 bps line.
	mustProcess(t, c, mustMarkPrice(testMarket, 0, 47_000_000, 2))
	outputs := drainOutputs(persistCh)

	halts := outputsOfType(outputs, event.EventTypeMarketHalted)
	if len(halts) != 1 {
		t.Fatalf("expected 1 MarketHalted, got %d", len(halts))
	}
	halt := halts[0].Source.(*event.MarketHalted)
	if halt.MovementBps != 600 {
		t.Errorf("expected movement 600 bps, got %d", halt.MovementBps)
	}
	if halt.TriggerCount != 1 {
		t.Errorf("expected trigger count 1, got %d", halt.TriggerCount)
	}

	// The tripping frame was never applied.
	snap := c.CreateSnapshotState()
	mp := snap.MarkPrices[state.MarketKey{MarketID: testMarket, Outcome: 0}]
	if mp == nil || mp.Price != 50_000_000 {
		t.Errorf("expected mark price frozen at 50_000_000, got %+v", mp)
	}
	if len(snap.Halts) != 1 {
		t.Fatalf("expected 1 halt in snapshot, got %d", len(snap.Halts))
	}

	// Further frames are consumed without a second halt event.
	mustProcess(t, c, mustMarkPrice(testMarket, 0, 46_000_000, 3))
	if extra := outputsOfType(drainOutputs(persistCh), event.EventTypeMarketHalted); len(extra) != 0 {
		t.Errorf("expected no repeat MarketHalted, got %d", len(extra))
	}

	// Opening on the halted outcome is rejected.
	open := mustPositionOpened(uuid.New(), uuid.New(), event.SideLong, 2_000_000, 10_000_000, 50_000_000, 10_000_000, 0)
	if err := c.ProcessEvent(open); err == nil {
		t.Fatal("expected open rejection on halted market, got nil")
	}
}

func TestBreakerReset_AuthorityChecked(t *testing.T) {
	cfg := core.DefaultCoreConfig()
	cfg.ResetAuthorities = []uuid.UUID{testAuthority}
	c, persistCh, _ := newTestCoreWithConfig(cfg)

	mustProcess(t, c, mustMarkPrice(testMarket, 0, 50_000_000, 1))
	mustProcess(t, c, mustMarkPrice(testMarket, 0, 47_000_000, 2))
	drainOutputs(persistCh)

	// Unknown authority is rejected outright.
	if err := c.ProcessEvent(mustBreakerReset(testMarket, 0, uuid.New(), 0)); err == nil {
		t.Fatal("expected unauthorized reset rejection, got nil")
	}

	// The configured authority lifts the halt.
	mustProcess(t, c, mustBreakerReset(testMarket, 0, testAuthority, 1))
	outputs := drainOutputs(persistCh)
	lifts := outputsOfType(outputs, event.EventTypeMarketHaltLifted)
	if len(lifts) != 1 {
		t.Fatalf("expected 1 MarketHaltLifted, got %d", len(lifts))
	}
	lift := lifts[0].Source.(*event.MarketHaltLifted)
	if lift.Authority != testAuthority {
		t.Errorf("expected lifting authority %s, got %s", testAuthority, lift.Authority)
	}

	// Post-reset frames apply again; the discarded window cannot
	// re-trip on the halted-era baseline.
	mustProcess(t, c, mustMarkPrice(testMarket, 0, 47_000_000, 3))
	snap := c.CreateSnapshotState()
	mp := snap.MarkPrices[state.MarketKey{MarketID: testMarket, Outcome: 0}]
	if mp == nil || mp.Price != 47_000_000 {
		t.Errorf("expected mark price 47_000_000 after reset, got %+v", mp)
	}
	if len(snap.Halts) != 0 {
		t.Errorf("expected no halts after reset, got %d", len(snap.Halts))
	}
}

// ============================================================================
// Test: Coverage and recovery
// ============================================================================

func TestCoverage_RecoveryTransitions(t *testing.T) {
	c, persistCh, _ := newTestCore()

	// 0.4 coverage: recovery activates, openings still allowed.
	mustProcess(t, c, mustCoverageSnapshot(40_000_000_000, 100_000_000_000, 0))
	outputs := drainOutputs(persistCh)
	changes := outputsOfType(outputs, event.EventTypeRecoveryModeChanged)
	if len(changes) != 1 {
		t.Fatalf("expected 1 RecoveryModeChanged, got %d", len(changes))
	}
	rc := changes[0].Source.(*event.RecoveryModeChanged)
	if !rc.Active || rc.OpeningsHalted {
		t.Errorf("expected active recovery with openings allowed, got %+v", rc)
	}
	if rc.FeeMultiplier != 3_000_000 {
		t.Errorf("expected fee multiplier 3.0 at the floor, got %d", rc.FeeMultiplier)
	}

	// 0.2 coverage: openings halt.
	mustProcess(t, c, mustCoverageSnapshot(20_000_000_000, 100_000_000_000, 1))
	changes = outputsOfType(drainOutputs(persistCh), event.EventTypeRecoveryModeChanged)
	if len(changes) != 1 {
		t.Fatalf("expected 1 RecoveryModeChanged, got %d", len(changes))
	}
	if rc := changes[0].Source.(*event.RecoveryModeChanged); !rc.OpeningsHalted {
		t.Errorf("expected openings halted at 0.2 coverage, got %+v", rc)
	}

	open := mustPositionOpened(uuid.New(), uuid.New(), event.SideLong, 2_000_000, 10_000_000, 50_000_000, 10_000_000, 0)
	if err := c.ProcessEvent(open); err == nil {
		t.Fatal("expected open rejection while openings are halted")
	}

	// 0.6 coverage: above the activation line but below the target, the
	// hysteresis keeps recovery active.
	mustProcess(t, c, mustCoverageSnapshot(60_000_000_000, 100_000_000_000, 2))
	changes = outputsOfType(drainOutputs(persistCh), event.EventTypeRecoveryModeChanged)
	if len(changes) != 1 {
		t.Fatalf("expected 1 RecoveryModeChanged, got %d", len(changes))
	}
	if rc := changes[0].Source.(*event.RecoveryModeChanged); !rc.Active || rc.OpeningsHalted {
		t.Errorf("expected recovery still active at 0.6, openings allowed, got %+v", rc)
	}

	// 0.8 coverage: past the target, recovery deactivates.
	mustProcess(t, c, mustCoverageSnapshot(80_000_000_000, 100_000_000_000, 3))
	changes = outputsOfType(drainOutputs(persistCh), event.EventTypeRecoveryModeChanged)
	if len(changes) != 1 {
		t.Fatalf("expected 1 RecoveryModeChanged, got %d", len(changes))
	}
	if rc := changes[0].Source.(*event.RecoveryModeChanged); rc.Active {
		t.Errorf("expected recovery deactivated at 0.8, got %+v", rc)
	}
}

// ============================================================================
// Test: Leverage chain
// ============================================================================

func TestChainStep_AppliedThenCooldownBlocks(t *testing.T) {
	c, persistCh, _ := newTestCore()
	posID, owner := uuid.New(), uuid.New()

	// 2x long with room for chaining.
	mustProcess(t, c, mustPositionOpened(posID, owner, event.SideLong, 2_000_000, 50_000_000, 50_000_000, 2_000_000, 0))
	drainOutputs(persistCh)
	liqBefore := snapshotPosition(t, c, posID).LiquidationPrice

	mustProcess(t, c, mustChainStep(posID, owner, "Borrow", 5_000_000, 1))
	outputs := drainOutputs(persistCh)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output for the applied step, got %d", len(outputs))
	}

	pos := snapshotPosition(t, c, posID)
	if pos.ChainMultiplier != 1_500_000 {
		t.Errorf("expected chain multiplier 1_500_000, got %d", pos.ChainMultiplier)
	}
	if len(pos.Chain) != 1 || pos.Chain[0].Type != state.StepBorrow {
		t.Errorf("expected one Borrow link, got %+v", pos.Chain)
	}
	// 2x long stops out at half the entry; chaining to 3x pulls the stop
	// toward entry.
	if pos.LiquidationPrice <= liqBefore {
		t.Errorf("expected liquidation price above %d after chaining, got %d", liqBefore, pos.LiquidationPrice)
	}

	// A second request in the same tick sits inside the cooldown.
	err := c.ProcessEvent(mustChainStep(posID, owner, "Stake", 5_000_000, 2))
	if !errors.Is(err, state.ErrRateLimited) {
		t.Fatalf("expected cooldown rejection, got %v", err)
	}
}

// ============================================================================
// Test: Tick ordering
// ============================================================================

func TestTickAdvanced_MustAdvance(t *testing.T) {
	c, persistCh, _ := newTestCore()

	mustProcess(t, c, mustTick(5, 0))
	drainOutputs(persistCh)

	if err := c.ProcessEvent(mustTick(5, 1)); err == nil {
		t.Fatal("expected rejection of a non-advancing tick")
	}
	if err := c.ProcessEvent(mustTick(3, 2)); err == nil {
		t.Fatal("expected rejection of a regressing tick")
	}
	if c.CurrentTick() != 5 {
		t.Errorf("expected tick to stay at 5, got %d", c.CurrentTick())
	}
}

// ============================================================================
// Test: Idempotency and sequencing
// ============================================================================

func TestIdempotency_DuplicateOpenIgnored(t *testing.T) {
	c, persistCh, _ := newTestCore()
	posID, owner := uuid.New(), uuid.New()

	evt := mustPositionOpened(posID, owner, event.SideLong, 2_000_000, 10_000_000, 50_000_000, 10_000_000, 0)
	mustProcess(t, c, evt)
	if n := len(drainOutputs(persistCh)); n != 1 {
		t.Fatalf("expected 1 output on first apply, got %d", n)
	}

	// Redelivery of the same event is absorbed silently.
	mustProcess(t, c, evt)
	if n := len(drainOutputs(persistCh)); n != 0 {
		t.Errorf("expected 0 outputs for the duplicate, got %d", n)
	}
}

func TestSequenceValidation_GapRejected(t *testing.T) {
	c, _, _ := newTestCore()

	openTenXLong(t, c, uuid.New(), uuid.New(), 0)

	// Skipping market sequence 1 is a gap.
	evt := mustPositionOpened(uuid.New(), uuid.New(), event.SideLong, 2_000_000, 10_000_000, 50_000_000, 10_000_000, 2)
	if err := c.ProcessEvent(evt); err == nil {
		t.Fatal("expected sequence gap rejection, got nil")
	}
}

func TestMarkPrice_StaleFrameIgnored(t *testing.T) {
	c, persistCh, _ := newTestCore()

	mustProcess(t, c, mustMarkPrice(testMarket, 0, 50_000_000, 5))
	drainOutputs(persistCh)

	// An older oracle frame is consumed without touching state.
	mustProcess(t, c, mustMarkPrice(testMarket, 0, 30_000_000, 3))

	snap := c.CreateSnapshotState()
	mp := snap.MarkPrices[state.MarketKey{MarketID: testMarket, Outcome: 0}]
	if mp == nil || mp.Price != 50_000_000 {
		t.Errorf("expected price to stay at 50_000_000, got %+v", mp)
	}
}

// ============================================================================
// Test: Hash chain
// ============================================================================

func TestStateHashChain_DeterministicAcrossRuns(t *testing.T) {
	posID, owner := uuid.New(), uuid.New()

	runScript := func() []core.CoreOutput {
		c, persistCh, _ := newTestCore()
		openTenXLong(t, c, posID, owner, 0)
		mustProcess(t, c, mustMarkPrice(testMarket, 0, 50_000_000, 1))
		mustProcess(t, c, mustMarkPrice(testMarket, 0, 45_000_000, 2))
		mustProcess(t, c, mustTick(1, 0))
		mustProcess(t, c, mustCoverageSnapshot(40_000_000_000, 100_000_000_000, 0))
		return drainOutputs(persistCh)
	}

	run1 := runScript()
	run2 := runScript()

	if len(run1) != len(run2) {
		t.Fatalf("output counts differ: %d vs %d", len(run1), len(run2))
	}
	for i := range run1 {
		if run1[i].Envelope.StateHash != run2[i].Envelope.StateHash {
			t.Errorf("hash %d differs: %x vs %x", i, run1[i].Envelope.StateHash, run2[i].Envelope.StateHash)
		}
	}
}

func TestStateHashChain_PrevHashLinks(t *testing.T) {
	c, persistCh, _ := newTestCore()
	posID, owner := uuid.New(), uuid.New()

	openTenXLong(t, c, posID, owner, 0)
	mustProcess(t, c, mustMarkPrice(testMarket, 0, 50_000_000, 1))
	mustProcess(t, c, mustMarkPrice(testMarket, 0, 45_000_000, 2))
	mustProcess(t, c, mustTick(1, 0))
	outputs := drainOutputs(persistCh)

	if len(outputs) < 5 {
		t.Fatalf("expected at least 5 outputs (4 events + 1 derived), got %d", len(outputs))
	}
	for i := 1; i < len(outputs); i++ {
		if outputs[i].Envelope.PrevHash != outputs[i-1].Envelope.StateHash {
			t.Errorf("output %d prev hash does not link to output %d", i, i-1)
		}
		if outputs[i].Envelope.Sequence != outputs[i-1].Envelope.Sequence+1 {
			t.Errorf("output %d sequence not contiguous", i)
		}
	}
	if c.GetStateHash() != outputs[len(outputs)-1].Envelope.StateHash {
		t.Error("engine tip hash does not match the last envelope")
	}
}

// ============================================================================
// Test: Collateral integrity
// ============================================================================

func TestCollateralTamper_FreezesEngine(t *testing.T) {
	c, persistCh, _ := newTestCore()
	posID, owner := uuid.New(), uuid.New()

	openTenXLong(t, c, posID, owner, 0)
	drainOutputs(persistCh)

	// Corrupt the position behind the manager's back.
	snapshotPosition(t, c, posID).Collateral += 1_000_000

	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("expected FATAL panic on corrupted collateral")
		}
		msg, ok := r.(string)
		if !ok || !strings.Contains(msg, "FATAL: invariant violated") {
			t.Fatalf("unexpected panic payload: %v", r)
		}
		if c.GuardState() != state.GuardLocked {
			t.Errorf("expected guard locked after integrity failure, got %v", c.GuardState())
		}
	}()
	_ = c.ProcessEvent(mustTick(1, 0))
}

// ============================================================================
// Test: Snapshot and restore
// ============================================================================

func TestSnapshotRestore_ResumesChainAndDrainsQueue(t *testing.T) {
	cfg := core.DefaultCoreConfig()
	cfg.Breaker.ThresholdBps = 100_000
	cfg.ResetAuthorities = []uuid.UUID{testAuthority}

	a, persistA, _ := newTestCoreWithConfig(cfg)
	posID, owner := uuid.New(), uuid.New()

	openTenXLong(t, a, posID, owner, 0)
	mustProcess(t, a, mustMarkPrice(testMarket, 0, 50_000_000, 1))
	mustProcess(t, a, mustMarkPrice(testMarket, 0, 45_000_000, 2))
	drainOutputs(persistA)

	snap := a.CreateSnapshotState()
	if len(snap.QueueEntries) != 1 {
		t.Fatalf("expected 1 queued candidate in snapshot, got %d", len(snap.QueueEntries))
	}

	b, persistB, _ := newTestCoreWithConfig(cfg)
	if err := b.RestoreFromSnapshot(snap); err != nil {
		t.Fatalf("RestoreFromSnapshot failed: %v", err)
	}

	if b.GetSequence() != a.GetSequence() {
		t.Errorf("sequence mismatch after restore: %d vs %d", b.GetSequence(), a.GetSequence())
	}
	if b.GetStateHash() != a.GetStateHash() {
		t.Error("state hash mismatch after restore")
	}

	// The restored queue drains on the next tick exactly as the
	// original would have.
	mustProcess(t, b, mustTick(1, 0))
	outputs := drainOutputs(persistB)
	liqs := outputsOfType(outputs, event.EventTypeLiquidationExecuted)
	if len(liqs) != 1 {
		t.Fatalf("expected restored queue to liquidate 1 position, got %d", len(liqs))
	}
	liq := liqs[0].Source.(*event.LiquidationExecuted)
	if liq.PositionID != posID || liq.KeeperReward != 450_000 {
		t.Errorf("unexpected restored liquidation: %+v", liq)
	}

	// The chain keeps linking across the restore boundary.
	if outputs[0].Envelope.PrevHash != snap.StateHash {
		t.Error("first post-restore envelope does not link to the snapshot tip")
	}

	// Duplicates from before the snapshot stay absorbed.
	b.WarmLRU(snap.IdempotencyKeys)
	mustProcess(t, b, mustPositionOpened(posID, owner, event.SideLong, 2_000_000, 10_000_000, 50_000_000, 10_000_000, 0))
	if n := len(drainOutputs(persistB)); n != 0 {
		t.Errorf("expected replayed open to be a duplicate, got %d outputs", n)
	}
}

// ============================================================================
// Test: Projection channel backpressure
// ============================================================================

func TestProjectionChannel_DropsWhenFull(t *testing.T) {
	cfg := core.DefaultCoreConfig()
	cfg.Breaker.ThresholdBps = 100_000
	persistCh := make(chan core.CoreOutput, 4096)
	projCh := make(chan core.CoreOutput, 1)
	c := core.NewDeterministicCore(cfg, 0, persistCh, projCh, nil, nil)

	for i := int64(0); i < 5; i++ {
		mustProcess(t, c, mustMarkPrice(testMarket, 0, 50_000_000+i*100_000, i+1))
	}

	// Projections drop silently; persistence keeps everything.
	if n := len(drainOutputs(persistCh)); n != 5 {
		t.Errorf("expected 5 persist outputs, got %d", n)
	}
	if n := len(drainOutputs(projCh)); n != 1 {
		t.Errorf("expected 1 projection output, got %d", n)
	}
}
