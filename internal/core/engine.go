// Package core implements the deterministic risk engine.
//
// The engine is single-threaded: one goroutine feeds events in, ordered
// per source partition, and the engine applies them against in-memory
// risk state. Every applied event produces a hash-chained envelope so
// that replaying the same event log always reconstructs the same state.
// Anything non-deterministic (wall clocks, goroutine interleaving,
// network retries) stays outside this package.
package core

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"RiskCore/internal/event"
	"RiskCore/internal/fixed"
	"RiskCore/internal/observability"
	"RiskCore/internal/state"
)

// ErrUnauthorizedReset rejects halt lifts from unrecognized authorities.
var ErrUnauthorizedReset = errors.New("core: reset authority not recognized")

// CoreOutput is what the engine hands to the persistence and projection
// workers for every applied event: the hash-chained envelope, the
// source event it wraps (marshaled into the durable log so replay can
// re-apply it), and, for tick events, the liquidation cycle report.
type CoreOutput struct {
	Envelope *event.EventEnvelope
	Source   event.Event
	Report   *state.CycleReport

	// StateDelta is the canonical digest the state hash was computed
	// over, kept for offline audit of the hash chain.
	StateDelta []byte
}

// CoreConfig collects the tunables of every risk component the engine
// owns. Zero values are filled from the component defaults.
type CoreConfig struct {
	Queue     state.QueueConfig
	Processor state.ProcessorConfig
	Breaker   state.BreakerConfig
	Coverage  state.CoverageConfig
	Attack    state.AttackConfig

	// BudgetPerTick caps liquidation compute units per tick.
	BudgetPerTick int64

	// IdempotencyCapacity bounds the in-memory dedup LRU.
	IdempotencyCapacity int

	// ResetAuthorities are the only identities allowed to lift a
	// circuit-breaker halt. Empty means every reset is rejected.
	ResetAuthorities []uuid.UUID
}

func DefaultCoreConfig() CoreConfig {
	return CoreConfig{
		Queue:               state.DefaultQueueConfig(),
		Processor:           state.DefaultProcessorConfig(),
		Breaker:             state.DefaultBreakerConfig(),
		Coverage:            state.DefaultCoverageConfig(),
		Attack:              state.DefaultAttackConfig(),
		BudgetPerTick:       200_000,
		IdempotencyCapacity: 1_000_000,
	}
}

// applyResult carries what a handler touched so the digest covers
// exactly the mutated positions plus the core aggregates.
type applyResult struct {
	affected []uuid.UUID
	report   *state.CycleReport
}

// DeterministicCore applies risk events to in-memory state.
//
// Pipeline per event:
//  1. Idempotency check (LRU, then Postgres)
//  2. Source sequence validation per partition
//  3. Dispatch to the domain handler
//  4. State digest over affected positions
//  5. Hash chain extension
//  6. Invariant post-checks (panic on integrity failure)
//  7. Emit CoreOutput to persistence (blocking) and projections
//     (non-blocking)
//  8. Mark processed
type DeterministicCore struct {
	cfg      CoreConfig
	sequence int64
	tick     int64

	hasher     *StateHasher
	positions  *state.PositionManager
	riskParams *state.RiskParamsManager
	health     *state.HealthCalculator
	chain      *state.ChainValidator
	queue      *state.LiquidationQueue
	processor  *state.BatchProcessor
	breaker    *state.CircuitBreaker
	coverage   *state.CoverageManager
	attack     *state.AttackDetector
	budget     *state.ComputeBudget
	guard      *state.ReentrancyGuard

	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput

	metrics *observability.Metrics
}

func NewDeterministicCore(
	cfg CoreConfig,
	startSequence int64,
	persistChan, projectionChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
) *DeterministicCore {
	if cfg.BudgetPerTick <= 0 {
		cfg.BudgetPerTick = DefaultCoreConfig().BudgetPerTick
	}
	if cfg.IdempotencyCapacity <= 0 {
		cfg.IdempotencyCapacity = DefaultCoreConfig().IdempotencyCapacity
	}

	positions := state.NewPositionManager()
	riskParams := state.NewRiskParamsManager()
	health := state.NewHealthCalculator(riskParams)
	queue := state.NewLiquidationQueue(cfg.Queue)
	budget := state.NewComputeBudget(cfg.BudgetPerTick)
	guard := state.NewReentrancyGuard()

	return &DeterministicCore{
		cfg:        cfg,
		sequence:   startSequence,
		hasher:     NewStateHasher(),
		positions:  positions,
		riskParams: riskParams,
		health:     health,
		chain:      state.NewChainValidator(riskParams, health),
		queue:      queue,
		processor:  state.NewBatchProcessor(cfg.Processor, queue, positions, health, budget, guard),
		breaker:    state.NewCircuitBreaker(cfg.Breaker),
		coverage:   state.NewCoverageManager(cfg.Coverage),
		attack:     state.NewAttackDetector(cfg.Attack),
		budget:     budget,
		guard:      guard,

		idempotency:       NewIdempotencyChecker(cfg.IdempotencyCapacity, dbChecker),
		sequenceValidator: NewSequenceValidator(),

		persistChan:    persistChan,
		projectionChan: projectionChan,
		metrics:        metrics,
	}
}

// ProcessEvent runs one event through the full pipeline. A non-nil
// error means the event was rejected and no state changed; rejected
// events are not marked processed, so a corrected retry is not a
// duplicate.
func (c *DeterministicCore) ProcessEvent(evt event.Event) error {
	start := time.Now()
	eventType := evt.EventType().String()
	idempotencyKey := evt.IdempotencyKey()

	// Step 1: Idempotency check (two-tier: LRU then Postgres).
	isDuplicate := c.idempotency.IsDuplicate(eventType, idempotencyKey)

	// Step 2: Sequence validation. Oracle prices tolerate gaps; every
	// other partition is strictly ordered.
	if priceEvt, ok := evt.(*event.MarkPriceObserved); ok {
		if err := c.sequenceValidator.ValidatePriceSequence(priceEvt.Market, priceEvt.Outcome, priceEvt.PriceSequence); err != nil {
			if c.metrics != nil {
				c.metrics.CoreEventsRejected.WithLabelValues(eventType, "out_of_order").Inc()
			}
			return err
		}
	} else {
		partition := c.getPartition(evt)
		if err := c.sequenceValidator.ValidateSequence(partition, evt.SourceSequence(), idempotencyKey, isDuplicate); err != nil {
			if c.metrics != nil {
				c.metrics.CoreEventsRejected.WithLabelValues(eventType, "out_of_order").Inc()
			}
			return fmt.Errorf("sequence validation failed: %w", err)
		}
	}

	if isDuplicate {
		if c.metrics != nil {
			c.metrics.CoreEventsRejected.WithLabelValues(eventType, "duplicate").Inc()
		}
		return nil
	}

	// Step 3: Dispatch. Handlers may emit derived events (liquidations,
	// halts, recovery transitions) before this event's own envelope;
	// those derived sequences come first in the log, exactly as the
	// state changes they describe preceded this event's completion.
	res, err := c.dispatchEvent(evt)
	if err != nil {
		if c.metrics != nil {
			c.metrics.CoreEventsRejected.WithLabelValues(eventType, "rejected").Inc()
		}
		return fmt.Errorf("dispatch failed: %w", err)
	}

	// Steps 4-5: digest the mutated state and extend the hash chain.
	hashStart := time.Now()
	stateDigest := c.computeStateDigest(res.affected)
	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(c.sequence, stateDigest)
	if c.metrics != nil {
		c.metrics.CoreStateHashDur.Observe(time.Since(hashStart).Seconds())
	}

	envelope := &event.EventEnvelope{
		Sequence:       c.sequence,
		IdempotencyKey: idempotencyKey,
		EventType:      evt.EventType(),
		MarketID:       evt.MarketID(),
		Timestamp:      c.getEventTimestamp(evt),
		SourceSequence: evt.SourceSequence(),
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}
	c.sequence++

	// Step 6: Invariant post-checks. An integrity failure freezes the
	// engine permanently before the panic so a recovering supervisor
	// cannot resume liquidations on corrupted totals.
	if err := c.postCheckInvariants(evt); err != nil {
		c.guard.Lock()
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}

	// Step 7: Emit.
	c.emit(CoreOutput{
		Envelope:   envelope,
		Source:     evt,
		Report:     res.report,
		StateDelta: stateDigest,
	})

	// Step 8: Mark processed. Last, so a crash between emit and here
	// replays the event instead of losing it.
	c.idempotency.MarkProcessed(eventType, idempotencyKey)

	if c.metrics != nil {
		c.metrics.CoreEventsApplied.WithLabelValues(eventType).Inc()
		c.metrics.CoreEventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
		c.metrics.CoreSequence.Set(float64(c.sequence))
	}
	return nil
}

func (c *DeterministicCore) dispatchEvent(evt event.Event) (applyResult, error) {
	switch e := evt.(type) {
	case *event.MarkPriceObserved:
		return c.handleMarkPriceObserved(e)
	case *event.CoverageSnapshot:
		return c.handleCoverageSnapshot(e)
	case *event.PositionOpened:
		return c.handlePositionOpened(e)
	case *event.PositionClosed:
		return c.handlePositionClosed(e)
	case *event.ChainStepRequested:
		return c.handleChainStepRequested(e)
	case *event.BorrowRecorded:
		return c.handleBorrowRecorded(e)
	case *event.TradeSubmitted:
		return c.handleTradeSubmitted(e)
	case *event.FlashLoanRepaid:
		return c.handleFlashLoanRepaid(e)
	case *event.TickAdvanced:
		return c.handleTickAdvanced(e)
	case *event.BreakerResetRequested:
		return c.handleBreakerResetRequested(e)
	case *event.RiskParamUpdate:
		return c.handleRiskParamUpdate(e)
	default:
		return applyResult{}, fmt.Errorf("unknown event type %T", evt)
	}
}

// --- Price and scan path ---

// handleMarkPriceObserved feeds the sample through the circuit breaker,
// applies it to the market's mark price, and re-scans every open
// position on the outcome. A sample that trips the breaker is consumed
// without being applied: the engine halts on it rather than trading on
// it, and replay reproduces the same halt from the same sample.
func (c *DeterministicCore) handleMarkPriceObserved(evt *event.MarkPriceObserved) (applyResult, error) {
	key := state.MarketKey{MarketID: evt.Market, Outcome: evt.Outcome}

	// A frame at or below the applied oracle sequence is already
	// superseded; it must not reach the breaker window either.
	if seq, ok := c.positions.MarkPriceSeq(key); ok && evt.PriceSequence <= seq {
		return applyResult{}, nil
	}

	haltedBefore := c.breaker.IsHalted(key)
	if err := c.breaker.Observe(key, evt.MarkPrice, c.tick); err != nil {
		if errors.Is(err, state.ErrCircuitBreakerTriggered) {
			if !haltedBefore {
				c.emitMarketHalted(key, evt)
			}
			// Swallow the sample. The last applied price stays
			// authoritative until an authorized reset.
			return applyResult{}, nil
		}
		return applyResult{}, err
	}

	if err := c.positions.UpdateMarkPrice(key, evt.MarkPrice, evt.PriceSequence, c.tick); err != nil {
		return applyResult{}, err
	}

	c.scanMarket(key, evt.MarkPrice)
	return applyResult{}, nil
}

// scanMarket re-evaluates every open position on an outcome against a
// fresh mark price and submits Critical ones to the liquidation queue.
// Scans never mutate positions; execution happens on the next tick.
func (c *DeterministicCore) scanMarket(key state.MarketKey, markPrice int64) {
	open := c.positions.OpenPositionsOn(key)
	if len(open) == 0 {
		return
	}

	coverage := c.coverage.Coverage()
	tierCounts := make(map[state.WarningTier]int, 5)

	for _, pos := range open {
		if pos.Status != state.StatusOpen {
			continue
		}
		res, err := c.health.Evaluate(pos, markPrice, coverage, c.positions.CountOpenByOwner(pos.Owner))
		if err != nil {
			continue
		}
		tierCounts[res.Tier]++

		if res.Tier != state.TierCritical {
			continue
		}
		submitErr := c.queue.Submit(state.Candidate{
			PositionID: pos.ID,
			RiskScore:  res.RiskScore,
			Health:     res.Health,
			Size:       pos.Size,
		}, c.tick)
		if c.metrics != nil {
			if submitErr != nil {
				c.metrics.QueueSubmissions.WithLabelValues("queue_full").Inc()
			} else {
				c.metrics.QueueSubmissions.WithLabelValues("accepted").Inc()
			}
		}
	}

	if c.metrics != nil {
		c.metrics.HealthScans.WithLabelValues(key.MarketID).Add(float64(len(open)))
		for tier := state.TierNone; tier <= state.TierCritical; tier++ {
			c.metrics.PositionsByTier.WithLabelValues(key.String(), tier.String()).Set(float64(tierCounts[tier]))
		}
		c.metrics.QueueDepth.Set(float64(c.queue.Len()))
	}
}

// --- Coverage path ---

func (c *DeterministicCore) handleCoverageSnapshot(evt *event.CoverageSnapshot) (applyResult, error) {
	status, changed := c.coverage.UpdateSnapshot(evt.VaultBalance, evt.TotalOpenInterest)

	if c.metrics != nil {
		c.metrics.CoverageRatio.Set(float64(c.coverage.Coverage().Micros()) / 1e6)
		c.metrics.VaultBalance.Set(float64(c.coverage.Vault()))
		c.metrics.OpenInterest.Set(float64(c.coverage.OpenInterest()))
		c.metrics.CurrentFeeBps.Set(float64(c.coverage.FeeBps()))
		c.metrics.RecoveryActive.Set(boolGauge(status.Active))
		c.metrics.OpeningsHalted.Set(boolGauge(status.OpenHalted))
	}

	if changed {
		c.emitRecoveryModeChanged(status, evt.Timestamp)
	}
	return applyResult{}, nil
}

// --- Position lifecycle ---

func (c *DeterministicCore) handlePositionOpened(evt *event.PositionOpened) (applyResult, error) {
	key := state.MarketKey{MarketID: evt.Market, Outcome: evt.Outcome}
	if c.breaker.IsHalted(key) {
		return applyResult{}, fmt.Errorf("market %s halted: %w", key, state.ErrCircuitBreakerTriggered)
	}
	if err := c.coverage.CanOpen(evt.Quantity); err != nil {
		return applyResult{}, err
	}

	// Base leverage is capped by the same coverage-scaled line that
	// bounds chain multipliers.
	levCap := c.coverage.Coverage().SatMul(c.riskParams.Current().LeverageCapFactor)
	if fixed.FromMicros(evt.Leverage).GreaterThan(levCap) {
		return applyResult{}, fmt.Errorf("leverage %s above cap %s: %w",
			fixed.FromMicros(evt.Leverage), levCap, state.ErrExceedsExposureLimit)
	}

	pos := &state.Position{
		ID:           evt.PositionID,
		Owner:        evt.Owner,
		MarketID:     evt.Market,
		Outcome:      evt.Outcome,
		Side:         evt.TradeSide,
		Size:         evt.Quantity,
		Collateral:   evt.Collateral,
		EntryPrice:   evt.EntryPrice,
		Leverage:     evt.Leverage,
		OpenedAtTick: c.tick,
	}
	if err := c.positions.Open(pos); err != nil {
		return applyResult{}, err
	}

	if liq, err := c.health.LiquidationPrice(pos); err == nil {
		pos.LiquidationPrice = liq
	}

	if c.metrics != nil {
		c.metrics.OpenPositions.Inc()
		c.metrics.TrackedCollateral.Set(float64(c.positions.TotalCollateral()))
	}
	return applyResult{affected: []uuid.UUID{pos.ID}}, nil
}

func (c *DeterministicCore) handlePositionClosed(evt *event.PositionClosed) (applyResult, error) {
	pos := c.positions.Get(evt.PositionID)
	if pos == nil {
		return applyResult{}, state.ErrInvalidPosition
	}
	if pos.Owner != evt.Owner {
		return applyResult{}, fmt.Errorf("close of %s by non-owner %s: %w",
			evt.PositionID, evt.Owner, state.ErrInvalidPosition)
	}

	// Close rejects positions claimed by an in-flight liquidation, so a
	// voluntary close can never race a lane commit.
	if _, err := c.positions.Close(evt.PositionID); err != nil {
		return applyResult{}, err
	}
	c.queue.Remove(evt.PositionID)

	if c.metrics != nil {
		c.metrics.OpenPositions.Dec()
		c.metrics.TrackedCollateral.Set(float64(c.positions.TotalCollateral()))
		c.metrics.QueueDepth.Set(float64(c.queue.Len()))
	}
	return applyResult{affected: []uuid.UUID{evt.PositionID}}, nil
}

// --- Leverage chain ---

func (c *DeterministicCore) handleChainStepRequested(evt *event.ChainStepRequested) (applyResult, error) {
	stepType, err := state.ParseStepType(evt.StepType)
	if err != nil {
		return applyResult{}, err
	}

	pos := c.positions.Get(evt.PositionID)
	decision, err := c.chain.ValidateStep(
		pos,
		evt.Actor,
		stepType,
		evt.Deposit,
		c.coverage.Coverage(),
		c.positions.CountOpenByOwner(evt.Actor),
		c.tick,
	)
	if err != nil {
		if c.metrics != nil {
			c.metrics.ChainStepsRejected.WithLabelValues(rejectReason(err)).Inc()
		}
		return applyResult{}, err
	}

	if err := c.positions.ApplyChainStep(evt.PositionID, decision.Step, decision.NewMultiplier); err != nil {
		return applyResult{}, err
	}
	// Cooldown starts on acceptance only. A rejected request leaves the
	// actor free to correct and resubmit immediately.
	c.chain.RecordOp(evt.Actor, c.tick)

	// Effective leverage moved, so the stop level moves with it.
	if liq, liqErr := c.health.LiquidationPrice(pos); liqErr == nil {
		pos.LiquidationPrice = liq
	}

	if c.metrics != nil {
		c.metrics.ChainStepsApplied.WithLabelValues(stepType.String()).Inc()
	}
	return applyResult{affected: []uuid.UUID{evt.PositionID}}, nil
}

// --- Attack surface ---

func (c *DeterministicCore) handleBorrowRecorded(evt *event.BorrowRecorded) (applyResult, error) {
	if err := c.attack.RecordBorrow(evt.Actor, evt.Amount, c.tick); err != nil {
		return applyResult{}, err
	}
	return applyResult{}, nil
}

func (c *DeterministicCore) handleTradeSubmitted(evt *event.TradeSubmitted) (applyResult, error) {
	if err := c.attack.CheckTrade(evt.Actor, evt.Quantity, fixed.FromMicros(evt.Leverage), c.tick); err != nil {
		if c.metrics != nil {
			c.metrics.TradesRejected.WithLabelValues(rejectReason(err)).Inc()
			c.metrics.AttacksDetected.Inc()
		}
		return applyResult{}, err
	}
	return applyResult{}, nil
}

func (c *DeterministicCore) handleFlashLoanRepaid(evt *event.FlashLoanRepaid) (applyResult, error) {
	if err := c.attack.VerifyRepayment(evt.Borrowed, evt.Repaid); err != nil {
		return applyResult{}, err
	}
	if c.metrics != nil && evt.Borrowed >= c.cfg.Attack.FlashLoanThreshold {
		c.metrics.FlashLoanFees.Add(float64(c.attack.ApplyFee(evt.Borrowed)))
	}
	return applyResult{}, nil
}

// --- Tick and liquidation cycle ---

// handleTickAdvanced advances logical time, replenishes the compute
// budget, ages out attack records, and drains the liquidation queue.
// One LiquidationExecuted event is emitted per committed directive, in
// lane-commit order, each under its own sequence, before this tick's
// envelope.
func (c *DeterministicCore) handleTickAdvanced(evt *event.TickAdvanced) (applyResult, error) {
	if evt.Tick <= c.tick {
		return applyResult{}, fmt.Errorf("tick must advance: at %d, got %d", c.tick, evt.Tick)
	}
	c.tick = evt.Tick

	c.budget.Reset()
	c.attack.PruneAll(evt.Tick)

	cycleStart := time.Now()
	report, err := c.processor.RunCycle(evt.Tick, c.coverage.Coverage())
	if err != nil {
		return applyResult{}, fmt.Errorf("liquidation cycle: %w", err)
	}

	affected := make([]uuid.UUID, 0, len(report.Directives))
	for i := range report.Directives {
		d := &report.Directives[i]
		affected = append(affected, d.PositionID)
		c.emitLiquidationExecuted(d, evt.Tick, evt.Timestamp)
	}

	if c.metrics != nil {
		c.metrics.CoreTick.Set(float64(evt.Tick))
		c.metrics.CycleDuration.Observe(time.Since(cycleStart).Seconds())
		c.metrics.CycleTaken.Observe(float64(report.Taken))
		c.metrics.QueueDepth.Set(float64(c.queue.Len()))
		c.metrics.QueueEvictions.Add(float64(report.EvictedStale))
		c.metrics.LiquidationsDeferred.Add(float64(report.Deferred))
		c.metrics.LiquidationsDropped.WithLabelValues("recovered").Add(float64(report.DroppedHealthy))
		c.metrics.LiquidationsDropped.WithLabelValues("unavailable").Add(float64(report.SkippedUnavailable))
		c.metrics.BudgetConsumed.Set(float64(c.budget.Consumed()))
		c.metrics.TrackedCollateral.Set(float64(c.positions.TotalCollateral()))
		c.metrics.OpenPositions.Set(float64(len(c.positions.OpenPositionIDs())))
	}
	return applyResult{affected: affected, report: &report}, nil
}

// --- Admin ---

func (c *DeterministicCore) handleBreakerResetRequested(evt *event.BreakerResetRequested) (applyResult, error) {
	if !c.isResetAuthority(evt.Authority) {
		return applyResult{}, fmt.Errorf("reset of %s/%d by %s: %w",
			evt.Market, evt.Outcome, evt.Authority, ErrUnauthorizedReset)
	}

	key := state.MarketKey{MarketID: evt.Market, Outcome: evt.Outcome}
	if c.breaker.Reset(key) {
		if c.metrics != nil {
			c.metrics.BreakerResets.WithLabelValues(evt.Market).Inc()
			c.metrics.HaltedMarkets.Set(float64(len(c.breaker.HaltedMarkets())))
		}
		c.emitMarketHaltLifted(key, evt)
	}
	return applyResult{}, nil
}

func (c *DeterministicCore) handleRiskParamUpdate(evt *event.RiskParamUpdate) (applyResult, error) {
	p := *c.riskParams.Current()
	p.Sigma = fixed.FromMicros(evt.Sigma)
	p.CriticalBand = fixed.FromMicros(evt.CriticalBand)
	p.HighBand = fixed.FromMicros(evt.HighBand)
	p.MediumBand = fixed.FromMicros(evt.MediumBand)
	p.LowBand = fixed.FromMicros(evt.LowBand)
	p.MaxChainSteps = int(evt.MaxChainSteps)
	p.MaxBorrowSteps = int(evt.MaxBorrowSteps)
	p.ChainCooldownTicks = evt.ChainCooldownTicks
	p.BaseExposureLimit = fixed.FromMicros(evt.BaseExposureLimit)
	p.EffectiveSeq = evt.EffectiveSeq

	if err := c.riskParams.Update(&p); err != nil {
		return applyResult{}, fmt.Errorf("risk param update rejected: %w", err)
	}
	return applyResult{}, nil
}

func (c *DeterministicCore) isResetAuthority(authority uuid.UUID) bool {
	for _, a := range c.cfg.ResetAuthorities {
		if a == authority {
			return true
		}
	}
	return false
}

// --- Derived event emission ---

// nextSequence allocates a core sequence for a derived event. Derived
// events are emitted during dispatch, so their sequences precede the
// triggering event's own envelope.
func (c *DeterministicCore) nextSequence() int64 {
	seq := c.sequence
	c.sequence++
	return seq
}

func (c *DeterministicCore) emitLiquidationExecuted(d *state.LiquidationDirective, tick, parentTs int64) {
	seq := c.nextSequence()
	evt := &event.LiquidationExecuted{
		PositionID:         d.PositionID,
		Owner:              d.Owner,
		Market:             d.MarketID,
		Outcome:            d.Outcome,
		LiquidatedAmount:   d.LiquidatedAmount,
		RemainingSize:      d.RemainingSize,
		ExitPrice:          d.ExitPrice,
		KeeperReward:       d.KeeperReward,
		Penalty:            d.Penalty,
		CollateralReleased: d.CollateralReleased,
		Partial:            d.Partial,
		Tick:               tick,
		Sequence:           seq,
		Timestamp:          parentTs,
	}
	if c.metrics != nil {
		mode := "full"
		if d.Partial {
			mode = "partial"
		}
		c.metrics.LiquidationsExecuted.WithLabelValues(d.MarketID, mode).Inc()
	}
	c.emitDerived(evt, seq, []uuid.UUID{d.PositionID}, parentTs)
}

func (c *DeterministicCore) emitMarketHalted(key state.MarketKey, parent *event.MarkPriceObserved) {
	info, ok := c.breaker.Halt(key)
	if !ok {
		return
	}
	seq := c.nextSequence()
	evt := &event.MarketHalted{
		Market:       key.MarketID,
		Outcome:      key.Outcome,
		MovementBps:  info.MovementBps,
		TriggeredAt:  info.TriggeredAtTick,
		TriggerCount: c.breaker.TriggerCount(key),
		Sequence:     seq,
		Timestamp:    parent.PriceTimestamp,
	}
	if c.metrics != nil {
		c.metrics.BreakerTrips.WithLabelValues(key.MarketID).Inc()
		c.metrics.HaltedMarkets.Set(float64(len(c.breaker.HaltedMarkets())))
	}
	c.emitDerived(evt, seq, nil, parent.PriceTimestamp)
}

func (c *DeterministicCore) emitMarketHaltLifted(key state.MarketKey, parent *event.BreakerResetRequested) {
	seq := c.nextSequence()
	evt := &event.MarketHaltLifted{
		Market:    key.MarketID,
		Outcome:   key.Outcome,
		Authority: parent.Authority,
		LiftedAt:  c.tick,
		Sequence:  seq,
		Timestamp: parent.Timestamp,
	}
	c.emitDerived(evt, seq, nil, parent.Timestamp)
}

func (c *DeterministicCore) emitRecoveryModeChanged(status state.RecoveryStatus, parentTs int64) {
	seq := c.nextSequence()
	evt := &event.RecoveryModeChanged{
		Active:         status.Active,
		Coverage:       c.coverage.Coverage().Micros(),
		FeeMultiplier:  status.FeeMultiplier.Micros(),
		LimitFactor:    status.PositionLimitFactor.Micros(),
		OpeningsHalted: status.OpenHalted,
		Sequence:       seq,
		Timestamp:      parentTs,
	}
	c.emitDerived(evt, seq, nil, parentTs)
}

// emitDerived hashes and ships a core-produced event under its own
// sequence, extending the same hash chain as source events.
func (c *DeterministicCore) emitDerived(evt event.Event, seq int64, affected []uuid.UUID, tsMicros int64) {
	digest := c.computeStateDigest(affected)
	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(seq, digest)

	c.emit(CoreOutput{
		Envelope: &event.EventEnvelope{
			Sequence:       seq,
			IdempotencyKey: evt.IdempotencyKey(),
			EventType:      evt.EventType(),
			MarketID:       evt.MarketID(),
			Timestamp:      time.UnixMicro(tsMicros),
			SourceSequence: evt.SourceSequence(),
			StateHash:      stateHash,
			PrevHash:       prevHash,
		},
		Source:     evt,
		StateDelta: digest,
	})
}

// emit ships an output: blocking to persistence so nothing is lost,
// non-blocking to projections which can rebuild from the log.
func (c *DeterministicCore) emit(output CoreOutput) {
	c.persistChan <- output

	select {
	case c.projectionChan <- output:
	default:
		if c.metrics != nil {
			c.metrics.ProjectionDrops.WithLabelValues("core").Inc()
		}
	}
}

// --- State digest ---

// computeStateDigest serializes the positions an event touched, sorted
// by ID, followed by the core aggregates. Events that touch no position
// still digest the aggregates, so every envelope commits to tick,
// tracked collateral, queue depth and coverage.
func (c *DeterministicCore) computeStateDigest(affected []uuid.UUID) []byte {
	ids := make([]uuid.UUID, 0, len(affected))
	seen := make(map[uuid.UUID]struct{}, len(affected))
	for _, id := range affected {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return bytes.Compare(ids[i][:], ids[j][:]) < 0
	})

	digest := make([]byte, 0, len(ids)*176+32)
	for _, id := range ids {
		if pos := c.positions.Get(id); pos != nil {
			digest = append(digest, pos.CanonicalBytes()...)
		}
	}

	digest = appendInt64LE(digest, c.tick)
	digest = appendInt64LE(digest, c.positions.TotalCollateral())
	digest = appendInt64LE(digest, int64(c.queue.Len()))
	digest = appendInt64LE(digest, c.coverage.Coverage().Micros())
	return digest
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v), byte(v>>8), byte(v>>16), byte(v>>24),
		byte(v>>32), byte(v>>40), byte(v>>48), byte(v>>56),
	)
}

// --- Partitioning and timestamps ---

// getPartition maps an event to its source ordering partition. Each
// upstream producer sequences its own stream: the trading gateway per
// market, the tick driver, the coverage reporter, the lending desk and
// the admin surface.
func (c *DeterministicCore) getPartition(evt event.Event) string {
	switch evt.(type) {
	case *event.TickAdvanced:
		return "ticks"
	case *event.CoverageSnapshot:
		return "coverage"
	case *event.BorrowRecorded, *event.FlashLoanRepaid:
		return "lending"
	case *event.RiskParamUpdate, *event.BreakerResetRequested:
		return "admin"
	default:
		if marketID := evt.MarketID(); marketID != nil {
			return fmt.Sprintf("market:%s", *marketID)
		}
		return "global"
	}
}

// getEventTimestamp extracts the producer-supplied timestamp. The core
// never reads the wall clock for anything that feeds state or the log.
func (c *DeterministicCore) getEventTimestamp(evt event.Event) time.Time {
	switch e := evt.(type) {
	case *event.MarkPriceObserved:
		return time.UnixMicro(e.PriceTimestamp)
	case *event.CoverageSnapshot:
		return time.UnixMicro(e.Timestamp)
	case *event.PositionOpened:
		return time.UnixMicro(e.Timestamp)
	case *event.PositionClosed:
		return time.UnixMicro(e.Timestamp)
	case *event.ChainStepRequested:
		return time.UnixMicro(e.Timestamp)
	case *event.BorrowRecorded:
		return time.UnixMicro(e.Timestamp)
	case *event.TradeSubmitted:
		return time.UnixMicro(e.Timestamp)
	case *event.FlashLoanRepaid:
		return time.UnixMicro(e.Timestamp)
	case *event.TickAdvanced:
		return time.UnixMicro(e.Timestamp)
	case *event.BreakerResetRequested:
		return time.UnixMicro(e.Timestamp)
	case *event.RiskParamUpdate:
		return time.UnixMicro(e.Timestamp)
	default:
		panic(fmt.Sprintf("FATAL: getEventTimestamp called with unhandled event type %T; deterministic core cannot fall back to wall-clock time", evt))
	}
}

// --- Invariants ---

// postCheckInvariants reconciles tracked collateral against a walk of
// every position. Liquidation cycles rewrite collateral in bulk, so
// tick events always reconcile; everything else reconciles on the
// periodic cadence.
func (c *DeterministicCore) postCheckInvariants(evt event.Event) error {
	_, isTick := evt.(*event.TickAdvanced)
	if !isTick && c.sequence%1000 != 0 {
		return nil
	}
	return c.positions.CheckCollateralInvariant()
}

// rejectReason maps sentinel rejections onto stable metric labels.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, state.ErrTooManySteps):
		return "too_many_steps"
	case errors.Is(err, state.ErrChainCycle):
		return "cycle"
	case errors.Is(err, state.ErrExceedsExposureLimit):
		return "exposure_limit"
	case errors.Is(err, state.ErrDepthLimitExceeded):
		return "depth_limit"
	case errors.Is(err, state.ErrInsufficientLiquidationBuffer):
		return "buffer"
	case errors.Is(err, state.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, state.ErrSuspiciousActivity):
		return "suspicious"
	case errors.Is(err, state.ErrInvalidDeposit):
		return "invalid_deposit"
	case errors.Is(err, state.ErrInvalidPosition):
		return "invalid_position"
	default:
		return "invalid"
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// --- Snapshot and restore ---

// HaltSnapshot pairs a halt with its historical trigger count.
type HaltSnapshot struct {
	Info         state.HaltInfo
	TriggerCount int64
}

// SnapshotState is the full restart image of the engine. Taken between
// events, persisted by the snapshot worker, and fed back through
// RestoreFromSnapshot before replaying the tail of the event log.
type SnapshotState struct {
	Sequence  int64
	Tick      int64
	StateHash [32]byte

	Positions      []*state.Position
	MarkPrices     map[state.MarketKey]*state.MarkPriceState
	QueueEntries   []state.QueueEntry
	ChainCooldowns map[string]int64
	Halts          []HaltSnapshot
	Vault          int64
	OpenInterest   int64
	RecoveryActive bool
	RiskParams     *state.RiskParams

	SequenceState   map[string]int64
	IdempotencyKeys []string
}

// CreateSnapshotState captures the current state. Callers must invoke
// it from the engine goroutine, between events.
func (c *DeterministicCore) CreateSnapshotState() *SnapshotState {
	halted := c.breaker.HaltedMarkets()
	halts := make([]HaltSnapshot, 0, len(halted))
	for _, info := range halted {
		key := state.MarketKey{MarketID: info.MarketID, Outcome: info.Outcome}
		halts = append(halts, HaltSnapshot{Info: info, TriggerCount: c.breaker.TriggerCount(key)})
	}
	sort.Slice(halts, func(i, j int) bool {
		if halts[i].Info.MarketID != halts[j].Info.MarketID {
			return halts[i].Info.MarketID < halts[j].Info.MarketID
		}
		return halts[i].Info.Outcome < halts[j].Info.Outcome
	})

	return &SnapshotState{
		Sequence:  c.sequence - 1,
		Tick:      c.tick,
		StateHash: c.hasher.GetPrevHash(),

		Positions:      c.positions.GetAllPositions(),
		MarkPrices:     c.positions.GetAllMarkPrices(),
		QueueEntries:   c.queue.Ranked(),
		ChainCooldowns: c.chain.Snapshot(),
		Halts:          halts,
		Vault:          c.coverage.Vault(),
		OpenInterest:   c.coverage.OpenInterest(),
		RecoveryActive: c.coverage.RecoveryActive(),
		RiskParams:     c.riskParams.Current(),

		SequenceState:   c.sequenceValidator.GetAllPartitions(),
		IdempotencyKeys: c.idempotency.lru.GetAllKeys(),
	}
}

// RestoreFromSnapshot rebuilds engine state from a snapshot. The hash
// chain resumes from the snapshot's tip, so replayed tail events must
// reproduce the exact hashes the log already holds.
func (c *DeterministicCore) RestoreFromSnapshot(snap *SnapshotState) error {
	c.sequence = snap.Sequence + 1
	c.tick = snap.Tick
	c.hasher.SetPrevHash(snap.StateHash)

	if snap.RiskParams != nil {
		if err := c.riskParams.Update(snap.RiskParams); err != nil {
			return fmt.Errorf("restore risk params: %w", err)
		}
	}

	for _, pos := range snap.Positions {
		c.positions.SetPosition(pos)
	}
	for key, mp := range snap.MarkPrices {
		c.positions.RestoreMarkPrice(key, mp)
	}

	// Re-submission in ranked order reproduces drain order: priorities
	// recompute identically and insertion order settles the ties.
	for _, e := range snap.QueueEntries {
		err := c.queue.Submit(state.Candidate{
			PositionID: e.PositionID,
			RiskScore:  e.RiskScore,
			Health:     e.Health,
			Size:       e.Size,
		}, e.LastScanTick)
		if err != nil {
			return fmt.Errorf("restore queue entry %s: %w", e.PositionID, err)
		}
	}

	if err := c.chain.Restore(snap.ChainCooldowns); err != nil {
		return fmt.Errorf("restore chain cooldowns: %w", err)
	}

	for _, h := range snap.Halts {
		c.breaker.RestoreHalt(h.Info, h.TriggerCount)
	}
	c.coverage.Restore(snap.Vault, snap.OpenInterest, snap.RecoveryActive)

	for partition, next := range snap.SequenceState {
		c.sequenceValidator.RestorePartition(partition, next)
	}
	return nil
}

// WarmLRU preloads the dedup cache from persisted idempotency keys.
func (c *DeterministicCore) WarmLRU(keys []string) {
	c.idempotency.lru.WarmFromKeys(keys)
}

// --- Accessors ---

func (c *DeterministicCore) GetSequence() int64 {
	return c.sequence
}

func (c *DeterministicCore) GetStateHash() [32]byte {
	return c.hasher.GetPrevHash()
}

func (c *DeterministicCore) CurrentTick() int64 {
	return c.tick
}

// GuardState exposes the reentrancy guard for health reporting. A
// Locked guard means the engine froze on an integrity failure.
func (c *DeterministicCore) GuardState() state.GuardState {
	return c.guard.State()
}
