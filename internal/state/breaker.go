package state

import (
	"RiskCore/internal/fixed"
)

// BreakerState is a market outcome's halt status.
type BreakerState int32

const (
	BreakerNormal BreakerState = iota
	BreakerHalted
)

func (s BreakerState) String() string {
	switch s {
	case BreakerNormal:
		return "Normal"
	case BreakerHalted:
		return "Halted"
	default:
		return "Unknown"
	}
}

// BreakerConfig tunes the movement window.
type BreakerConfig struct {
	// TrailingTicks is the lookback window for the baseline sample.
	TrailingTicks int64
	// ThresholdBps halts on movement strictly above this bound; a move
	// of exactly the threshold passes.
	ThresholdBps int64
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		TrailingTicks: 4,
		ThresholdBps:  500,
	}
}

// windowSlots fixes the circular sample buffer size per market outcome.
const windowSlots = 5

type priceSample struct {
	price int64
	tick  int64
}

// marketBreaker is the per-outcome window and halt state.
type marketBreaker struct {
	window [windowSlots]priceSample
	count  int
	head   int

	state           BreakerState
	haltStartTick   int64
	haltReason      string
	haltMovementBps int64
	triggerCount    int64
}

func (mb *marketBreaker) record(price, tick int64) {
	mb.window[mb.head] = priceSample{price: price, tick: tick}
	mb.head = (mb.head + 1) % windowSlots
	if mb.count < windowSlots {
		mb.count++
	}
}

// baseline returns the oldest retained sample within the trailing
// window, excluding anything older than tick-trailing.
func (mb *marketBreaker) baseline(tick, trailing int64) (priceSample, bool) {
	var best priceSample
	found := false
	for i := 0; i < mb.count; i++ {
		s := mb.window[i]
		if tick-s.tick > trailing {
			continue
		}
		if !found || s.tick < best.tick {
			best = s
			found = true
		}
	}
	return best, found
}

// HaltInfo describes an active halt for event emission.
type HaltInfo struct {
	MarketID        string
	Outcome         uint8
	Reason          string
	MovementBps     int64
	TriggeredAtTick int64
}

// CircuitBreaker tracks price movement per market outcome and halts
// when the trailing-window movement exceeds the threshold. It is owned
// by the engine and mutated once per tick from the event pipeline.
type CircuitBreaker struct {
	cfg     BreakerConfig
	markets map[MarketKey]*marketBreaker
}

func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		cfg:     cfg,
		markets: make(map[MarketKey]*marketBreaker),
	}
}

// Observe records a price sample and evaluates the movement rule. On a
// trip it records the halt and returns ErrCircuitBreakerTriggered to
// the caller that delivered the price. While halted, further
// observations are rejected without recording until Reset.
func (cb *CircuitBreaker) Observe(key MarketKey, price int64, tick int64) error {
	if price <= 0 {
		return ErrInvalidPrice
	}

	mb := cb.markets[key]
	if mb == nil {
		mb = &marketBreaker{}
		cb.markets[key] = mb
	}

	if mb.state == BreakerHalted {
		return ErrCircuitBreakerTriggered
	}

	base, ok := mb.baseline(tick, cb.cfg.TrailingTicks)
	mb.record(price, tick)
	if !ok {
		return nil
	}

	movement, err := fixed.FromMicros(price).
		Sub(fixed.FromMicros(base.price)).
		Abs().
		CheckedDiv(fixed.FromMicros(base.price))
	if err != nil {
		return err
	}

	if movement.GreaterThan(fixed.FromBps(cb.cfg.ThresholdBps)) {
		mb.state = BreakerHalted
		mb.haltStartTick = tick
		mb.haltReason = "price_movement"
		mb.haltMovementBps = movement.Bps()
		mb.triggerCount++
		return ErrCircuitBreakerTriggered
	}
	return nil
}

// Reset clears a halt after an authorized request. The sample window is
// discarded so the halted-era baseline cannot re-trip the breaker on
// the first post-reset observation.
func (cb *CircuitBreaker) Reset(key MarketKey) bool {
	mb := cb.markets[key]
	if mb == nil || mb.state != BreakerHalted {
		return false
	}
	*mb = marketBreaker{triggerCount: mb.triggerCount}
	return true
}

// IsHalted reports the halt flag for a market outcome.
func (cb *CircuitBreaker) IsHalted(key MarketKey) bool {
	mb := cb.markets[key]
	return mb != nil && mb.state == BreakerHalted
}

// Halt returns the active halt details, if any.
func (cb *CircuitBreaker) Halt(key MarketKey) (HaltInfo, bool) {
	mb := cb.markets[key]
	if mb == nil || mb.state != BreakerHalted {
		return HaltInfo{}, false
	}
	return HaltInfo{
		MarketID:        key.MarketID,
		Outcome:         key.Outcome,
		Reason:          mb.haltReason,
		MovementBps:     mb.haltMovementBps,
		TriggeredAtTick: mb.haltStartTick,
	}, true
}

// RestoreHalt reinstates a halt from a snapshot. The sample window is
// not restored; post-restart observations rebuild it, and the halt
// itself blocks recording until an authorized reset anyway.
func (cb *CircuitBreaker) RestoreHalt(info HaltInfo, triggerCount int64) {
	key := MarketKey{MarketID: info.MarketID, Outcome: info.Outcome}
	cb.markets[key] = &marketBreaker{
		state:           BreakerHalted,
		haltStartTick:   info.TriggeredAtTick,
		haltReason:      info.Reason,
		haltMovementBps: info.MovementBps,
		triggerCount:    triggerCount,
	}
}

// TriggerCount returns how many times the outcome has halted.
func (cb *CircuitBreaker) TriggerCount(key MarketKey) int64 {
	mb := cb.markets[key]
	if mb == nil {
		return 0
	}
	return mb.triggerCount
}

// HaltedMarkets lists all currently halted outcomes.
func (cb *CircuitBreaker) HaltedMarkets() []HaltInfo {
	var out []HaltInfo
	for key, mb := range cb.markets {
		if mb.state == BreakerHalted {
			out = append(out, HaltInfo{
				MarketID:        key.MarketID,
				Outcome:         key.Outcome,
				Reason:          mb.haltReason,
				MovementBps:     mb.haltMovementBps,
				TriggeredAtTick: mb.haltStartTick,
			})
		}
	}
	return out
}
