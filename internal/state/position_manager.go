package state

import (
	"fmt"

	"RiskCore/internal/event"
	"RiskCore/internal/fixed"

	"github.com/google/uuid"
)

// MarketKey identifies one outcome leg of a market.
type MarketKey struct {
	MarketID string
	Outcome  uint8
}

func (k MarketKey) String() string {
	return fmt.Sprintf("%s/%d", k.MarketID, k.Outcome)
}

// MarkPriceState tracks the latest observed price per market outcome.
type MarkPriceState struct {
	Price          int64
	PriceSequence  int64
	ObservedAtTick int64
}

// PositionManager owns the flat position table. Iteration order is the
// insertion order of still-open positions so every scan is reproducible.
type PositionManager struct {
	positions  map[uuid.UUID]*Position
	order      []uuid.UUID
	ownerOpen  map[uuid.UUID]int
	markPrices map[MarketKey]*MarkPriceState

	// totalCollateral mirrors the sum of open position collateral and
	// is reconciled against it by CheckCollateralInvariant.
	totalCollateral int64
}

func NewPositionManager() *PositionManager {
	return &PositionManager{
		positions:  make(map[uuid.UUID]*Position),
		ownerOpen:  make(map[uuid.UUID]int),
		markPrices: make(map[MarketKey]*MarkPriceState),
	}
}

// Get returns the position or nil.
func (pm *PositionManager) Get(id uuid.UUID) *Position {
	return pm.positions[id]
}

// Open registers a new position. The caller has already validated
// leverage, price and size; this enforces only structural rules.
func (pm *PositionManager) Open(pos *Position) error {
	if pos.ID == uuid.Nil {
		return ErrInvalidPosition
	}
	if _, exists := pm.positions[pos.ID]; exists {
		return fmt.Errorf("position %s already exists: %w", pos.ID, ErrInvalidPosition)
	}
	if pos.Size <= 0 || pos.EntryPrice <= 0 {
		return ErrInvalidPosition
	}
	if pos.Leverage <= 0 {
		return ErrInvalidLeverage
	}
	if pos.Collateral <= 0 {
		return ErrInvalidDeposit
	}
	if pos.Side != event.SideLong && pos.Side != event.SideShort {
		return ErrInvalidPosition
	}
	if pos.ChainMultiplier == 0 {
		pos.ChainMultiplier = 1_000_000
	}
	pos.Status = StatusOpen

	pm.positions[pos.ID] = pos
	pm.order = append(pm.order, pos.ID)
	pm.ownerOpen[pos.Owner]++
	pm.totalCollateral += pos.Collateral
	return nil
}

// Close marks a position voluntarily closed and releases its collateral
// from the tracked total.
func (pm *PositionManager) Close(id uuid.UUID) (*Position, error) {
	pos := pm.positions[id]
	if pos == nil {
		return nil, ErrInvalidPosition
	}
	if !pos.Status.CanTransitionTo(StatusClosed) {
		return nil, fmt.Errorf("position %s is %s: %w", id, pos.Status, ErrInvalidPosition)
	}
	pos.Status = StatusClosed
	pm.totalCollateral -= pos.Collateral
	pos.Collateral = 0
	pos.Version++
	pm.dropOpen(pos)
	return pos, nil
}

// Claim flips a position to Processing for the current liquidation
// cycle. Claiming an already-claimed position fails closed.
func (pm *PositionManager) Claim(id uuid.UUID) (*Position, error) {
	pos := pm.positions[id]
	if pos == nil {
		return nil, ErrInvalidPosition
	}
	if pos.Status != StatusOpen {
		return nil, fmt.Errorf("position %s is %s: %w", id, pos.Status, ErrInvalidPosition)
	}
	pos.Status = StatusProcessing
	pos.Version++
	return pos, nil
}

// Release returns a claimed position to Open, e.g. after a re-verify
// found it healthy or its liquidation was deferred.
func (pm *PositionManager) Release(id uuid.UUID) {
	pos := pm.positions[id]
	if pos == nil || pos.Status != StatusProcessing {
		return
	}
	pos.Status = StatusOpen
	pos.Version++
}

// ApplyFullLiquidation closes out a claimed position entirely. The
// collateral delta (reward, penalty and released remainder) has been
// computed by the caller; the tracked total drops by the position's
// full collateral.
func (pm *PositionManager) ApplyFullLiquidation(id uuid.UUID) error {
	pos := pm.positions[id]
	if pos == nil {
		return ErrInvalidPosition
	}
	if !pos.Status.CanTransitionTo(StatusLiquidated) {
		return fmt.Errorf("position %s is %s: %w", id, pos.Status, ErrInvalidPosition)
	}
	pm.totalCollateral -= pos.Collateral
	pos.Collateral = 0
	pos.Size = 0
	pos.Status = StatusLiquidated
	pos.Version++
	pm.dropOpen(pos)
	return nil
}

// ApplyPartialLiquidation reduces a claimed position and returns it to
// Open. The residual keeps the given size, collateral and effective
// leverage; the chain multiplier is folded into base leverage because
// the applied steps were consumed by the liquidation.
func (pm *PositionManager) ApplyPartialLiquidation(
	id uuid.UUID,
	remainingSize int64,
	collateralDeducted int64,
	newLeverageMicros int64,
	newLiquidationPrice int64,
) error {
	pos := pm.positions[id]
	if pos == nil {
		return ErrInvalidPosition
	}
	if pos.Status != StatusProcessing {
		return fmt.Errorf("position %s is %s: %w", id, pos.Status, ErrInvalidPosition)
	}
	if remainingSize <= 0 || remainingSize >= pos.Size {
		return fmt.Errorf("residual size %d out of range: %w", remainingSize, ErrInvalidPosition)
	}
	if collateralDeducted < 0 || collateralDeducted > pos.Collateral {
		return fmt.Errorf("collateral deduction %d out of range: %w", collateralDeducted, ErrInvalidPosition)
	}
	if newLeverageMicros <= 0 {
		return ErrInvalidLeverage
	}

	pos.Size = remainingSize
	pos.Collateral -= collateralDeducted
	pm.totalCollateral -= collateralDeducted
	pos.Leverage = newLeverageMicros
	pos.ChainMultiplier = 1_000_000
	pos.Chain = nil
	pos.LiquidationPrice = newLiquidationPrice
	pos.Status = StatusOpen
	pos.Version++
	return nil
}

// ApplyChainStep appends a validated step and updates the accumulated
// multiplier.
func (pm *PositionManager) ApplyChainStep(id uuid.UUID, step ChainStep, newMultiplier int64) error {
	pos := pm.positions[id]
	if pos == nil || pos.Status != StatusOpen {
		return ErrInvalidPosition
	}
	pos.Chain = append(pos.Chain, step)
	pos.ChainMultiplier = newMultiplier
	pos.Version++
	return nil
}

func (pm *PositionManager) dropOpen(pos *Position) {
	if pm.ownerOpen[pos.Owner] > 0 {
		pm.ownerOpen[pos.Owner]--
		if pm.ownerOpen[pos.Owner] == 0 {
			delete(pm.ownerOpen, pos.Owner)
		}
	}
	for i, v := range pm.order {
		if v == pos.ID {
			pm.order = append(pm.order[:i], pm.order[i+1:]...)
			return
		}
	}
}

// OpenPositionIDs returns open position ids in insertion order.
func (pm *PositionManager) OpenPositionIDs() []uuid.UUID {
	out := make([]uuid.UUID, len(pm.order))
	copy(out, pm.order)
	return out
}

// OpenPositionsOn returns open positions for one market outcome in
// insertion order.
func (pm *PositionManager) OpenPositionsOn(key MarketKey) []*Position {
	var out []*Position
	for _, id := range pm.order {
		pos := pm.positions[id]
		if pos != nil && pos.MarketID == key.MarketID && pos.Outcome == key.Outcome && pos.IsOpen() {
			out = append(out, pos)
		}
	}
	return out
}

// CountOpenByOwner returns the owner's open position count, the n in
// the margin ratio's correlation term f(n).
func (pm *PositionManager) CountOpenByOwner(owner uuid.UUID) int {
	return pm.ownerOpen[owner]
}

// UpdateMarkPrice records a price observation. Stale or duplicate
// sequences are ignored; gaps are tolerated because the feed is a
// sampled stream, not a dense event log.
func (pm *PositionManager) UpdateMarkPrice(key MarketKey, price int64, sequence int64, tick int64) error {
	if price <= 0 {
		return ErrInvalidPrice
	}
	current := pm.markPrices[key]
	if current != nil && sequence <= current.PriceSequence {
		return nil
	}
	pm.markPrices[key] = &MarkPriceState{
		Price:          price,
		PriceSequence:  sequence,
		ObservedAtTick: tick,
	}
	return nil
}

// GetMarkPrice returns the latest price for a market outcome.
func (pm *PositionManager) GetMarkPrice(key MarketKey) (int64, bool) {
	st := pm.markPrices[key]
	if st == nil {
		return 0, false
	}
	return st.Price, true
}

// MarkPriceSeq returns the oracle sequence of the applied price.
func (pm *PositionManager) MarkPriceSeq(key MarketKey) (int64, bool) {
	st := pm.markPrices[key]
	if st == nil {
		return 0, false
	}
	return st.PriceSequence, true
}

// TotalOpenNotional sums size * mark across open positions, in quote
// units at quantity scale. Positions without a price contribute zero.
func (pm *PositionManager) TotalOpenNotional() int64 {
	total := fixed.Zero
	for _, id := range pm.order {
		pos := pm.positions[id]
		if pos == nil || !pos.IsOpen() {
			continue
		}
		price, ok := pm.GetMarkPrice(MarketKey{MarketID: pos.MarketID, Outcome: pos.Outcome})
		if !ok {
			continue
		}
		notional := fixed.FromMicros(pos.Size).Mul(fixed.FromMicros(price))
		total = total.SatAdd(notional)
	}
	return total.Micros()
}

// TotalCollateral returns the tracked collateral total.
func (pm *PositionManager) TotalCollateral() int64 {
	return pm.totalCollateral
}

// CheckCollateralInvariant reconciles the tracked total against the sum
// over open positions. Divergence beyond the rounding tolerance is a
// fatal integrity error.
func (pm *PositionManager) CheckCollateralInvariant() error {
	var sum int64
	var open int64
	for _, pos := range pm.positions {
		if pos.IsOpen() {
			sum += pos.Collateral
			open++
		}
	}
	tolerance := open // one micro-unit per open position
	diff := pm.totalCollateral - sum
	if diff < 0 {
		diff = -diff
	}
	if diff > tolerance {
		return &IntegrityError{
			Invariant: "total_collateral == sum(position collateral)",
			Expected:  sum,
			Actual:    pm.totalCollateral,
		}
	}
	return nil
}

// SetPosition directly installs a position (snapshot restore). The
// tracked collateral total and owner counts are rebuilt from what is
// installed, never restored separately.
func (pm *PositionManager) SetPosition(pos *Position) {
	if _, exists := pm.positions[pos.ID]; !exists && pos.IsOpen() {
		pm.order = append(pm.order, pos.ID)
	}
	pm.positions[pos.ID] = pos
	if pos.IsOpen() {
		pm.ownerOpen[pos.Owner]++
		pm.totalCollateral += pos.Collateral
	}
}

// RestoreMarkPrice directly installs a mark price (snapshot restore).
func (pm *PositionManager) RestoreMarkPrice(key MarketKey, mp *MarkPriceState) {
	pm.markPrices[key] = mp
}

// GetAllMarkPrices returns all mark prices (snapshot creation).
func (pm *PositionManager) GetAllMarkPrices() map[MarketKey]*MarkPriceState {
	out := make(map[MarketKey]*MarkPriceState, len(pm.markPrices))
	for k, v := range pm.markPrices {
		out[k] = v
	}
	return out
}

// GetAllPositions returns every tracked position, open ids first in
// insertion order, then closed ones in unspecified order.
func (pm *PositionManager) GetAllPositions() []*Position {
	out := make([]*Position, 0, len(pm.positions))
	seen := make(map[uuid.UUID]bool, len(pm.order))
	for _, id := range pm.order {
		if pos := pm.positions[id]; pos != nil {
			out = append(out, pos)
			seen[id] = true
		}
	}
	for id, pos := range pm.positions {
		if !seen[id] {
			out = append(out, pos)
		}
	}
	return out
}
