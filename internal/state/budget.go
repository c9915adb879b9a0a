package state

// ComputeBudget is the per-tick resource ledger. Each costed operation
// draws units from it; once exhausted, work defers to the next tick.
// Budgets are explicit ceilings, never wall-clock timeouts, so a tick's
// workload is identical no matter how fast the host runs.
type ComputeBudget struct {
	perTick   int64
	remaining int64
	consumed  int64
}

func NewComputeBudget(perTick int64) *ComputeBudget {
	return &ComputeBudget{perTick: perTick, remaining: perTick}
}

// Reset restores the full allowance at tick start.
func (b *ComputeBudget) Reset() {
	b.remaining = b.perTick
	b.consumed = 0
}

// Consume draws units, or returns ErrBudgetExhausted leaving the
// balance untouched when the allowance cannot cover the draw.
func (b *ComputeBudget) Consume(units int64) error {
	if units < 0 {
		units = 0
	}
	if units > b.remaining {
		return ErrBudgetExhausted
	}
	b.remaining -= units
	b.consumed += units
	return nil
}

// Remaining returns the unspent allowance for this tick.
func (b *ComputeBudget) Remaining() int64 {
	return b.remaining
}

// Consumed returns the units spent this tick.
func (b *ComputeBudget) Consumed() int64 {
	return b.consumed
}

// PerTick returns the configured allowance.
func (b *ComputeBudget) PerTick() int64 {
	return b.perTick
}
