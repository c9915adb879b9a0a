package state

import (
	"errors"
	"fmt"
)

// Sentinel errors for every rejection the risk core can produce. Callers
// classify with errors.Is; none of these indicate corrupted state. A
// corrupted invariant surfaces as *IntegrityError instead and halts the
// whole system rather than a single operation.

// Validation errors. Rejected before any state mutation; the caller may
// retry with corrected input.
var (
	ErrInvalidLeverage               = errors.New("state: leverage must be positive")
	ErrInvalidDeposit                = errors.New("state: deposit must be positive")
	ErrInvalidOutcome                = errors.New("state: unknown market outcome")
	ErrInvalidPosition               = errors.New("state: position missing or not open")
	ErrInvalidPrice                  = errors.New("state: price must be positive")
	ErrInvalidCoverage               = errors.New("state: coverage ratio must be positive")
	ErrTooManySteps                  = errors.New("state: chain step limit reached")
	ErrChainCycle                    = errors.New("state: leverage chain forms a cycle")
	ErrExceedsExposureLimit          = errors.New("state: simulated leverage exceeds exposure limit")
	ErrInsufficientLiquidationBuffer = errors.New("state: liquidation buffer below required minimum")
	ErrPositionLimitExceeded         = errors.New("state: position size exceeds current limit")
)

// Resource errors. The operation is sound but capacity is exhausted;
// retry on a later tick.
var (
	ErrQueueFull          = errors.New("state: liquidation queue at capacity")
	ErrDepthLimitExceeded = errors.New("state: hierarchy depth limit exceeded")
	ErrBudgetExhausted    = errors.New("state: per-tick compute budget exhausted")
)

// Safety-trip errors. A system-wide flag is set; the condition clears
// only through an explicit authorized reset.
var (
	ErrCircuitBreakerTriggered = errors.New("state: circuit breaker triggered")
	ErrReentrancyDetected      = errors.New("state: reentrant call rejected")
	ErrGuardLocked             = errors.New("state: guard permanently locked")
	ErrOpeningHalted           = errors.New("state: new position opening halted")
)

// Timing and attack errors. Rejected with no state change beyond the
// detector's own counters.
var (
	ErrRateLimited                    = errors.New("state: operation rate limited")
	ErrInsufficientFlashLoanRepayment = errors.New("state: repayment below principal plus fee")
	ErrSuspiciousActivity             = errors.New("state: suspicious trading pattern")
)

// IntegrityError reports a corrupted core invariant, e.g. tracked
// collateral diverging from the sum of open positions. It is fatal: the
// engine panics on it rather than continuing with inconsistent state.
type IntegrityError struct {
	Invariant string
	Expected  int64
	Actual    int64
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity violation: %s: expected %d, actual %d",
		e.Invariant, e.Expected, e.Actual)
}
