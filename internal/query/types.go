package query

import "github.com/google/uuid"

// PositionResponse is a projected position for API queries.
type PositionResponse struct {
	PositionID     uuid.UUID `json:"position_id"`
	Owner          uuid.UUID `json:"owner"`
	MarketID       string    `json:"market_id"`
	Outcome        uint8     `json:"outcome"`
	Side           int32     `json:"side"`
	Quantity       int64     `json:"quantity"`
	Collateral     int64     `json:"collateral"`
	EntryPrice     int64     `json:"entry_price"`
	Leverage       int64     `json:"leverage"`
	Status         string    `json:"status"`
	OpenedSequence int64     `json:"opened_sequence"`
	LastSequence   int64     `json:"last_sequence"`
	AsOfSequence   int64     `json:"as_of_sequence"`
}

// LiquidationHistoryResponse is one executed liquidation.
type LiquidationHistoryResponse struct {
	Sequence           int64     `json:"sequence"`
	PositionID         uuid.UUID `json:"position_id"`
	Owner              uuid.UUID `json:"owner"`
	MarketID           string    `json:"market_id"`
	Outcome            uint8     `json:"outcome"`
	LiquidatedAmount   int64     `json:"liquidated_amount"`
	RemainingSize      int64     `json:"remaining_size"`
	ExitPrice          int64     `json:"exit_price"`
	KeeperReward       int64     `json:"keeper_reward"`
	Penalty            int64     `json:"penalty"`
	CollateralReleased int64     `json:"collateral_released"`
	Partial            bool      `json:"partial"`
	Tick               int64     `json:"tick"`
	Timestamp          int64     `json:"timestamp_us"`
	AsOfSequence       int64     `json:"as_of_sequence"`
}

// HaltHistoryResponse is one circuit-breaker halt, with its lift when
// one has been applied.
type HaltHistoryResponse struct {
	Sequence        int64      `json:"sequence"`
	MarketID        string     `json:"market_id"`
	Outcome         uint8      `json:"outcome"`
	MovementBps     int64      `json:"movement_bps"`
	TriggeredAtTick int64      `json:"triggered_at_tick"`
	TriggerCount    int64      `json:"trigger_count"`
	Lifted          bool       `json:"lifted"`
	LiftAuthority   *uuid.UUID `json:"lift_authority,omitempty"`
	LiftedAtTick    *int64     `json:"lifted_at_tick,omitempty"`
	LiftSequence    *int64     `json:"lift_sequence,omitempty"`
	Timestamp       int64      `json:"timestamp_us"`
	AsOfSequence    int64      `json:"as_of_sequence"`
}

// CoverageStatusResponse is the vault coverage and recovery regime as
// recorded in the event log: the latest coverage snapshot plus the
// latest recovery transition, if any.
type CoverageStatusResponse struct {
	VaultBalance      int64 `json:"vault_balance"`
	TotalOpenInterest int64 `json:"total_open_interest"`
	// CoverageMicros is vault / open interest. Meaningless when
	// FullyCovered is set (no exposure outstanding).
	CoverageMicros int64 `json:"coverage_micros"`
	FullyCovered   bool  `json:"fully_covered"`

	RecoveryActive      bool  `json:"recovery_active"`
	FeeMultiplierMicros int64 `json:"fee_multiplier_micros"`
	LimitFactorMicros   int64 `json:"limit_factor_micros"`
	OpeningsHalted      bool  `json:"openings_halted"`

	SnapshotSequence int64 `json:"snapshot_sequence"`
	// RecoverySequence is the log sequence of the latest recovery
	// transition, zero when none has ever occurred.
	RecoverySequence int64 `json:"recovery_sequence,omitempty"`
	Timestamp        int64 `json:"timestamp_us"`
}

// IntegrityReport is the result of an integrity verification pass over
// the event log and read models.
type IntegrityReport struct {
	IsHealthy              bool    `json:"is_healthy"`
	HashChainBreaks        []int64 `json:"hash_chain_breaks,omitempty"`
	MalformedLiquidations  []int64 `json:"malformed_liquidations,omitempty"`
	LastSequence           int64   `json:"last_sequence"`
	ProjectionLagSequences int64   `json:"projection_lag_sequences"`
}
