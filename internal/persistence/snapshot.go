package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SnapshotManager stores and loads restart images of the engine.
// A snapshot pins a sequence and the state hash at that sequence; on
// warm restart the orchestrator restores it and replays the event-log
// tail from snapshot.sequence+1.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData is the serializable form of core.SnapshotState. The
// orchestrator converts between the two; this package stays free of
// core types.
type SnapshotData struct {
	Sequence  int64  `json:"sequence"`
	Tick      int64  `json:"tick"`
	StateHash []byte `json:"state_hash"`

	Positions      []PositionSnapshot `json:"positions"`
	MarkPrices     []MarkPriceSnap    `json:"mark_prices"`
	QueueEntries   []QueueEntrySnap   `json:"queue_entries"`
	ChainCooldowns map[string]int64   `json:"chain_cooldowns"`
	Halts          []HaltSnap         `json:"halts"`
	Vault          int64              `json:"vault"`
	OpenInterest   int64              `json:"open_interest"`
	RecoveryActive bool               `json:"recovery_active"`
	RiskParams     *RiskParamsSnap    `json:"risk_params,omitempty"`

	SequenceState   map[string]int64 `json:"sequence_state"`
	IdempotencyKeys []string         `json:"idempotency_keys"`
	CreatedAt       time.Time        `json:"created_at"`
}

// PositionSnapshot is a serializable position.
type PositionSnapshot struct {
	PositionID       string          `json:"position_id"`
	Owner            string          `json:"owner"`
	MarketID         string          `json:"market_id"`
	Outcome          uint8           `json:"outcome"`
	Side             int32           `json:"side"`
	Size             int64           `json:"size"`
	Collateral       int64           `json:"collateral"`
	EntryPrice       int64           `json:"entry_price"`
	Leverage         int64           `json:"leverage"`
	ChainMultiplier  int64           `json:"chain_multiplier"`
	Chain            []ChainStepSnap `json:"chain,omitempty"`
	LiquidationPrice int64           `json:"liquidation_price"`
	Status           int32           `json:"status"`
	OpenedAtTick     int64           `json:"opened_at_tick"`
	Version          int64           `json:"version"`
}

// ChainStepSnap is one applied leverage-chain step.
type ChainStepSnap struct {
	StepType      int32 `json:"step_type"`
	Multiplier    int64 `json:"multiplier"`
	AppliedAtTick int64 `json:"applied_at_tick"`
}

// MarkPriceSnap is the last applied oracle frame for a market outcome.
type MarkPriceSnap struct {
	MarketID       string `json:"market_id"`
	Outcome        uint8  `json:"outcome"`
	Price          int64  `json:"price"`
	PriceSequence  int64  `json:"price_sequence"`
	ObservedAtTick int64  `json:"observed_at_tick"`
}

// QueueEntrySnap holds the fields re-submission needs; priority and
// lane assignment recompute deterministically on restore.
//
// Fixed-point ratios are stored as decimal strings so the restored
// values compare exactly equal to the originals.
type QueueEntrySnap struct {
	PositionID   string `json:"position_id"`
	RiskScore    string `json:"risk_score"`
	Health       string `json:"health"`
	Size         int64  `json:"size"`
	LastScanTick int64  `json:"last_scan_tick"`
}

// HaltSnap is one active circuit-breaker halt.
type HaltSnap struct {
	MarketID        string `json:"market_id"`
	Outcome         uint8  `json:"outcome"`
	Reason          string `json:"reason"`
	MovementBps     int64  `json:"movement_bps"`
	TriggeredAtTick int64  `json:"triggered_at_tick"`
	TriggerCount    int64  `json:"trigger_count"`
}

// RiskParamsSnap is the active parameter set, ratios as decimal strings.
type RiskParamsSnap struct {
	Sigma              string `json:"sigma"`
	CriticalBand       string `json:"critical_band"`
	HighBand           string `json:"high_band"`
	MediumBand         string `json:"medium_band"`
	LowBand            string `json:"low_band"`
	MaxChainSteps      int    `json:"max_chain_steps"`
	MaxBorrowSteps     int    `json:"max_borrow_steps"`
	ChainCooldownTicks int64  `json:"chain_cooldown_ticks"`
	BaseExposureLimit  string `json:"base_exposure_limit"`
	MaxDepth           int64  `json:"max_depth"`
	BaseBuffer         string `json:"base_buffer"`
	HighBuffer         string `json:"high_buffer"`
	ExtremeBuffer      string `json:"extreme_buffer"`
	HighLeverageTier   string `json:"high_leverage_tier"`
	ExtremeLeverage    string `json:"extreme_leverage"`
	LeverageCapFactor  string `json:"leverage_cap_factor"`
	EffectiveSeq       int64  `json:"effective_seq"`
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists a snapshot and returns its encoded size.
// Snapshots start unverified; the orchestrator marks them verified
// once the surrounding hash chain has checked out.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	snapshotID := uuid.New()
	formatVersion := int32(1) // v1: JSON-encoded SnapshotData

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, snapshotID, snap.Sequence, data, snap.StateHash, formatVersion, len(data), snap.CreatedAt)

	return len(data), err
}

// LoadLatestSnapshot returns the most recent verified snapshot, or nil
// for a cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}

	return &snap, nil
}

// MarkVerified flags a snapshot as a valid restore point.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadEventsFrom pages the event log for replay, oldest first.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, market_id, payload,
		       state_hash, prev_hash, timestamp, source_sequence
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.IdempotencyKey, &e.MarketID,
			&e.Payload, &e.StateHash, &e.PrevHash, &e.Timestamp, &e.SourceSequence,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log, or
// zero for an empty log.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.events
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}
