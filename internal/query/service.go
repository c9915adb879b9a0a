package query

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"RiskCore/internal/fixed"
)

// QueryService serves read-only lookups from the projection tables.
// Every response carries as_of_sequence, the projection watermark at
// read time, so callers can reason about freshness relative to the
// event log.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// GetPosition returns one projected position.
func (qs *QueryService) GetPosition(
	ctx context.Context,
	positionID uuid.UUID,
) (*PositionResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	var p PositionResponse
	p.AsOfSequence = asOfSeq
	err = qs.db.QueryRowContext(ctx, `
		SELECT position_id, owner, market_id, outcome, side, quantity, collateral,
		       entry_price, leverage, status, opened_sequence, last_sequence
		FROM projections.positions
		WHERE position_id = $1
	`, positionID).Scan(
		&p.PositionID, &p.Owner, &p.MarketID, &p.Outcome, &p.Side, &p.Quantity,
		&p.Collateral, &p.EntryPrice, &p.Leverage, &p.Status,
		&p.OpenedSequence, &p.LastSequence,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetPositionsByOwner returns an owner's open positions.
func (qs *QueryService) GetPositionsByOwner(
	ctx context.Context,
	owner uuid.UUID,
) ([]PositionResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT position_id, owner, market_id, outcome, side, quantity, collateral,
		       entry_price, leverage, status, opened_sequence, last_sequence
		FROM projections.positions
		WHERE owner = $1 AND status = 'open'
		ORDER BY market_id, outcome, opened_sequence
	`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []PositionResponse
	for rows.Next() {
		var p PositionResponse
		p.AsOfSequence = asOfSeq
		if err := rows.Scan(
			&p.PositionID, &p.Owner, &p.MarketID, &p.Outcome, &p.Side, &p.Quantity,
			&p.Collateral, &p.EntryPrice, &p.Leverage, &p.Status,
			&p.OpenedSequence, &p.LastSequence,
		); err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}

	return positions, rows.Err()
}

// GetLiquidationHistory returns executed liquidations, newest first,
// with cursor pagination on sequence. Owner and market filters are
// optional.
func (qs *QueryService) GetLiquidationHistory(
	ctx context.Context,
	owner *uuid.UUID,
	marketID *string,
	limit int,
	afterSequence *int64,
) ([]LiquidationHistoryResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT sequence, position_id, owner, market_id, outcome, liquidated_amount,
		       remaining_size, exit_price, keeper_reward, penalty, collateral_released,
		       partial, tick, timestamp_us
		FROM projections.liquidation_history
		WHERE TRUE
	`
	args := []interface{}{}
	argIdx := 1

	if owner != nil {
		query += fmt.Sprintf(" AND owner = $%d", argIdx)
		args = append(args, *owner)
		argIdx++
	}

	if marketID != nil {
		query += fmt.Sprintf(" AND market_id = $%d", argIdx)
		args = append(args, *marketID)
		argIdx++
	}

	if afterSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []LiquidationHistoryResponse
	for rows.Next() {
		var h LiquidationHistoryResponse
		h.AsOfSequence = asOfSeq
		if err := rows.Scan(
			&h.Sequence, &h.PositionID, &h.Owner, &h.MarketID, &h.Outcome,
			&h.LiquidatedAmount, &h.RemainingSize, &h.ExitPrice, &h.KeeperReward,
			&h.Penalty, &h.CollateralReleased, &h.Partial, &h.Tick, &h.Timestamp,
		); err != nil {
			return nil, err
		}
		history = append(history, h)
	}

	return history, rows.Err()
}

// GetHaltHistory returns circuit-breaker halts, newest first. With
// activeOnly set, only halts that have not been lifted are returned.
func (qs *QueryService) GetHaltHistory(
	ctx context.Context,
	marketID *string,
	activeOnly bool,
	limit int,
) ([]HaltHistoryResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT sequence, market_id, outcome, movement_bps, triggered_at_tick,
		       trigger_count, lifted, lift_authority, lifted_at_tick, lift_sequence,
		       timestamp_us
		FROM projections.halt_history
		WHERE TRUE
	`
	args := []interface{}{}
	argIdx := 1

	if marketID != nil {
		query += fmt.Sprintf(" AND market_id = $%d", argIdx)
		args = append(args, *marketID)
		argIdx++
	}

	if activeOnly {
		query += " AND NOT lifted"
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var halts []HaltHistoryResponse
	for rows.Next() {
		var h HaltHistoryResponse
		h.AsOfSequence = asOfSeq
		if err := rows.Scan(
			&h.Sequence, &h.MarketID, &h.Outcome, &h.MovementBps, &h.TriggeredAtTick,
			&h.TriggerCount, &h.Lifted, &h.LiftAuthority, &h.LiftedAtTick,
			&h.LiftSequence, &h.Timestamp,
		); err != nil {
			return nil, err
		}
		halts = append(halts, h)
	}

	return halts, rows.Err()
}

// GetCoverageStatus reads the latest coverage snapshot and the latest
// recovery transition from the durable log. Coverage is engine-internal
// state, so the log rows the engine itself emitted are the race-free
// source; before the first snapshot there is nothing to report and nil
// is returned.
func (qs *QueryService) GetCoverageStatus(ctx context.Context) (*CoverageStatusResponse, error) {
	var (
		resp    CoverageStatusResponse
		payload []byte
	)
	err := qs.db.QueryRowContext(ctx, `
		SELECT sequence, payload FROM event_log.events
		WHERE event_type = 'CoverageSnapshot'
		ORDER BY sequence DESC
		LIMIT 1
	`).Scan(&resp.SnapshotSequence, &payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var snap struct {
		VaultBalance      int64
		TotalOpenInterest int64
		Timestamp         int64
	}
	if err := json.Unmarshal(payload, &snap); err != nil {
		return nil, fmt.Errorf("decode coverage snapshot %d: %w", resp.SnapshotSequence, err)
	}
	resp.VaultBalance = snap.VaultBalance
	resp.TotalOpenInterest = snap.TotalOpenInterest
	resp.Timestamp = snap.Timestamp
	if snap.TotalOpenInterest <= 0 {
		resp.FullyCovered = true
	} else {
		ratio, derr := fixed.FromMicros(snap.VaultBalance).CheckedDiv(fixed.FromMicros(snap.TotalOpenInterest))
		if derr == nil {
			resp.CoverageMicros = ratio.Micros()
		}
	}

	// Recovery flags default to the inactive regime; the engine emits a
	// transition event only when they change.
	resp.FeeMultiplierMicros = fixed.One.Micros()
	resp.LimitFactorMicros = fixed.One.Micros()

	err = qs.db.QueryRowContext(ctx, `
		SELECT sequence, payload FROM event_log.events
		WHERE event_type = 'RecoveryModeChanged'
		ORDER BY sequence DESC
		LIMIT 1
	`).Scan(&resp.RecoverySequence, &payload)
	if err == sql.ErrNoRows {
		return &resp, nil
	}
	if err != nil {
		return nil, err
	}

	var rec struct {
		Active         bool
		FeeMultiplier  int64
		LimitFactor    int64
		OpeningsHalted bool
	}
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("decode recovery transition %d: %w", resp.RecoverySequence, err)
	}
	resp.RecoveryActive = rec.Active
	resp.FeeMultiplierMicros = rec.FeeMultiplier
	resp.LimitFactorMicros = rec.LimitFactor
	resp.OpeningsHalted = rec.OpeningsHalted
	return &resp, nil
}

// --- Admin APIs ---

// VerifyIntegrity walks the stored hash chain and checks the shape of
// the liquidation read model.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	// Each row's prev_hash must equal the previous row's state_hash.
	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		LEFT JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.sequence > 0 AND e1.prev_hash != COALESCE(e2.state_hash, e1.prev_hash)
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Full liquidations leave nothing behind; partials must.
	liqRows, err := qs.db.QueryContext(ctx, `
		SELECT sequence FROM projections.liquidation_history
		WHERE (NOT partial AND remaining_size != 0)
		   OR (partial AND remaining_size <= 0)
		   OR liquidated_amount <= 0
		ORDER BY sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer liqRows.Close()

	for liqRows.Next() {
		var seq int64
		if err := liqRows.Scan(&seq); err != nil {
			return nil, err
		}
		report.MalformedLiquidations = append(report.MalformedLiquidations, seq)
	}
	if err := liqRows.Err(); err != nil {
		return nil, err
	}

	var lastSeq sql.NullInt64
	if err := qs.db.QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM event_log.events`,
	).Scan(&lastSeq); err != nil {
		return nil, err
	}
	report.LastSequence = lastSeq.Int64

	watermark, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}
	report.ProjectionLagSequences = report.LastSequence - watermark
	if report.ProjectionLagSequences < 0 {
		report.ProjectionLagSequences = 0
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.MalformedLiquidations) == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(last_sequence, 0) FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}
