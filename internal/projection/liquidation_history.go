package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"RiskCore/internal/event"
)

// HistoryProjection folds core events into the positions,
// liquidation_history, and halt_history tables. Every statement is
// idempotent so the worker can re-apply an event after a partial
// failure without corrupting the read model.
type HistoryProjection struct {
	db *sql.DB
}

func NewHistoryProjection(db *sql.DB) *HistoryProjection {
	return &HistoryProjection{db: db}
}

// Apply folds one output into the read model inside the caller's
// transaction. Event types without a read model just advance the
// watermark.
func (hp *HistoryProjection) Apply(ctx context.Context, tx *sql.Tx, output ProjectionOutput) error {
	switch output.EventType {
	case "PositionOpened":
		return hp.applyPositionOpened(ctx, tx, output)
	case "PositionClosed":
		return hp.applyPositionClosed(ctx, tx, output)
	case "LiquidationExecuted":
		return hp.applyLiquidation(ctx, tx, output)
	case "MarketHalted":
		return hp.applyMarketHalted(ctx, tx, output)
	case "MarketHaltLifted":
		return hp.applyHaltLifted(ctx, tx, output)
	default:
		return nil
	}
}

func (hp *HistoryProjection) applyPositionOpened(ctx context.Context, tx *sql.Tx, output ProjectionOutput) error {
	var evt event.PositionOpened
	if err := json.Unmarshal(output.Payload, &evt); err != nil {
		return fmt.Errorf("decode PositionOpened: %w", err)
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.positions
			(position_id, owner, market_id, outcome, side, quantity, collateral,
			 entry_price, leverage, status, opened_sequence, last_sequence)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 'open', $10, $10)
		ON CONFLICT (position_id) DO NOTHING
	`, evt.PositionID, evt.Owner, evt.Market, evt.Outcome, int32(evt.TradeSide),
		evt.Quantity, evt.Collateral, evt.EntryPrice, evt.Leverage, output.Sequence)
	return err
}

func (hp *HistoryProjection) applyPositionClosed(ctx context.Context, tx *sql.Tx, output ProjectionOutput) error {
	var evt event.PositionClosed
	if err := json.Unmarshal(output.Payload, &evt); err != nil {
		return fmt.Errorf("decode PositionClosed: %w", err)
	}

	_, err := tx.ExecContext(ctx, `
		UPDATE projections.positions
		SET status = 'closed', collateral = 0, last_sequence = $2
		WHERE position_id = $1 AND last_sequence < $2
	`, evt.PositionID, output.Sequence)
	return err
}

func (hp *HistoryProjection) applyLiquidation(ctx context.Context, tx *sql.Tx, output ProjectionOutput) error {
	var evt event.LiquidationExecuted
	if err := json.Unmarshal(output.Payload, &evt); err != nil {
		return fmt.Errorf("decode LiquidationExecuted: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.liquidation_history
			(sequence, position_id, owner, market_id, outcome, liquidated_amount,
			 remaining_size, exit_price, keeper_reward, penalty, collateral_released,
			 partial, tick, timestamp_us)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (sequence) DO NOTHING
	`, output.Sequence, evt.PositionID, evt.Owner, evt.Market, evt.Outcome,
		evt.LiquidatedAmount, evt.RemainingSize, evt.ExitPrice, evt.KeeperReward,
		evt.Penalty, evt.CollateralReleased, evt.Partial, evt.Tick, evt.Timestamp); err != nil {
		return err
	}

	if evt.Partial {
		_, err := tx.ExecContext(ctx, `
			UPDATE projections.positions
			SET quantity = $2, last_sequence = $3
			WHERE position_id = $1 AND last_sequence < $3
		`, evt.PositionID, evt.RemainingSize, output.Sequence)
		return err
	}

	_, err := tx.ExecContext(ctx, `
		UPDATE projections.positions
		SET quantity = 0, collateral = 0, status = 'liquidated', last_sequence = $2
		WHERE position_id = $1 AND last_sequence < $2
	`, evt.PositionID, output.Sequence)
	return err
}

func (hp *HistoryProjection) applyMarketHalted(ctx context.Context, tx *sql.Tx, output ProjectionOutput) error {
	var evt event.MarketHalted
	if err := json.Unmarshal(output.Payload, &evt); err != nil {
		return fmt.Errorf("decode MarketHalted: %w", err)
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.halt_history
			(sequence, market_id, outcome, movement_bps, triggered_at_tick,
			 trigger_count, lifted, timestamp_us)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO NOTHING
	`, output.Sequence, evt.Market, evt.Outcome, evt.MovementBps,
		evt.TriggeredAt, evt.TriggerCount, evt.Timestamp)
	return err
}

func (hp *HistoryProjection) applyHaltLifted(ctx context.Context, tx *sql.Tx, output ProjectionOutput) error {
	var evt event.MarketHaltLifted
	if err := json.Unmarshal(output.Payload, &evt); err != nil {
		return fmt.Errorf("decode MarketHaltLifted: %w", err)
	}

	_, err := tx.ExecContext(ctx, `
		UPDATE projections.halt_history
		SET lifted = TRUE, lift_authority = $3, lifted_at_tick = $4, lift_sequence = $5
		WHERE market_id = $1 AND outcome = $2 AND NOT lifted AND sequence < $5
	`, evt.Market, evt.Outcome, evt.Authority, evt.LiftedAt, output.Sequence)
	return err
}
