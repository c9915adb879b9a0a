package projection

import (
	"context"
	"database/sql"
	"fmt"
	"log"
)

// ProjectionOutput mirrors the slice of core.CoreOutput the projection
// workers need. The orchestrator bridges between the two.
type ProjectionOutput struct {
	Sequence  int64
	EventType string
	MarketID  *string
	Payload   []byte // JSON-encoded internal event
	Timestamp int64
}

// ProjectionWorker folds processed events into the read-model tables.
// The projection channel is non-blocking with drop on the core side, so
// these tables lag under load; RebuildProjections recovers them from
// the event log.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan ProjectionOutput
	history   *HistoryProjection
	lastSeq   int64
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan ProjectionOutput) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		history:   NewHistoryProjection(db),
	}
}

// Run drains the projection channel until ctx is cancelled or the
// channel closes.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			if err := pw.processOutput(ctx, output); err != nil {
				log.Printf("WARN: projection update failed at seq=%d: %v", output.Sequence, err)
				// Projections are eventually consistent; a failed fold
				// is recovered by RebuildProjections.
			}

			pw.lastSeq = output.Sequence
		}
	}
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, output ProjectionOutput) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := pw.history.Apply(ctx, tx, output); err != nil {
		return fmt.Errorf("fold %s: %w", output.EventType, err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, output.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

// RebuildProjections recomputes every read-model table from the event
// log. Payloads are stored as JSONB with the internal field names, so
// the rebuild runs entirely server-side.
func RebuildProjections(ctx context.Context, db *sql.DB) error {
	truncateStatements := []string{
		`TRUNCATE projections.positions`,
		`TRUNCATE projections.liquidation_history`,
		`TRUNCATE projections.halt_history`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	}

	for _, stmt := range truncateStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	// Opened positions form the base rows.
	if _, err := db.ExecContext(ctx, `
		INSERT INTO projections.positions
			(position_id, owner, market_id, outcome, side, quantity, collateral,
			 entry_price, leverage, status, opened_sequence, last_sequence)
		SELECT
			(payload->>'PositionID')::uuid,
			(payload->>'Owner')::uuid,
			payload->>'Market',
			(payload->>'Outcome')::int,
			(payload->>'TradeSide')::int,
			(payload->>'Quantity')::bigint,
			(payload->>'Collateral')::bigint,
			(payload->>'EntryPrice')::bigint,
			(payload->>'Leverage')::bigint,
			'open',
			sequence,
			sequence
		FROM event_log.events
		WHERE event_type = 'PositionOpened'
		ON CONFLICT (position_id) DO NOTHING
	`); err != nil {
		return fmt.Errorf("rebuild positions: %w", err)
	}

	// Voluntary closes are terminal.
	if _, err := db.ExecContext(ctx, `
		UPDATE projections.positions p
		SET status = 'closed', collateral = 0, last_sequence = c.sequence
		FROM (
			SELECT (payload->>'PositionID')::uuid AS pid, MAX(sequence) AS sequence
			FROM event_log.events
			WHERE event_type = 'PositionClosed'
			GROUP BY 1
		) c
		WHERE p.position_id = c.pid
	`); err != nil {
		return fmt.Errorf("rebuild closes: %w", err)
	}

	// The latest liquidation per position settles remaining size and
	// terminal status.
	if _, err := db.ExecContext(ctx, `
		UPDATE projections.positions p
		SET quantity = l.remaining,
		    status = CASE WHEN l.partial THEN p.status ELSE 'liquidated' END,
		    collateral = CASE WHEN l.partial THEN p.collateral ELSE 0 END,
		    last_sequence = l.sequence
		FROM (
			SELECT DISTINCT ON (payload->>'PositionID')
				(payload->>'PositionID')::uuid AS pid,
				(payload->>'RemainingSize')::bigint AS remaining,
				(payload->>'Partial')::boolean AS partial,
				sequence
			FROM event_log.events
			WHERE event_type = 'LiquidationExecuted'
			ORDER BY payload->>'PositionID', sequence DESC
		) l
		WHERE p.position_id = l.pid
	`); err != nil {
		return fmt.Errorf("rebuild liquidated positions: %w", err)
	}

	if _, err := db.ExecContext(ctx, `
		INSERT INTO projections.liquidation_history
			(sequence, position_id, owner, market_id, outcome, liquidated_amount,
			 remaining_size, exit_price, keeper_reward, penalty, collateral_released,
			 partial, tick, timestamp_us)
		SELECT
			sequence,
			(payload->>'PositionID')::uuid,
			(payload->>'Owner')::uuid,
			payload->>'Market',
			(payload->>'Outcome')::int,
			(payload->>'LiquidatedAmount')::bigint,
			(payload->>'RemainingSize')::bigint,
			(payload->>'ExitPrice')::bigint,
			(payload->>'KeeperReward')::bigint,
			(payload->>'Penalty')::bigint,
			(payload->>'CollateralReleased')::bigint,
			(payload->>'Partial')::boolean,
			(payload->>'Tick')::bigint,
			(payload->>'Timestamp')::bigint
		FROM event_log.events
		WHERE event_type = 'LiquidationExecuted'
		ON CONFLICT (sequence) DO NOTHING
	`); err != nil {
		return fmt.Errorf("rebuild liquidation history: %w", err)
	}

	if _, err := db.ExecContext(ctx, `
		INSERT INTO projections.halt_history
			(sequence, market_id, outcome, movement_bps, triggered_at_tick,
			 trigger_count, lifted, timestamp_us)
		SELECT
			sequence,
			payload->>'Market',
			(payload->>'Outcome')::int,
			(payload->>'MovementBps')::bigint,
			(payload->>'TriggeredAt')::bigint,
			(payload->>'TriggerCount')::bigint,
			FALSE,
			(payload->>'Timestamp')::bigint
		FROM event_log.events
		WHERE event_type = 'MarketHalted'
		ON CONFLICT (sequence) DO NOTHING
	`); err != nil {
		return fmt.Errorf("rebuild halt history: %w", err)
	}

	// Replay the lifts over the rebuilt halts in order.
	if _, err := db.ExecContext(ctx, `
		UPDATE projections.halt_history h
		SET lifted = TRUE,
		    lift_authority = l.authority,
		    lifted_at_tick = l.lifted_at,
		    lift_sequence = l.sequence
		FROM (
			SELECT
				payload->>'Market' AS market_id,
				(payload->>'Outcome')::int AS outcome,
				(payload->>'Authority')::uuid AS authority,
				(payload->>'LiftedAt')::bigint AS lifted_at,
				sequence
			FROM event_log.events
			WHERE event_type = 'MarketHaltLifted'
		) l
		WHERE h.market_id = l.market_id
		  AND h.outcome = l.outcome
		  AND h.sequence < l.sequence
		  AND NOT h.lifted
	`); err != nil {
		return fmt.Errorf("rebuild halt lifts: %w", err)
	}

	log.Println("INFO: projection rebuild complete")
	return nil
}
