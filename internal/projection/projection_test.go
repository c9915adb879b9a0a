package projection_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"

	"RiskCore/internal/event"
	"RiskCore/internal/persistence"
	"RiskCore/internal/projection"
	"RiskCore/internal/testutil"
)

const testMarket = "TRUMP-2028"

func mustPayload(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return data
}

func output(t *testing.T, seq int64, eventType string, evt interface{}) projection.ProjectionOutput {
	t.Helper()
	return projection.ProjectionOutput{
		Sequence:  seq,
		EventType: eventType,
		Payload:   mustPayload(t, evt),
		Timestamp: 1_000_000 + seq*1000,
	}
}

// foldOutputs pushes outputs through a worker and waits for the drain.
func foldOutputs(t *testing.T, db *sql.DB, outputs ...projection.ProjectionOutput) {
	t.Helper()

	ch := make(chan projection.ProjectionOutput, len(outputs))
	for _, o := range outputs {
		ch <- o
	}
	close(ch)

	if err := projection.NewProjectionWorker(db, ch).Run(context.Background()); err != nil {
		t.Fatalf("projection worker failed: %v", err)
	}
}

func openedEvent(posID, owner uuid.UUID) *event.PositionOpened {
	return &event.PositionOpened{
		PositionID: posID,
		Owner:      owner,
		Market:     testMarket,
		Outcome:    0,
		TradeSide:  event.SideLong,
		Quantity:   2_000_000,
		Collateral: 10_000_000,
		EntryPrice: 50_000_000,
		Leverage:   10_000_000,
		Timestamp:  1_000_000,
	}
}

type positionRow struct {
	Quantity     int64
	Collateral   int64
	Status       string
	LastSequence int64
}

func loadPosition(t *testing.T, db *sql.DB, posID uuid.UUID) positionRow {
	t.Helper()
	var row positionRow
	err := db.QueryRow(`
		SELECT quantity, collateral, status, last_sequence
		FROM projections.positions WHERE position_id = $1
	`, posID).Scan(&row.Quantity, &row.Collateral, &row.Status, &row.LastSequence)
	if err != nil {
		t.Fatalf("load position %s: %v", posID, err)
	}
	return row
}

func TestProjection_PositionOpenThenClose(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	testutil.MigrateTestDB(t, db)

	posID, owner := uuid.New(), uuid.New()

	foldOutputs(t, db,
		output(t, 0, "PositionOpened", openedEvent(posID, owner)),
		output(t, 1, "PositionClosed", &event.PositionClosed{
			PositionID: posID, Owner: owner, Market: testMarket,
		}),
	)

	row := loadPosition(t, db, posID)
	if row.Status != "closed" {
		t.Errorf("status: got %s, want closed", row.Status)
	}
	if row.Collateral != 0 {
		t.Errorf("collateral: got %d, want 0", row.Collateral)
	}
	if row.LastSequence != 1 {
		t.Errorf("last_sequence: got %d, want 1", row.LastSequence)
	}

	var watermark int64
	if err := db.QueryRow(`SELECT last_sequence FROM projections.watermark WHERE worker_id = 'main'`).Scan(&watermark); err != nil {
		t.Fatalf("load watermark: %v", err)
	}
	if watermark != 1 {
		t.Errorf("watermark: got %d, want 1", watermark)
	}
}

func TestProjection_PartialThenFullLiquidation(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	testutil.MigrateTestDB(t, db)

	posID, owner := uuid.New(), uuid.New()

	foldOutputs(t, db,
		output(t, 0, "PositionOpened", openedEvent(posID, owner)),
		output(t, 5, "LiquidationExecuted", &event.LiquidationExecuted{
			PositionID: posID, Owner: owner, Market: testMarket, Outcome: 0,
			LiquidatedAmount: 913_043, RemainingSize: 1_086_957,
			ExitPrice: 45_400_000, KeeperReward: 450_000, Penalty: 900_000,
			CollateralReleased: 0, Partial: true, Tick: 1, Timestamp: 1_005_000,
		}),
	)

	row := loadPosition(t, db, posID)
	if row.Status != "open" {
		t.Errorf("status after partial: got %s, want open", row.Status)
	}
	if row.Quantity != 1_086_957 {
		t.Errorf("quantity after partial: got %d, want 1_086_957", row.Quantity)
	}

	foldOutputs(t, db,
		output(t, 9, "LiquidationExecuted", &event.LiquidationExecuted{
			PositionID: posID, Owner: owner, Market: testMarket, Outcome: 0,
			LiquidatedAmount: 1_086_957, RemainingSize: 0,
			ExitPrice: 43_000_000, KeeperReward: 400_000, Penalty: 800_000,
			CollateralReleased: 7_000_000, Partial: false, Tick: 2, Timestamp: 1_009_000,
		}),
	)

	row = loadPosition(t, db, posID)
	if row.Status != "liquidated" {
		t.Errorf("status after full: got %s, want liquidated", row.Status)
	}
	if row.Quantity != 0 || row.Collateral != 0 {
		t.Errorf("expected cleared position, got qty=%d collateral=%d", row.Quantity, row.Collateral)
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM projections.liquidation_history WHERE position_id = $1`, posID).Scan(&count); err != nil {
		t.Fatalf("count history: %v", err)
	}
	if count != 2 {
		t.Errorf("history rows: got %d, want 2", count)
	}

	var partial bool
	var amount int64
	if err := db.QueryRow(`
		SELECT partial, liquidated_amount FROM projections.liquidation_history WHERE sequence = 5
	`).Scan(&partial, &amount); err != nil {
		t.Fatalf("load history row: %v", err)
	}
	if !partial || amount != 913_043 {
		t.Errorf("history row 5: partial=%v amount=%d", partial, amount)
	}
}

func TestProjection_HaltThenLift(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	testutil.MigrateTestDB(t, db)

	authority := uuid.New()

	foldOutputs(t, db,
		output(t, 3, "MarketHalted", &event.MarketHalted{
			Market: testMarket, Outcome: 0, MovementBps: 600,
			TriggeredAt: 12, TriggerCount: 1, Timestamp: 1_003_000,
		}),
	)

	var lifted bool
	if err := db.QueryRow(`SELECT lifted FROM projections.halt_history WHERE sequence = 3`).Scan(&lifted); err != nil {
		t.Fatalf("load halt: %v", err)
	}
	if lifted {
		t.Error("expected active halt")
	}

	foldOutputs(t, db,
		output(t, 7, "MarketHaltLifted", &event.MarketHaltLifted{
			Market: testMarket, Outcome: 0, Authority: authority,
			LiftedAt: 15, Timestamp: 1_007_000,
		}),
	)

	var liftSeq, liftedAt int64
	var liftAuthority uuid.UUID
	err := db.QueryRow(`
		SELECT lifted, lift_authority, lifted_at_tick, lift_sequence
		FROM projections.halt_history WHERE sequence = 3
	`).Scan(&lifted, &liftAuthority, &liftedAt, &liftSeq)
	if err != nil {
		t.Fatalf("load lifted halt: %v", err)
	}
	if !lifted {
		t.Error("expected halt lifted")
	}
	if liftAuthority != authority {
		t.Errorf("lift authority: got %s, want %s", liftAuthority, authority)
	}
	if liftedAt != 15 || liftSeq != 7 {
		t.Errorf("lift details: tick=%d seq=%d, want 15/7", liftedAt, liftSeq)
	}
}

func TestProjection_StaleUpdateIgnored(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	testutil.MigrateTestDB(t, db)

	posID, owner := uuid.New(), uuid.New()

	// The close carries an older sequence than the row; the
	// last_sequence guard must make it a no-op.
	foldOutputs(t, db,
		output(t, 10, "PositionOpened", openedEvent(posID, owner)),
		output(t, 5, "PositionClosed", &event.PositionClosed{
			PositionID: posID, Owner: owner, Market: testMarket,
		}),
	)

	row := loadPosition(t, db, posID)
	if row.Status != "open" {
		t.Errorf("stale close applied: status %s", row.Status)
	}
	if row.LastSequence != 10 {
		t.Errorf("last_sequence: got %d, want 10", row.LastSequence)
	}
}

func TestRebuildProjections_MatchesIncrementalFolds(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	testutil.MigrateTestDB(t, db)

	ctx := context.Background()
	posID, owner, authority := uuid.New(), uuid.New(), uuid.New()

	opened := openedEvent(posID, owner)
	liq := &event.LiquidationExecuted{
		PositionID: posID, Owner: owner, Market: testMarket, Outcome: 0,
		LiquidatedAmount: 2_000_000, RemainingSize: 0,
		ExitPrice: 45_000_000, KeeperReward: 450_000, Penalty: 900_000,
		CollateralReleased: 8_650_000, Partial: false, Tick: 1, Timestamp: 1_002_000,
	}
	halted := &event.MarketHalted{
		Market: testMarket, Outcome: 1, MovementBps: 700,
		TriggeredAt: 2, TriggerCount: 1, Timestamp: 1_003_000,
	}
	lift := &event.MarketHaltLifted{
		Market: testMarket, Outcome: 1, Authority: authority,
		LiftedAt: 4, Timestamp: 1_004_000,
	}

	// The event log is the source of truth for the rebuild.
	market := testMarket
	writer := persistence.NewEventLogWriter(db)
	logRows := []persistence.EventRow{
		{Sequence: 0, EventType: "PositionOpened", IdempotencyKey: posID.String(), MarketID: &market,
			Payload: mustPayload(t, opened), StateHash: make([]byte, 32), PrevHash: make([]byte, 32),
			Timestamp: time.Now().UTC()},
		{Sequence: 1, EventType: "LiquidationExecuted", IdempotencyKey: posID.String() + ":liq:1", MarketID: &market,
			Payload: mustPayload(t, liq), StateHash: make([]byte, 32), PrevHash: make([]byte, 32),
			Timestamp: time.Now().UTC()},
		{Sequence: 2, EventType: "MarketHalted", IdempotencyKey: testMarket + "/1:halt:2", MarketID: &market,
			Payload: mustPayload(t, halted), StateHash: make([]byte, 32), PrevHash: make([]byte, 32),
			Timestamp: time.Now().UTC()},
		{Sequence: 3, EventType: "MarketHaltLifted", IdempotencyKey: testMarket + "/1:lift:4", MarketID: &market,
			Payload: mustPayload(t, lift), StateHash: make([]byte, 32), PrevHash: make([]byte, 32),
			Timestamp: time.Now().UTC()},
	}
	if err := writer.WriteEventBatch(ctx, logRows); err != nil {
		t.Fatalf("write event log: %v", err)
	}

	// Fold incrementally, then rebuild from scratch; both paths must
	// land on the same read model.
	foldOutputs(t, db,
		output(t, 0, "PositionOpened", opened),
		output(t, 1, "LiquidationExecuted", liq),
		output(t, 2, "MarketHalted", halted),
		output(t, 3, "MarketHaltLifted", lift),
	)
	incremental := loadPosition(t, db, posID)

	if err := projection.RebuildProjections(ctx, db); err != nil {
		t.Fatalf("RebuildProjections failed: %v", err)
	}
	rebuilt := loadPosition(t, db, posID)

	if rebuilt != incremental {
		t.Errorf("rebuild diverged: incremental=%+v rebuilt=%+v", incremental, rebuilt)
	}
	if rebuilt.Status != "liquidated" {
		t.Errorf("status: got %s, want liquidated", rebuilt.Status)
	}

	var liqCount int
	if err := db.QueryRow(`SELECT COUNT(*) FROM projections.liquidation_history`).Scan(&liqCount); err != nil {
		t.Fatalf("count liquidations: %v", err)
	}
	if liqCount != 1 {
		t.Errorf("liquidation rows: got %d, want 1", liqCount)
	}

	var lifted bool
	var liftSeq int64
	if err := db.QueryRow(`SELECT lifted, lift_sequence FROM projections.halt_history WHERE sequence = 2`).Scan(&lifted, &liftSeq); err != nil {
		t.Fatalf("load rebuilt halt: %v", err)
	}
	if !lifted || liftSeq != 3 {
		t.Errorf("rebuilt halt: lifted=%v lift_sequence=%d, want true/3", lifted, liftSeq)
	}

	// The rebuild clears the incremental watermark.
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM projections.watermark WHERE worker_id = 'main'`).Scan(&n); err != nil {
		t.Fatalf("count watermark: %v", err)
	}
	if n != 0 {
		t.Errorf("expected watermark cleared after rebuild, got %d rows", n)
	}
}
