package query_test

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
	"RiskCore/internal/query"
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

func fold(t *testing.T, db *sql.DB, outputs ...projection.ProjectionOutput) {
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

func foldOpened(t *testing.T, db *sql.DB, seq int64, posID, owner uuid.UUID, market string, outcome uint8) {
	t.Helper()
	fold(t, db, projection.ProjectionOutput{
		Sequence:  seq,
		EventType: "PositionOpened",
		Payload: mustPayload(t, &event.PositionOpened{
			PositionID: posID, Owner: owner, Market: market, Outcome: outcome,
			TradeSide: event.SideLong, Quantity: 2_000_000, Collateral: 10_000_000,
			EntryPrice: 50_000_000, Leverage: 10_000_000,
		}),
		Timestamp: 1_000_000 + seq*1000,
	})
}

func foldLiquidation(t *testing.T, db *sql.DB, seq int64, posID, owner uuid.UUID, market string, partial bool) {
	t.Helper()
	remaining := int64(0)
	if partial {
		remaining = 1_000_000
	}
	fold(t, db, projection.ProjectionOutput{
		Sequence:  seq,
		EventType: "LiquidationExecuted",
		Payload: mustPayload(t, &event.LiquidationExecuted{
			PositionID: posID, Owner: owner, Market: market, Outcome: 0,
			LiquidatedAmount: 1_000_000, RemainingSize: remaining,
			ExitPrice: 45_000_000, KeeperReward: 450_000, Penalty: 900_000,
			CollateralReleased: 8_650_000, Partial: partial, Tick: seq,
			Timestamp: 1_000_000 + seq*1000,
		}),
		Timestamp: 1_000_000 + seq*1000,
	})
}

func TestQueryService_GetPosition(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	testutil.MigrateTestDB(t, db)

	ctx := context.Background()
	posID, owner := uuid.New(), uuid.New()
	foldOpened(t, db, 3, posID, owner, testMarket, 0)

	qs := query.NewQueryService(db)

	pos, err := qs.GetPosition(ctx, posID)
	if err != nil {
		t.Fatalf("GetPosition failed: %v", err)
	}
	if pos == nil {
		t.Fatal("expected a position")
	}
	if pos.PositionID != posID || pos.Owner != owner {
		t.Errorf("identity mismatch: %+v", pos)
	}
	if pos.MarketID != testMarket || pos.Status != "open" {
		t.Errorf("unexpected row: market=%s status=%s", pos.MarketID, pos.Status)
	}
	if pos.Quantity != 2_000_000 || pos.EntryPrice != 50_000_000 {
		t.Errorf("unexpected economics: qty=%d entry=%d", pos.Quantity, pos.EntryPrice)
	}
	if pos.AsOfSequence != 3 {
		t.Errorf("as_of_sequence: got %d, want 3", pos.AsOfSequence)
	}

	missing, err := qs.GetPosition(ctx, uuid.New())
	if err != nil {
		t.Fatalf("GetPosition(missing) failed: %v", err)
	}
	if missing != nil {
		t.Errorf("expected nil for unknown position, got %+v", missing)
	}
}

func TestQueryService_GetPositionsByOwner(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	testutil.MigrateTestDB(t, db)

	ctx := context.Background()
	owner, other := uuid.New(), uuid.New()
	posA, posB, posClosed := uuid.New(), uuid.New(), uuid.New()

	foldOpened(t, db, 0, posA, owner, "ZZZ-MARKET", 0)
	foldOpened(t, db, 1, posB, owner, "AAA-MARKET", 0)
	foldOpened(t, db, 2, posClosed, owner, testMarket, 0)
	foldOpened(t, db, 3, uuid.New(), other, testMarket, 0)
	fold(t, db, projection.ProjectionOutput{
		Sequence:  4,
		EventType: "PositionClosed",
		Payload: mustPayload(t, &event.PositionClosed{
			PositionID: posClosed, Owner: owner, Market: testMarket,
		}),
		Timestamp: 1_004_000,
	})

	qs := query.NewQueryService(db)
	positions, err := qs.GetPositionsByOwner(ctx, owner)
	if err != nil {
		t.Fatalf("GetPositionsByOwner failed: %v", err)
	}

	if len(positions) != 2 {
		t.Fatalf("expected 2 open positions, got %d", len(positions))
	}
	// Ordered by market, not by insertion.
	if positions[0].PositionID != posB || positions[1].PositionID != posA {
		t.Errorf("unexpected order: %s then %s", positions[0].MarketID, positions[1].MarketID)
	}
	for _, p := range positions {
		if p.AsOfSequence != 4 {
			t.Errorf("as_of_sequence: got %d, want 4", p.AsOfSequence)
		}
	}
}

func TestQueryService_LiquidationHistory_FiltersAndCursor(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	testutil.MigrateTestDB(t, db)

	ctx := context.Background()
	ownerA, ownerB := uuid.New(), uuid.New()

	foldLiquidation(t, db, 10, uuid.New(), ownerA, testMarket, false)
	foldLiquidation(t, db, 20, uuid.New(), ownerB, testMarket, true)
	foldLiquidation(t, db, 30, uuid.New(), ownerA, "HARRIS-2028", false)

	qs := query.NewQueryService(db)

	all, err := qs.GetLiquidationHistory(ctx, nil, nil, 50, nil)
	if err != nil {
		t.Fatalf("unfiltered query failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(all))
	}
	if all[0].Sequence != 30 || all[2].Sequence != 10 {
		t.Errorf("expected newest first, got %d..%d", all[0].Sequence, all[2].Sequence)
	}

	mine, err := qs.GetLiquidationHistory(ctx, &ownerA, nil, 50, nil)
	if err != nil {
		t.Fatalf("owner filter failed: %v", err)
	}
	if len(mine) != 2 {
		t.Fatalf("expected 2 rows for owner A, got %d", len(mine))
	}

	market := testMarket
	inMarket, err := qs.GetLiquidationHistory(ctx, &ownerA, &market, 50, nil)
	if err != nil {
		t.Fatalf("market filter failed: %v", err)
	}
	if len(inMarket) != 1 || inMarket[0].Sequence != 10 {
		t.Errorf("expected only sequence 10, got %+v", inMarket)
	}

	// Cursor excludes the row it points at.
	after := int64(30)
	page, err := qs.GetLiquidationHistory(ctx, nil, nil, 1, &after)
	if err != nil {
		t.Fatalf("cursor query failed: %v", err)
	}
	if len(page) != 1 || page[0].Sequence != 20 {
		t.Errorf("expected sequence 20 after cursor 30, got %+v", page)
	}
}

func TestQueryService_HaltHistory_ActiveOnly(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	testutil.MigrateTestDB(t, db)

	ctx := context.Background()
	authority := uuid.New()

	fold(t, db,
		projection.ProjectionOutput{
			Sequence:  1,
			EventType: "MarketHalted",
			Payload: mustPayload(t, &event.MarketHalted{
				Market: testMarket, Outcome: 0, MovementBps: 600,
				TriggeredAt: 5, TriggerCount: 1, Timestamp: 1_001_000,
			}),
			Timestamp: 1_001_000,
		},
		projection.ProjectionOutput{
			Sequence:  2,
			EventType: "MarketHalted",
			Payload: mustPayload(t, &event.MarketHalted{
				Market: "HARRIS-2028", Outcome: 0, MovementBps: 800,
				TriggeredAt: 6, TriggerCount: 1, Timestamp: 1_002_000,
			}),
			Timestamp: 1_002_000,
		},
		projection.ProjectionOutput{
			Sequence:  3,
			EventType: "MarketHaltLifted",
			Payload: mustPayload(t, &event.MarketHaltLifted{
				Market: testMarket, Outcome: 0, Authority: authority,
				LiftedAt: 8, Timestamp: 1_003_000,
			}),
			Timestamp: 1_003_000,
		},
	)

	qs := query.NewQueryService(db)

	all, err := qs.GetHaltHistory(ctx, nil, false, 50)
	if err != nil {
		t.Fatalf("GetHaltHistory failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 halts, got %d", len(all))
	}

	active, err := qs.GetHaltHistory(ctx, nil, true, 50)
	if err != nil {
		t.Fatalf("active-only query failed: %v", err)
	}
	if len(active) != 1 || active[0].MarketID != "HARRIS-2028" {
		t.Errorf("expected only the HARRIS halt active, got %+v", active)
	}
	if active[0].Lifted || active[0].LiftAuthority != nil {
		t.Errorf("active halt carries lift fields: %+v", active[0])
	}

	market := testMarket
	lifted, err := qs.GetHaltHistory(ctx, &market, false, 50)
	if err != nil {
		t.Fatalf("market filter failed: %v", err)
	}
	if len(lifted) != 1 {
		t.Fatalf("expected 1 halt for %s, got %d", testMarket, len(lifted))
	}
	h := lifted[0]
	if !h.Lifted {
		t.Error("expected the TRUMP halt lifted")
	}
	if h.LiftAuthority == nil || *h.LiftAuthority != authority {
		t.Errorf("lift authority: got %v, want %s", h.LiftAuthority, authority)
	}
	if h.LiftedAtTick == nil || *h.LiftedAtTick != 8 {
		t.Errorf("lifted_at_tick: got %v, want 8", h.LiftedAtTick)
	}
	if h.LiftSequence == nil || *h.LiftSequence != 3 {
		t.Errorf("lift_sequence: got %v, want 3", h.LiftSequence)
	}
}

func TestQueryService_CoverageStatus(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	testutil.MigrateTestDB(t, db)

	ctx := context.Background()
	qs := query.NewQueryService(db)

	empty, err := qs.GetCoverageStatus(ctx)
	if err != nil {
		t.Fatalf("GetCoverageStatus on empty log failed: %v", err)
	}
	if empty != nil {
		t.Errorf("expected nil before any snapshot, got %+v", empty)
	}

	// Coverage drops to 0.4, recovery activates, then climbs to 0.6
	// which stays inside the hysteresis band.
	writer := persistence.NewEventLogWriter(db)
	rows := []persistence.EventRow{
		{Sequence: 5, EventType: "CoverageSnapshot", IdempotencyKey: "coverage:1",
			Payload: mustPayload(t, &event.CoverageSnapshot{
				VaultBalance: 40_000_000, TotalOpenInterest: 100_000_000,
				Sequence: 1, Timestamp: 1_005_000,
			}),
			Timestamp: time.Now().UTC()},
		{Sequence: 6, EventType: "RecoveryModeChanged", IdempotencyKey: "recovery:6",
			Payload: mustPayload(t, &event.RecoveryModeChanged{
				Active: true, Coverage: 400_000, FeeMultiplier: 3_000_000,
				LimitFactor: 200_000, Sequence: 6, Timestamp: 1_005_000,
			}),
			Timestamp: time.Now().UTC()},
		{Sequence: 12, EventType: "CoverageSnapshot", IdempotencyKey: "coverage:2",
			Payload: mustPayload(t, &event.CoverageSnapshot{
				VaultBalance: 60_000_000, TotalOpenInterest: 100_000_000,
				Sequence: 2, Timestamp: 1_012_000,
			}),
			Timestamp: time.Now().UTC()},
	}
	if err := writer.WriteEventBatch(ctx, rows); err != nil {
		t.Fatalf("write coverage history: %v", err)
	}

	status, err := qs.GetCoverageStatus(ctx)
	if err != nil {
		t.Fatalf("GetCoverageStatus failed: %v", err)
	}
	if status == nil {
		t.Fatal("expected a status")
	}
	if status.SnapshotSequence != 12 || status.Timestamp != 1_012_000 {
		t.Errorf("expected latest snapshot (seq 12), got %+v", status)
	}
	if status.VaultBalance != 60_000_000 || status.TotalOpenInterest != 100_000_000 {
		t.Errorf("unexpected balances: %+v", status)
	}
	if status.CoverageMicros != 600_000 || status.FullyCovered {
		t.Errorf("coverage: got %d (full=%v), want 600000", status.CoverageMicros, status.FullyCovered)
	}
	if !status.RecoveryActive || status.RecoverySequence != 6 {
		t.Errorf("expected recovery active from seq 6, got %+v", status)
	}
	if status.FeeMultiplierMicros != 3_000_000 || status.LimitFactorMicros != 200_000 {
		t.Errorf("recovery factors: %+v", status)
	}
	if status.OpeningsHalted {
		t.Error("openings should not be halted at 0.6 coverage")
	}

	// All open interest unwound: fully covered regardless of vault size.
	unwound := []persistence.EventRow{
		{Sequence: 20, EventType: "CoverageSnapshot", IdempotencyKey: "coverage:3",
			Payload: mustPayload(t, &event.CoverageSnapshot{
				VaultBalance: 5_000_000, TotalOpenInterest: 0,
				Sequence: 3, Timestamp: 1_020_000,
			}),
			Timestamp: time.Now().UTC()},
	}
	if err := writer.WriteEventBatch(ctx, unwound); err != nil {
		t.Fatalf("write unwound snapshot: %v", err)
	}

	status, err = qs.GetCoverageStatus(ctx)
	if err != nil {
		t.Fatalf("GetCoverageStatus failed: %v", err)
	}
	if !status.FullyCovered || status.CoverageMicros != 0 {
		t.Errorf("expected fully covered with zero open interest, got %+v", status)
	}
	if status.SnapshotSequence != 20 {
		t.Errorf("snapshot sequence: got %d, want 20", status.SnapshotSequence)
	}
}

func TestQueryService_VerifyIntegrity(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	testutil.MigrateTestDB(t, db)

	ctx := context.Background()
	writer := persistence.NewEventLogWriter(db)

	// A well-formed three-row chain.
	hash := func(b byte) []byte {
		h := make([]byte, 32)
		for i := range h {
			h[i] = b
		}
		return h
	}
	rows := []persistence.EventRow{
		{Sequence: 0, EventType: "TickAdvanced", IdempotencyKey: "tick:1",
			Payload: []byte(`{"Tick":1}`), StateHash: hash(1), PrevHash: hash(0), Timestamp: time.Now().UTC()},
		{Sequence: 1, EventType: "TickAdvanced", IdempotencyKey: "tick:2",
			Payload: []byte(`{"Tick":2}`), StateHash: hash(2), PrevHash: hash(1), Timestamp: time.Now().UTC()},
		{Sequence: 2, EventType: "TickAdvanced", IdempotencyKey: "tick:3",
			Payload: []byte(`{"Tick":3}`), StateHash: hash(3), PrevHash: hash(2), Timestamp: time.Now().UTC()},
	}
	if err := writer.WriteEventBatch(ctx, rows); err != nil {
		t.Fatalf("write chain: %v", err)
	}

	qs := query.NewQueryService(db)

	report, err := qs.VerifyIntegrity(ctx)
	if err != nil {
		t.Fatalf("VerifyIntegrity failed: %v", err)
	}
	if !report.IsHealthy {
		t.Errorf("expected healthy report, got %+v", report)
	}
	if report.LastSequence != 2 {
		t.Errorf("last sequence: got %d, want 2", report.LastSequence)
	}
	if report.ProjectionLagSequences != 2 {
		t.Errorf("projection lag: got %d, want 2", report.ProjectionLagSequences)
	}

	// Break the chain at sequence 2 and plant a malformed liquidation.
	if _, err := db.ExecContext(ctx, `
		UPDATE event_log.events SET prev_hash = $1 WHERE sequence = 2
	`, hash(9)); err != nil {
		t.Fatalf("corrupt chain: %v", err)
	}
	if _, err := db.ExecContext(ctx, `
		INSERT INTO projections.liquidation_history
			(sequence, position_id, owner, market_id, outcome, liquidated_amount,
			 remaining_size, exit_price, keeper_reward, penalty, collateral_released,
			 partial, tick, timestamp_us)
		VALUES (99, $1, $2, 'TRUMP-2028', 0, 1000, 500, 45000000, 1, 1, 1, FALSE, 1, 1)
	`, uuid.New(), uuid.New()); err != nil {
		t.Fatalf("plant malformed liquidation: %v", err)
	}

	report, err = qs.VerifyIntegrity(ctx)
	if err != nil {
		t.Fatalf("VerifyIntegrity failed: %v", err)
	}
	if report.IsHealthy {
		t.Error("expected unhealthy report")
	}
	if len(report.HashChainBreaks) != 1 || report.HashChainBreaks[0] != 2 {
		t.Errorf("hash chain breaks: got %v, want [2]", report.HashChainBreaks)
	}
	if len(report.MalformedLiquidations) != 1 || report.MalformedLiquidations[0] != 99 {
		t.Errorf("malformed liquidations: got %v, want [99]", report.MalformedLiquidations)
	}
}
