package state

import (
	"RiskCore/internal/fixed"

	"github.com/google/uuid"
)

// AttackConfig tunes borrow/trade timing detection.
type AttackConfig struct {
	// WindowTicks bounds how long borrow records are retained.
	WindowTicks int64
	// MinDelayTicks is the required gap between an actor's borrow and
	// their next trade.
	MinDelayTicks int64
	// FlashLoanThreshold marks a borrow as flash-loan-sized (quote
	// scale); such borrows accrue the repayment fee.
	FlashLoanThreshold int64
	FlashFeeBps        int64
	// Suspicion scoring: trades at or above LargeTradeSize with
	// effective leverage at or above HighLeverage accrue one point;
	// reaching SuspicionThreshold forces rejection.
	LargeTradeSize     int64
	HighLeverage       fixed.FP
	SuspicionThreshold int
}

func DefaultAttackConfig() AttackConfig {
	return AttackConfig{
		WindowTicks:        150,
		MinDelayTicks:      2,
		FlashLoanThreshold: 50_000_000,
		FlashFeeBps:        200, // 2%
		LargeTradeSize:     50_000_000,
		HighLeverage:       fixed.FromInt(20),
		SuspicionThreshold: 3,
	}
}

type borrowRecord struct {
	tick   int64
	amount int64
}

// AttackDetector tracks recent borrows per actor and scores suspicious
// trading. Rejections mutate nothing beyond the detector's counters.
type AttackDetector struct {
	cfg AttackConfig

	borrows   map[uuid.UUID][]borrowRecord
	suspicion map[uuid.UUID]int

	attackCount int64
}

func NewAttackDetector(cfg AttackConfig) *AttackDetector {
	return &AttackDetector{
		cfg:       cfg,
		borrows:   make(map[uuid.UUID][]borrowRecord),
		suspicion: make(map[uuid.UUID]int),
	}
}

// RecordBorrow registers a borrow at the given tick.
func (ad *AttackDetector) RecordBorrow(actor uuid.UUID, amount int64, tick int64) error {
	if amount <= 0 {
		return ErrInvalidDeposit
	}
	ad.prune(actor, tick)
	ad.borrows[actor] = append(ad.borrows[actor], borrowRecord{tick: tick, amount: amount})
	return nil
}

// CheckTrade gates a trade attempt. A trade within MinDelayTicks of a
// flash-sized borrow is rejected and counted as an attack; large
// high-leverage trades accrue suspicion and are rejected once the
// actor's score reaches the threshold.
func (ad *AttackDetector) CheckTrade(actor uuid.UUID, size int64, leverage fixed.FP, tick int64) error {
	ad.prune(actor, tick)

	for _, b := range ad.borrows[actor] {
		if b.amount >= ad.cfg.FlashLoanThreshold && tick-b.tick < ad.cfg.MinDelayTicks {
			ad.attackCount++
			return ErrRateLimited
		}
	}

	if size >= ad.cfg.LargeTradeSize && leverage.Cmp(ad.cfg.HighLeverage) >= 0 {
		ad.suspicion[actor]++
		if ad.suspicion[actor] >= ad.cfg.SuspicionThreshold {
			ad.attackCount++
			return ErrSuspiciousActivity
		}
	}
	return nil
}

// ApplyFee returns the flash-loan repayment fee for a principal at
// quote scale.
func (ad *AttackDetector) ApplyFee(principal int64) int64 {
	if principal <= 0 {
		return 0
	}
	return fixed.FromMicros(principal).Mul(fixed.FromBps(ad.cfg.FlashFeeBps)).Micros()
}

// VerifyRepayment checks that a repayment covers principal plus the
// flash-loan fee. Borrows under the flash threshold owe principal only.
func (ad *AttackDetector) VerifyRepayment(borrowed, repaid int64) error {
	if borrowed <= 0 {
		return ErrInvalidDeposit
	}
	owed := borrowed
	if borrowed >= ad.cfg.FlashLoanThreshold {
		owed += ad.ApplyFee(borrowed)
	}
	if repaid < owed {
		return ErrInsufficientFlashLoanRepayment
	}
	return nil
}

// SuspicionScore returns the actor's accumulated score.
func (ad *AttackDetector) SuspicionScore(actor uuid.UUID) int {
	return ad.suspicion[actor]
}

// AttackCount returns the global rejected-attack counter.
func (ad *AttackDetector) AttackCount() int64 {
	return ad.attackCount
}

// prune drops records older than the detection window.
func (ad *AttackDetector) prune(actor uuid.UUID, tick int64) {
	records := ad.borrows[actor]
	if len(records) == 0 {
		return
	}
	kept := records[:0]
	for _, r := range records {
		if tick-r.tick <= ad.cfg.WindowTicks {
			kept = append(kept, r)
		}
	}
	if len(kept) == 0 {
		delete(ad.borrows, actor)
		return
	}
	ad.borrows[actor] = kept
}

// PruneAll ages out every actor's records, called once per tick.
func (ad *AttackDetector) PruneAll(tick int64) {
	for actor := range ad.borrows {
		ad.prune(actor, tick)
	}
}
