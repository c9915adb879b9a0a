package event

import (
	"fmt"

	"github.com/google/uuid"
)

// BorrowRecorded registers a borrow with the attack detector. Global:
// borrows are per actor, not per market.
type BorrowRecorded struct {
	Actor     uuid.UUID
	Amount    int64 // Fixed-point: quote scale (decimal_precision=6, scale=1_000_000)
	Sequence  int64
	Timestamp int64 // Epoch microseconds (versioned input)
}

func (b *BorrowRecorded) IdempotencyKey() string {
	return fmt.Sprintf("%s:borrow:%d", b.Actor, b.Sequence)
}

func (b *BorrowRecorded) EventType() EventType {
	return EventTypeBorrowRecorded
}

func (b *BorrowRecorded) MarketID() *string {
	return nil // Global event
}

func (b *BorrowRecorded) SourceSequence() int64 {
	return b.Sequence
}

// FlashLoanRepaid settles a flash-sized borrow; the detector verifies
// the repayment covers principal plus fee.
type FlashLoanRepaid struct {
	Actor     uuid.UUID
	Borrowed  int64 // Fixed-point: quote scale
	Repaid    int64 // Fixed-point: quote scale
	Sequence  int64
	Timestamp int64
}

func (f *FlashLoanRepaid) IdempotencyKey() string {
	return fmt.Sprintf("%s:repay:%d", f.Actor, f.Sequence)
}

func (f *FlashLoanRepaid) EventType() EventType {
	return EventTypeFlashLoanRepaid
}

func (f *FlashLoanRepaid) MarketID() *string {
	return nil
}

func (f *FlashLoanRepaid) SourceSequence() int64 {
	return f.Sequence
}
