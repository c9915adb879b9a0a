package event

import "fmt"

// CoverageSnapshot reports the vault balance against total open
// interest. The ledger upstream owns both figures; the risk core only
// derives the coverage ratio and recovery mode from them.
type CoverageSnapshot struct {
	VaultBalance      int64 // Fixed-point: quote scale (decimal_precision=6, scale=1_000_000)
	TotalOpenInterest int64 // Fixed-point: quote scale
	Sequence          int64
	Timestamp         int64 // Epoch microseconds (versioned input)
}

func (c *CoverageSnapshot) IdempotencyKey() string {
	return fmt.Sprintf("coverage:%d", c.Sequence)
}

func (c *CoverageSnapshot) EventType() EventType {
	return EventTypeCoverageSnapshot
}

func (c *CoverageSnapshot) MarketID() *string {
	return nil // Global event
}

func (c *CoverageSnapshot) SourceSequence() int64 {
	return c.Sequence
}
