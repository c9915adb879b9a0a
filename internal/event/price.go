package event

import "fmt"

// MarkPriceObserved is a mark price sample for one market outcome from
// the oracle feed. It drives health scans and the circuit breaker.
type MarkPriceObserved struct {
	Market         string
	Outcome        uint8
	MarkPrice      int64 // Fixed-point: price scale (decimal_precision=6, scale=1_000_000)
	PriceSequence  int64 // Monotonic per market outcome
	PriceTimestamp int64 // Epoch microseconds (versioned input)
}

func (m *MarkPriceObserved) IdempotencyKey() string {
	return fmt.Sprintf("%s/%d:price:%d", m.Market, m.Outcome, m.PriceSequence)
}

func (m *MarkPriceObserved) EventType() EventType {
	return EventTypeMarkPriceObserved
}

func (m *MarkPriceObserved) MarketID() *string {
	s := m.Market
	return &s
}

func (m *MarkPriceObserved) SourceSequence() int64 {
	return m.PriceSequence
}
