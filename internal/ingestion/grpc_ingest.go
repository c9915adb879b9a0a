package ingestion

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"RiskCore/internal/event"
)

// GRPCIngestService provides admin/manual event injection via gRPC.
// It is for operator actions, not high-throughput ingestion; NATS
// carries the production streams.
//
// The service owns the admin stream's source sequencing: the counter is
// seeded from the recovered sequence state at boot so injected events
// continue the strictly ordered admin partition.
type GRPCIngestService struct {
	eventChan chan<- event.Event
	adminSeq  atomic.Int64
}

func NewGRPCIngestService(eventChan chan<- event.Event, nextAdminSeq int64) *GRPCIngestService {
	s := &GRPCIngestService{eventChan: eventChan}
	s.adminSeq.Store(nextAdminSeq)
	return s
}

func (s *GRPCIngestService) nextSeq() int64 {
	return s.adminSeq.Add(1) - 1
}

// InjectBreakerReset requests an authorized halt lift on one market
// outcome.
func (s *GRPCIngestService) InjectBreakerReset(
	ctx context.Context,
	market string,
	outcome uint8,
	authority uuid.UUID,
) error {
	if market == "" {
		return fmt.Errorf("market must be set")
	}

	evt := &event.BreakerResetRequested{
		Market:    market,
		Outcome:   outcome,
		Authority: authority,
		Sequence:  s.nextSeq(),
		Timestamp: time.Now().UnixMicro(),
	}

	select {
	case s.eventChan <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InjectRiskParams forwards a risk parameter update to the core.
func (s *GRPCIngestService) InjectRiskParams(
	ctx context.Context,
	update *event.RiskParamUpdate,
) error {
	if update == nil {
		return fmt.Errorf("update must be set")
	}

	update.Sequence = s.nextSeq()
	update.Timestamp = time.Now().UnixMicro()

	select {
	case s.eventChan <- update:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InjectMarkPrice manually injects a price sample, for markets whose
// oracle feed is down. The caller supplies the oracle sequence; the
// price partition tolerates gaps, so any sequence beyond the last
// applied one is accepted.
func (s *GRPCIngestService) InjectMarkPrice(
	ctx context.Context,
	market string,
	outcome uint8,
	markPrice int64,
	priceSequence int64,
) error {
	if markPrice <= 0 {
		return fmt.Errorf("mark price must be positive")
	}

	evt := &event.MarkPriceObserved{
		Market:         market,
		Outcome:        outcome,
		MarkPrice:      markPrice,
		PriceSequence:  priceSequence,
		PriceTimestamp: time.Now().UnixMicro(),
	}

	select {
	case s.eventChan <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
