package ingestion

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"RiskCore/internal/event"
)

// ErrDerivedEvent marks stored rows the core produced itself. Replay
// skips them: re-applying the inbound tail regenerates every derived
// event under its original sequence.
var ErrDerivedEvent = errors.New("ingestion: derived event, not replayable input")

// ParseRawEvent converts a raw NATS payload into a typed event.Event.
// The shell validates and converts before anything reaches the core, so
// the core never sees malformed input.
func ParseRawEvent(raw RawEvent, eventType string) (event.Event, error) {
	switch eventType {
	case "MarkPriceObserved":
		return parseMarkPriceObserved(raw.Data)
	case "CoverageSnapshot":
		return parseCoverageSnapshot(raw.Data)
	case "PositionOpened":
		return parsePositionOpened(raw.Data)
	case "PositionClosed":
		return parsePositionClosed(raw.Data)
	case "ChainStepRequested":
		return parseChainStepRequested(raw.Data)
	case "BorrowRecorded":
		return parseBorrowRecorded(raw.Data)
	case "TradeSubmitted":
		return parseTradeSubmitted(raw.Data)
	case "FlashLoanRepaid":
		return parseFlashLoanRepaid(raw.Data)
	case "TickAdvanced":
		return parseTickAdvanced(raw.Data)
	case "BreakerResetRequested":
		return parseBreakerResetRequested(raw.Data)
	case "RiskParamUpdate":
		return parseRiskParamUpdate(raw.Data)
	default:
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}
}

// ResolveEventType maps a NATS subject to its event type by longest
// matching prefix, so nested subjects (risk.lending.borrow.acme) land
// on the right parser.
func ResolveEventType(subject string, subjects []SubjectConfig) (string, bool) {
	best := ""
	bestLen := -1
	for _, cfg := range subjects {
		prefix := strings.TrimSuffix(cfg.Subject, ">")
		if strings.HasPrefix(subject, prefix) && len(prefix) > bestLen {
			best = cfg.EventType
			bestLen = len(prefix)
		}
	}
	return best, bestLen >= 0
}

// ParseStoredEvent decodes an event_log row back into the typed event
// for replay. Stored payloads are the internal representation written
// by the persistence worker, not the upstream wire format.
func ParseStoredEvent(eventType string, payload []byte) (event.Event, error) {
	var evt event.Event
	switch eventType {
	case "MarkPriceObserved":
		evt = &event.MarkPriceObserved{}
	case "CoverageSnapshot":
		evt = &event.CoverageSnapshot{}
	case "PositionOpened":
		evt = &event.PositionOpened{}
	case "PositionClosed":
		evt = &event.PositionClosed{}
	case "ChainStepRequested":
		evt = &event.ChainStepRequested{}
	case "BorrowRecorded":
		evt = &event.BorrowRecorded{}
	case "TradeSubmitted":
		evt = &event.TradeSubmitted{}
	case "FlashLoanRepaid":
		evt = &event.FlashLoanRepaid{}
	case "TickAdvanced":
		evt = &event.TickAdvanced{}
	case "BreakerResetRequested":
		evt = &event.BreakerResetRequested{}
	case "RiskParamUpdate":
		evt = &event.RiskParamUpdate{}
	case "LiquidationExecuted", "MarketHalted", "MarketHaltLifted", "RecoveryModeChanged":
		return nil, ErrDerivedEvent
	default:
		return nil, fmt.Errorf("unknown stored event type: %s", eventType)
	}
	if err := json.Unmarshal(payload, evt); err != nil {
		return nil, fmt.Errorf("decode stored %s: %w", eventType, err)
	}
	return evt, nil
}

// --- JSON wire formats ---
// These structs mirror the JSON payloads received from NATS. Field
// names use snake_case to match upstream producers.

type markPriceJSON struct {
	Market         string `json:"market"`
	Outcome        uint8  `json:"outcome"`
	MarkPrice      int64  `json:"mark_price"`
	PriceSequence  int64  `json:"price_sequence"`
	PriceTimestamp int64  `json:"price_timestamp_us"`
}

func parseMarkPriceObserved(data []byte) (*event.MarkPriceObserved, error) {
	var j markPriceJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse MarkPriceObserved: %w", err)
	}
	if j.Market == "" {
		return nil, fmt.Errorf("parse MarkPriceObserved: empty market")
	}
	if j.MarkPrice <= 0 {
		return nil, fmt.Errorf("parse MarkPriceObserved: non-positive mark_price %d", j.MarkPrice)
	}
	return &event.MarkPriceObserved{
		Market:         j.Market,
		Outcome:        j.Outcome,
		MarkPrice:      j.MarkPrice,
		PriceSequence:  j.PriceSequence,
		PriceTimestamp: j.PriceTimestamp,
	}, nil
}

type coverageSnapshotJSON struct {
	VaultBalance      int64 `json:"vault_balance"`
	TotalOpenInterest int64 `json:"total_open_interest"`
	Sequence          int64 `json:"sequence"`
	TimestampUs       int64 `json:"timestamp_us"`
}

func parseCoverageSnapshot(data []byte) (*event.CoverageSnapshot, error) {
	var j coverageSnapshotJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse CoverageSnapshot: %w", err)
	}
	return &event.CoverageSnapshot{
		VaultBalance:      j.VaultBalance,
		TotalOpenInterest: j.TotalOpenInterest,
		Sequence:          j.Sequence,
		Timestamp:         j.TimestampUs,
	}, nil
}

type positionOpenedJSON struct {
	PositionID  string `json:"position_id"`
	Owner       string `json:"owner"`
	Market      string `json:"market"`
	Outcome     uint8  `json:"outcome"`
	Side        string `json:"side"` // "long" or "short"
	Quantity    int64  `json:"quantity"`
	Collateral  int64  `json:"collateral"`
	EntryPrice  int64  `json:"entry_price"`
	Leverage    int64  `json:"leverage"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parsePositionOpened(data []byte) (*event.PositionOpened, error) {
	var j positionOpenedJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PositionOpened: %w", err)
	}
	positionID, err := uuid.Parse(j.PositionID)
	if err != nil {
		return nil, fmt.Errorf("parse position_id: %w", err)
	}
	owner, err := uuid.Parse(j.Owner)
	if err != nil {
		return nil, fmt.Errorf("parse owner: %w", err)
	}
	side, err := event.ParseSide(j.Side)
	if err != nil {
		return nil, fmt.Errorf("parse PositionOpened: %w", err)
	}
	if j.Quantity <= 0 || j.Collateral <= 0 || j.EntryPrice <= 0 || j.Leverage <= 0 {
		return nil, fmt.Errorf("parse PositionOpened: non-positive economics")
	}
	return &event.PositionOpened{
		PositionID: positionID,
		Owner:      owner,
		Market:     j.Market,
		Outcome:    j.Outcome,
		TradeSide:  side,
		Quantity:   j.Quantity,
		Collateral: j.Collateral,
		EntryPrice: j.EntryPrice,
		Leverage:   j.Leverage,
		Sequence:   j.Sequence,
		Timestamp:  j.TimestampUs,
	}, nil
}

type positionClosedJSON struct {
	PositionID  string `json:"position_id"`
	Owner       string `json:"owner"`
	Market      string `json:"market"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parsePositionClosed(data []byte) (*event.PositionClosed, error) {
	var j positionClosedJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PositionClosed: %w", err)
	}
	positionID, err := uuid.Parse(j.PositionID)
	if err != nil {
		return nil, fmt.Errorf("parse position_id: %w", err)
	}
	owner, err := uuid.Parse(j.Owner)
	if err != nil {
		return nil, fmt.Errorf("parse owner: %w", err)
	}
	return &event.PositionClosed{
		PositionID: positionID,
		Owner:      owner,
		Market:     j.Market,
		Sequence:   j.Sequence,
		Timestamp:  j.TimestampUs,
	}, nil
}

type chainStepJSON struct {
	PositionID  string `json:"position_id"`
	Actor       string `json:"actor"`
	Market      string `json:"market"`
	StepType    string `json:"step_type"`
	Deposit     int64  `json:"deposit"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseChainStepRequested(data []byte) (*event.ChainStepRequested, error) {
	var j chainStepJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse ChainStepRequested: %w", err)
	}
	positionID, err := uuid.Parse(j.PositionID)
	if err != nil {
		return nil, fmt.Errorf("parse position_id: %w", err)
	}
	actor, err := uuid.Parse(j.Actor)
	if err != nil {
		return nil, fmt.Errorf("parse actor: %w", err)
	}
	return &event.ChainStepRequested{
		PositionID: positionID,
		Actor:      actor,
		Market:     j.Market,
		StepType:   j.StepType,
		Deposit:    j.Deposit,
		Sequence:   j.Sequence,
		Timestamp:  j.TimestampUs,
	}, nil
}

type borrowJSON struct {
	Actor       string `json:"actor"`
	Amount      int64  `json:"amount"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseBorrowRecorded(data []byte) (*event.BorrowRecorded, error) {
	var j borrowJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse BorrowRecorded: %w", err)
	}
	actor, err := uuid.Parse(j.Actor)
	if err != nil {
		return nil, fmt.Errorf("parse actor: %w", err)
	}
	if j.Amount <= 0 {
		return nil, fmt.Errorf("parse BorrowRecorded: non-positive amount %d", j.Amount)
	}
	return &event.BorrowRecorded{
		Actor:     actor,
		Amount:    j.Amount,
		Sequence:  j.Sequence,
		Timestamp: j.TimestampUs,
	}, nil
}

type tradeSubmittedJSON struct {
	Actor       string `json:"actor"`
	Market      string `json:"market"`
	Outcome     uint8  `json:"outcome"`
	Side        string `json:"side"`
	Quantity    int64  `json:"quantity"`
	Leverage    int64  `json:"leverage"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseTradeSubmitted(data []byte) (*event.TradeSubmitted, error) {
	var j tradeSubmittedJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse TradeSubmitted: %w", err)
	}
	actor, err := uuid.Parse(j.Actor)
	if err != nil {
		return nil, fmt.Errorf("parse actor: %w", err)
	}
	side, err := event.ParseSide(j.Side)
	if err != nil {
		return nil, fmt.Errorf("parse TradeSubmitted: %w", err)
	}
	return &event.TradeSubmitted{
		Actor:     actor,
		Market:    j.Market,
		Outcome:   j.Outcome,
		TradeSide: side,
		Quantity:  j.Quantity,
		Leverage:  j.Leverage,
		Sequence:  j.Sequence,
		Timestamp: j.TimestampUs,
	}, nil
}

type flashLoanJSON struct {
	Actor       string `json:"actor"`
	Borrowed    int64  `json:"borrowed"`
	Repaid      int64  `json:"repaid"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseFlashLoanRepaid(data []byte) (*event.FlashLoanRepaid, error) {
	var j flashLoanJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse FlashLoanRepaid: %w", err)
	}
	actor, err := uuid.Parse(j.Actor)
	if err != nil {
		return nil, fmt.Errorf("parse actor: %w", err)
	}
	return &event.FlashLoanRepaid{
		Actor:     actor,
		Borrowed:  j.Borrowed,
		Repaid:    j.Repaid,
		Sequence:  j.Sequence,
		Timestamp: j.TimestampUs,
	}, nil
}

type tickJSON struct {
	Tick        int64 `json:"tick"`
	Sequence    int64 `json:"sequence"`
	TimestampUs int64 `json:"timestamp_us"`
}

func parseTickAdvanced(data []byte) (*event.TickAdvanced, error) {
	var j tickJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse TickAdvanced: %w", err)
	}
	if j.Tick <= 0 {
		return nil, fmt.Errorf("parse TickAdvanced: non-positive tick %d", j.Tick)
	}
	return &event.TickAdvanced{
		Tick:      j.Tick,
		Sequence:  j.Sequence,
		Timestamp: j.TimestampUs,
	}, nil
}

type breakerResetJSON struct {
	Market      string `json:"market"`
	Outcome     uint8  `json:"outcome"`
	Authority   string `json:"authority"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseBreakerResetRequested(data []byte) (*event.BreakerResetRequested, error) {
	var j breakerResetJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse BreakerResetRequested: %w", err)
	}
	authority, err := uuid.Parse(j.Authority)
	if err != nil {
		return nil, fmt.Errorf("parse authority: %w", err)
	}
	return &event.BreakerResetRequested{
		Market:    j.Market,
		Outcome:   j.Outcome,
		Authority: authority,
		Sequence:  j.Sequence,
		Timestamp: j.TimestampUs,
	}, nil
}

type riskParamUpdateJSON struct {
	Sigma              int64 `json:"sigma"`
	CriticalBand       int64 `json:"critical_band"`
	HighBand           int64 `json:"high_band"`
	MediumBand         int64 `json:"medium_band"`
	LowBand            int64 `json:"low_band"`
	MaxChainSteps      int64 `json:"max_chain_steps"`
	MaxBorrowSteps     int64 `json:"max_borrow_steps"`
	ChainCooldownTicks int64 `json:"chain_cooldown_ticks"`
	BaseExposureLimit  int64 `json:"base_exposure_limit"`
	EffectiveSeq       int64 `json:"effective_seq"`
	Sequence           int64 `json:"sequence"`
	TimestampUs        int64 `json:"timestamp_us"`
}

func parseRiskParamUpdate(data []byte) (*event.RiskParamUpdate, error) {
	var j riskParamUpdateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse RiskParamUpdate: %w", err)
	}
	return &event.RiskParamUpdate{
		Sigma:              j.Sigma,
		CriticalBand:       j.CriticalBand,
		HighBand:           j.HighBand,
		MediumBand:         j.MediumBand,
		LowBand:            j.LowBand,
		MaxChainSteps:      j.MaxChainSteps,
		MaxBorrowSteps:     j.MaxBorrowSteps,
		ChainCooldownTicks: j.ChainCooldownTicks,
		BaseExposureLimit:  j.BaseExposureLimit,
		EffectiveSeq:       j.EffectiveSeq,
		Sequence:           j.Sequence,
		Timestamp:          j.TimestampUs,
	}, nil
}
