package ingestion_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"RiskCore/internal/event"
	"RiskCore/internal/ingestion"
	"RiskCore/internal/testutil"
)

// connectTestNATS connects to the docker-compose.test.yml JetStream
// instance, skipping the test when it is not running.
func connectTestNATS(t *testing.T) jetstream.JetStream {
	t.Helper()

	nc, js, err := ingestion.ConnectNATS(testutil.TestNATSURL())
	if err != nil {
		t.Skipf("test nats not available: %v (start with: docker compose -f docker-compose.test.yml up -d)", err)
	}
	t.Cleanup(nc.Close)
	return js
}

func TestNATSSubscriber_DeliversInboundEvents(t *testing.T) {
	testutil.RequireIntegration(t)
	js := connectTestNATS(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := ingestion.EnsureStreams(ctx, js); err != nil {
		t.Fatalf("ensure streams: %v", err)
	}

	// A per-run market id keeps this run's message distinguishable from
	// anything older runs left in the stream.
	market := fmt.Sprintf("ITEST-%d", time.Now().UnixNano())
	consumerName := fmt.Sprintf("risk-prices-itest-%d", time.Now().UnixNano())
	defer js.DeleteConsumer(context.Background(), "RISK_PRICES", consumerName)

	eventChan := make(chan ingestion.RawEvent, 64)
	sub := ingestion.NewNATSSubscriber(js, eventChan)
	defer sub.Stop()

	err := sub.Subscribe(ctx, []ingestion.SubjectConfig{{
		Subject:      "risk.prices.>",
		EventType:    "MarkPriceObserved",
		ConsumerName: consumerName,
		StreamName:   "RISK_PRICES",
	}})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	subject := "risk.prices." + market
	payload := []byte(fmt.Sprintf(
		`{"market":%q,"outcome":0,"mark_price":45000000,"price_sequence":7,"price_timestamp_us":1000000}`,
		market,
	))
	if _, err := js.Publish(ctx, subject, payload); err != nil {
		t.Fatalf("publish: %v", err)
	}

	// Drain until this run's message arrives; older runs' leftovers are
	// acked and discarded.
	var raw ingestion.RawEvent
	for {
		select {
		case got := <-eventChan:
			got.AckFunc()
			if got.Subject == subject {
				raw = got
			}
		case <-ctx.Done():
			t.Fatal("timed out waiting for the published price")
		}
		if raw.Subject != "" {
			break
		}
	}

	parsed, err := ingestion.ParseRawEvent(raw, "MarkPriceObserved")
	if err != nil {
		t.Fatalf("parse delivered event: %v", err)
	}
	price, ok := parsed.(*event.MarkPriceObserved)
	if !ok {
		t.Fatalf("parsed type %T, want *event.MarkPriceObserved", parsed)
	}
	if price.Market != market || price.Outcome != 0 {
		t.Errorf("market: got %s/%d, want %s/0", price.Market, price.Outcome, market)
	}
	if price.MarkPrice != 45_000_000 || price.PriceSequence != 7 {
		t.Errorf("economics: got price=%d seq=%d", price.MarkPrice, price.PriceSequence)
	}
	if price.PriceTimestamp != 1_000_000 {
		t.Errorf("timestamp: got %d, want 1000000", price.PriceTimestamp)
	}
}

func TestOutboundPublisher_PublishesAppliedEvents(t *testing.T) {
	testutil.RequireIntegration(t)
	js := connectTestNATS(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := ingestion.EnsureOutboundStream(ctx, js); err != nil {
		t.Fatalf("ensure outbound stream: %v", err)
	}

	market := fmt.Sprintf("ITEST-%d", time.Now().UnixNano())
	consumerName := fmt.Sprintf("risk-outbound-itest-%d", time.Now().UnixNano())
	defer js.DeleteConsumer(context.Background(), "RISK_CORE_EVENTS", consumerName)

	// Filtering on the full subject isolates this run's message.
	wantSubject := "risk.core.events.MarketHalted." + market
	consumer, err := js.CreateOrUpdateConsumer(ctx, "RISK_CORE_EVENTS", jetstream.ConsumerConfig{
		Durable:       consumerName,
		FilterSubject: wantSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	if err != nil {
		t.Fatalf("create outbound consumer: %v", err)
	}

	inputChan := make(chan ingestion.PublishableEvent, 1)
	pub := ingestion.NewOutboundPublisher(js, inputChan)
	pubDone := make(chan error, 1)
	go func() { pubDone <- pub.Run(ctx) }()

	inputChan <- ingestion.PublishableEvent{
		Sequence:       42,
		EventType:      "MarketHalted",
		IdempotencyKey: market + "/0:halt:5",
		MarketID:       &market,
		Payload: &event.MarketHalted{
			Market: market, Outcome: 0, MovementBps: 600,
			TriggeredAt: 5, TriggerCount: 1, Sequence: 42, Timestamp: 1_000_000,
		},
		StateHash: []byte{0xAB},
		Timestamp: time.Unix(1, 0).UTC(),
	}

	batch, err := consumer.Fetch(1, jetstream.FetchMaxWait(20*time.Second))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}

	var received jetstream.Msg
	for msg := range batch.Messages() {
		msg.Ack()
		received = msg
	}
	if err := batch.Error(); err != nil {
		t.Fatalf("fetch batch: %v", err)
	}
	if received == nil {
		t.Fatal("no outbound message received")
	}
	if received.Subject() != wantSubject {
		t.Errorf("subject: got %s, want %s", received.Subject(), wantSubject)
	}

	var envelope struct {
		Sequence  int64           `json:"sequence"`
		EventType string          `json:"event_type"`
		MarketID  *string         `json:"market_id"`
		Payload   json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(received.Data(), &envelope); err != nil {
		t.Fatalf("decode outbound envelope: %v", err)
	}
	if envelope.Sequence != 42 || envelope.EventType != "MarketHalted" {
		t.Errorf("envelope: got seq=%d type=%s", envelope.Sequence, envelope.EventType)
	}
	if envelope.MarketID == nil || *envelope.MarketID != market {
		t.Errorf("market_id: got %v, want %s", envelope.MarketID, market)
	}

	var halt struct{ MovementBps int64 }
	if err := json.Unmarshal(envelope.Payload, &halt); err != nil {
		t.Fatalf("decode halt payload: %v", err)
	}
	if halt.MovementBps != 600 {
		t.Errorf("movement_bps: got %d, want 600", halt.MovementBps)
	}

	close(inputChan)
	if err := <-pubDone; err != nil {
		t.Errorf("publisher exit: %v", err)
	}
}
