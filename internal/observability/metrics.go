package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the risk core.
type Metrics struct {
	// --- Core Processing ---
	CoreEventsApplied  *prometheus.CounterVec
	CoreEventsRejected *prometheus.CounterVec
	CoreEventDuration  *prometheus.HistogramVec
	CoreStateHashDur   prometheus.Histogram
	CoreSequence       prometheus.Gauge
	CoreTick           prometheus.Gauge

	// --- Latency ---
	IngestToApply       *prometheus.HistogramVec
	ApplyToPersist      prometheus.Histogram
	NATSPullLatency     *prometheus.HistogramVec
	PersistBatchDur     prometheus.Histogram
	ProjectionUpdateDur *prometheus.HistogramVec
	QueryFreshnessLag   *prometheus.HistogramVec

	// --- Channel & Backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	ProjectionDrops     *prometheus.CounterVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency & Ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupLRUEvictions     prometheus.Counter
	EventSequenceGap      *prometheus.CounterVec
	EventOutOfOrder       *prometheus.CounterVec

	// --- Position Health ---
	HealthScans       *prometheus.CounterVec
	PositionsByTier   *prometheus.GaugeVec
	OpenPositions     prometheus.Gauge
	TrackedCollateral prometheus.Gauge

	// --- Liquidation Queue & Processor ---
	QueueDepth           prometheus.Gauge
	QueueSubmissions     *prometheus.CounterVec
	QueueEvictions       prometheus.Counter
	LiquidationsExecuted *prometheus.CounterVec
	LiquidationsDropped  *prometheus.CounterVec
	LiquidationsDeferred prometheus.Counter
	CycleDuration        prometheus.Histogram
	CycleTaken           prometheus.Histogram
	BudgetConsumed       prometheus.Gauge

	// --- Circuit Breaker ---
	BreakerTrips  *prometheus.CounterVec
	BreakerResets *prometheus.CounterVec
	HaltedMarkets prometheus.Gauge

	// --- Coverage & Recovery ---
	CoverageRatio  prometheus.Gauge
	VaultBalance   prometheus.Gauge
	OpenInterest   prometheus.Gauge
	CurrentFeeBps  prometheus.Gauge
	RecoveryActive prometheus.Gauge
	OpeningsHalted prometheus.Gauge

	// --- Chain Validation ---
	ChainStepsApplied  *prometheus.CounterVec
	ChainStepsRejected *prometheus.CounterVec

	// --- Attack Detection ---
	AttacksDetected prometheus.Counter
	FlashLoanFees   prometheus.Counter
	TradesRejected  *prometheus.CounterVec

	// --- Persistence ---
	PersistEventsWritten prometheus.Counter
	PersistBatchSize     prometheus.Histogram
	PersistErrors        *prometheus.CounterVec
	PersistRetry         prometheus.Counter
	PersistLastSequence  prometheus.Gauge

	// --- Snapshot & Replay ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge
	ReplayEventsTotal prometheus.Counter
	ReplayDuration    prometheus.Gauge

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	ingestBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		// Core Processing
		CoreEventsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "risk_core_events_applied_total",
			Help: "Events successfully applied by core",
		}, []string{"event_type"}),

		CoreEventsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "risk_core_events_rejected_total",
			Help: "Events rejected (dedup, gap, validation)",
		}, []string{"event_type", "reason"}),

		CoreEventDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "risk_core_event_apply_duration_seconds",
			Help:    "Time to apply a single event in core",
			Buckets: latencyBuckets,
		}, []string{"event_type"}),

		CoreStateHashDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "risk_core_state_hash_duration_seconds",
			Help:    "Time to compute state hash",
			Buckets: latencyBuckets,
		}),

		CoreSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "risk_core_sequence",
			Help: "Current global sequence number",
		}),

		CoreTick: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "risk_core_tick",
			Help: "Current discrete tick",
		}),

		// Latency
		IngestToApply: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "risk_ingest_to_apply_seconds",
			Help:    "NATS receive to core apply complete",
			Buckets: ingestBuckets,
		}, []string{"event_type"}),

		ApplyToPersist: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "risk_apply_to_persist_seconds",
			Help:    "Core emit to Postgres commit",
			Buckets: latencyBuckets,
		}),

		NATSPullLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "risk_nats_pull_latency_seconds",
			Help:    "NATS pull request latency",
			Buckets: ingestBuckets,
		}, []string{"subject"}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "risk_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		ProjectionUpdateDur: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "risk_projection_update_duration_seconds",
			Help:    "Projection table update duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
		}, []string{"projection"}),

		QueryFreshnessLag: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "risk_query_freshness_lag_seconds",
			Help:    "Core sequence minus projection sequence (in time)",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.2, 0.5, 1.0},
		}, []string{"endpoint"}),

		// Channel & Backpressure
		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "risk_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "risk_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "risk_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		ProjectionDrops: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "risk_projection_drops_total",
			Help: "Events dropped due to full projection channel",
		}, []string{"projection"}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "risk_publish_drops_total",
			Help: "Events dropped due to full publish channel",
		}),

		PersistBackpressure: promauto.NewCounter(prometheus.CounterOpts{
			Name: "risk_persist_backpressure_total",
			Help: "Times core blocked on persist channel",
		}),

		// Idempotency & Ordering
		IdempotencyDuplicates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "risk_idempotency_duplicates_total",
			Help: "Duplicates caught (lru/postgres)",
		}, []string{"event_type", "tier"}),

		DedupLRUSize: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "risk_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		DedupLRUEvictions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "risk_dedup_lru_evictions_total",
			Help: "LRU evictions",
		}),

		EventSequenceGap: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "risk_event_sequence_gap_total",
			Help: "Source sequence gaps",
		}, []string{"partition"}),

		EventOutOfOrder: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "risk_event_out_of_order_total",
			Help: "Out-of-order rejections",
		}, []string{"partition"}),

		// Position Health
		HealthScans: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "risk_health_scans_total",
			Help: "Positions evaluated per market scan",
		}, []string{"market_id"}),

		PositionsByTier: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "risk_positions_by_tier",
			Help: "Open positions per warning tier at last scan",
		}, []string{"market_id", "tier"}),

		OpenPositions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "risk_open_positions",
			Help: "Currently open positions",
		}),

		TrackedCollateral: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "risk_tracked_collateral",
			Help: "Total collateral across open positions (quote scale)",
		}),

		// Liquidation Queue & Processor
		QueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "risk_queue_depth",
			Help: "Liquidation queue occupancy",
		}),

		QueueSubmissions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "risk_queue_submissions_total",
			Help: "Queue submissions (accepted/rejected)",
		}, []string{"result"}),

		QueueEvictions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "risk_queue_evictions_total",
			Help: "Stale entries evicted from the queue",
		}),

		LiquidationsExecuted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "risk_liquidations_executed_total",
			Help: "Liquidations committed (full/partial)",
		}, []string{"market_id", "mode"}),

		LiquidationsDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "risk_liquidations_dropped_total",
			Help: "Queue entries dropped at re-verification",
		}, []string{"reason"}),

		LiquidationsDeferred: promauto.NewCounter(prometheus.CounterOpts{
			Name: "risk_liquidations_deferred_total",
			Help: "Liquidations deferred by budget exhaustion",
		}),

		CycleDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "risk_cycle_duration_seconds",
			Help:    "Liquidation cycle wall time",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.4},
		}),

		CycleTaken: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "risk_cycle_taken",
			Help:    "Entries drained per cycle",
			Buckets: []float64{1, 10, 50, 100, 500, 1000, 2000, 4000},
		}),

		BudgetConsumed: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "risk_budget_consumed",
			Help: "Compute budget consumed in the last cycle",
		}),

		// Circuit Breaker
		BreakerTrips: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "risk_breaker_trips_total",
			Help: "Circuit breaker trips",
		}, []string{"market_id"}),

		BreakerResets: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "risk_breaker_resets_total",
			Help: "Authorized breaker resets",
		}, []string{"market_id"}),

		HaltedMarkets: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "risk_halted_markets",
			Help: "Market outcomes currently halted",
		}),

		// Coverage & Recovery
		CoverageRatio: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "risk_coverage_ratio",
			Help: "Vault balance / total open interest",
		}),

		VaultBalance: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "risk_vault_balance",
			Help: "Last reported vault balance (quote scale)",
		}),

		OpenInterest: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "risk_open_interest",
			Help: "Last reported total open interest (quote scale)",
		}),

		CurrentFeeBps: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "risk_current_fee_bps",
			Help: "Elastic fee in basis points after recovery multiplier",
		}),

		RecoveryActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "risk_recovery_active",
			Help: "1 while recovery mode is active",
		}),

		OpeningsHalted: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "risk_openings_halted",
			Help: "1 while new position opening is halted",
		}),

		// Chain Validation
		ChainStepsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "risk_chain_steps_applied_total",
			Help: "Chain steps applied",
		}, []string{"step_type"}),

		ChainStepsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "risk_chain_steps_rejected_total",
			Help: "Chain steps rejected by the validator",
		}, []string{"reason"}),

		// Attack Detection
		AttacksDetected: promauto.NewCounter(prometheus.CounterOpts{
			Name: "risk_attacks_detected_total",
			Help: "Flash-loan and suspicion rejections",
		}),

		FlashLoanFees: promauto.NewCounter(prometheus.CounterOpts{
			Name: "risk_flash_loan_fees_total",
			Help: "Flash-loan fees assessed (quote scale)",
		}),

		TradesRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "risk_trades_rejected_total",
			Help: "Trade submissions rejected",
		}, []string{"reason"}),

		// Persistence
		PersistEventsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "risk_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "risk_persist_batch_size",
			Help:    "Events per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "risk_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: promauto.NewCounter(prometheus.CounterOpts{
			Name: "risk_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "risk_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		// Snapshot & Replay
		SnapshotTaken: promauto.NewCounter(prometheus.CounterOpts{
			Name: "risk_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "risk_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		SnapshotSizeBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "risk_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		SnapshotLastSeq: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "risk_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		ReplayEventsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "risk_replay_events_total",
			Help: "Events replayed on startup",
		}),

		ReplayDuration: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "risk_replay_duration_seconds",
			Help: "Total replay time",
		}),

		// Query API
		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "risk_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "risk_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),

		QueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "risk_query_errors_total",
			Help: "Query errors",
		}, []string{"endpoint", "code"}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
