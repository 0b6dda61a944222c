package observability

import (
	"math/big"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the msUSD service.
type Metrics struct {
	// --- Core processing ---
	CoreEventsApplied  *prometheus.CounterVec
	CoreEventsRejected *prometheus.CounterVec
	CoreEventDuration  *prometheus.HistogramVec
	CoreJournals       *prometheus.CounterVec
	CoreSequence       prometheus.Gauge
	ReentrancyBlocked  prometheus.Counter

	// --- Protocol state ---
	TokenSupply      *prometheus.GaugeVec
	SupplyLimit      prometheus.Gauge
	PendingClaims    *prometheus.GaugeVec
	EngineCollateral *prometheus.GaugeVec
	VaultTotalAssets prometheus.Gauge
	VaultTotalShares prometheus.Gauge
	VaultAPR         prometheus.Gauge
	RebaseIndex      prometheus.Gauge

	// --- Channel & backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ProjectionDrops     prometheus.Counter
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency & oracle feeds ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupTier2Errors      prometheus.Counter
	PriceUpdates          *prometheus.CounterVec
	PriceSequenceGaps     *prometheus.CounterVec

	// --- Ingestion ---
	IngestMessages *prometheus.CounterVec

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistBatchDur        prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge
	ProjectionUpdateDur    prometheus.Histogram

	// --- Snapshot & recovery ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge
	ReplayEventsTotal prometheus.Counter

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	latencyBuckets := []float64{
		0.000005, 0.00001, 0.000025, 0.00005, 0.0001,
		0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.05,
	}

	return &Metrics{
		// Core processing
		CoreEventsApplied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "msusd_core_events_applied_total",
			Help: "Commands successfully applied by core",
		}, []string{"event_type"}),

		CoreEventsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "msusd_core_events_rejected_total",
			Help: "Commands rejected (duplicate, validation, authorization)",
		}, []string{"event_type", "reason"}),

		CoreEventDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "msusd_core_event_apply_duration_seconds",
			Help:    "Time to apply a single command in core",
			Buckets: latencyBuckets,
		}, []string{"event_type"}),

		CoreJournals: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "msusd_core_journals_generated_total",
			Help: "Journal entries generated",
		}, []string{"journal_type"}),

		CoreSequence: factory.NewGauge(prometheus.GaugeOpts{
			Name: "msusd_core_sequence",
			Help: "Next global sequence to be assigned",
		}),

		ReentrancyBlocked: factory.NewCounter(prometheus.CounterOpts{
			Name: "msusd_core_reentrancy_blocked_total",
			Help: "Calls rejected because they re-entered the core",
		}),

		// Protocol state
		TokenSupply: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "msusd_token_supply",
			Help: "Tracked supply per token (base units, float approximation)",
		}, []string{"token"}),

		SupplyLimit: factory.NewGauge(prometheus.GaugeOpts{
			Name: "msusd_supply_limit",
			Help: "Configured msUSD supply ceiling",
		}),

		PendingClaims: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "msusd_pending_claims",
			Help: "Unsettled redemption amount per collateral asset",
		}, []string{"asset"}),

		EngineCollateral: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "msusd_engine_collateral",
			Help: "Collateral held by the mint engine per asset",
		}, []string{"asset"}),

		VaultTotalAssets: factory.NewGauge(prometheus.GaugeOpts{
			Name: "msusd_vault_total_assets",
			Help: "msUSD backing vault shares",
		}),

		VaultTotalShares: factory.NewGauge(prometheus.GaugeOpts{
			Name: "msusd_vault_total_shares",
			Help: "Outstanding vault shares",
		}),

		VaultAPR: factory.NewGauge(prometheus.GaugeOpts{
			Name: "msusd_vault_apr",
			Help: "Latest annualised vault yield (1.0 = 100%)",
		}),

		RebaseIndex: factory.NewGauge(prometheus.GaugeOpts{
			Name: "msusd_rebase_index",
			Help: "Legacy rebasing token index (1.0 = par)",
		}),

		// Channels
		ChannelSize: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "msusd_channel_size",
			Help: "Current buffered items per channel",
		}, []string{"channel"}),

		ProjectionDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "msusd_projection_drops_total",
			Help: "Core outputs dropped because the projection channel was full",
		}),

		PublishDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "msusd_publish_drops_total",
			Help: "Outbound events that failed to publish",
		}),

		PersistBackpressure: factory.NewCounter(prometheus.CounterOpts{
			Name: "msusd_persist_backpressure_total",
			Help: "Times the core blocked on a full persist channel",
		}),

		// Idempotency & feeds
		IdempotencyDuplicates: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "msusd_idempotency_duplicates_total",
			Help: "Duplicate commands by tier",
		}, []string{"event_type", "tier"}),

		DedupLRUSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "msusd_dedup_lru_size",
			Help: "Entries in the in-memory idempotency cache",
		}),

		DedupTier2Errors: factory.NewCounter(prometheus.CounterOpts{
			Name: "msusd_dedup_tier2_errors_total",
			Help: "Postgres idempotency lookups that failed",
		}),

		PriceUpdates: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "msusd_price_updates_total",
			Help: "Price feed updates by outcome",
		}, []string{"oracle", "outcome"}),

		PriceSequenceGaps: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "msusd_price_sequence_gaps_total",
			Help: "Price feed sequence gaps observed",
		}, []string{"oracle"}),

		IngestMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "msusd_ingest_messages_total",
			Help: "Inbound messages by source and outcome",
		}, []string{"source", "outcome"}),

		// Persistence
		PersistEventsWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "msusd_persist_events_written_total",
			Help: "Events written to the event log",
		}),

		PersistJournalsWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "msusd_persist_journals_written_total",
			Help: "Journal entries written",
		}),

		PersistBatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "msusd_persist_batch_size",
			Help:    "Events per persistence batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),

		PersistBatchDur: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "msusd_persist_batch_duration_seconds",
			Help:    "Time to commit a persistence batch",
			Buckets: prometheus.DefBuckets,
		}),

		PersistErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "msusd_persist_errors_total",
			Help: "Persistence errors by kind",
		}, []string{"kind"}),

		PersistRetry: factory.NewCounter(prometheus.CounterOpts{
			Name: "msusd_persist_retry_total",
			Help: "Persistence batch retries",
		}),

		PersistLastSequence: factory.NewGauge(prometheus.GaugeOpts{
			Name: "msusd_persist_last_sequence",
			Help: "Last sequence committed to the event log",
		}),

		ProjectionUpdateDur: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "msusd_projection_update_duration_seconds",
			Help:    "Time to apply one output to projections",
			Buckets: prometheus.DefBuckets,
		}),

		// Snapshot
		SnapshotTaken: factory.NewCounter(prometheus.CounterOpts{
			Name: "msusd_snapshot_taken_total",
			Help: "Snapshots written",
		}),

		SnapshotDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "msusd_snapshot_duration_seconds",
			Help:    "Time to capture and store a snapshot",
			Buckets: prometheus.DefBuckets,
		}),

		SnapshotSizeBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "msusd_snapshot_size_bytes",
			Help: "Compressed size of the last snapshot",
		}),

		SnapshotLastSeq: factory.NewGauge(prometheus.GaugeOpts{
			Name: "msusd_snapshot_last_sequence",
			Help: "Sequence covered by the last snapshot",
		}),

		ReplayEventsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "msusd_replay_events_total",
			Help: "Events replayed during recovery",
		}),

		// Query API
		QueryRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "msusd_query_requests_total",
			Help: "RPC requests by method",
		}, []string{"method"}),

		QueryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "msusd_query_duration_seconds",
			Help:    "RPC latency by method",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),

		QueryErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "msusd_query_errors_total",
			Help: "RPC errors by method and code",
		}, []string{"method", "code"}),
	}
}

// AmountFloat converts a base-unit amount to a float for gauges, scaled by
// 10^-decimals. Precision loss is acceptable for dashboards.
func AmountFloat(v *uint256.Int, decimals uint8) float64 {
	if v == nil {
		return 0
	}
	f := new(big.Float).SetInt(v.ToBig())
	if decimals > 0 {
		scale := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
		f.Quo(f, scale)
	}
	out, _ := f.Float64()
	return out
}
