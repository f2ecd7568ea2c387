package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics of the engine service.
// Every consumer nil-checks its *Metrics, so tests can run without one.
type Metrics struct {
	// --- Core Processing ---
	CoreEventsApplied  *prometheus.CounterVec
	CoreEventsRejected *prometheus.CounterVec
	CoreEventDuration  *prometheus.HistogramVec
	CoreJournals       *prometheus.CounterVec
	CoreSequence       prometheus.Gauge
	ArithmeticOverflow prometheus.Counter

	// --- Channel & Backpressure ---
	ProjectionDrops     *prometheus.CounterVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency & Ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupTier2Errors      prometheus.Counter
	EventSequenceGap      *prometheus.CounterVec
	EventOutOfOrder       *prometheus.CounterVec

	// --- Market ---
	AMMPrice             *prometheus.GaugeVec
	OpenInterestNotional *prometheus.GaugeVec
	InsuranceFundBalance *prometheus.GaugeVec
	ClearingHouseBalance *prometheus.GaugeVec
	OraclePriceUpdates   *prometheus.CounterVec

	// --- Funding ---
	FundingSettled          *prometheus.CounterVec
	FundingPremiumFraction  *prometheus.GaugeVec
	FundingInsuranceProfit  *prometheus.CounterVec
	InsuranceFundShortfalls *prometheus.CounterVec

	// --- Liquidation ---
	Liquidations      *prometheus.CounterVec
	LiquidationFees   *prometheus.CounterVec
	BadDebtAbsorbed   *prometheus.CounterVec
	NegativeClearings *prometheus.CounterVec

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistBatchDur        prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
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
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		CoreEventsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vamm_core_events_applied_total",
			Help: "Commands committed by the core",
		}, []string{"event_type"}),

		CoreEventsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vamm_core_events_rejected_total",
			Help: "Commands rejected (dedup, ordering, engine error)",
		}, []string{"event_type", "reason"}),

		CoreEventDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vamm_core_event_apply_duration_seconds",
			Help:    "Time to process a single command in the core",
			Buckets: latencyBuckets,
		}, []string{"event_type"}),

		CoreJournals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vamm_core_journals_generated_total",
			Help: "Journal entries generated",
		}, []string{"journal_type"}),

		CoreSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "vamm_core_sequence",
			Help: "Next global sequence to be assigned",
		}),

		ArithmeticOverflow: f.NewCounter(prometheus.CounterOpts{
			Name: "vamm_core_arithmetic_overflow_total",
			Help: "Commands aborted by fixed-point overflow",
		}),

		ProjectionDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vamm_projection_drops_total",
			Help: "Outputs dropped because the projection channel was full",
		}, []string{"channel"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "vamm_publish_drops_total",
			Help: "Outcomes that could not be published to NATS",
		}),

		PersistBackpressure: f.NewCounter(prometheus.CounterOpts{
			Name: "vamm_persist_backpressure_total",
			Help: "Times the core blocked on a full persist channel",
		}),

		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vamm_idempotency_duplicates_total",
			Help: "Duplicate commands detected",
		}, []string{"event_type", "tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "vamm_dedup_lru_size",
			Help: "Entries in the in-memory dedup cache",
		}),

		DedupTier2Errors: f.NewCounter(prometheus.CounterOpts{
			Name: "vamm_dedup_tier2_errors_total",
			Help: "Postgres dedup lookups that failed",
		}),

		EventSequenceGap: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vamm_event_sequence_gap_total",
			Help: "Source sequence gaps detected",
		}, []string{"partition"}),

		EventOutOfOrder: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vamm_event_out_of_order_total",
			Help: "Out-of-order commands detected",
		}, []string{"partition"}),

		AMMPrice: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vamm_amm_price",
			Help: "Spot price of the curve (fixed-point raw)",
		}, []string{"market"}),

		OpenInterestNotional: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vamm_open_interest_notional",
			Help: "Open interest notional (fixed-point raw)",
		}, []string{"market"}),

		InsuranceFundBalance: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vamm_insurance_fund_balance",
			Help: "Insurance fund balance (fixed-point raw)",
		}, []string{"market"}),

		ClearingHouseBalance: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vamm_clearing_house_balance",
			Help: "Clearing house balance (fixed-point raw)",
		}, []string{"market"}),

		OraclePriceUpdates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vamm_oracle_price_updates_total",
			Help: "Oracle prices accepted into the store",
		}, []string{"market"}),

		FundingSettled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vamm_funding_settled_total",
			Help: "Funding settlements committed",
		}, []string{"market"}),

		FundingPremiumFraction: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vamm_funding_premium_fraction",
			Help: "Premium fraction of the last settlement (fixed-point raw)",
		}, []string{"market"}),

		FundingInsuranceProfit: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vamm_funding_amm_profit_total",
			Help: "Absolute AMM funding profit by direction (fixed-point raw)",
		}, []string{"market", "direction"}),

		InsuranceFundShortfalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vamm_insurance_fund_shortfall_total",
			Help: "Debits the insurance fund could not cover (fixed-point raw)",
		}, []string{"market"}),

		Liquidations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vamm_liquidations_total",
			Help: "Liquidations committed",
		}, []string{"market", "mode"}),

		LiquidationFees: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vamm_liquidation_fees_total",
			Help: "Fees credited to liquidators (fixed-point raw)",
		}, []string{"market"}),

		BadDebtAbsorbed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vamm_bad_debt_total",
			Help: "Bad debt absorbed by the insurance fund (fixed-point raw)",
		}, []string{"market"}),

		NegativeClearings: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vamm_clearing_house_negative_total",
			Help: "Commits that left the clearing house below zero",
		}, []string{"market"}),

		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "vamm_persist_events_written_total",
			Help: "Events written to the event log",
		}),

		PersistJournalsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "vamm_persist_journals_written_total",
			Help: "Journal entries written",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "vamm_persist_batch_size",
			Help:    "Events per persisted batch",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "vamm_persist_batch_duration_seconds",
			Help:    "Time to persist one batch",
			Buckets: prometheus.DefBuckets,
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vamm_persist_errors_total",
			Help: "Persistence failures by stage",
		}, []string{"stage"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "vamm_persist_retry_total",
			Help: "Batch flush retries",
		}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "vamm_persist_last_sequence",
			Help: "Last sequence durably written",
		}),

		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "vamm_snapshot_taken_total",
			Help: "Snapshots written",
		}),

		SnapshotSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "vamm_snapshot_size_bytes",
			Help: "Size of the last snapshot",
		}),

		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "vamm_snapshot_last_sequence",
			Help: "Sequence of the last snapshot",
		}),

		ReplayEventsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "vamm_replay_events_total",
			Help: "Events replayed on startup",
		}),

		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vamm_query_requests_total",
			Help: "API requests",
		}, []string{"method"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vamm_query_duration_seconds",
			Help:    "API request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),

		QueryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vamm_query_errors_total",
			Help: "API errors by gRPC code",
		}, []string{"method", "code"}),
	}
}
