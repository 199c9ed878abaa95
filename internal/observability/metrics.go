package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the pool service.
type Metrics struct {
	// --- Engine ---
	OpsApplied   *prometheus.CounterVec
	OpsRejected  *prometheus.CounterVec
	OpDuration   *prometheus.HistogramVec
	StateHashDur prometheus.Histogram
	CoreSequence prometheus.Gauge

	// --- Pool state ---
	PoolNAV              prometheus.Gauge
	PoolSharePriceWad    prometheus.Gauge
	PoolUtilizationBps   prometheus.Gauge
	PoolCash             prometheus.Gauge
	PrincipalOutstanding prometheus.Gauge
	InterestAccrued      prometheus.Gauge
	TotalLosses          prometheus.Gauge
	ProtocolFeesAccrued  prometheus.Gauge
	ReserveBalance       prometheus.Gauge
	ActivePositions      prometheus.Gauge
	PositionsInDefault   prometheus.Gauge

	// --- Channel & Backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	ProjectionDrops     prometheus.Counter
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency ---
	IdempotencyDuplicates *prometheus.CounterVec

	// --- Persistence ---
	PersistEventsWritten prometheus.Counter
	PersistBatchDur      prometheus.Histogram
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

	// --- Projections ---
	ProjectionUpdateDur *prometheus.HistogramVec

	// --- Stream publishing ---
	StreamPublished     *prometheus.CounterVec
	StreamPublishErrors prometheus.Counter

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

	return &Metrics{
		OpsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "factor_core_ops_applied_total",
			Help: "Operations successfully applied by the engine",
		}, []string{"operation"}),

		OpsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "factor_core_ops_rejected_total",
			Help: "Operations rejected (dedup, validation, limits)",
		}, []string{"operation", "reason"}),

		OpDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "factor_core_op_apply_duration_seconds",
			Help:    "Time to apply a single operation",
			Buckets: latencyBuckets,
		}, []string{"operation"}),

		StateHashDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "factor_core_state_hash_duration_seconds",
			Help:    "Time to compute state hash",
			Buckets: latencyBuckets,
		}),

		CoreSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "factor_core_sequence",
			Help: "Current global sequence number",
		}),

		PoolNAV: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "factor_pool_nav",
			Help: "Pool net asset value (base units)",
		}),

		PoolSharePriceWad: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "factor_pool_share_price_wad",
			Help: "LP share price (WAD scale)",
		}),

		PoolUtilizationBps: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "factor_pool_utilization_bps",
			Help: "Principal outstanding over backing liquidity, basis points",
		}),

		PoolCash: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "factor_pool_cash",
			Help: "Idle pool liquidity (base units)",
		}),

		PrincipalOutstanding: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "factor_pool_principal_outstanding",
			Help: "Deployed principal (base units)",
		}),

		InterestAccrued: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "factor_pool_interest_accrued",
			Help: "Uncollected interest receivable (base units)",
		}),

		TotalLosses: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "factor_pool_total_losses",
			Help: "Cumulative realized losses (base units)",
		}),

		ProtocolFeesAccrued: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "factor_pool_protocol_fees_accrued",
			Help: "Uncollected protocol fee claim (base units)",
		}),

		ReserveBalance: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "factor_reserve_balance",
			Help: "First-loss reserve balance (base units)",
		}),

		ActivePositions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "factor_positions_active",
			Help: "Active collateral positions",
		}),

		PositionsInDefault: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "factor_positions_in_default",
			Help: "Positions currently in default",
		}),

		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "factor_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "factor_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "factor_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		ProjectionDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "factor_projection_drops_total",
			Help: "Events dropped due to full projection channel",
		}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "factor_publish_drops_total",
			Help: "Events dropped due to full publish channel",
		}),

		PersistBackpressure: promauto.NewCounter(prometheus.CounterOpts{
			Name: "factor_persist_backpressure_total",
			Help: "Times the engine blocked on the persist channel",
		}),

		IdempotencyDuplicates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "factor_idempotency_duplicates_total",
			Help: "Duplicates caught (lru/postgres)",
		}, []string{"operation", "tier"}),

		PersistEventsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "factor_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "factor_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "factor_persist_batch_size",
			Help:    "Events per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "factor_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: promauto.NewCounter(prometheus.CounterOpts{
			Name: "factor_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "factor_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		SnapshotTaken: promauto.NewCounter(prometheus.CounterOpts{
			Name: "factor_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "factor_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		SnapshotSizeBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "factor_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		SnapshotLastSeq: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "factor_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		ReplayEventsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "factor_replay_events_total",
			Help: "Events replayed on startup",
		}),

		ReplayDuration: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "factor_replay_duration_seconds",
			Help: "Total replay time",
		}),

		ProjectionUpdateDur: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "factor_projection_update_duration_seconds",
			Help:    "Projection table update duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
		}, []string{"projection"}),

		StreamPublished: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "factor_stream_published_total",
			Help: "Events published to JetStream",
		}, []string{"event_type"}),

		StreamPublishErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "factor_stream_publish_errors_total",
			Help: "JetStream publish failures",
		}),

		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "factor_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "factor_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),

		QueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "factor_query_errors_total",
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
