package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the settlement service.
type Metrics struct {
	// --- Core ---
	CoreOperations        *prometheus.CounterVec
	CoreRejections        *prometheus.CounterVec
	CoreOperationDuration *prometheus.HistogramVec
	CoreEvents            *prometheus.CounterVec
	CoreJournals          *prometheus.CounterVec
	CoreSequence          prometheus.Gauge

	// --- Lots ---
	LotsCreated    prometheus.Counter
	LotsResolved   *prometheus.CounterVec
	Payouts        *prometheus.CounterVec
	PayoutFailures *prometheus.CounterVec

	// --- Channel & Backpressure ---
	ChannelSize        *prometheus.GaugeVec
	ChannelCapacity    *prometheus.GaugeVec
	ChannelUtilization *prometheus.GaugeVec
	ProjectionDrops    prometheus.Counter
	PublishDrops       prometheus.Counter

	// --- Idempotency ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge

	// --- Price feed ---
	PriceUpdates *prometheus.CounterVec

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistBatchDur        prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge
	ProjectionUpdateDur    *prometheus.HistogramVec

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge
	SnapshotArchived  *prometheus.CounterVec
	ReplayEventsTotal prometheus.Counter
	ReplayDuration    prometheus.Gauge

	// --- API ---
	APIRequests    *prometheus.CounterVec
	APIDuration    *prometheus.HistogramVec
	APIRateLimited *prometheus.CounterVec
}

// NewMetrics creates the metrics and registers them with reg. Pass
// prometheus.DefaultRegisterer in the service and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.002, 0.005, 0.01, 0.05, 0.1,
	}

	return &Metrics{
		// Core
		CoreOperations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lot_core_operations_total",
			Help: "Facade operations committed",
		}, []string{"operation"}),

		CoreRejections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lot_core_rejections_total",
			Help: "Facade operations rejected, by error kind",
		}, []string{"operation", "kind"}),

		CoreOperationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lot_core_operation_duration_seconds",
			Help:    "Time spent inside the engine per operation, custody calls included",
			Buckets: latencyBuckets,
		}, []string{"operation"}),

		CoreEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lot_core_events_emitted_total",
			Help: "Events appended to the log",
		}, []string{"event_type"}),

		CoreJournals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lot_core_journals_generated_total",
			Help: "Journal entries generated",
		}, []string{"journal_type"}),

		CoreSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "lot_core_sequence",
			Help: "Last assigned event sequence",
		}),

		// Lots
		LotsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "lot_lots_created_total",
			Help: "Lots created",
		}),

		LotsResolved: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lot_lots_resolved_total",
			Help: "Lots resolved, by outcome",
		}, []string{"outcome"}),

		Payouts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lot_payouts_total",
			Help: "Non-zero transfers out of custody",
		}, []string{"kind"}),

		PayoutFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lot_payout_failures_total",
			Help: "Custody transfers that failed and rolled the operation back",
		}, []string{"kind"}),

		// Channel & Backpressure
		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lot_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lot_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lot_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		ProjectionDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "lot_projection_drops_total",
			Help: "Events dropped due to full projection channel",
		}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "lot_publish_drops_total",
			Help: "Events dropped due to full publish channel",
		}),

		// Idempotency
		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lot_idempotency_duplicates_total",
			Help: "Replayed request ids caught (lru/postgres)",
		}, []string{"operation", "tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "lot_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		// Price feed
		PriceUpdates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lot_price_updates_total",
			Help: "Price feed messages, by result (applied/stale/rejected)",
		}, []string{"result"}),

		// Persistence
		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "lot_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistJournalsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "lot_persist_journals_written_total",
			Help: "Journal entries written to Postgres",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "lot_persist_batch_size",
			Help:    "Events per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "lot_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lot_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "lot_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "lot_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		ProjectionUpdateDur: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lot_projection_update_duration_seconds",
			Help:    "Projection table update duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
		}, []string{"projection"}),

		// Snapshot
		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "lot_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "lot_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		SnapshotSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "lot_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "lot_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		SnapshotArchived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lot_snapshot_archived_total",
			Help: "Snapshot uploads to object storage, by result",
		}, []string{"result"}),

		ReplayEventsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "lot_replay_events_total",
			Help: "Events replayed on startup",
		}),

		ReplayDuration: f.NewGauge(prometheus.GaugeOpts{
			Name: "lot_replay_duration_seconds",
			Help: "Total replay time",
		}),

		// API
		APIRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lot_api_requests_total",
			Help: "API requests by method and status code",
		}, []string{"transport", "method", "code"}),

		APIDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lot_api_duration_seconds",
			Help:    "API latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"transport", "method"}),

		APIRateLimited: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lot_api_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		}, []string{"transport"}),
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
