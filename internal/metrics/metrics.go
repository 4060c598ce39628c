// Package metrics provides Prometheus metrics for the embedded storage
// engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus metric the engine, WAL, page store and
// coordinator emit.
type Metrics struct {
	// Engine facade operation metrics (§4.F's put/get/delete/... table).
	EngineOpsTotal   *prometheus.CounterVec
	EngineOpDuration *prometheus.HistogramVec

	// CommitsTotal counts every txn.Tx.Commit attempt by outcome
	// (ok/sync_failed/meta_failed), per SPEC_FULL.md §1.
	CommitsTotal *prometheus.CounterVec

	// MetaSyncSeconds times the WriteMeta call inside Commit, the step that
	// makes a commit's new tree root durable.
	MetaSyncSeconds prometheus.Histogram

	// Page store metrics.
	DbSizeBytes         prometheus.Gauge
	DbPagesTotal        prometheus.Gauge
	DbFreePagesTotal    prometheus.Gauge
	PagesAllocatedTotal prometheus.Counter
	PagesFreedTotal     prometheus.Counter

	// WAL metrics.
	WalAppendsTotal          prometheus.Counter
	WalFlushesTotal          prometheus.Counter
	WalFlushSeconds          prometheus.Histogram
	WalSegmentRotationsTotal prometheus.Counter
	CheckpointTotal          *prometheus.CounterVec

	// Value codec metrics.
	OverflowChainsTotal prometheus.Counter

	// Coordinator (leader-election + proxy) metrics.
	GrpcRequestsTotal       *prometheus.CounterVec
	GrpcRequestDuration     *prometheus.HistogramVec
	GrpcRequestsInFlight    prometheus.Gauge
	LeaderPromotionsTotal   prometheus.Counter
	LeaderElectionsTotal    prometheus.Counter
	CoordinatorProxySeconds *prometheus.HistogramVec

	// Server metrics.
	ServerUptimeSeconds prometheus.Gauge
	ServerStartTime     time.Time
}

// NewMetrics creates and registers every metric. Since promauto registers
// against the default registry, a second call panics on duplicate
// registration; hosts that may open more than one Engine in the same
// process should go through GetGlobalMetrics instead, per §9's in-process
// leader/follower model.
func NewMetrics() *Metrics {
	m := &Metrics{
		ServerStartTime: time.Now(),
	}

	m.EngineOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skdb_engine_ops_total",
			Help: "Total number of engine facade operations",
		},
		[]string{"op", "status"},
	)

	m.EngineOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "skdb_engine_op_duration_seconds",
			Help:    "Duration of engine facade operations in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"op"},
	)

	m.CommitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skdb_commits_total",
			Help: "Total number of WAL-first transaction commits by outcome",
		},
		[]string{"status"},
	)

	m.MetaSyncSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "skdb_meta_sync_seconds",
			Help:    "Duration of the meta page write at the end of Commit",
			Buckets: prometheus.DefBuckets,
		},
	)

	m.DbSizeBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "skdb_db_size_bytes",
			Help: "Current page file size in bytes",
		},
	)

	m.DbPagesTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "skdb_db_pages_total",
			Help: "Total number of allocated pages",
		},
	)

	m.DbFreePagesTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "skdb_db_free_pages_total",
			Help: "Number of pages currently on the free-list",
		},
	)

	m.PagesAllocatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "skdb_pages_allocated_total",
			Help: "Total number of pages handed out by page.Store.Allocate",
		},
	)

	m.PagesFreedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "skdb_pages_freed_total",
			Help: "Total number of pages returned to the free-list via page.Store.Free",
		},
	)

	m.WalAppendsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "skdb_wal_appends_total",
			Help: "Total number of WAL records appended",
		},
	)

	m.WalFlushesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "skdb_wal_flushes_total",
			Help: "Total number of WAL fsync flushes",
		},
	)

	m.WalFlushSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "skdb_wal_flush_seconds",
			Help:    "Duration of WAL fsync flushes in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	m.WalSegmentRotationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "skdb_wal_segment_rotations_total",
			Help: "Total number of WAL segment rotations",
		},
	)

	m.CheckpointTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skdb_checkpoint_total",
			Help: "Total number of background checkpoint runs by outcome",
		},
		[]string{"status"},
	)

	m.OverflowChainsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "skdb_overflow_chains_total",
			Help: "Total number of overflow page chains written for oversized values",
		},
	)

	m.GrpcRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skdb_coordinator_grpc_requests_total",
			Help: "Total number of coordinator gRPC requests",
		},
		[]string{"method", "status"},
	)

	m.GrpcRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "skdb_coordinator_grpc_request_duration_seconds",
			Help:    "Duration of coordinator gRPC requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	m.GrpcRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "skdb_coordinator_grpc_requests_in_flight",
			Help: "Number of coordinator gRPC requests currently being processed",
		},
	)

	m.LeaderPromotionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "skdb_leader_promotions_total",
			Help: "Total number of times a follower promoted itself to leader",
		},
	)

	m.LeaderElectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "skdb_leader_elections_total",
			Help: "Total number of times a Coordinator became leader, by initial Acquire or promotion",
		},
	)

	m.CoordinatorProxySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "skdb_coordinator_proxy_seconds",
			Help:    "Duration of a follower's proxied call to the current leader",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	m.ServerUptimeSeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "skdb_uptime_seconds",
			Help: "Engine process uptime in seconds",
		},
	)

	go m.updateUptime()

	return m
}

// updateUptime periodically updates the uptime gauge.
func (m *Metrics) updateUptime() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		m.ServerUptimeSeconds.Set(time.Since(m.ServerStartTime).Seconds())
	}
}

// RecordEngineOp records one engine facade operation with its outcome.
func (m *Metrics) RecordEngineOp(op string, status string, duration time.Duration) {
	m.EngineOpsTotal.WithLabelValues(op, status).Inc()
	m.EngineOpDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordCommit records one txn.Tx.Commit attempt by outcome.
func (m *Metrics) RecordCommit(status string) {
	m.CommitsTotal.WithLabelValues(status).Inc()
}

// ObserveMetaSync records the duration of one meta page write inside Commit.
func (m *Metrics) ObserveMetaSync(d time.Duration) {
	m.MetaSyncSeconds.Observe(d.Seconds())
}

// RecordPageAllocated records one page.Store.Allocate call.
func (m *Metrics) RecordPageAllocated() {
	m.PagesAllocatedTotal.Inc()
}

// RecordPageFreed records one page.Store.Free call that actually queued a
// page for reuse (pages dropped before ever reaching disk are not counted).
func (m *Metrics) RecordPageFreed() {
	m.PagesFreedTotal.Inc()
}

// RecordWalAppend records one WAL record append.
func (m *Metrics) RecordWalAppend() {
	m.WalAppendsTotal.Inc()
}

// RecordWalFlush records one WAL fsync flush and its duration.
func (m *Metrics) RecordWalFlush(d time.Duration) {
	m.WalFlushesTotal.Inc()
	m.WalFlushSeconds.Observe(d.Seconds())
}

// RecordWalSegmentRotation records one WAL segment rotation.
func (m *Metrics) RecordWalSegmentRotation() {
	m.WalSegmentRotationsTotal.Inc()
}

// RecordCheckpoint records one background checkpoint run by outcome.
func (m *Metrics) RecordCheckpoint(status string) {
	m.CheckpointTotal.WithLabelValues(status).Inc()
}

// RecordOverflowChain records one overflow chain written for an oversized
// value.
func (m *Metrics) RecordOverflowChain() {
	m.OverflowChainsTotal.Inc()
}

// RecordGrpcRequest records one coordinator gRPC request with its status.
func (m *Metrics) RecordGrpcRequest(method string, status string, duration time.Duration) {
	m.GrpcRequestsTotal.WithLabelValues(method, status).Inc()
	m.GrpcRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordLeaderElection records a Coordinator becoming leader, whether by
// winning an uncontended Acquire or by promotion after the prior leader's
// lock was released or stolen.
func (m *Metrics) RecordLeaderElection() {
	m.LeaderElectionsTotal.Inc()
}

// ObserveCoordinatorProxy records the duration of a follower's proxied call
// to the current leader.
func (m *Metrics) ObserveCoordinatorProxy(method string, d time.Duration) {
	m.CoordinatorProxySeconds.WithLabelValues(method).Observe(d.Seconds())
}

// UpdateDbStats updates the page-store gauges.
func (m *Metrics) UpdateDbStats(sizeBytes int64, pageCount int64, freePages int64) {
	m.DbSizeBytes.Set(float64(sizeBytes))
	m.DbPagesTotal.Set(float64(pageCount))
	m.DbFreePagesTotal.Set(float64(freePages))
}

// globalMetrics is the process-wide default, shared by every in-process
// Engine that does not supply its own (§9's leader/follower model runs
// several Engines in one process, and promauto panics on a second
// registration of the same metric name against the default registry).
var globalMetrics *Metrics

// GetGlobalMetrics returns the process-wide Metrics instance, creating it on
// first use.
func GetGlobalMetrics() *Metrics {
	if globalMetrics == nil {
		globalMetrics = NewMetrics()
	}
	return globalMetrics
}
