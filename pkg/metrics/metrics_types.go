package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds all metrics for one synchronizer process. It wraps a
// private prometheus registry so tests and multiple shards in one process
// never collide.
type Registry struct {
	// API Metrics, labelled by route pattern
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
	APIRejectionsTotal   *prometheus.CounterVec

	// Tracker Metrics, labelled by stream
	TrackerLastIndexedTxID   *prometheus.GaugeVec
	TrackerTxOnServer        *prometheus.GaugeVec
	TrackerTxRemaining       *prometheus.GaugeVec
	TrackerUnitsApplied      *prometheus.CounterVec
	TrackerUnitsSkipped      *prometheus.CounterVec
	TrackerEntitiesNotOwned  *prometheus.CounterVec
	TrackerEntitiesApplied   *prometheus.CounterVec
	TrackerApplyErrors       *prometheus.CounterVec
	TrackerPollDuration      *prometheus.HistogramVec
	TrackerCyclesTotal       *prometheus.CounterVec
	TrackerState             *prometheus.GaugeVec
	TrackerRollbackSuspected *prometheus.GaugeVec

	// Index Metrics
	IndexDocuments      *prometheus.GaugeVec
	IndexCommitsTotal   prometheus.Counter
	IndexCommitDuration prometheus.Histogram
	IndexJournalBytes   prometheus.Counter
	IndexSearchesTotal  prometheus.Counter

	// Audit Metrics
	AuditReconciliationsTotal *prometheus.CounterVec

	// System Metrics
	ShardInfo        *prometheus.GaugeVec
	UptimeSeconds    prometheus.Gauge
	GoRoutines       prometheus.Gauge
	MemoryAllocBytes prometheus.Gauge
	MemorySysBytes   prometheus.Gauge

	registry *prometheus.Registry
	started  time.Time
}

// trackerStates lists every value the state gauge can take so that
// SetTrackerState can zero the others.
var trackerStates = []string{"idle", "polling", "applying", "failed", "stopped"}
