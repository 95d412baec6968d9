package metrics

import (
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry creates a registry with all metric groups initialized.
func NewRegistry() *Registry {
	r := &Registry{
		registry: prometheus.NewRegistry(),
		started:  time.Now(),
	}

	r.initHTTPMetrics()
	r.initTrackerMetrics()
	r.initIndexMetrics()
	r.initAuditMetrics()
	r.initSystemMetrics()

	return r
}

// GetPrometheusRegistry returns the underlying Prometheus registry
func (r *Registry) GetPrometheusRegistry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format. System
// gauges are refreshed on every scrape.
func (r *Registry) Handler() http.Handler {
	inner := promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		r.UpdateSystemMetrics()
		inner.ServeHTTP(w, req)
	})
}

// RecordHTTPRequest records an API request under its route pattern.
func (r *Registry) RecordHTTPRequest(method, route, status string, duration time.Duration) {
	r.HTTPRequestsTotal.WithLabelValues(method, route, status).Inc()
	r.HTTPRequestDuration.WithLabelValues(method, route, status).Observe(duration.Seconds())
}

// RecordRejection counts a request refused by middleware.
func (r *Registry) RecordRejection(reason string) {
	r.APIRejectionsTotal.WithLabelValues(reason).Inc()
}

// SetShardInfo publishes the shard's identity. A later call replaces it.
func (r *Registry) SetShardInfo(shardInstance, shardCount int, policy, runID string) {
	r.ShardInfo.Reset()
	r.ShardInfo.WithLabelValues(strconv.Itoa(shardInstance), strconv.Itoa(shardCount), policy, runID).Set(1)
}

// ObserveProgress publishes a tracker's position. remaining is expected to
// be clamped by the caller.
func (r *Registry) ObserveProgress(stream string, lastIndexed, onServer, remaining int64) {
	r.TrackerLastIndexedTxID.WithLabelValues(stream).Set(float64(lastIndexed))
	r.TrackerTxOnServer.WithLabelValues(stream).Set(float64(onServer))
	r.TrackerTxRemaining.WithLabelValues(stream).Set(float64(remaining))
}

// RecordPoll records one poll cycle and how many units it returned.
func (r *Registry) RecordPoll(stream string, duration time.Duration) {
	r.TrackerCyclesTotal.WithLabelValues(stream).Inc()
	r.TrackerPollDuration.WithLabelValues(stream).Observe(duration.Seconds())
}

// RecordUnitApplied counts a durably applied unit and the entities it
// touched on this shard and left to other shards.
func (r *Registry) RecordUnitApplied(stream string, applied, notOwned int) {
	r.TrackerUnitsApplied.WithLabelValues(stream).Inc()
	r.TrackerEntitiesApplied.WithLabelValues(stream).Add(float64(applied))
	r.TrackerEntitiesNotOwned.WithLabelValues(stream).Add(float64(notOwned))
}

// RecordUnitSkipped counts a unit skipped after a permanent failure.
func (r *Registry) RecordUnitSkipped(stream, reason string) {
	r.TrackerUnitsSkipped.WithLabelValues(stream, reason).Inc()
}

// RecordApplyError counts a failed poll or apply; kind is transient or permanent.
func (r *Registry) RecordApplyError(stream, kind string) {
	r.TrackerApplyErrors.WithLabelValues(stream, kind).Inc()
}

// SetTrackerState sets the one-hot state gauge for a stream.
func (r *Registry) SetTrackerState(stream, state string) {
	for _, s := range trackerStates {
		r.TrackerState.WithLabelValues(stream, s).Set(0)
	}
	r.TrackerState.WithLabelValues(stream, state).Set(1)
}

func (r *Registry) SetRollbackSuspected(stream string, suspected bool) {
	v := 0.0
	if suspected {
		v = 1
	}
	r.TrackerRollbackSuspected.WithLabelValues(stream).Set(v)
}

// RecordCommit records an index commit and the journal bytes it wrote.
func (r *Registry) RecordCommit(duration time.Duration, journalBytes int) {
	r.IndexCommitsTotal.Inc()
	r.IndexCommitDuration.Observe(duration.Seconds())
	r.IndexJournalBytes.Add(float64(journalBytes))
}

// SetIndexDocuments publishes the number of indexed entities of a kind.
func (r *Registry) SetIndexDocuments(kind string, n int) {
	r.IndexDocuments.WithLabelValues(kind).Set(float64(n))
}

// RecordReconciliation counts an audit by entity kind and outcome
// (in_sync, missing, stale, orphaned, absent).
func (r *Registry) RecordReconciliation(kind, outcome string) {
	r.AuditReconciliationsTotal.WithLabelValues(kind, outcome).Inc()
}

// UpdateSystemMetrics refreshes uptime and runtime gauges.
func (r *Registry) UpdateSystemMetrics() {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	r.UptimeSeconds.Set(time.Since(r.started).Seconds())
	r.GoRoutines.Set(float64(runtime.NumGoroutine()))
	r.MemoryAllocBytes.Set(float64(mem.Alloc))
	r.MemorySysBytes.Set(float64(mem.Sys))
}

func (r *Registry) IncHTTPRequestsInFlight() { r.HTTPRequestsInFlight.Inc() }
func (r *Registry) DecHTTPRequestsInFlight() { r.HTTPRequestsInFlight.Dec() }
