package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initIndexMetrics() {
	r.IndexDocuments = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shardsync_index_documents",
			Help: "Entities held by the local index",
		},
		[]string{"kind"},
	)

	r.IndexCommitsTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "shardsync_index_commits_total",
			Help: "Index commits",
		},
	)

	r.IndexCommitDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "shardsync_index_commit_duration_seconds",
			Help:    "Index commit latency, including the journal sync",
			Buckets: prometheus.DefBuckets,
		},
	)

	r.IndexJournalBytes = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "shardsync_index_journal_bytes_total",
			Help: "Compressed bytes appended to the index journal",
		},
	)

	r.IndexSearchesTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "shardsync_index_searches_total",
			Help: "Searches served by the local index",
		},
	)
}

func (r *Registry) initAuditMetrics() {
	r.AuditReconciliationsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "shardsync_audit_reconciliations_total",
			Help: "Reconciliations by entity kind and outcome",
		},
		[]string{"kind", "outcome"},
	)
}
