package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initTrackerMetrics() {
	f := promauto.With(r.registry)

	r.TrackerLastIndexedTxID = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shardsync_tracker_last_indexed_txid",
			Help: "Id of the last unit durably applied to this shard",
		},
		[]string{"stream"},
	)

	r.TrackerTxOnServer = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shardsync_tracker_txid_on_server",
			Help: "Highest unit id known to exist in the repository",
		},
		[]string{"stream"},
	)

	r.TrackerTxRemaining = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shardsync_tracker_tx_remaining",
			Help: "Units the shard still has to catch up on, clamped at zero",
		},
		[]string{"stream"},
	)

	r.TrackerUnitsApplied = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shardsync_tracker_units_applied_total",
			Help: "Units durably applied",
		},
		[]string{"stream"},
	)

	r.TrackerUnitsSkipped = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shardsync_tracker_units_skipped_total",
			Help: "Units skipped after a permanent failure",
		},
		[]string{"stream", "reason"},
	)

	r.TrackerEntitiesApplied = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shardsync_tracker_entities_applied_total",
			Help: "Entities written to the local index",
		},
		[]string{"stream"},
	)

	r.TrackerEntitiesNotOwned = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shardsync_tracker_entities_not_owned_total",
			Help: "Entities routed to other shards and left alone",
		},
		[]string{"stream"},
	)

	r.TrackerApplyErrors = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shardsync_tracker_errors_total",
			Help: "Poll and apply failures by kind",
		},
		[]string{"stream", "kind"},
	)

	r.TrackerPollDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shardsync_tracker_poll_duration_seconds",
			Help:    "Time spent fetching pending units from the repository",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"stream"},
	)

	r.TrackerCyclesTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shardsync_tracker_cycles_total",
			Help: "Completed poll cycles",
		},
		[]string{"stream"},
	)

	r.TrackerState = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shardsync_tracker_state",
			Help: "Current tracker state, one-hot",
		},
		[]string{"stream", "state"},
	)

	r.TrackerRollbackSuspected = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shardsync_tracker_rollback_suspected",
			Help: "1 when the repository max id has stayed below the indexed id",
		},
		[]string{"stream"},
	)
}
