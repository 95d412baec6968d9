package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// apiBuckets spans local shard searches up to coordinator fan-outs waiting
// on a slow shard.
var apiBuckets = []float64{.002, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

func (r *Registry) initHTTPMetrics() {
	r.HTTPRequestsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "shardsync_api_requests_total",
			Help: "Shard and coordinator API requests by route pattern and status",
		},
		[]string{"method", "route", "status"},
	)

	r.HTTPRequestDuration = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shardsync_api_request_duration_seconds",
			Help:    "API latency by route pattern, including coordinator fan-out",
			Buckets: apiBuckets,
		},
		[]string{"method", "route", "status"},
	)

	r.HTTPRequestsInFlight = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "shardsync_api_requests_in_flight",
			Help: "API requests being served",
		},
	)

	r.APIRejectionsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "shardsync_api_rejections_total",
			Help: "API requests refused by middleware, by reason",
		},
		[]string{"reason"},
	)
}
