package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// initSystemMetrics registers the shard identity and the process gauges that
// UpdateSystemMetrics refreshes on every scrape.
func (r *Registry) initSystemMetrics() {
	r.ShardInfo = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shardsync_shard_info",
			Help: "Always 1; labels give this shard's place in the topology and its routing policy",
		},
		[]string{"shard_instance", "shard_count", "policy", "run_id"},
	)

	process := []struct {
		gauge *prometheus.Gauge
		name  string
		help  string
	}{
		{&r.UptimeSeconds, "shardsync_uptime_seconds", "Seconds since the shard or coordinator started"},
		{&r.GoRoutines, "shardsync_goroutines", "Goroutines, roughly two per tracker plus one per open API request"},
		{&r.MemoryAllocBytes, "shardsync_memory_alloc_bytes", "Heap bytes allocated, dominated by the in-memory index"},
		{&r.MemorySysBytes, "shardsync_memory_sys_bytes", "Bytes obtained from the OS"},
	}
	for _, p := range process {
		*p.gauge = promauto.With(r.registry).NewGauge(prometheus.GaugeOpts{Name: p.name, Help: p.help})
	}
}
