package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	return m.Gauge.GetValue()
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	return m.Counter.GetValue()
}

func TestNewRegistry(t *testing.T) {
	r := NewRegistry()
	if r.HTTPRequestsTotal == nil || r.TrackerTxRemaining == nil || r.IndexDocuments == nil ||
		r.AuditReconciliationsTotal == nil || r.UptimeSeconds == nil {
		t.Fatal("metric group not initialized")
	}

	// registries are independent, so a second one must not panic on
	// duplicate registration
	if NewRegistry().GetPrometheusRegistry() == r.GetPrometheusRegistry() {
		t.Error("registries share the prometheus registry")
	}
}

func TestRecordHTTPRequest(t *testing.T) {
	r := NewRegistry()
	r.RecordHTTPRequest("GET", "/status", "200", 10*time.Millisecond)
	r.RecordHTTPRequest("GET", "/status", "200", 20*time.Millisecond)

	if got := counterValue(t, r.HTTPRequestsTotal.WithLabelValues("GET", "/status", "200")); got != 2 {
		t.Errorf("requests = %v, want 2", got)
	}
}

func TestObserveProgress(t *testing.T) {
	r := NewRegistry()
	r.ObserveProgress("metadata", 40, 45, 5)

	tests := []struct {
		name  string
		gauge prometheus.Gauge
		want  float64
	}{
		{"last indexed", r.TrackerLastIndexedTxID.WithLabelValues("metadata"), 40},
		{"on server", r.TrackerTxOnServer.WithLabelValues("metadata"), 45},
		{"remaining", r.TrackerTxRemaining.WithLabelValues("metadata"), 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := gaugeValue(t, tt.gauge); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRecordUnitApplied(t *testing.T) {
	r := NewRegistry()
	r.RecordUnitApplied("acl", 3, 2)
	r.RecordUnitApplied("acl", 1, 0)
	r.RecordUnitSkipped("acl", "malformed")

	if got := counterValue(t, r.TrackerUnitsApplied.WithLabelValues("acl")); got != 2 {
		t.Errorf("units applied = %v", got)
	}
	if got := counterValue(t, r.TrackerEntitiesApplied.WithLabelValues("acl")); got != 4 {
		t.Errorf("entities applied = %v", got)
	}
	if got := counterValue(t, r.TrackerEntitiesNotOwned.WithLabelValues("acl")); got != 2 {
		t.Errorf("entities not owned = %v", got)
	}
	if got := counterValue(t, r.TrackerUnitsSkipped.WithLabelValues("acl", "malformed")); got != 1 {
		t.Errorf("skipped = %v", got)
	}
}

// TestSetTrackerState tests the one-hot state gauge
func TestSetTrackerState(t *testing.T) {
	r := NewRegistry()
	r.SetTrackerState("content", "polling")
	r.SetTrackerState("content", "failed")

	if got := gaugeValue(t, r.TrackerState.WithLabelValues("content", "failed")); got != 1 {
		t.Errorf("failed = %v, want 1", got)
	}
	if got := gaugeValue(t, r.TrackerState.WithLabelValues("content", "polling")); got != 0 {
		t.Errorf("polling = %v, want 0", got)
	}

	r.SetRollbackSuspected("content", true)
	if got := gaugeValue(t, r.TrackerRollbackSuspected.WithLabelValues("content")); got != 1 {
		t.Errorf("rollback suspected = %v", got)
	}
}

func TestRecordCommit(t *testing.T) {
	r := NewRegistry()
	r.RecordCommit(time.Millisecond, 128)
	r.RecordCommit(time.Millisecond, 64)

	if got := counterValue(t, r.IndexCommitsTotal); got != 2 {
		t.Errorf("commits = %v", got)
	}
	if got := counterValue(t, r.IndexJournalBytes); got != 192 {
		t.Errorf("journal bytes = %v", got)
	}
}

func TestHandler_ExposesMetrics(t *testing.T) {
	r := NewRegistry()
	r.ObserveProgress("metadata", 1, 2, 1)
	r.RecordReconciliation("node", "missing")

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		"shardsync_tracker_tx_remaining",
		"shardsync_audit_reconciliations_total",
		"shardsync_uptime_seconds",
		"shardsync_goroutines",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("exposition missing %s", want)
		}
	}
}

func TestRecordRejection(t *testing.T) {
	r := NewRegistry()
	r.RecordRejection("body_too_large")
	r.RecordRejection("body_too_large")

	if got := counterValue(t, r.APIRejectionsTotal.WithLabelValues("body_too_large")); got != 2 {
		t.Errorf("rejections = %v, want 2", got)
	}
}

func TestSetShardInfo(t *testing.T) {
	r := NewRegistry()
	r.SetShardInfo(0, 2, "DB_ID", "run-a")
	r.SetShardInfo(1, 2, "DB_ID", "run-b")

	if got := gaugeValue(t, r.ShardInfo.WithLabelValues("1", "2", "DB_ID", "run-b")); got != 1 {
		t.Errorf("shard info = %v, want 1", got)
	}

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if strings.Contains(string(body), `run_id="run-a"`) {
		t.Error("stale shard info series still exposed")
	}
	if !strings.Contains(string(body), `shardsync_shard_info{policy="DB_ID",run_id="run-b",shard_count="2",shard_instance="1"} 1`) {
		t.Errorf("exposition missing current shard info:\n%s", body)
	}
}
