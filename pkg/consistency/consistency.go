// Package consistency builds the lag fields attached to search responses.
package consistency

import (
	"time"

	"github.com/dd0wney/cluso-shardsync/pkg/tracker"
)

// Report is how far a shard's index trails the repository.
type Report struct {
	LastIndexedTx     int64     `json:"lastIndexedTx"`
	LastIndexedTxTime time.Time `json:"lastIndexedTxTime"`
	TxRemaining       int64     `json:"txRemaining"`
}

// Staleness is the age of the newest indexed unit while work remains, and
// zero once caught up.
func (r Report) Staleness(now time.Time) time.Duration {
	if r.TxRemaining == 0 || r.LastIndexedTxTime.IsZero() {
		return 0
	}
	return max(0, now.Sub(r.LastIndexedTxTime))
}

// SnapshotSource is anything that can report tracker state, usually a
// *tracker.Tracker.
type SnapshotSource interface {
	Snapshot() tracker.Snapshot
}

// Reporter is stateless; the zero value is ready to use.
type Reporter struct{}

// Report returns the fields for a response, or false for a shard
// subrequest: the coordinator aggregates per shard and must not receive
// them twice.
func (Reporter) Report(s tracker.Snapshot, isShardSubrequest bool) (Report, bool) {
	if isShardSubrequest {
		return Report{}, false
	}
	return Report{
		LastIndexedTx:     s.LastIndexedTxID,
		LastIndexedTxTime: s.LastIndexedTxCommitTime,
		TxRemaining:       s.TxRemaining(),
	}, true
}

// ReportFor is Report over a source that may be missing.
func (r Reporter) ReportFor(src SnapshotSource, isShardSubrequest bool) (Report, bool) {
	if src == nil {
		return Report{}, false
	}
	return r.Report(src.Snapshot(), isShardSubrequest)
}

// Aggregate folds per-shard reports into the view of the least caught up
// shard: lowest indexed tx, largest remaining count.
func Aggregate(reports []Report) (Report, bool) {
	if len(reports) == 0 {
		return Report{}, false
	}
	out := reports[0]
	for _, r := range reports[1:] {
		if r.LastIndexedTx < out.LastIndexedTx {
			out.LastIndexedTx = r.LastIndexedTx
			out.LastIndexedTxTime = r.LastIndexedTxTime
		}
		out.TxRemaining = max(out.TxRemaining, r.TxRemaining)
	}
	return out, true
}
