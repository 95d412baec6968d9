package tracker

import "time"

// Status is a point-in-time view of a tracker for status pages and health.
type Status struct {
	Stream                  string        `json:"stream"`
	Phase                   Phase         `json:"phase"`
	Reason                  string        `json:"reason,omitempty"`
	Cycles                  int64         `json:"cycles"`
	UnitsApplied            int64         `json:"unitsApplied"`
	UnitsSkipped            int64         `json:"unitsSkipped"`
	Resyncs                 int64         `json:"resyncs,omitempty"`
	LastIndexedTxID         int64         `json:"lastIndexedTxId"`
	LastIndexedTxCommitTime time.Time     `json:"lastIndexedTxCommitTime"`
	LastTxIDOnServer        int64         `json:"lastTxIdOnServer"`
	TxRemaining             int64         `json:"txRemaining"`
	RollbackSuspected       bool          `json:"rollbackSuspected"`
	Throughput              float64       `json:"throughput"`
	EstimatedCatchUp        time.Duration `json:"estimatedCatchUp"`
	LastCycleAt             time.Time     `json:"lastCycleAt"`
	PendingReindex          int           `json:"pendingReindex"`
}

func (t *Tracker) Status() Status {
	snap := t.state.Snapshot()
	remaining := snap.TxRemaining()

	t.mu.Lock()
	defer t.mu.Unlock()
	return Status{
		Stream:                  snap.Stream,
		Phase:                   t.phase,
		Reason:                  t.reason,
		Cycles:                  t.cycles,
		UnitsApplied:            t.unitsApplied,
		UnitsSkipped:            t.unitsSkipped,
		Resyncs:                 t.resyncs,
		LastIndexedTxID:         snap.LastIndexedTxID,
		LastIndexedTxCommitTime: snap.LastIndexedTxCommitTime,
		LastTxIDOnServer:        snap.LastTxIDOnServer,
		TxRemaining:             remaining,
		RollbackSuspected:       t.rollbackSuspected,
		Throughput:              t.pacer.Throughput(),
		EstimatedCatchUp:        t.pacer.ETA(remaining),
		LastCycleAt:             t.lastCycleAt,
		PendingReindex:          len(t.reindex),
	}
}
