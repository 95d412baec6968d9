package tracker

import (
	"fmt"
	"sync"
	"time"

	"github.com/dd0wney/cluso-shardsync/pkg/checkpoint"
)

// State is one stream's progress on one shard. Only the owning tracker
// writes it; readers take snapshots.
type State struct {
	mu                      sync.RWMutex
	stream                  string
	lastIndexedTxID         int64
	lastIndexedTxCommitTime time.Time
	lastTxIDOnServer        int64
}

func NewState(stream string) *State {
	return &State{stream: stream}
}

// Snapshot is a consistent copy of a State.
type Snapshot struct {
	Stream                  string    `json:"stream"`
	LastIndexedTxID         int64     `json:"lastIndexedTxId"`
	LastIndexedTxCommitTime time.Time `json:"lastIndexedTxCommitTime"`
	LastTxIDOnServer        int64     `json:"lastTxIdOnServer"`
}

// TxRemaining is the lag, clamped at zero when the server reports less than
// has been indexed.
func (s Snapshot) TxRemaining() int64 {
	return max(0, s.LastTxIDOnServer-s.LastIndexedTxID)
}

func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		Stream:                  s.stream,
		LastIndexedTxID:         s.lastIndexedTxID,
		LastIndexedTxCommitTime: s.lastIndexedTxCommitTime,
		LastTxIDOnServer:        s.lastTxIDOnServer,
	}
}

// Advance records a durably applied unit. Ids must strictly increase.
func (s *State) Advance(txID int64, commitTime time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if txID <= s.lastIndexedTxID {
		return fmt.Errorf("%w: %d after %d", ErrNotMonotonic, txID, s.lastIndexedTxID)
	}
	s.lastIndexedTxID = txID
	s.lastIndexedTxCommitTime = commitTime
	return nil
}

// ObserveServer records the newest id the repository reported, even when it
// went backwards.
func (s *State) ObserveServer(maxID int64) {
	s.mu.Lock()
	s.lastTxIDOnServer = maxID
	s.mu.Unlock()
}

// Reset starts the stream over for a full re-index.
func (s *State) Reset() {
	s.mu.Lock()
	s.lastIndexedTxID = 0
	s.lastIndexedTxCommitTime = time.Time{}
	s.mu.Unlock()
}

// Restore loads a persisted checkpoint.
func (s *State) Restore(rec checkpoint.Record) {
	s.mu.Lock()
	s.lastIndexedTxID = rec.LastIndexedTxID
	s.lastIndexedTxCommitTime = rec.LastIndexedTxCommitTime
	s.lastTxIDOnServer = rec.LastTxIDOnServer
	s.mu.Unlock()
}
