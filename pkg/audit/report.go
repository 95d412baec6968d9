// Package audit compares what the repository holds with what a shard has
// indexed, one entity at a time, for operators chasing drift.
package audit

import (
	"time"

	"github.com/dd0wney/cluso-shardsync/pkg/model"
)

// Outcome classifies a comparison.
type Outcome string

const (
	OutcomeInSync Outcome = "in_sync"
	// OutcomeMissing is an entity the repository has and the index lacks,
	// the signature of a skipped or missed unit.
	OutcomeMissing  Outcome = "missing"
	OutcomeStale    Outcome = "stale"
	OutcomeAhead    Outcome = "ahead"
	OutcomeOrphaned Outcome = "orphaned"
	OutcomeAbsent   Outcome = "absent"
	// OutcomeNotOwned is an entity routed to another shard and, correctly,
	// not indexed here.
	OutcomeNotOwned Outcome = "not_owned"
	// OutcomeMisplaced is an entity indexed here although routing gives it
	// to another shard.
	OutcomeMisplaced Outcome = "misplaced"
)

// Report is one side-by-side view. It is not modified after construction.
type Report struct {
	ReportID           string           `json:"reportId"`
	Kind               model.EntityKind `json:"kind"`
	ID                 int64            `json:"id"`
	ExistsInRepository bool             `json:"existsInRepository"`
	RepositoryTxID     int64            `json:"repositoryTxId,omitempty"`
	// IndexedTxID is nil when the entity is not in the index.
	IndexedTxID     *int64 `json:"indexedTxId"`
	IndexedDocCount int    `json:"indexedDocCount"`
	// OwnedByShard is nil when the repository does not know the entity and
	// ownership cannot be decided.
	OwnedByShard *bool     `json:"ownedByShard,omitempty"`
	Outcome      Outcome   `json:"outcome"`
	CheckedAt    time.Time `json:"checkedAt"`
}

// NodeReport reconciles a node.
type NodeReport struct {
	Report
	RepositoryAclID int64 `json:"repositoryAclId,omitempty"`
}

// AclReport reconciles an ACL. IndexedDocCount counts the nodes it governs.
type AclReport struct {
	Report
}

func classify(exists, owned bool, repoTx int64, indexed *int64) Outcome {
	switch {
	case exists && !owned && indexed == nil:
		return OutcomeNotOwned
	case exists && !owned:
		return OutcomeMisplaced
	case exists && indexed == nil:
		return OutcomeMissing
	case exists && *indexed < repoTx:
		return OutcomeStale
	case exists && *indexed > repoTx:
		return OutcomeAhead
	case exists:
		return OutcomeInSync
	case indexed != nil:
		return OutcomeOrphaned
	default:
		return OutcomeAbsent
	}
}

// Drifted reports whether the index disagrees with the repository.
func (r Report) Drifted() bool {
	switch r.Outcome {
	case OutcomeInSync, OutcomeAbsent, OutcomeNotOwned:
		return false
	default:
		return true
	}
}
