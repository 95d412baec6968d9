// Package index is a shard's local index. MemoryIndex keeps nodes, ACLs and
// an inverted term index in memory and makes them durable through the
// journal in pkg/wal. Writers are serialized; searches and audits read
// concurrently.
package index

import (
	"context"
	"errors"

	"github.com/dd0wney/cluso-shardsync/pkg/model"
)

var (
	ErrClosed = errors.New("index: closed")
	// ErrUnavailable is returned while a writer cannot reach durable
	// storage. Callers should retry.
	ErrUnavailable = errors.New("index: unavailable")
)

// Engine is what trackers, the reconciler and the search API need from an
// index. Every Apply is an upsert keyed by entity id, so applying the same
// entity twice leaves the index unchanged.
type Engine interface {
	ApplyNode(ctx context.Context, node model.Node) error
	ApplyAcl(ctx context.Context, acl model.Acl) error
	ApplyContent(ctx context.Context, nodeID, txID int64, text string) error
	// Commit makes every preceding Apply durable.
	Commit(ctx context.Context) error

	EntityCount(kind model.EntityKind) int
	// NodeTxID reports the tx id of the indexed version of a node.
	NodeTxID(id int64) (int64, bool)
	// AclTxID reports the change set id of the indexed version of an ACL.
	AclTxID(id int64) (int64, bool)
	// AclDocCount counts indexed nodes governed by an ACL.
	AclDocCount(aclID int64) int

	Search(ctx context.Context, q Query) ([]Hit, error)

	// DirtyContent lists nodes whose content is older than their metadata,
	// ordered by tx id, restricted to tx ids above sinceTxID.
	DirtyContent(sinceTxID int64, limit int) []DirtyDoc
	// ContentHighWater is the highest tx id that ever marked content dirty.
	ContentHighWater() int64

	// Purge drops every entity of kind, for a full re-index of one stream.
	// Purging nodes drops their content too. Like Apply it is durable only
	// after Commit.
	Purge(ctx context.Context, kind model.EntityKind) error
	// PruneDeleted forgets deletions at or below throughTxID and returns how
	// many were dropped.
	PruneDeleted(throughTxID int64) int

	// Reset empties the index for a full re-index.
	Reset(ctx context.Context) error
}

// Query is a conjunctive term search. When Authorities is non-empty only
// nodes whose ACL grants one of them, and denies none, are returned.
type Query struct {
	Text        string
	Authorities []string
	Limit       int
}

// Hit is one search result.
type Hit struct {
	NodeID int64   `json:"nodeId"`
	TxID   int64   `json:"txId"`
	AclID  int64   `json:"aclId"`
	Type   string  `json:"type,omitempty"`
	Score  float64 `json:"score"`
}

// DirtyDoc is a node awaiting content at TxID.
type DirtyDoc struct {
	NodeID int64 `json:"nodeId"`
	TxID   int64 `json:"txId"`
}
