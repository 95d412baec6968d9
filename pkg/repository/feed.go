// Package repository is the authoritative side of synchronization: the change
// feed trackers poll, the lookups the reconciler uses, and a transactional
// in-memory repository with an HTTP surface for demos and tests.
package repository

import (
	"context"
	"errors"

	"github.com/dd0wney/cluso-shardsync/pkg/model"
)

var (
	ErrNotFound = errors.New("repository: not found")
	// ErrUnavailable covers network failures, throttling and 5xx answers.
	// The caller should retry.
	ErrUnavailable = errors.New("repository: unavailable")
	// ErrRejected is a 4xx answer other than 404 and 429.
	ErrRejected = errors.New("repository: request rejected")
)

// Feed is the read side a shard needs. Every call is an idempotent read.
type Feed interface {
	// FetchTransactionsSince returns transactions with id > txID in
	// ascending order, at most limit of them (limit <= 0 means all).
	FetchTransactionsSince(ctx context.Context, txID int64, limit int) ([]model.Transaction, error)
	FetchAclChangeSetsSince(ctx context.Context, changeSetID int64, limit int) ([]model.AclChangeSet, error)
	CurrentMaxTxID(ctx context.Context) (int64, error)
	CurrentMaxAclChangeSetID(ctx context.Context) (int64, error)

	// LookupNode returns ErrNotFound for unknown and deleted nodes.
	LookupNode(ctx context.Context, id int64) (model.NodeInfo, error)
	LookupAcl(ctx context.Context, id int64) (model.AclInfo, error)

	FetchContent(ctx context.Context, nodeID int64) (Content, error)
}

// Writer mutates a repository. Each call is one transaction or change set
// and returns its id.
type Writer interface {
	CommitNodes(ctx context.Context, nodes ...model.Node) (int64, error)
	DeleteNodes(ctx context.Context, ids ...int64) (int64, error)
	SetContent(ctx context.Context, nodeID int64, text string) (int64, error)
	CommitAcls(ctx context.Context, acls ...model.Acl) (int64, error)
}

// Content is the text of a node as of the transaction that last set it.
type Content struct {
	NodeID int64  `json:"nodeId"`
	TxID   int64  `json:"txId"`
	Text   string `json:"text"`
}
