// Package model holds the repository entities that flow from the change feed
// through routing into a shard's index.
package model

import (
	"errors"
	"fmt"
	"time"
)

// EntityKind distinguishes the routable entity families.
type EntityKind string

const (
	KindNode EntityKind = "node"
	KindAcl  EntityKind = "acl"
)

// NodeStatus is the repository-side state of a node within a transaction.
type NodeStatus string

const (
	NodeUpdated NodeStatus = "updated"
	NodeDeleted NodeStatus = "deleted"
)

// ErrMalformed marks an entity the index cannot represent.
var ErrMalformed = errors.New("malformed entity")

// Node is a content node as emitted by a repository transaction.
type Node struct {
	ID         int64             `json:"id"`
	TxID       int64             `json:"txId"`
	AclID      int64             `json:"aclId"`
	Status     NodeStatus        `json:"status"`
	Type       string            `json:"type,omitempty"`
	Modified   time.Time         `json:"modified"`
	Properties map[string]string `json:"properties,omitempty"`
	HasContent bool              `json:"hasContent,omitempty"`
}

// Validate reports whether the node can be indexed at all.
func (n *Node) Validate() error {
	if n == nil {
		return fmt.Errorf("%w: nil node", ErrMalformed)
	}
	if n.ID <= 0 {
		return fmt.Errorf("%w: node id %d", ErrMalformed, n.ID)
	}
	if n.TxID <= 0 {
		return fmt.Errorf("%w: node %d has tx id %d", ErrMalformed, n.ID, n.TxID)
	}
	switch n.Status {
	case NodeUpdated, NodeDeleted:
	default:
		return fmt.Errorf("%w: node %d has status %q", ErrMalformed, n.ID, n.Status)
	}
	return nil
}

// Acl is a permission set as emitted by an ACL change set.
type Acl struct {
	ID          int64    `json:"id"`
	ChangeSetID int64    `json:"changeSetId"`
	Readers     []string `json:"readers,omitempty"`
	Denied      []string `json:"denied,omitempty"`
	Deleted     bool     `json:"deleted,omitempty"`
}

// Validate reports whether the ACL can be indexed at all.
func (a *Acl) Validate() error {
	if a == nil {
		return fmt.Errorf("%w: nil acl", ErrMalformed)
	}
	if a.ID <= 0 {
		return fmt.Errorf("%w: acl id %d", ErrMalformed, a.ID)
	}
	if a.ChangeSetID <= 0 {
		return fmt.Errorf("%w: acl %d has change set id %d", ErrMalformed, a.ID, a.ChangeSetID)
	}
	return nil
}

// Transaction is an atomic repository change carrying node updates.
type Transaction struct {
	ID         int64     `json:"id"`
	CommitTime time.Time `json:"commitTime"`
	Nodes      []Node    `json:"nodes"`
}

// AclChangeSet is a batch of permission changes.
type AclChangeSet struct {
	ID         int64     `json:"id"`
	CommitTime time.Time `json:"commitTime"`
	Acls       []Acl     `json:"acls"`
}

// NodeInfo is the repository's view of a single node, used by reconciliation.
// It carries the fields routing policies read so a shard can tell whether
// the node is its own.
type NodeInfo struct {
	ID         int64             `json:"id"`
	TxID       int64             `json:"txId"`
	AclID      int64             `json:"aclId"`
	Status     NodeStatus        `json:"status"`
	Type       string            `json:"type,omitempty"`
	Modified   time.Time         `json:"modified"`
	Properties map[string]string `json:"properties,omitempty"`
}

// Node rebuilds the routable part of the node.
func (i NodeInfo) Node() Node {
	return Node{
		ID:         i.ID,
		TxID:       i.TxID,
		AclID:      i.AclID,
		Status:     i.Status,
		Type:       i.Type,
		Modified:   i.Modified,
		Properties: i.Properties,
	}
}

// AclInfo is the repository's view of a single ACL, used by reconciliation.
type AclInfo struct {
	ID          int64 `json:"id"`
	ChangeSetID int64 `json:"changeSetId"`
}
