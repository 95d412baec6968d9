// Package routing decides which shard instance owns a node or an ACL.
//
// Every policy is a pure function of (shardCount, shardInstance, entity):
// for a fixed shardCount exactly one instance in [0, shardCount) claims any
// given entity. Policies that route on an optional field (dates, properties,
// explicit tables) fall back to id hashing when the field is missing so the
// partition stays total.
package routing

import (
	"hash/fnv"

	"github.com/dd0wney/cluso-shardsync/pkg/model"
)

// DocRouter decides shard ownership of routable entities.
type DocRouter interface {
	RouteAcl(shardCount, shardInstance int, acl *model.Acl) bool
	RouteNode(shardCount, shardInstance int, node *model.Node) bool
}

// Topology is this process's place in the shard layout.
// It is supplied at startup and never changes while the process runs.
type Topology struct {
	ShardCount    int `yaml:"shard_count" json:"shardCount" validate:"min=1"`
	ShardInstance int `yaml:"shard_instance" json:"shardInstance" validate:"min=0"`
}

// Validate checks that the instance lies inside [0, ShardCount).
func (t Topology) Validate() error {
	if t.ShardCount < 1 {
		return ErrInvalidShardCount
	}
	if t.ShardInstance < 0 || t.ShardInstance >= t.ShardCount {
		return ErrInvalidShardInstance
	}
	return nil
}

// OwnsNode applies r to this topology.
func (t Topology) OwnsNode(r DocRouter, node *model.Node) bool {
	return r.RouteNode(t.ShardCount, t.ShardInstance, node)
}

// OwnsAcl applies r to this topology.
func (t Topology) OwnsAcl(r DocRouter, acl *model.Acl) bool {
	return r.RouteAcl(t.ShardCount, t.ShardInstance, acl)
}

// hashID hashes an id with FNV-1a over its little-endian bytes.
func hashID(id int64) uint64 {
	h := fnv.New64a()
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(uint64(id) >> (i * 8))
	}
	h.Write(b)
	return h.Sum64()
}

func hashString(s string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return h.Sum64()
}

// shardForID maps an id onto [0, shardCount).
func shardForID(id int64, shardCount int) int {
	return int(hashID(id) % uint64(shardCount))
}

func validTopology(shardCount, shardInstance int) bool {
	return shardCount >= 1 && shardInstance >= 0 && shardInstance < shardCount
}

// ModuloRouter routes nodes by node id and ACLs by ACL id.
type ModuloRouter struct{}

// NewModuloRouter creates the default id-hash policy.
func NewModuloRouter() *ModuloRouter {
	return &ModuloRouter{}
}

func (ModuloRouter) RouteNode(shardCount, shardInstance int, node *model.Node) bool {
	if node == nil || !validTopology(shardCount, shardInstance) {
		return false
	}
	return shardForID(node.ID, shardCount) == shardInstance
}

func (ModuloRouter) RouteAcl(shardCount, shardInstance int, acl *model.Acl) bool {
	if acl == nil || !validTopology(shardCount, shardInstance) {
		return false
	}
	return shardForID(acl.ID, shardCount) == shardInstance
}

// AclIDRouter places a node on the shard that owns its ACL, so permission
// checks never leave the shard. Nodes without an ACL route by node id.
type AclIDRouter struct{}

// NewAclIDRouter creates the ACL co-location policy.
func NewAclIDRouter() *AclIDRouter {
	return &AclIDRouter{}
}

func (AclIDRouter) RouteNode(shardCount, shardInstance int, node *model.Node) bool {
	if node == nil || !validTopology(shardCount, shardInstance) {
		return false
	}
	id := node.AclID
	if id <= 0 {
		id = node.ID
	}
	return shardForID(id, shardCount) == shardInstance
}

func (AclIDRouter) RouteAcl(shardCount, shardInstance int, acl *model.Acl) bool {
	return ModuloRouter{}.RouteAcl(shardCount, shardInstance, acl)
}

// RangeRouter assigns contiguous node id ranges of RangeSize to consecutive
// shards; the last shard absorbs every id past the final range. ACLs are
// hashed.
type RangeRouter struct {
	RangeSize int64
}

// NewRangeRouter creates a range policy. rangeSize must be positive.
func NewRangeRouter(rangeSize int64) (*RangeRouter, error) {
	if rangeSize <= 0 {
		return nil, ErrInvalidRangeSize
	}
	return &RangeRouter{RangeSize: rangeSize}, nil
}

func (r RangeRouter) shardFor(id int64, shardCount int) int {
	if id <= 0 {
		return 0
	}
	shard := (id - 1) / r.RangeSize
	if shard >= int64(shardCount) {
		return shardCount - 1
	}
	return int(shard)
}

func (r RangeRouter) RouteNode(shardCount, shardInstance int, node *model.Node) bool {
	if node == nil || !validTopology(shardCount, shardInstance) {
		return false
	}
	return r.shardFor(node.ID, shardCount) == shardInstance
}

func (r RangeRouter) RouteAcl(shardCount, shardInstance int, acl *model.Acl) bool {
	return ModuloRouter{}.RouteAcl(shardCount, shardInstance, acl)
}
