package routing

import (
	"time"

	"github.com/dd0wney/cluso-shardsync/pkg/model"
)

var sampleEpoch = time.Date(2020, time.January, 1, 0, 0, 0, 0, time.UTC)

// ValidatePartition checks that every sample entity is owned by exactly one
// instance of a shardCount-wide topology. The first violation is returned as
// a *RoutingAmbiguityError.
func ValidatePartition(r DocRouter, shardCount int, nodes []model.Node, acls []model.Acl) error {
	if shardCount < 1 {
		return ErrInvalidShardCount
	}
	for i := range nodes {
		var owners []int
		for instance := 0; instance < shardCount; instance++ {
			if r.RouteNode(shardCount, instance, &nodes[i]) {
				owners = append(owners, instance)
			}
		}
		if len(owners) != 1 {
			return &RoutingAmbiguityError{Kind: model.KindNode, EntityID: nodes[i].ID, ShardCount: shardCount, Owners: owners}
		}
	}
	for i := range acls {
		var owners []int
		for instance := 0; instance < shardCount; instance++ {
			if r.RouteAcl(shardCount, instance, &acls[i]) {
				owners = append(owners, instance)
			}
		}
		if len(owners) != 1 {
			return &RoutingAmbiguityError{Kind: model.KindAcl, EntityID: acls[i].ID, ShardCount: shardCount, Owners: owners}
		}
	}
	return nil
}

// SampleEntities builds a deterministic sample set of n nodes and ACLs with
// varied ids, ACL ids, dates and properties, for startup validation.
func SampleEntities(n int) ([]model.Node, []model.Acl) {
	nodes := make([]model.Node, 0, n)
	acls := make([]model.Acl, 0, n)
	for i := 1; i <= n; i++ {
		id := int64(i)*7919 + int64(i%3)
		nodes = append(nodes, model.Node{
			ID:       id,
			TxID:     int64(i),
			AclID:    int64(i % 17),
			Status:   model.NodeUpdated,
			Modified: sampleEpoch.AddDate(0, i%37, i%28),
			Properties: map[string]string{
				"site": []string{"finance", "legal", "hr", "ops", ""}[i%5],
			},
		})
		acls = append(acls, model.Acl{ID: id, ChangeSetID: int64(i)})
	}
	return nodes, acls
}
