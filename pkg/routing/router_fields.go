package routing

import (
	"regexp"
	"time"

	"github.com/dd0wney/cluso-shardsync/pkg/model"
)

// dateLayouts are tried in order when a date comes from a node property.
var dateLayouts = []string{time.RFC3339Nano, time.RFC3339, time.DateTime, time.DateOnly}

// DateRouter buckets nodes by calendar month. Grouping consecutive months
// share a bucket and buckets are spread round-robin over the shards, which
// suits time-ordered archives. Property names a node property holding the
// date; when empty the node's Modified time is used.
type DateRouter struct {
	Property string
	Grouping int
}

// NewDateRouter creates a month-bucket policy.
func NewDateRouter(property string, grouping int) (*DateRouter, error) {
	if grouping < 1 {
		return nil, ErrInvalidGrouping
	}
	return &DateRouter{Property: property, Grouping: grouping}, nil
}

func (r DateRouter) date(node *model.Node) (time.Time, bool) {
	if r.Property == "" {
		return node.Modified, !node.Modified.IsZero()
	}
	raw, ok := node.Properties[r.Property]
	if !ok || raw == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func (r DateRouter) RouteNode(shardCount, shardInstance int, node *model.Node) bool {
	if node == nil || !validTopology(shardCount, shardInstance) {
		return false
	}
	d, ok := r.date(node)
	if !ok {
		return ModuloRouter{}.RouteNode(shardCount, shardInstance, node)
	}
	d = d.UTC()
	months := int64(d.Year())*12 + int64(d.Month()) - 1
	bucket := months / int64(r.Grouping)
	return int(bucket%int64(shardCount)) == shardInstance
}

func (r DateRouter) RouteAcl(shardCount, shardInstance int, acl *model.Acl) bool {
	return ModuloRouter{}.RouteAcl(shardCount, shardInstance, acl)
}

// PropertyRouter hashes the value of a node property. When Pattern is set,
// its first capture group (or whole match) is hashed instead of the raw
// value, so e.g. a site prefix can decide placement.
type PropertyRouter struct {
	Property string
	Pattern  *regexp.Regexp
}

// NewPropertyRouter creates a property-hash policy. pattern may be empty.
func NewPropertyRouter(property, pattern string) (*PropertyRouter, error) {
	if property == "" {
		return nil, ErrMissingProperty
	}
	r := &PropertyRouter{Property: property}
	if pattern != "" {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, err
		}
		r.Pattern = re
	}
	return r, nil
}

func (r PropertyRouter) key(node *model.Node) (string, bool) {
	raw, ok := node.Properties[r.Property]
	if !ok || raw == "" {
		return "", false
	}
	if r.Pattern == nil {
		return raw, true
	}
	m := r.Pattern.FindStringSubmatch(raw)
	switch {
	case m == nil:
		return "", false
	case len(m) > 1:
		return m[1], true
	default:
		return m[0], true
	}
}

func (r PropertyRouter) RouteNode(shardCount, shardInstance int, node *model.Node) bool {
	if node == nil || !validTopology(shardCount, shardInstance) {
		return false
	}
	key, ok := r.key(node)
	if !ok {
		return ModuloRouter{}.RouteNode(shardCount, shardInstance, node)
	}
	return int(hashString(key)%uint64(shardCount)) == shardInstance
}

func (r PropertyRouter) RouteAcl(shardCount, shardInstance int, acl *model.Acl) bool {
	return ModuloRouter{}.RouteAcl(shardCount, shardInstance, acl)
}

// ExplicitRouter pins individual ids to shards for manual rebalancing.
// Ids that are absent from the table, or pinned to a shard outside the
// current topology, are routed by Fallback.
type ExplicitRouter struct {
	Nodes    map[int64]int
	Acls     map[int64]int
	Fallback DocRouter
}

// NewExplicitRouter creates an assignment-table policy over fallback.
func NewExplicitRouter(nodes, acls map[int64]int, fallback DocRouter) *ExplicitRouter {
	if fallback == nil {
		fallback = ModuloRouter{}
	}
	return &ExplicitRouter{Nodes: nodes, Acls: acls, Fallback: fallback}
}

func (r ExplicitRouter) RouteNode(shardCount, shardInstance int, node *model.Node) bool {
	if node == nil || !validTopology(shardCount, shardInstance) {
		return false
	}
	if shard, ok := r.Nodes[node.ID]; ok && shard >= 0 && shard < shardCount {
		return shard == shardInstance
	}
	return r.Fallback.RouteNode(shardCount, shardInstance, node)
}

func (r ExplicitRouter) RouteAcl(shardCount, shardInstance int, acl *model.Acl) bool {
	if acl == nil || !validTopology(shardCount, shardInstance) {
		return false
	}
	if shard, ok := r.Acls[acl.ID]; ok && shard >= 0 && shard < shardCount {
		return shard == shardInstance
	}
	return r.Fallback.RouteAcl(shardCount, shardInstance, acl)
}
