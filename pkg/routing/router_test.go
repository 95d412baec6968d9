package routing

import (
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/dd0wney/cluso-shardsync/pkg/model"
)

func allPolicies(t *testing.T) map[string]DocRouter {
	t.Helper()
	rangeRouter, err := NewRangeRouter(100)
	if err != nil {
		t.Fatalf("NewRangeRouter: %v", err)
	}
	dateRouter, err := NewDateRouter("", 2)
	if err != nil {
		t.Fatalf("NewDateRouter: %v", err)
	}
	propRouter, err := NewPropertyRouter("site", `^([a-z]+)`)
	if err != nil {
		t.Fatalf("NewPropertyRouter: %v", err)
	}
	return map[string]DocRouter{
		PolicyDBID:     NewModuloRouter(),
		PolicyAclID:    NewAclIDRouter(),
		PolicyRange:    rangeRouter,
		PolicyDate:     dateRouter,
		PolicyProperty: propRouter,
		PolicyExplicit: NewExplicitRouter(
			map[int64]int{1: 0, 2: 1, 3: 7, 4: 42},
			map[int64]int{1: 1, 5: -3},
			NewModuloRouter(),
		),
	}
}

func owners(r DocRouter, shardCount int, node *model.Node) []int {
	var out []int
	for i := 0; i < shardCount; i++ {
		if r.RouteNode(shardCount, i, node) {
			out = append(out, i)
		}
	}
	return out
}

// TestPartitionProperty checks that every policy assigns exactly one owner
func TestPartitionProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300

	for name, router := range allPolicies(t) {
		router := router
		t.Run(name, func(t *testing.T) {
			properties := gopter.NewProperties(parameters)

			properties.Property("exactly one shard owns each node", prop.ForAll(
				func(shardCount int, id, aclID int64, monthOffset int, site string) bool {
					node := &model.Node{
						ID:         id,
						TxID:       1,
						AclID:      aclID,
						Status:     model.NodeUpdated,
						Modified:   sampleEpoch.AddDate(0, monthOffset, 0),
						Properties: map[string]string{"site": site},
					}
					return len(owners(router, shardCount, node)) == 1
				},
				gen.IntRange(1, 8),
				gen.Int64Range(1, 1<<40),
				gen.Int64Range(0, 1000),
				gen.IntRange(-240, 240),
				gen.AlphaString(),
			))

			properties.Property("exactly one shard owns each acl", prop.ForAll(
				func(shardCount int, id int64) bool {
					acl := &model.Acl{ID: id, ChangeSetID: 1}
					count := 0
					for i := 0; i < shardCount; i++ {
						if router.RouteAcl(shardCount, i, acl) {
							count++
						}
					}
					return count == 1
				},
				gen.IntRange(1, 8),
				gen.Int64Range(1, 1<<40),
			))

			properties.TestingRun(t)
		})
	}
}

func TestModuloRouter_Deterministic(t *testing.T) {
	r := NewModuloRouter()
	for id := int64(1); id <= 100; id++ {
		node := &model.Node{ID: id}
		first := owners(r, 8, node)
		second := owners(r, 8, node)
		if len(first) != 1 || len(second) != 1 || first[0] != second[0] {
			t.Errorf("node %d routed to %v then %v", id, first, second)
		}
	}
}

func TestModuloRouter_Distribution(t *testing.T) {
	r := NewModuloRouter()
	counts := make([]int, 4)
	for id := int64(1); id <= 1000; id++ {
		counts[owners(r, 4, &model.Node{ID: id})[0]]++
	}
	for i, c := range counts {
		if c < 100 || c > 400 {
			t.Errorf("shard %d owns %d of 1000 nodes, expected roughly 250", i, c)
		}
	}
}

func TestRouters_InvalidTopology(t *testing.T) {
	for name, r := range allPolicies(t) {
		node := &model.Node{ID: 10}
		acl := &model.Acl{ID: 10}
		cases := []struct{ count, instance int }{{0, 0}, {2, 2}, {2, -1}}
		for _, c := range cases {
			if r.RouteNode(c.count, c.instance, node) {
				t.Errorf("%s: RouteNode(%d, %d) = true for invalid topology", name, c.count, c.instance)
			}
			if r.RouteAcl(c.count, c.instance, acl) {
				t.Errorf("%s: RouteAcl(%d, %d) = true for invalid topology", name, c.count, c.instance)
			}
		}
		if r.RouteNode(1, 0, nil) {
			t.Errorf("%s: RouteNode(nil) = true", name)
		}
	}
}

func TestAclIDRouter_CoLocatesNodeWithAcl(t *testing.T) {
	r := NewAclIDRouter()
	for aclID := int64(1); aclID <= 50; aclID++ {
		acl := &model.Acl{ID: aclID}
		node := &model.Node{ID: aclID*1000 + 3, AclID: aclID}
		for instance := 0; instance < 5; instance++ {
			if r.RouteAcl(5, instance, acl) != r.RouteNode(5, instance, node) {
				t.Fatalf("node %d and acl %d split across shards", node.ID, aclID)
			}
		}
	}
}

func TestRangeRouter_RouteNode(t *testing.T) {
	r, err := NewRangeRouter(250)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		id   int64
		want int
	}{
		{"first in shard 0", 1, 0},
		{"last in shard 0", 250, 0},
		{"first in shard 1", 251, 1},
		{"first in shard 3", 751, 3},
		{"beyond last range stays on last shard", 5000, 3},
		{"non-positive id goes to shard 0", 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := owners(r, 4, &model.Node{ID: tt.id})
			if len(got) != 1 || got[0] != tt.want {
				t.Errorf("owners(%d) = %v, want [%d]", tt.id, got, tt.want)
			}
		})
	}

	if _, err := NewRangeRouter(0); !errors.Is(err, ErrInvalidRangeSize) {
		t.Errorf("NewRangeRouter(0) error = %v, want ErrInvalidRangeSize", err)
	}
}

func TestDateRouter_MonthBuckets(t *testing.T) {
	r, err := NewDateRouter("", 1)
	if err != nil {
		t.Fatal(err)
	}
	jan := &model.Node{ID: 1, Modified: time.Date(2024, time.January, 15, 0, 0, 0, 0, time.UTC)}
	janLate := &model.Node{ID: 99, Modified: time.Date(2024, time.January, 31, 23, 0, 0, 0, time.UTC)}
	feb := &model.Node{ID: 1, Modified: time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC)}

	if owners(r, 12, jan)[0] != owners(r, 12, janLate)[0] {
		t.Error("nodes in the same month routed to different shards")
	}
	if owners(r, 12, jan)[0] == owners(r, 12, feb)[0] {
		t.Error("consecutive months routed to the same shard with 12 shards and grouping 1")
	}
}

func TestDateRouter_PropertyAndFallback(t *testing.T) {
	r, err := NewDateRouter("published", 3)
	if err != nil {
		t.Fatal(err)
	}
	a := &model.Node{ID: 1, Properties: map[string]string{"published": "2023-04-02"}}
	b := &model.Node{ID: 2, Properties: map[string]string{"published": "2023-06-30T10:00:00Z"}}
	if owners(r, 4, a)[0] != owners(r, 4, b)[0] {
		t.Error("April and June 2023 share a quarter bucket but routed apart")
	}

	undated := &model.Node{ID: 77, Properties: map[string]string{"published": "not a date"}}
	if got, want := owners(r, 4, undated), owners(NewModuloRouter(), 4, undated); got[0] != want[0] {
		t.Errorf("undated node routed to %v, want modulo fallback %v", got, want)
	}

	if _, err := NewDateRouter("", 0); !errors.Is(err, ErrInvalidGrouping) {
		t.Errorf("NewDateRouter grouping 0 error = %v, want ErrInvalidGrouping", err)
	}
}

func TestPropertyRouter_Pattern(t *testing.T) {
	r, err := NewPropertyRouter("path", `^/sites/([^/]+)/`)
	if err != nil {
		t.Fatal(err)
	}
	a := &model.Node{ID: 1, Properties: map[string]string{"path": "/sites/finance/doc1"}}
	b := &model.Node{ID: 2, Properties: map[string]string{"path": "/sites/finance/sub/doc2"}}
	if owners(r, 8, a)[0] != owners(r, 8, b)[0] {
		t.Error("nodes of the same site routed apart")
	}

	if _, err := NewPropertyRouter("", ""); !errors.Is(err, ErrMissingProperty) {
		t.Errorf("NewPropertyRouter without property error = %v", err)
	}
	if _, err := NewPropertyRouter("p", "("); err == nil {
		t.Error("NewPropertyRouter with bad pattern returned nil error")
	}
}

func TestExplicitRouter_Overrides(t *testing.T) {
	fallback := NewModuloRouter()
	r := NewExplicitRouter(map[int64]int{10: 2, 11: 9}, map[int64]int{5: 1}, fallback)

	if got := owners(r, 4, &model.Node{ID: 10}); got[0] != 2 {
		t.Errorf("pinned node 10 routed to %v, want [2]", got)
	}
	// pinned beyond the topology: fallback keeps the partition total
	node11 := &model.Node{ID: 11}
	if got, want := owners(r, 4, node11), owners(fallback, 4, node11); got[0] != want[0] {
		t.Errorf("out-of-range pin routed to %v, want fallback %v", got, want)
	}
	if !r.RouteAcl(4, 1, &model.Acl{ID: 5}) {
		t.Error("pinned acl 5 not owned by shard 1")
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr error
	}{
		{"default", Config{}, nil},
		{"db id lower case", Config{Policy: "db_id"}, nil},
		{"acl id", Config{Policy: PolicyAclID}, nil},
		{"range", Config{Policy: PolicyRange, RangeSize: 10}, nil},
		{"range without size", Config{Policy: PolicyRange}, ErrInvalidRangeSize},
		{"date", Config{Policy: PolicyDate}, nil},
		{"property", Config{Policy: PolicyProperty, Property: "site"}, nil},
		{"property without name", Config{Policy: PolicyProperty}, ErrMissingProperty},
		{"explicit", Config{Policy: PolicyExplicit, Fallback: PolicyAclID}, nil},
		{"explicit over explicit", Config{Policy: PolicyExplicit, Fallback: PolicyExplicit}, ErrUnknownPolicy},
		{"unknown", Config{Policy: "ROUND_ROBIN"}, ErrUnknownPolicy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := New(tt.cfg)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("New() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil || r == nil {
				t.Fatalf("New() = %v, %v", r, err)
			}
		})
	}
}

type greedyRouter struct{}

func (greedyRouter) RouteNode(int, int, *model.Node) bool { return true }
func (greedyRouter) RouteAcl(int, int, *model.Acl) bool   { return false }

func TestValidatePartition(t *testing.T) {
	nodes, acls := SampleEntities(64)
	for name, r := range allPolicies(t) {
		for count := 1; count <= 8; count++ {
			if err := ValidatePartition(r, count, nodes, acls); err != nil {
				t.Errorf("%s with %d shards: %v", name, count, err)
			}
		}
	}

	err := ValidatePartition(greedyRouter{}, 3, nodes, acls)
	var ambiguity *RoutingAmbiguityError
	if !errors.As(err, &ambiguity) {
		t.Fatalf("ValidatePartition(greedy) error = %v, want RoutingAmbiguityError", err)
	}
	if ambiguity.Kind != model.KindNode || len(ambiguity.Owners) != 3 {
		t.Errorf("ambiguity = %+v, want node claimed by 3 shards", ambiguity)
	}

	err = ValidatePartition(greedyRouter{}, 1, nil, acls)
	if !errors.As(err, &ambiguity) || len(ambiguity.Owners) != 0 {
		t.Errorf("unowned acl error = %v", err)
	}

	if err := ValidatePartition(NewModuloRouter(), 0, nodes, acls); !errors.Is(err, ErrInvalidShardCount) {
		t.Errorf("ValidatePartition(count 0) error = %v", err)
	}
}

func TestTopology_Validate(t *testing.T) {
	if err := (Topology{ShardCount: 2, ShardInstance: 1}).Validate(); err != nil {
		t.Errorf("valid topology: %v", err)
	}
	if err := (Topology{ShardCount: 0}).Validate(); !errors.Is(err, ErrInvalidShardCount) {
		t.Errorf("count 0: %v", err)
	}
	if err := (Topology{ShardCount: 2, ShardInstance: 2}).Validate(); !errors.Is(err, ErrInvalidShardInstance) {
		t.Errorf("instance 2 of 2: %v", err)
	}
}
