package routing

import (
	"errors"
	"fmt"

	"github.com/dd0wney/cluso-shardsync/pkg/model"
)

// Configuration errors
var (
	ErrInvalidShardCount    = errors.New("shard count must be at least 1")
	ErrInvalidShardInstance = errors.New("shard instance must be in [0, shard count)")
	ErrInvalidRangeSize     = errors.New("range size must be positive")
	ErrInvalidGrouping      = errors.New("date grouping must be at least 1 month")
	ErrMissingProperty      = errors.New("property router requires a property name")
	ErrUnknownPolicy        = errors.New("unknown routing policy")
)

// RoutingAmbiguityError reports an entity that is owned by zero or several
// shard instances. It is a configuration defect and is never retried.
type RoutingAmbiguityError struct {
	Kind       model.EntityKind
	EntityID   int64
	ShardCount int
	Owners     []int
}

func (e *RoutingAmbiguityError) Error() string {
	if len(e.Owners) == 0 {
		return fmt.Sprintf("routing ambiguity: %s %d has no owner among %d shards", e.Kind, e.EntityID, e.ShardCount)
	}
	return fmt.Sprintf("routing ambiguity: %s %d claimed by shards %v of %d", e.Kind, e.EntityID, e.Owners, e.ShardCount)
}
