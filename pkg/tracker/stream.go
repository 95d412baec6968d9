// Package tracker keeps one stream of a shard's index in step with the
// repository. A Tracker polls its Stream for units above its checkpoint,
// applies them through the index, commits, persists the checkpoint and only
// then advances its State.
package tracker

import (
	"context"
	"time"

	"github.com/dd0wney/cluso-shardsync/pkg/index"
	"github.com/dd0wney/cluso-shardsync/pkg/model"
)

// Stream names, also used as checkpoint keys and metric labels.
const (
	StreamMetadata = "metadata"
	StreamAcl      = "acl"
	StreamContent  = "content"
)

// Unit is the smallest thing a tracker applies: one transaction, one ACL
// change set, or the dirty content of one transaction.
type Unit struct {
	ID         int64
	CommitTime time.Time
	Nodes      []model.Node
	Acls       []model.Acl
	Content    []index.DirtyDoc
}

// Size is the number of entities in the unit.
func (u Unit) Size() int {
	return len(u.Nodes) + len(u.Acls) + len(u.Content)
}

// ApplyResult counts what a unit did to this shard. Entities routed to
// other shards are NotOwned, not Applied.
type ApplyResult struct {
	Applied  int
	NotOwned int
}

// Stream is a source of units and the means to apply them.
type Stream interface {
	Name() string
	// Poll returns units with id > sinceID in ascending order, at most
	// limit of them. Polling the same range again returns the same units.
	Poll(ctx context.Context, sinceID int64, limit int) ([]Unit, error)
	MaxIDOnServer(ctx context.Context) (int64, error)
	// Apply must be idempotent.
	Apply(ctx context.Context, u Unit) (ApplyResult, error)
	// Commit makes everything applied so far durable.
	Commit(ctx context.Context) error
}

// Resetter is a Stream that can drop everything it indexed. A tracker calls
// it before starting the stream over, since replayed units may carry lower
// ids than versions the index already holds.
type Resetter interface {
	Reset(ctx context.Context) error
}

// Reapplier is a Stream that applies an already checkpointed unit
// differently from a fresh one, e.g. by checking what the repository holds
// now.
type Reapplier interface {
	Reapply(ctx context.Context, u Unit) (ApplyResult, error)
}

// CheckpointObserver is told the id of every unit once its checkpoint is
// persisted.
type CheckpointObserver interface {
	Checkpointed(id int64)
}
