package tracker

import (
	"context"
	"errors"
	"fmt"

	"github.com/dd0wney/cluso-shardsync/pkg/index"
	"github.com/dd0wney/cluso-shardsync/pkg/model"
	"github.com/dd0wney/cluso-shardsync/pkg/repository"
	"github.com/dd0wney/cluso-shardsync/pkg/routing"
)

// engineError marks malformed entities permanent and everything else
// transient.
func engineError(u Unit, kind model.EntityKind, id int64, err error) error {
	if errors.Is(err, model.ErrMalformed) {
		return &PermanentError{UnitID: u.ID, Kind: kind, EntityID: id, Err: err}
	}
	return &TransientError{Op: "apply", Err: err}
}

func commitEngine(ctx context.Context, engine index.Engine) error {
	if err := engine.Commit(ctx); err != nil {
		return &TransientError{Op: "commit", Err: err}
	}
	return nil
}

// MetadataStream applies node transactions.
type MetadataStream struct {
	Feed     repository.Feed
	Engine   index.Engine
	Router   routing.DocRouter
	Topology routing.Topology
}

func (s *MetadataStream) Name() string { return StreamMetadata }

func (s *MetadataStream) Poll(ctx context.Context, sinceID int64, limit int) ([]Unit, error) {
	txs, err := s.Feed.FetchTransactionsSince(ctx, sinceID, limit)
	if err != nil {
		return nil, &TransientError{Op: "fetch transactions", Err: err}
	}
	units := make([]Unit, 0, len(txs))
	for _, tx := range txs {
		units = append(units, Unit{ID: tx.ID, CommitTime: tx.CommitTime, Nodes: tx.Nodes})
	}
	return units, nil
}

func (s *MetadataStream) MaxIDOnServer(ctx context.Context) (int64, error) {
	id, err := s.Feed.CurrentMaxTxID(ctx)
	if err != nil {
		return 0, &TransientError{Op: "max tx id", Err: err}
	}
	return id, nil
}

// Apply validates every owned node before touching the index, so a
// malformed node skips the whole transaction rather than half of it.
func (s *MetadataStream) Apply(ctx context.Context, u Unit) (ApplyResult, error) {
	var res ApplyResult
	owned := make([]model.Node, 0, len(u.Nodes))
	for _, n := range u.Nodes {
		if n.TxID == 0 {
			n.TxID = u.ID
		}
		if !s.Topology.OwnsNode(s.Router, &n) {
			res.NotOwned++
			continue
		}
		if err := n.Validate(); err != nil {
			return ApplyResult{}, &PermanentError{UnitID: u.ID, Kind: model.KindNode, EntityID: n.ID, Err: err}
		}
		owned = append(owned, n)
	}

	for _, n := range owned {
		if err := s.Engine.ApplyNode(ctx, n); err != nil {
			return res, engineError(u, model.KindNode, n.ID, err)
		}
		res.Applied++
	}
	return res, nil
}

func (s *MetadataStream) Commit(ctx context.Context) error {
	return commitEngine(ctx, s.Engine)
}

// Reapply applies only the nodes whose current repository version is the one
// in u. Nodes changed or deleted since are left to the units that did it.
func (s *MetadataStream) Reapply(ctx context.Context, u Unit) (ApplyResult, error) {
	current := u
	current.Nodes = make([]model.Node, 0, len(u.Nodes))
	for _, n := range u.Nodes {
		info, err := s.Feed.LookupNode(ctx, n.ID)
		switch {
		case errors.Is(err, repository.ErrNotFound):
			if n.Status != model.NodeDeleted {
				continue
			}
		case err != nil:
			return ApplyResult{}, &TransientError{Op: fmt.Sprintf("look up node %d", n.ID), Err: err}
		case info.TxID > u.ID:
			continue
		}
		current.Nodes = append(current.Nodes, n)
	}
	return s.Apply(ctx, current)
}

// Reset purges every node from the index.
func (s *MetadataStream) Reset(ctx context.Context) error {
	if err := s.Engine.Purge(ctx, model.KindNode); err != nil {
		return err
	}
	return s.Engine.Commit(ctx)
}

// Checkpointed prunes deletions no poll can reach again. Reindexed units go
// through Reapply, which does not rely on them.
func (s *MetadataStream) Checkpointed(id int64) {
	s.Engine.PruneDeleted(id)
}

// AclStream applies ACL change sets.
type AclStream struct {
	Feed     repository.Feed
	Engine   index.Engine
	Router   routing.DocRouter
	Topology routing.Topology
}

func (s *AclStream) Name() string { return StreamAcl }

func (s *AclStream) Poll(ctx context.Context, sinceID int64, limit int) ([]Unit, error) {
	sets, err := s.Feed.FetchAclChangeSetsSince(ctx, sinceID, limit)
	if err != nil {
		return nil, &TransientError{Op: "fetch acl change sets", Err: err}
	}
	units := make([]Unit, 0, len(sets))
	for _, cs := range sets {
		units = append(units, Unit{ID: cs.ID, CommitTime: cs.CommitTime, Acls: cs.Acls})
	}
	return units, nil
}

func (s *AclStream) MaxIDOnServer(ctx context.Context) (int64, error) {
	id, err := s.Feed.CurrentMaxAclChangeSetID(ctx)
	if err != nil {
		return 0, &TransientError{Op: "max acl change set id", Err: err}
	}
	return id, nil
}

func (s *AclStream) Apply(ctx context.Context, u Unit) (ApplyResult, error) {
	var res ApplyResult
	owned := make([]model.Acl, 0, len(u.Acls))
	for _, a := range u.Acls {
		if a.ChangeSetID == 0 {
			a.ChangeSetID = u.ID
		}
		if !s.Topology.OwnsAcl(s.Router, &a) {
			res.NotOwned++
			continue
		}
		if err := a.Validate(); err != nil {
			return ApplyResult{}, &PermanentError{UnitID: u.ID, Kind: model.KindAcl, EntityID: a.ID, Err: err}
		}
		owned = append(owned, a)
	}

	for _, a := range owned {
		if err := s.Engine.ApplyAcl(ctx, a); err != nil {
			return res, engineError(u, model.KindAcl, a.ID, err)
		}
		res.Applied++
	}
	return res, nil
}

func (s *AclStream) Commit(ctx context.Context) error {
	return commitEngine(ctx, s.Engine)
}

// Reset purges every ACL from the index.
func (s *AclStream) Reset(ctx context.Context) error {
	if err := s.Engine.Purge(ctx, model.KindAcl); err != nil {
		return err
	}
	return s.Engine.Commit(ctx)
}

// ContentStream fetches text for nodes whose metadata announced content the
// index does not hold yet. Units are the dirty documents of one transaction.
// Watermark bounds polling to transactions the metadata stream has already
// committed, so content never races ahead of the node it belongs to.
type ContentStream struct {
	Feed      repository.Feed
	Engine    index.Engine
	Watermark func() int64
}

func (s *ContentStream) Name() string { return StreamContent }

func (s *ContentStream) Poll(_ context.Context, sinceID int64, limit int) ([]Unit, error) {
	if limit <= 0 {
		limit = 100
	}
	watermark := s.Watermark()
	if watermark <= sinceID {
		return nil, nil
	}

	// Unlimited so that no transaction's group is cut short.
	docs := s.Engine.DirtyContent(sinceID, 0)
	var units []Unit
	for _, d := range docs {
		if d.TxID > watermark {
			break
		}
		if n := len(units); n > 0 && units[n-1].ID == d.TxID {
			units[n-1].Content = append(units[n-1].Content, d)
			continue
		}
		if len(units) == limit {
			break
		}
		units = append(units, Unit{ID: d.TxID, Content: []index.DirtyDoc{d}})
	}
	return units, nil
}

func (s *ContentStream) MaxIDOnServer(context.Context) (int64, error) {
	return s.Engine.ContentHighWater(), nil
}

// Apply treats content that vanished from the repository as nothing to do.
// The deletion reaches the index through the metadata stream.
func (s *ContentStream) Apply(ctx context.Context, u Unit) (ApplyResult, error) {
	var res ApplyResult
	for _, d := range u.Content {
		c, err := s.Feed.FetchContent(ctx, d.NodeID)
		switch {
		case errors.Is(err, repository.ErrNotFound):
			continue
		case err != nil:
			return res, &TransientError{Op: fmt.Sprintf("fetch content of node %d", d.NodeID), Err: err}
		}
		if err := s.Engine.ApplyContent(ctx, d.NodeID, max(d.TxID, c.TxID), c.Text); err != nil {
			return res, engineError(u, model.KindNode, d.NodeID, err)
		}
		res.Applied++
	}
	return res, nil
}

func (s *ContentStream) Commit(ctx context.Context) error {
	return commitEngine(ctx, s.Engine)
}

var (
	_ Resetter           = (*MetadataStream)(nil)
	_ Reapplier          = (*MetadataStream)(nil)
	_ CheckpointObserver = (*MetadataStream)(nil)
	_ Resetter           = (*AclStream)(nil)

	_ Stream = (*MetadataStream)(nil)
	_ Stream = (*AclStream)(nil)
	_ Stream = (*ContentStream)(nil)
)
