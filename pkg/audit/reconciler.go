package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dd0wney/cluso-shardsync/pkg/history"
	"github.com/dd0wney/cluso-shardsync/pkg/index"
	"github.com/dd0wney/cluso-shardsync/pkg/logging"
	"github.com/dd0wney/cluso-shardsync/pkg/metrics"
	"github.com/dd0wney/cluso-shardsync/pkg/model"
	"github.com/dd0wney/cluso-shardsync/pkg/repository"
	"github.com/dd0wney/cluso-shardsync/pkg/routing"
)

const defaultRecent = 50

// Lookup is the part of the repository feed reconciliation reads.
type Lookup interface {
	LookupNode(ctx context.Context, id int64) (model.NodeInfo, error)
	LookupAcl(ctx context.Context, id int64) (model.AclInfo, error)
}

// Reconciler reads both sides on every call. It never retries and never
// caches; the recent list is only a record of what was asked.
type Reconciler struct {
	repo     Lookup
	engine   index.Engine
	topology routing.Topology
	router   routing.DocRouter
	logger   logging.Logger
	metrics  *metrics.Registry
	recent   *history.Bounded[Report]
	now      func() time.Time
}

// Option configures a Reconciler.
type Option func(*Reconciler)

func WithLogger(l logging.Logger) Option {
	return func(r *Reconciler) {
		if l != nil {
			r.logger = l
		}
	}
}

func WithMetrics(m *metrics.Registry) Option {
	return func(r *Reconciler) { r.metrics = m }
}

// WithRecent sets how many reports Recent keeps.
func WithRecent(n int) Option {
	return func(r *Reconciler) {
		if h, err := history.New[Report](n); err == nil {
			r.recent = h
		}
	}
}

// WithRouting makes reports say whether this shard owns the entity. Without
// it the reconciler assumes a single shard that owns everything.
func WithRouting(topology routing.Topology, router routing.DocRouter) Option {
	return func(r *Reconciler) {
		if router != nil {
			r.topology = topology
			r.router = router
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

func NewReconciler(repo Lookup, engine index.Engine, opts ...Option) *Reconciler {
	r := &Reconciler{
		repo:     repo,
		engine:   engine,
		topology: routing.Topology{ShardCount: 1},
		router:   routing.ModuloRouter{},
		logger:   logging.NewNopLogger(),
		recent:   history.MustNew[Report](defaultRecent),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(logging.Component("audit"))
	return r
}

// ReconcileNode compares a node. A node unknown to the repository is a
// report with ExistsInRepository false, not an error; errors are failures
// to reach the repository.
func (r *Reconciler) ReconcileNode(ctx context.Context, id int64) (NodeReport, error) {
	info, err := r.repo.LookupNode(ctx, id)
	exists := err == nil
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return NodeReport{}, fmt.Errorf("look up node %d: %w", id, err)
	}

	var indexed *int64
	docs := 0
	if tx, ok := r.engine.NodeTxID(id); ok {
		indexed = &tx
		docs = 1
	}

	owned := false
	if exists {
		node := info.Node()
		owned = r.topology.OwnsNode(r.router, &node)
	}
	rep := NodeReport{
		Report:          r.build(model.KindNode, id, exists, owned, info.TxID, indexed, docs),
		RepositoryAclID: info.AclID,
	}
	r.record(rep.Report)
	return rep, nil
}

// ReconcileAcl compares an ACL.
func (r *Reconciler) ReconcileAcl(ctx context.Context, id int64) (AclReport, error) {
	info, err := r.repo.LookupAcl(ctx, id)
	exists := err == nil
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return AclReport{}, fmt.Errorf("look up acl %d: %w", id, err)
	}

	var indexed *int64
	if cs, ok := r.engine.AclTxID(id); ok {
		indexed = &cs
	}

	owned := false
	if exists {
		acl := model.Acl{ID: info.ID, ChangeSetID: info.ChangeSetID}
		owned = r.topology.OwnsAcl(r.router, &acl)
	}
	rep := AclReport{Report: r.build(model.KindAcl, id, exists, owned, info.ChangeSetID, indexed, r.engine.AclDocCount(id))}
	r.record(rep.Report)
	return rep, nil
}

func (r *Reconciler) build(kind model.EntityKind, id int64, exists, owned bool, repoTx int64, indexed *int64, docs int) Report {
	var ownedBy *bool
	if exists {
		ownedBy = &owned
	}
	return Report{
		ReportID:           uuid.NewString(),
		Kind:               kind,
		ID:                 id,
		ExistsInRepository: exists,
		RepositoryTxID:     repoTx,
		IndexedTxID:        indexed,
		IndexedDocCount:    docs,
		OwnedByShard:       ownedBy,
		Outcome:            classify(exists, owned, repoTx, indexed),
		CheckedAt:          r.now().UTC(),
	}
}

func (r *Reconciler) record(rep Report) {
	r.recent.Add(rep)
	if r.metrics != nil {
		r.metrics.RecordReconciliation(string(rep.Kind), string(rep.Outcome))
	}
	if rep.Drifted() {
		r.logger.Warn("index drift",
			logging.Entity(string(rep.Kind), rep.ID),
			logging.String("outcome", string(rep.Outcome)),
			logging.Int64("repository_tx", rep.RepositoryTxID))
	}
}

// Recent returns the latest reports, newest first.
func (r *Reconciler) Recent() []Report {
	return r.recent.Values()
}
