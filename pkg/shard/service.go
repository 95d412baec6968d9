// Package shard assembles one shard process: index, checkpoint store, the
// three trackers, reconciliation and the HTTP surface.
package shard

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dd0wney/cluso-shardsync/pkg/api"
	"github.com/dd0wney/cluso-shardsync/pkg/audit"
	"github.com/dd0wney/cluso-shardsync/pkg/auth"
	"github.com/dd0wney/cluso-shardsync/pkg/checkpoint"
	"github.com/dd0wney/cluso-shardsync/pkg/config"
	"github.com/dd0wney/cluso-shardsync/pkg/health"
	"github.com/dd0wney/cluso-shardsync/pkg/index"
	"github.com/dd0wney/cluso-shardsync/pkg/logging"
	"github.com/dd0wney/cluso-shardsync/pkg/metrics"
	"github.com/dd0wney/cluso-shardsync/pkg/model"
	"github.com/dd0wney/cluso-shardsync/pkg/notify"
	"github.com/dd0wney/cluso-shardsync/pkg/repository"
	"github.com/dd0wney/cluso-shardsync/pkg/routing"
	shardtls "github.com/dd0wney/cluso-shardsync/pkg/tls"
	"github.com/dd0wney/cluso-shardsync/pkg/tracker"
)

// Option overrides a collaborator that would otherwise be built from config.
type Option func(*Service)

// WithFeed replaces the repository HTTP client, e.g. with an in-process
// repository.Memory.
func WithFeed(feed repository.Feed) Option {
	return func(s *Service) { s.feed = feed }
}

// WithStore replaces the configured checkpoint backend.
func WithStore(store checkpoint.Store) Option {
	return func(s *Service) { s.store = store }
}

// WithRouter replaces the configured routing policy.
func WithRouter(router routing.DocRouter) Option {
	return func(s *Service) { s.router = router }
}

func WithLogger(logger logging.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithMetrics(reg *metrics.Registry) Option {
	return func(s *Service) { s.metrics = reg }
}

// Service owns everything one shard runs.
type Service struct {
	cfg     *config.Config
	runID   string
	logger  logging.Logger
	metrics *metrics.Registry

	feed       repository.Feed
	store      checkpoint.Store
	engine     *index.MemoryIndex
	router     routing.DocRouter
	metadata   *tracker.Tracker
	acl        *tracker.Tracker
	content    *tracker.Tracker
	reconciler *audit.Reconciler
	health     *health.HealthChecker
	server     *api.ShardServer
	subscriber *notify.Subscriber
}

// New builds a shard from cfg. Nothing runs until Run.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Service, error) {
	s := &Service{
		cfg:    cfg,
		runID:  uuid.NewString(),
		logger: logging.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.NewRegistry()
	}
	s.metrics.SetShardInfo(cfg.Shard.ShardInstance, cfg.Shard.ShardCount, cfg.Routing.Policy, s.runID)
	s.logger = s.logger.With(
		logging.String("run_id", s.runID),
		logging.Shard(cfg.Shard.ShardInstance, cfg.Shard.ShardCount),
	)

	if err := s.build(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Service) build(ctx context.Context) error {
	cfg := s.cfg
	var err error

	if s.router == nil {
		if s.router, err = routing.New(cfg.Routing); err != nil {
			return fmt.Errorf("routing: %w", err)
		}
	}

	var manager *auth.Manager
	if cfg.Auth.Secret != "" {
		if manager, err = auth.NewManager(cfg.Auth.Secret, cfg.Auth.TokenTTL, cfg.Auth.Issuer); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}

	if s.feed == nil {
		var signer auth.Signer = auth.NoAuth{}
		if manager != nil {
			signer = auth.NewTokenSigner(manager, s.subject(), auth.RoleShard)
		}
		ccfg := cfg.ClientConfig(signer)
		if ccfg.HTTPClient, err = shardtls.HTTPClient(cfg.Repository.TLS, cfg.Repository.Timeout); err != nil {
			return fmt.Errorf("repository tls: %w", err)
		}
		client, err := repository.NewClient(ccfg)
		if err != nil {
			return fmt.Errorf("repository client: %w", err)
		}
		s.feed = client
	}

	if s.store == nil {
		if s.store, err = checkpoint.Open(ctx, cfg.Checkpoint, s.logger); err != nil {
			return fmt.Errorf("checkpoint store: %w", err)
		}
	}

	s.engine, err = index.NewMemoryIndex(index.Options{
		DataDir:  cfg.Index.DataDir,
		Compress: cfg.Index.Compress,
		Logger:   s.logger,
		Metrics:  s.metrics,
	})
	if err != nil {
		return fmt.Errorf("index: %w", err)
	}

	if err := s.buildTrackers(); err != nil {
		return err
	}

	s.reconciler = audit.NewReconciler(s.feed, s.engine,
		audit.WithRouting(cfg.Shard, s.router),
		audit.WithLogger(s.logger),
		audit.WithMetrics(s.metrics))
	s.health = s.buildHealth()

	if cfg.Notify.Address != "" {
		if s.subscriber, err = notify.NewSubscriber(cfg.Notify.Address, s.logger); err != nil {
			return fmt.Errorf("notify: %w", err)
		}
	}

	var validator auth.TokenValidator
	if manager != nil {
		validator = manager
	}
	s.server, err = api.NewShardServer(api.ShardConfig{
		Topology:    cfg.Shard,
		RunID:       s.runID,
		Engine:      s.engine,
		Trackers:    s.Trackers(),
		Consistency: s.metadata,
		Reconciler:  s.reconciler,
		Health:      s.health,
		Metrics:     s.metrics,
		Logger:      s.logger,
		Validator:   validator,
	})
	return err
}

func (s *Service) subject() string {
	return fmt.Sprintf("shard-%d-of-%d", s.cfg.Shard.ShardInstance, s.cfg.Shard.ShardCount)
}

func (s *Service) buildTrackers() error {
	topo := s.cfg.Shard
	tcfg := s.cfg.TrackerConfig(s.router)
	opts := []tracker.Option{tracker.WithLogger(s.logger), tracker.WithMetrics(s.metrics)}

	var err error
	s.metadata, err = tracker.New(&tracker.MetadataStream{Feed: s.feed, Engine: s.engine, Router: s.router, Topology: topo}, s.store, tcfg, opts...)
	if err != nil {
		return fmt.Errorf("metadata tracker: %w", err)
	}
	s.acl, err = tracker.New(&tracker.AclStream{Feed: s.feed, Engine: s.engine, Router: s.router, Topology: topo}, s.store, tcfg, opts...)
	if err != nil {
		return fmt.Errorf("acl tracker: %w", err)
	}
	if !s.cfg.Trackers.Content {
		return nil
	}

	// content never runs ahead of the metadata it belongs to
	content := &tracker.ContentStream{
		Feed:      s.feed,
		Engine:    s.engine,
		Watermark: func() int64 { return s.metadata.Snapshot().LastIndexedTxID },
	}
	// the partition is already checked by the metadata tracker
	tcfg.Router = nil
	if s.content, err = tracker.New(content, s.store, tcfg, opts...); err != nil {
		return fmt.Errorf("content tracker: %w", err)
	}
	return nil
}

func lagReading(t *tracker.Tracker) func() health.LagReading {
	return func() health.LagReading {
		st := t.Status()
		return health.LagReading{
			Remaining:         st.TxRemaining,
			Failed:            st.Phase == tracker.PhaseFailed,
			Reason:            st.Reason,
			RollbackSuspected: st.RollbackSuspected,
			Stopped:           st.Phase == tracker.PhaseStopped,
		}
	}
}

func (s *Service) buildHealth() *health.HealthChecker {
	hc := health.NewHealthChecker()
	hc.RegisterLivenessCheck("process", health.AlwaysHealthy("process"))
	for _, t := range s.Trackers() {
		name := "tracker_" + t.Name()
		hc.RegisterCheck(name, health.LagCheck(name, s.cfg.Trackers.LagThreshold, lagReading(t)))
	}
	hc.RegisterReadinessCheck("checkpoint", health.PingCheck("checkpoint", s.store.Ping))
	hc.RegisterReadinessCheck("repository", health.PingCheck("repository", func(ctx context.Context) error {
		_, err := s.feed.CurrentMaxTxID(ctx)
		return err
	}))
	hc.RegisterCheck("index", func(context.Context) health.Check {
		return health.Check{
			Name:   "index",
			Status: health.StatusHealthy,
			Details: map[string]any{
				"nodes": s.engine.EntityCount(model.KindNode),
				"acls":  s.engine.EntityCount(model.KindAcl),
			},
		}
	})
	return hc
}

// Trackers returns metadata, acl and, when enabled, content.
func (s *Service) Trackers() []*tracker.Tracker {
	out := []*tracker.Tracker{s.metadata, s.acl}
	if s.content != nil {
		out = append(out, s.content)
	}
	return out
}

func (s *Service) RunID() string         { return s.runID }
func (s *Service) Engine() index.Engine  { return s.engine }
func (s *Service) Handler() http.Handler { return s.server }

// Run restores every tracker and runs them until ctx ends or one fails
// fatally. A routing ambiguity found at restore stops the shard before any
// unit is applied. Cancellation is a clean exit: each tracker is stopped,
// finishing and persisting the unit in flight.
func (s *Service) Run(ctx context.Context) error {
	for _, t := range s.Trackers() {
		if err := t.Restore(ctx); err != nil {
			return fmt.Errorf("restore %s tracker: %w", t.Name(), err)
		}
	}
	s.logger.Info("shard starting", logging.String("policy", s.cfg.Routing.Policy))

	g, gctx := errgroup.WithContext(ctx)
	// Trackers only end through Stop or a fatal error.
	trackerCtx := context.WithoutCancel(ctx)
	for _, t := range s.Trackers() {
		g.Go(func() error {
			if err := t.Run(trackerCtx); err != nil {
				return fmt.Errorf("%s tracker: %w", t.Name(), err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("stopping trackers")
		for _, t := range s.Trackers() {
			t.Stop()
		}
		return nil
	})
	if s.subscriber != nil {
		g.Go(func() error {
			return s.subscriber.Run(gctx, s.onCommit)
		})
	}
	go s.updateSystemMetrics(gctx)

	err := g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		err = nil
	}
	if err != nil {
		s.logger.Error("shard stopped", logging.Error(err))
		return err
	}
	s.logger.Info("shard stopped")
	return nil
}

// onCommit wakes the tracker for the stream that changed. Content follows
// metadata commits.
func (s *Service) onCommit(ev notify.Event) {
	switch ev.Kind {
	case model.KindNode:
		s.metadata.Nudge()
		if s.content != nil {
			s.content.Nudge()
		}
	case model.KindAcl:
		s.acl.Nudge()
	}
}

func (s *Service) updateSystemMetrics(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.metrics.UpdateSystemMetrics()
		}
	}
}

// Close releases the index, the store and the subscriber. Trackers must
// have returned from Run.
func (s *Service) Close() error {
	var errs []error
	if s.subscriber != nil {
		errs = append(errs, s.subscriber.Close())
	}
	if s.engine != nil {
		errs = append(errs, s.engine.Close())
	}
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	return errors.Join(errs...)
}
