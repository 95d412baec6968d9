package api

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dd0wney/cluso-shardsync/pkg/api/middleware"
	"github.com/dd0wney/cluso-shardsync/pkg/auth"
	"github.com/dd0wney/cluso-shardsync/pkg/consistency"
	"github.com/dd0wney/cluso-shardsync/pkg/health"
	"github.com/dd0wney/cluso-shardsync/pkg/index"
	"github.com/dd0wney/cluso-shardsync/pkg/logging"
	"github.com/dd0wney/cluso-shardsync/pkg/metrics"
)

var ErrNoShards = errors.New("coordinator: no shards configured")

// ShardError is a failed subrequest. It fails the whole search: a result
// silently missing a shard would look complete.
type ShardError struct {
	Shard int
	URL   string
	Err   error
}

func (e *ShardError) Error() string {
	return fmt.Sprintf("shard %d (%s): %v", e.Shard, e.URL, e.Err)
}

func (e *ShardError) Unwrap() error { return e.Err }

type CoordinatorConfig struct {
	// Shards are shard base URLs; the index in the slice is the instance.
	Shards []string
	// Timeout bounds one whole fan-out.
	Timeout    time.Duration
	Signer     auth.Signer
	HTTPClient *http.Client
	Logger     logging.Logger
	Metrics    *metrics.Registry
	Validator  auth.TokenValidator
	Health     *health.HealthChecker
}

// Coordinator fans searches out to every shard and merges the answers.
type Coordinator struct {
	shards  []*ShardClient
	timeout time.Duration
	logger  logging.Logger
	handler http.Handler
}

func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if len(cfg.Shards) == 0 {
		return nil, ErrNoShards
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNopLogger()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	shards := make([]*ShardClient, len(cfg.Shards))
	for i, raw := range cfg.Shards {
		sc, err := NewShardClient(raw, cfg.Signer, cfg.HTTPClient)
		if err != nil {
			return nil, fmt.Errorf("coordinator: shard %d: %w", i, err)
		}
		shards[i] = sc
	}

	c := &Coordinator{
		shards:  shards,
		timeout: cfg.Timeout,
		logger:  cfg.Logger.With(logging.Component("coordinator")),
	}
	c.handler = c.routes(cfg)
	return c, nil
}

func (c *Coordinator) routes(cfg CoordinatorConfig) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /search", auth.Middleware(cfg.Validator)(http.HandlerFunc(c.handleSearch)))
	if cfg.Health != nil {
		mux.HandleFunc("GET /health", cfg.Health.HTTPHandler())
		mux.HandleFunc("GET /health/live", cfg.Health.LivenessHandler())
		mux.HandleFunc("GET /health/ready", cfg.Health.ReadinessHandler())
	}
	var recorder middleware.MetricsRecorder
	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics.Handler())
		recorder = cfg.Metrics
	}
	return middleware.Chain(mux,
		middleware.PanicRecovery(c.logger),
		middleware.RequestID(),
		middleware.Logging(c.logger),
		middleware.Metrics(recorder),
	)
}

func (c *Coordinator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c.handler.ServeHTTP(w, r)
}

// Search queries every shard as a subrequest, so shards leave consistency
// out, then fetches each shard's consistency once and aggregates it.
func (c *Coordinator) Search(ctx context.Context, q index.Query) (CoordinatedSearchResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	type shardAnswer struct {
		hits []index.Hit
		rep  consistency.Report
	}
	answers := make([]shardAnswer, len(c.shards))

	g, gctx := errgroup.WithContext(ctx)
	for i, sc := range c.shards {
		g.Go(func() error {
			sr, err := sc.Search(gctx, q, true)
			if err != nil {
				return &ShardError{Shard: i, URL: sc.BaseURL(), Err: err}
			}
			if sr.Report != nil {
				c.logger.Warn("shard returned consistency on a subrequest", logging.Int("shard", i))
			}
			rep, err := sc.Consistency(gctx)
			if err != nil {
				return &ShardError{Shard: i, URL: sc.BaseURL(), Err: err}
			}
			answers[i] = shardAnswer{hits: sr.Hits, rep: rep}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return CoordinatedSearchResponse{}, err
	}

	resp := CoordinatedSearchResponse{
		Hits:   []ShardHit{},
		Shards: make([]ShardResult, len(c.shards)),
	}
	reports := make([]consistency.Report, len(c.shards))
	for i, a := range answers {
		for _, h := range a.hits {
			resp.Hits = append(resp.Hits, ShardHit{Hit: h, Shard: i})
		}
		resp.Shards[i] = ShardResult{Shard: i, URL: c.shards[i].BaseURL(), Hits: len(a.hits), Consistency: a.rep}
		reports[i] = a.rep
	}
	resp.Hits = mergeHits(resp.Hits, q.Limit)
	if agg, ok := consistency.Aggregate(reports); ok {
		resp.Report = &agg
	}
	return resp, nil
}

// mergeHits orders by score, then node id, and keeps the first limit.
func mergeHits(hits []ShardHit, limit int) []ShardHit {
	slices.SortStableFunc(hits, func(a, b ShardHit) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(a.NodeID, b.NodeID)
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}

func (c *Coordinator) handleSearch(w http.ResponseWriter, r *http.Request) {
	q, _, err := parseSearch(r)
	if err != nil {
		respondError(c.logger, w, http.StatusBadRequest, err.Error())
		return
	}
	resp, err := c.Search(r.Context(), q)
	if err != nil {
		var se *ShardError
		if errors.As(err, &se) {
			c.logger.Warn("shard subrequest failed", logging.Int("shard", se.Shard), logging.Error(se.Err))
			respondError(c.logger, w, http.StatusBadGateway, fmt.Sprintf("shard %d unavailable", se.Shard))
			return
		}
		respondError(c.logger, w, http.StatusGatewayTimeout, sanitizeError(c.logger, err, "search"))
		return
	}
	respondJSON(c.logger, w, http.StatusOK, resp)
}
