package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/dd0wney/cluso-shardsync/pkg/api/middleware"
	"github.com/dd0wney/cluso-shardsync/pkg/audit"
	"github.com/dd0wney/cluso-shardsync/pkg/auth"
	"github.com/dd0wney/cluso-shardsync/pkg/consistency"
	"github.com/dd0wney/cluso-shardsync/pkg/health"
	"github.com/dd0wney/cluso-shardsync/pkg/index"
	"github.com/dd0wney/cluso-shardsync/pkg/logging"
	"github.com/dd0wney/cluso-shardsync/pkg/metrics"
	"github.com/dd0wney/cluso-shardsync/pkg/repository"
	"github.com/dd0wney/cluso-shardsync/pkg/routing"
	"github.com/dd0wney/cluso-shardsync/pkg/tracker"
	"github.com/dd0wney/cluso-shardsync/pkg/validation"
)

const maxAdminBody = 1 << 20

// ShardConfig wires a ShardServer. Engine is required; every other
// collaborator is optional and its routes are left out when nil.
type ShardConfig struct {
	Topology routing.Topology
	RunID    string
	Engine   index.Engine
	Trackers []*tracker.Tracker
	// Consistency is the tracker whose lag is reported with search results,
	// normally the metadata tracker.
	Consistency consistency.SnapshotSource
	Reconciler  *audit.Reconciler
	Health      *health.HealthChecker
	Metrics     *metrics.Registry
	Logger      logging.Logger
	Validator   auth.TokenValidator
}

// ShardServer is the HTTP surface of one shard.
type ShardServer struct {
	cfg      ShardConfig
	reporter consistency.Reporter
	logger   logging.Logger
	handler  http.Handler
}

func NewShardServer(cfg ShardConfig) (*ShardServer, error) {
	if cfg.Engine == nil {
		return nil, errors.New("api: shard server needs an index engine")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNopLogger()
	}
	s := &ShardServer{cfg: cfg, logger: cfg.Logger.With(logging.Component("api"))}
	s.handler = s.routes()
	return s, nil
}

func (s *ShardServer) routes() http.Handler {
	mux := http.NewServeMux()
	read := auth.Middleware(s.cfg.Validator)
	admin := auth.Middleware(s.cfg.Validator, auth.RoleAdmin)

	var recorder middleware.MetricsRecorder
	var rejections middleware.RejectionRecorder
	if s.cfg.Metrics != nil {
		mux.Handle("GET /metrics", s.cfg.Metrics.Handler())
		recorder = s.cfg.Metrics
		rejections = s.cfg.Metrics
	}

	mux.Handle("GET /search", read(http.HandlerFunc(s.handleSearch)))
	mux.Handle("GET /consistency", read(http.HandlerFunc(s.handleConsistency)))
	mux.Handle("GET /status", read(http.HandlerFunc(s.handleStatus)))
	mux.Handle("POST /admin/reindex", admin(middleware.BodySizeLimit(maxAdminBody, rejections)(http.HandlerFunc(s.handleReindex))))

	if s.cfg.Reconciler != nil {
		mux.Handle("GET /audit/node/{id}", read(http.HandlerFunc(s.handleAuditNode)))
		mux.Handle("GET /audit/acl/{id}", read(http.HandlerFunc(s.handleAuditAcl)))
		mux.Handle("GET /audit/recent", read(http.HandlerFunc(s.handleAuditRecent)))
	}
	if s.cfg.Health != nil {
		mux.HandleFunc("GET /health", s.cfg.Health.HTTPHandler())
		mux.HandleFunc("GET /health/live", s.cfg.Health.LivenessHandler())
		mux.HandleFunc("GET /health/ready", s.cfg.Health.ReadinessHandler())
	}

	return middleware.Chain(mux,
		middleware.PanicRecovery(s.logger),
		middleware.RequestID(),
		middleware.Logging(s.logger),
		middleware.Metrics(recorder),
	)
}

func (s *ShardServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// parseSearch reads q, limit, authority (repeatable) and isShard.
func parseSearch(r *http.Request) (index.Query, bool, error) {
	params := r.URL.Query()
	q := index.Query{Text: params.Get("q"), Authorities: params["authority"]}
	if q.Text == "" {
		return q, false, errors.New("q is required")
	}
	limit, err := validation.ParseLimit(params.Get("limit"))
	if err != nil {
		return q, false, err
	}
	q.Limit = limit

	isShard := false
	if raw := params.Get("isShard"); raw != "" {
		if isShard, err = strconv.ParseBool(raw); err != nil {
			return q, false, fmt.Errorf("isShard %q is not a boolean", raw)
		}
	}
	return q, isShard, nil
}

func (s *ShardServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	q, isShard, err := parseSearch(r)
	if err != nil {
		respondError(s.logger, w, http.StatusBadRequest, err.Error())
		return
	}

	hits, err := s.cfg.Engine.Search(r.Context(), q)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, index.ErrClosed) || errors.Is(err, index.ErrUnavailable) {
			status = http.StatusServiceUnavailable
		}
		respondError(s.logger, w, status, sanitizeError(s.logger, err, "search"))
		return
	}
	if hits == nil {
		hits = []index.Hit{}
	}

	resp := SearchResponse{Hits: hits}
	if rep, ok := s.reporter.ReportFor(s.cfg.Consistency, isShard); ok {
		resp.Report = &rep
	}
	respondJSON(s.logger, w, http.StatusOK, resp)
}

func (s *ShardServer) handleConsistency(w http.ResponseWriter, r *http.Request) {
	rep, ok := s.reporter.ReportFor(s.cfg.Consistency, false)
	if !ok {
		respondError(s.logger, w, http.StatusServiceUnavailable, "no tracker reports consistency")
		return
	}
	respondJSON(s.logger, w, http.StatusOK, rep)
}

func (s *ShardServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Shard:    s.cfg.Topology,
		RunID:    s.cfg.RunID,
		Trackers: make([]tracker.Status, 0, len(s.cfg.Trackers)),
	}
	for _, t := range s.cfg.Trackers {
		resp.Trackers = append(resp.Trackers, t.Status())
	}
	respondJSON(s.logger, w, http.StatusOK, resp)
}

func (s *ShardServer) tracker(stream string) *tracker.Tracker {
	for _, t := range s.cfg.Trackers {
		if t.Name() == stream {
			return t
		}
	}
	return nil
}

func (s *ShardServer) handleReindex(w http.ResponseWriter, r *http.Request) {
	var req ReindexRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if middleware.IsBodyTooLarge(err) {
			respondError(s.logger, w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		respondError(s.logger, w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validation.ValidateReindexIDs(req.IDs); err != nil {
		respondError(s.logger, w, http.StatusBadRequest, err.Error())
		return
	}
	t := s.tracker(req.Stream)
	if t == nil {
		respondError(s.logger, w, http.StatusNotFound, fmt.Sprintf("no tracker for stream %q", req.Stream))
		return
	}

	t.Reindex(req.IDs...)
	s.logger.Info("reindex queued", logging.Stream(req.Stream), logging.Count(len(req.IDs)))
	respondJSON(s.logger, w, http.StatusAccepted, ReindexResponse{Stream: req.Stream, Queued: len(req.IDs)})
}

func (s *ShardServer) auditID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := validation.ParseEntityID(r.PathValue("id"))
	if err != nil {
		respondError(s.logger, w, http.StatusBadRequest, err.Error())
		return 0, false
	}
	return id, true
}

func (s *ShardServer) auditFailed(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, repository.ErrUnavailable) {
		status = http.StatusServiceUnavailable
	}
	respondError(s.logger, w, status, sanitizeError(s.logger, err, "reconciliation"))
}

func (s *ShardServer) handleAuditNode(w http.ResponseWriter, r *http.Request) {
	id, ok := s.auditID(w, r)
	if !ok {
		return
	}
	rep, err := s.cfg.Reconciler.ReconcileNode(r.Context(), id)
	if err != nil {
		s.auditFailed(w, err)
		return
	}
	respondJSON(s.logger, w, http.StatusOK, rep)
}

func (s *ShardServer) handleAuditAcl(w http.ResponseWriter, r *http.Request) {
	id, ok := s.auditID(w, r)
	if !ok {
		return
	}
	rep, err := s.cfg.Reconciler.ReconcileAcl(r.Context(), id)
	if err != nil {
		s.auditFailed(w, err)
		return
	}
	respondJSON(s.logger, w, http.StatusOK, rep)
}

func (s *ShardServer) handleAuditRecent(w http.ResponseWriter, r *http.Request) {
	respondJSON(s.logger, w, http.StatusOK, s.cfg.Reconciler.Recent())
}
