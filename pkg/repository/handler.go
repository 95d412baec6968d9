package repository

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/dd0wney/cluso-shardsync/pkg/auth"
	"github.com/dd0wney/cluso-shardsync/pkg/logging"
	"github.com/dd0wney/cluso-shardsync/pkg/model"
	"github.com/dd0wney/cluso-shardsync/pkg/validation"
)

const maxBodyBytes = 4 << 20

// Handler serves a Memory repository over HTTP.
type Handler struct {
	repo   *Memory
	logger logging.Logger
	mux    *http.ServeMux
}

// NewHandler wires the feed endpoints. A nil validator serves without
// authentication; otherwise reads need any known role and writes need admin.
func NewHandler(repo *Memory, logger logging.Logger, validator auth.TokenValidator) *Handler {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	h := &Handler{repo: repo, logger: logger.With(logging.Component("repository")), mux: http.NewServeMux()}

	var read, write func(http.Handler) http.Handler
	if validator == nil {
		read = auth.Middleware(nil)
		write = read
	} else {
		read = auth.Middleware(validator)
		write = auth.Middleware(validator, auth.RoleAdmin)
	}

	h.mux.Handle("GET /api/transactions", read(http.HandlerFunc(h.handleTransactions)))
	h.mux.Handle("GET /api/aclchangesets", read(http.HandlerFunc(h.handleChangeSets)))
	h.mux.Handle("GET /api/max/tx", read(http.HandlerFunc(h.handleMaxTx)))
	h.mux.Handle("GET /api/max/aclchangeset", read(http.HandlerFunc(h.handleMaxChangeSet)))
	h.mux.Handle("GET /api/nodes/{id}", read(http.HandlerFunc(h.handleLookupNode)))
	h.mux.Handle("GET /api/acls/{id}", read(http.HandlerFunc(h.handleLookupAcl)))
	h.mux.Handle("GET /api/content/{id}", read(http.HandlerFunc(h.handleContent)))

	h.mux.Handle("POST /api/nodes", write(http.HandlerFunc(h.handleCommitNodes)))
	h.mux.Handle("DELETE /api/nodes/{id}", write(http.HandlerFunc(h.handleDeleteNode)))
	h.mux.Handle("POST /api/nodes/{id}/content", write(http.HandlerFunc(h.handleSetContent)))
	h.mux.Handle("POST /api/acls", write(http.HandlerFunc(h.handleCommitAcls)))
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

type maxResponse struct {
	Max int64 `json:"max"`
}

type commitResponse struct {
	ID int64 `json:"id"`
}

type contentRequest struct {
	Text string `json:"text"`
}

func (h *Handler) sinceAndLimit(w http.ResponseWriter, r *http.Request) (int64, int, bool) {
	q := r.URL.Query()
	var since int64
	if raw := q.Get("since"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			h.respondError(w, http.StatusBadRequest, "since must be a non-negative integer")
			return 0, 0, false
		}
		since = v
	}
	limit, err := validation.ParseLimit(q.Get("limit"))
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return 0, 0, false
	}
	return since, limit, true
}

func (h *Handler) handleTransactions(w http.ResponseWriter, r *http.Request) {
	since, limit, ok := h.sinceAndLimit(w, r)
	if !ok {
		return
	}
	txs, err := h.repo.FetchTransactionsSince(r.Context(), since, limit)
	if err != nil {
		h.fail(w, err, "fetch transactions")
		return
	}
	h.respondJSON(w, http.StatusOK, txs)
}

func (h *Handler) handleChangeSets(w http.ResponseWriter, r *http.Request) {
	since, limit, ok := h.sinceAndLimit(w, r)
	if !ok {
		return
	}
	sets, err := h.repo.FetchAclChangeSetsSince(r.Context(), since, limit)
	if err != nil {
		h.fail(w, err, "fetch change sets")
		return
	}
	h.respondJSON(w, http.StatusOK, sets)
}

func (h *Handler) handleMaxTx(w http.ResponseWriter, r *http.Request) {
	v, err := h.repo.CurrentMaxTxID(r.Context())
	if err != nil {
		h.fail(w, err, "max tx")
		return
	}
	h.respondJSON(w, http.StatusOK, maxResponse{Max: v})
}

func (h *Handler) handleMaxChangeSet(w http.ResponseWriter, r *http.Request) {
	v, err := h.repo.CurrentMaxAclChangeSetID(r.Context())
	if err != nil {
		h.fail(w, err, "max change set")
		return
	}
	h.respondJSON(w, http.StatusOK, maxResponse{Max: v})
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := validation.ParseEntityID(r.PathValue("id"))
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return 0, false
	}
	return id, true
}

func (h *Handler) handleLookupNode(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	info, err := h.repo.LookupNode(r.Context(), id)
	if err != nil {
		h.fail(w, err, "lookup node")
		return
	}
	h.respondJSON(w, http.StatusOK, info)
}

func (h *Handler) handleLookupAcl(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	info, err := h.repo.LookupAcl(r.Context(), id)
	if err != nil {
		h.fail(w, err, "lookup acl")
		return
	}
	h.respondJSON(w, http.StatusOK, info)
}

func (h *Handler) handleContent(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	c, err := h.repo.FetchContent(r.Context(), id)
	if err != nil {
		h.fail(w, err, "fetch content")
		return
	}
	h.respondJSON(w, http.StatusOK, c)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (h *Handler) handleCommitNodes(w http.ResponseWriter, r *http.Request) {
	var nodes []model.Node
	if !h.decode(w, r, &nodes) {
		return
	}
	txID, err := h.repo.CommitNodes(r.Context(), nodes...)
	if err != nil {
		h.fail(w, err, "commit nodes")
		return
	}
	h.logger.Info("transaction committed", logging.TxID(txID), logging.Count(len(nodes)))
	h.respondJSON(w, http.StatusCreated, commitResponse{ID: txID})
}

func (h *Handler) handleDeleteNode(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	txID, err := h.repo.DeleteNodes(r.Context(), id)
	if err != nil {
		h.fail(w, err, "delete node")
		return
	}
	h.respondJSON(w, http.StatusOK, commitResponse{ID: txID})
}

func (h *Handler) handleSetContent(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req contentRequest
	if !h.decode(w, r, &req) {
		return
	}
	txID, err := h.repo.SetContent(r.Context(), id, req.Text)
	if err != nil {
		h.fail(w, err, "set content")
		return
	}
	h.respondJSON(w, http.StatusCreated, commitResponse{ID: txID})
}

func (h *Handler) handleCommitAcls(w http.ResponseWriter, r *http.Request) {
	var acls []model.Acl
	if !h.decode(w, r, &acls) {
		return
	}
	csID, err := h.repo.CommitAcls(r.Context(), acls...)
	if err != nil {
		h.fail(w, err, "commit acls")
		return
	}
	h.logger.Info("change set committed", logging.Int64("change_set", csID), logging.Count(len(acls)))
	h.respondJSON(w, http.StatusCreated, commitResponse{ID: csID})
}

func (h *Handler) fail(w http.ResponseWriter, err error, operation string) {
	switch {
	case errors.Is(err, ErrNotFound):
		h.respondError(w, http.StatusNotFound, "not found")
	case errors.Is(err, ErrRejected):
		h.respondError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error(operation+" failed", logging.Error(err))
		h.respondError(w, http.StatusInternalServerError, operation+" failed")
	}
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Warn("encoding response", logging.Error(err))
	}
}

func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, errorResponse{Error: http.StatusText(status), Message: message, Code: status})
}
