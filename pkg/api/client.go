package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/dd0wney/cluso-shardsync/pkg/api/middleware"
	"github.com/dd0wney/cluso-shardsync/pkg/audit"
	"github.com/dd0wney/cluso-shardsync/pkg/auth"
	"github.com/dd0wney/cluso-shardsync/pkg/consistency"
	"github.com/dd0wney/cluso-shardsync/pkg/index"
)

// StatusError is a non-2xx answer from a shard.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Code, e.Message)
}

// ShardClient talks to one shard's HTTP API. The coordinator, the admin CLI
// and the dashboard all use it.
type ShardClient struct {
	baseURL string
	client  *http.Client
	signer  auth.Signer
}

// NewShardClient returns an error unless baseURL is absolute. signer and
// httpClient may be nil.
func NewShardClient(baseURL string, signer auth.Signer, httpClient *http.Client) (*ShardClient, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("shard url %q is not absolute", baseURL)
	}
	if signer == nil {
		signer = auth.NoAuth{}
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &ShardClient{baseURL: strings.TrimRight(baseURL, "/"), client: httpClient, signer: signer}, nil
}

// BaseURL is the shard root without a trailing slash.
func (c *ShardClient) BaseURL() string { return c.baseURL }

// Search runs q. A subrequest asks the shard to leave consistency out.
func (c *ShardClient) Search(ctx context.Context, q index.Query, subrequest bool) (SearchResponse, error) {
	v := url.Values{}
	v.Set("q", q.Text)
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	for _, a := range q.Authorities {
		v.Add("authority", a)
	}
	if subrequest {
		v.Set("isShard", "true")
	}
	var out SearchResponse
	err := c.do(ctx, http.MethodGet, "/search", v, nil, &out)
	return out, err
}

func (c *ShardClient) Consistency(ctx context.Context) (consistency.Report, error) {
	var out consistency.Report
	err := c.do(ctx, http.MethodGet, "/consistency", nil, nil, &out)
	return out, err
}

func (c *ShardClient) Status(ctx context.Context) (StatusResponse, error) {
	var out StatusResponse
	err := c.do(ctx, http.MethodGet, "/status", nil, nil, &out)
	return out, err
}

// Reindex queues ids on the named stream.
func (c *ShardClient) Reindex(ctx context.Context, stream string, ids ...int64) (ReindexResponse, error) {
	var out ReindexResponse
	err := c.do(ctx, http.MethodPost, "/admin/reindex", nil, ReindexRequest{Stream: stream, IDs: ids}, &out)
	return out, err
}

func (c *ShardClient) AuditNode(ctx context.Context, id int64) (audit.NodeReport, error) {
	var out audit.NodeReport
	err := c.do(ctx, http.MethodGet, "/audit/node/"+strconv.FormatInt(id, 10), nil, nil, &out)
	return out, err
}

func (c *ShardClient) AuditAcl(ctx context.Context, id int64) (audit.AclReport, error) {
	var out audit.AclReport
	err := c.do(ctx, http.MethodGet, "/audit/acl/"+strconv.FormatInt(id, 10), nil, nil, &out)
	return out, err
}

func (c *ShardClient) RecentAudits(ctx context.Context) ([]audit.Report, error) {
	var out []audit.Report
	err := c.do(ctx, http.MethodGet, "/audit/recent", nil, nil, &out)
	return out, err
}

func (c *ShardClient) do(ctx context.Context, method, path string, params url.Values, in, out any) error {
	target := c.baseURL + path
	if len(params) > 0 {
		target += "?" + params.Encode()
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if id := middleware.RequestIDFromContext(ctx); id != "" {
		req.Header.Set(middleware.RequestIDHeader, id)
	}
	if err := c.signer.Authorize(req); err != nil {
		return fmt.Errorf("authorize: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode, Message: errorMessage(resp.Body)}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func errorMessage(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 512))
	var e ErrorResponse
	if json.Unmarshal(data, &e) == nil && e.Message != "" {
		return e.Message
	}
	return strings.TrimSpace(string(data))
}
