package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/dd0wney/cluso-shardsync/pkg/auth"
	"github.com/dd0wney/cluso-shardsync/pkg/model"
	"github.com/dd0wney/cluso-shardsync/pkg/validation"
)

// ClientConfig configures a Client.
type ClientConfig struct {
	BaseURL string
	Timeout time.Duration
	// RateLimit caps requests per second. Zero disables limiting.
	RateLimit float64
	Burst     int
	Signer    auth.Signer
	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
}

// Client reads and writes a remote repository over its HTTP API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	signer     auth.Signer
}

// NewClient validates cfg and builds a client.
func NewClient(cfg ClientConfig) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("repository base url %q is not absolute", cfg.BaseURL)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: validation.DefaultOrPositive(cfg.Timeout, 10*time.Second),
		}
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), validation.DefaultOrPositive(cfg.Burst, 1))
	}

	signer := cfg.Signer
	if signer == nil {
		signer = auth.NoAuth{}
	}

	return &Client{
		baseURL:    strings.TrimRight(base.String(), "/"),
		httpClient: httpClient,
		limiter:    limiter,
		signer:     signer,
	}, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if err := c.signer.Authorize(req); err != nil {
		return fmt.Errorf("authorize request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %s %s: %v", ErrUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	if err := statusError(resp, method, path); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrUnavailable, path, err)
	}
	return nil
}

func statusError(resp *http.Response, method, path string) error {
	if resp.StatusCode < 300 {
		return nil
	}
	msg := strings.TrimSpace(readSnippet(resp.Body))
	var sentinel error
	switch {
	case resp.StatusCode == http.StatusNotFound:
		sentinel = ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		sentinel = ErrUnavailable
	default:
		sentinel = ErrRejected
	}
	return fmt.Errorf("%w: %s %s: %d %s", sentinel, method, path, resp.StatusCode, msg)
}

func readSnippet(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 512))
	var e errorResponse
	if json.Unmarshal(data, &e) == nil && e.Message != "" {
		return e.Message
	}
	return string(data)
}

func pageQuery(since int64, limit int) url.Values {
	q := url.Values{}
	q.Set("since", strconv.FormatInt(since, 10))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(validation.Clamp(limit, 1, validation.MaxSearchLimit)))
	}
	return q
}

func (c *Client) FetchTransactionsSince(ctx context.Context, txID int64, limit int) ([]model.Transaction, error) {
	var txs []model.Transaction
	if err := c.do(ctx, http.MethodGet, "/api/transactions", pageQuery(txID, limit), nil, &txs); err != nil {
		return nil, err
	}
	return txs, nil
}

func (c *Client) FetchAclChangeSetsSince(ctx context.Context, changeSetID int64, limit int) ([]model.AclChangeSet, error) {
	var sets []model.AclChangeSet
	if err := c.do(ctx, http.MethodGet, "/api/aclchangesets", pageQuery(changeSetID, limit), nil, &sets); err != nil {
		return nil, err
	}
	return sets, nil
}

func (c *Client) CurrentMaxTxID(ctx context.Context) (int64, error) {
	var resp maxResponse
	err := c.do(ctx, http.MethodGet, "/api/max/tx", nil, nil, &resp)
	return resp.Max, err
}

func (c *Client) CurrentMaxAclChangeSetID(ctx context.Context) (int64, error) {
	var resp maxResponse
	err := c.do(ctx, http.MethodGet, "/api/max/aclchangeset", nil, nil, &resp)
	return resp.Max, err
}

func (c *Client) LookupNode(ctx context.Context, id int64) (model.NodeInfo, error) {
	var info model.NodeInfo
	err := c.do(ctx, http.MethodGet, "/api/nodes/"+strconv.FormatInt(id, 10), nil, nil, &info)
	return info, err
}

func (c *Client) LookupAcl(ctx context.Context, id int64) (model.AclInfo, error) {
	var info model.AclInfo
	err := c.do(ctx, http.MethodGet, "/api/acls/"+strconv.FormatInt(id, 10), nil, nil, &info)
	return info, err
}

func (c *Client) FetchContent(ctx context.Context, nodeID int64) (Content, error) {
	var content Content
	err := c.do(ctx, http.MethodGet, "/api/content/"+strconv.FormatInt(nodeID, 10), nil, nil, &content)
	return content, err
}

func (c *Client) CommitNodes(ctx context.Context, nodes ...model.Node) (int64, error) {
	var resp commitResponse
	err := c.do(ctx, http.MethodPost, "/api/nodes", nil, nodes, &resp)
	return resp.ID, err
}

// DeleteNodes deletes one node per transaction; the HTTP API has no batch delete.
func (c *Client) DeleteNodes(ctx context.Context, ids ...int64) (int64, error) {
	if len(ids) == 0 {
		return 0, errors.New("no node ids")
	}
	var last int64
	for _, id := range ids {
		var resp commitResponse
		if err := c.do(ctx, http.MethodDelete, "/api/nodes/"+strconv.FormatInt(id, 10), nil, nil, &resp); err != nil {
			return last, err
		}
		last = resp.ID
	}
	return last, nil
}

func (c *Client) SetContent(ctx context.Context, nodeID int64, text string) (int64, error) {
	var resp commitResponse
	err := c.do(ctx, http.MethodPost, "/api/nodes/"+strconv.FormatInt(nodeID, 10)+"/content", nil, contentRequest{Text: text}, &resp)
	return resp.ID, err
}

func (c *Client) CommitAcls(ctx context.Context, acls ...model.Acl) (int64, error) {
	var resp commitResponse
	err := c.do(ctx, http.MethodPost, "/api/acls", nil, acls, &resp)
	return resp.ID, err
}

var (
	_ Feed   = (*Client)(nil)
	_ Writer = (*Client)(nil)
)
