package repository

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-shardsync/pkg/auth"
	"github.com/dd0wney/cluso-shardsync/pkg/model"
)

const testSecret = "repository-test-secret-0123456789abcdef"

func newServedRepo(t *testing.T, validator auth.TokenValidator) (*Memory, *httptest.Server) {
	t.Helper()
	repo := NewMemory()
	srv := httptest.NewServer(NewHandler(repo, nil, validator))
	t.Cleanup(srv.Close)
	return repo, srv
}

func TestClient_RoundTrip(t *testing.T) {
	ctx := context.Background()
	_, srv := newServedRepo(t, nil)
	c, err := NewClient(ClientConfig{BaseURL: srv.URL})
	require.NoError(t, err)

	tx, err := c.CommitNodes(ctx, model.Node{ID: 1, AclID: 3, Properties: map[string]string{"name": "a"}})
	require.NoError(t, err)
	_, err = c.SetContent(ctx, 1, "hello world")
	require.NoError(t, err)
	cs, err := c.CommitAcls(ctx, model.Acl{ID: 3, Readers: []string{"GROUP_x"}})
	require.NoError(t, err)

	txs, err := c.FetchTransactionsSince(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, tx, txs[0].ID)
	assert.Equal(t, "a", txs[0].Nodes[0].Properties["name"])

	sets, err := c.FetchAclChangeSetsSince(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, sets, 1)

	maxTx, err := c.CurrentMaxTxID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), maxTx)
	maxCS, err := c.CurrentMaxAclChangeSetID(ctx)
	require.NoError(t, err)
	assert.Equal(t, cs, maxCS)

	info, err := c.LookupNode(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), info.TxID)

	content, err := c.FetchContent(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "hello world", content.Text)

	_, err = c.DeleteNodes(ctx, 1)
	require.NoError(t, err)
	_, err = c.LookupNode(ctx, 1)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = c.LookupAcl(ctx, 42)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClient_ErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"not found", http.StatusNotFound, ErrNotFound},
		{"throttled", http.StatusTooManyRequests, ErrUnavailable},
		{"server error", http.StatusBadGateway, ErrUnavailable},
		{"bad request", http.StatusBadRequest, ErrRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			c, err := NewClient(ClientConfig{BaseURL: srv.URL})
			require.NoError(t, err)
			_, err = c.CurrentMaxTxID(context.Background())
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestClient_UnreachableIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := NewClient(ClientConfig{BaseURL: url, Timeout: time.Second})
	require.NoError(t, err)
	_, err = c.CurrentMaxTxID(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestNewClient_RejectsRelativeURL(t *testing.T) {
	_, err := NewClient(ClientConfig{BaseURL: "repo:8080"})
	assert.Error(t, err)
}

func TestClient_SignsRequests(t *testing.T) {
	manager, err := auth.NewManager(testSecret, time.Minute, "")
	require.NoError(t, err)
	_, srv := newServedRepo(t, manager)
	ctx := context.Background()

	anonymous, _ := NewClient(ClientConfig{BaseURL: srv.URL})
	_, err = anonymous.CurrentMaxTxID(ctx)
	assert.ErrorIs(t, err, ErrRejected)

	shard, _ := NewClient(ClientConfig{BaseURL: srv.URL, Signer: auth.NewTokenSigner(manager, "shard-0", auth.RoleShard)})
	_, err = shard.CurrentMaxTxID(ctx)
	assert.NoError(t, err)
	_, err = shard.CommitNodes(ctx, model.Node{ID: 1})
	assert.ErrorIs(t, err, ErrRejected, "shards may not write")

	admin, _ := NewClient(ClientConfig{BaseURL: srv.URL, Signer: auth.NewTokenSigner(manager, "ops", auth.RoleAdmin)})
	_, err = admin.CommitNodes(ctx, model.Node{ID: 1})
	assert.NoError(t, err)
}

func TestClient_RateLimited(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`{"max":1}`))
	}))
	defer srv.Close()

	c, err := NewClient(ClientConfig{BaseURL: srv.URL, RateLimit: 1, Burst: 1})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err = c.CurrentMaxTxID(ctx)
	require.NoError(t, err)
	_, err = c.CurrentMaxTxID(ctx)
	assert.Error(t, err, "second call within the same second exceeds the limit")
	assert.Equal(t, int32(1), hits.Load())
}
