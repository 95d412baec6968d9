package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-shardsync/pkg/audit"
	"github.com/dd0wney/cluso-shardsync/pkg/auth"
	"github.com/dd0wney/cluso-shardsync/pkg/index"
	"github.com/dd0wney/cluso-shardsync/pkg/routing"
)

// TestShardClient tests the client against a live shard handler.
func TestShardClient(t *testing.T) {
	f := newFixture(t, seed(t), routing.Topology{ShardCount: 1}, nil)
	ts := httptest.NewServer(f.server)
	t.Cleanup(ts.Close)

	c, err := NewShardClient(ts.URL+"/", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, ts.URL, c.BaseURL())
	ctx := context.Background()

	sr, err := c.Search(ctx, index.Query{Text: "quarterly", Limit: 2}, false)
	require.NoError(t, err)
	assert.Len(t, sr.Hits, 2)
	require.NotNil(t, sr.Report)
	assert.Equal(t, int64(4), sr.LastIndexedTx)

	sr, err = c.Search(ctx, index.Query{Text: "quarterly"}, true)
	require.NoError(t, err)
	assert.Nil(t, sr.Report)

	rep, err := c.Consistency(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), rep.LastIndexedTx)

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "run-1", st.RunID)
	assert.Len(t, st.Trackers, 2)

	rr, err := c.Reindex(ctx, "acl", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, rr.Queued)

	node, err := c.AuditNode(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, audit.OutcomeInSync, node.Outcome)
	acl, err := c.AuditAcl(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 4, acl.IndexedDocCount)
	recent, err := c.RecentAudits(ctx)
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	_, err = c.Reindex(ctx, "edges", 1)
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusNotFound, se.Code)
}

func TestShardClient_SignsRequests(t *testing.T) {
	m, err := auth.NewManager(testSecret, time.Minute, "")
	require.NoError(t, err)
	f := newFixture(t, seed(t), routing.Topology{ShardCount: 1}, m)
	ts := httptest.NewServer(f.server)
	t.Cleanup(ts.Close)

	anon, err := NewShardClient(ts.URL, nil, nil)
	require.NoError(t, err)
	_, err = anon.Status(context.Background())
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusUnauthorized, se.Code)

	signed, err := NewShardClient(ts.URL, auth.NewTokenSigner(m, "cli", auth.RoleAdmin), nil)
	require.NoError(t, err)
	_, err = signed.Status(context.Background())
	assert.NoError(t, err)
}

func TestNewShardClient_RejectsRelative(t *testing.T) {
	_, err := NewShardClient("localhost:8080", nil, nil)
	assert.Error(t, err)
}
