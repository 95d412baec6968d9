package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-shardsync/pkg/index"
	"github.com/dd0wney/cluso-shardsync/pkg/routing"
)

func startShards(t *testing.T, count int) []string {
	t.Helper()
	repo := seed(t)
	urls := make([]string, count)
	for i := range count {
		f := newFixture(t, repo, routing.Topology{ShardCount: count, ShardInstance: i}, nil)
		srv := httptest.NewServer(f.server)
		t.Cleanup(srv.Close)
		urls[i] = srv.URL
	}
	return urls
}

func TestCoordinator_MergesShards(t *testing.T) {
	c, err := NewCoordinator(CoordinatorConfig{Shards: startShards(t, 2)})
	require.NoError(t, err)

	resp, err := c.Search(context.Background(), index.Query{Text: "report", Limit: 10})
	require.NoError(t, err)

	assert.Len(t, resp.Hits, 4)
	require.Len(t, resp.Shards, 2)
	assert.Equal(t, 4, resp.Shards[0].Hits+resp.Shards[1].Hits)
	for _, s := range resp.Shards {
		assert.Equal(t, int64(4), s.Consistency.LastIndexedTx, "every shard advances over every tx")
	}
	require.NotNil(t, resp.Report)
	assert.Equal(t, int64(4), resp.LastIndexedTx)

	for i := 1; i < len(resp.Hits); i++ {
		assert.GreaterOrEqual(t, resp.Hits[i-1].Score, resp.Hits[i].Score)
	}
}

func TestCoordinator_Limit(t *testing.T) {
	c, err := NewCoordinator(CoordinatorConfig{Shards: startShards(t, 2)})
	require.NoError(t, err)

	resp, err := c.Search(context.Background(), index.Query{Text: "report", Limit: 3})
	require.NoError(t, err)
	assert.Len(t, resp.Hits, 3)
}

func TestCoordinator_ShardDown(t *testing.T) {
	urls := startShards(t, 1)
	dead := httptest.NewServer(http.NotFoundHandler())
	dead.Close()

	c, err := NewCoordinator(CoordinatorConfig{Shards: []string{urls[0], dead.URL}})
	require.NoError(t, err)

	_, err = c.Search(context.Background(), index.Query{Text: "report", Limit: 10})
	var se *ShardError
	require.True(t, errors.As(err, &se), "got %v", err)
	assert.Equal(t, 1, se.Shard)

	rr := httptest.NewRecorder()
	c.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/search?q=report", nil))
	assert.Equal(t, http.StatusBadGateway, rr.Code)
}

func TestCoordinator_Handler(t *testing.T) {
	c, err := NewCoordinator(CoordinatorConfig{Shards: startShards(t, 2)})
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	c.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/search?q=report", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &raw))
	assert.Contains(t, raw, "lastIndexedTx")
	assert.Contains(t, raw, "shards")
}

func TestNewCoordinator_Validates(t *testing.T) {
	_, err := NewCoordinator(CoordinatorConfig{})
	assert.ErrorIs(t, err, ErrNoShards)

	_, err = NewCoordinator(CoordinatorConfig{Shards: []string{"shard-0:8080"}})
	assert.Error(t, err)
}

func TestMergeHits(t *testing.T) {
	hits := []ShardHit{
		{Hit: index.Hit{NodeID: 3, Score: 1}, Shard: 1},
		{Hit: index.Hit{NodeID: 1, Score: 2}, Shard: 0},
		{Hit: index.Hit{NodeID: 2, Score: 1}, Shard: 0},
	}
	got := mergeHits(hits, 2)
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0].NodeID)
	assert.Equal(t, int64(2), got[1].NodeID)
}
