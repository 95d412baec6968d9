package api

import (
	"github.com/dd0wney/cluso-shardsync/pkg/consistency"
	"github.com/dd0wney/cluso-shardsync/pkg/index"
	"github.com/dd0wney/cluso-shardsync/pkg/routing"
	"github.com/dd0wney/cluso-shardsync/pkg/tracker"
)

// SearchResponse is a shard's answer. The consistency fields are inlined and
// left out entirely on coordinator subrequests.
type SearchResponse struct {
	Hits []index.Hit `json:"hits"`
	*consistency.Report
}

// ShardHit is a hit tagged with the shard that returned it.
type ShardHit struct {
	index.Hit
	Shard int `json:"shard"`
}

// ShardResult summarizes one shard's part of a coordinated search.
type ShardResult struct {
	Shard       int                `json:"shard"`
	URL         string             `json:"url"`
	Hits        int                `json:"hits"`
	Consistency consistency.Report `json:"consistency"`
}

// CoordinatedSearchResponse carries merged hits, the consistency of the least
// caught up shard inlined, and the per-shard breakdown.
type CoordinatedSearchResponse struct {
	Hits []ShardHit `json:"hits"`
	*consistency.Report
	Shards []ShardResult `json:"shards"`
}

type StatusResponse struct {
	Shard    routing.Topology `json:"shard"`
	RunID    string           `json:"runId,omitempty"`
	Trackers []tracker.Status `json:"trackers"`
}

type ReindexRequest struct {
	Stream string  `json:"stream"`
	IDs    []int64 `json:"ids"`
}

type ReindexResponse struct {
	Stream string `json:"stream"`
	Queued int    `json:"queued"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}
