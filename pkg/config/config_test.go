package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-shardsync/pkg/checkpoint"
	"github.com/dd0wney/cluso-shardsync/pkg/routing"
)

const sample = `
shard:
  shard_count: 4
  shard_instance: 2
routing:
  policy: DB_ID_RANGE
  range_size: 1000
trackers:
  batch_size: 50
  poll_interval: 500ms
  rollback:
    suspect_cycles: 5
    auto_resync: true
repository:
  base_url: http://repo:8090
  rate_limit: 20
checkpoint:
  backend: badger
  path: /var/lib/shardsync/checkpoints
http:
  addr: ":9090"
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, routing.Topology{ShardCount: 4, ShardInstance: 2}, cfg.Shard)
	assert.Equal(t, int64(1000), cfg.Routing.RangeSize)
	assert.Equal(t, 50, cfg.Trackers.BatchSize)
	assert.Equal(t, 500*time.Millisecond, cfg.Trackers.PollInterval)
	assert.Equal(t, 5, cfg.Trackers.Rollback.SuspectCycles)
	assert.True(t, cfg.Trackers.Rollback.AutoResync)
	assert.Equal(t, checkpoint.BackendBadger, cfg.Checkpoint.Backend)

	// defaults survive a partial file
	assert.Equal(t, 30*time.Second, cfg.Trackers.MaxBackoff)
	assert.Equal(t, 15*time.Minute, cfg.Auth.TokenTTL)
	assert.True(t, cfg.Trackers.Content)
}

func TestParse_UnknownField(t *testing.T) {
	_, err := Parse([]byte("shard:\n  shards: 3\n"))
	assert.Error(t, err)
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

// TestValidate tests that each rule is reported against its field
func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"instance outside topology", func(c *Config) { c.Shard.ShardInstance = 1 }, "shard"},
		{"zero shards", func(c *Config) { c.Shard.ShardCount = 0 }, "shard_count"},
		{"unknown policy", func(c *Config) { c.Routing.Policy = "ROUND_ROBIN" }, "routing"},
		{"range without size", func(c *Config) { c.Routing.Policy = routing.PolicyRange }, "routing"},
		{"bad url", func(c *Config) { c.Repository.BaseURL = "repo" }, "base_url"},
		{"backoff order", func(c *Config) { c.Trackers.InitialBackoff = time.Hour }, "initial_backoff"},
		{"badger without path", func(c *Config) { c.Checkpoint.Backend = checkpoint.BackendBadger }, "checkpoint.path"},
		{"postgres without dsn", func(c *Config) { c.Checkpoint.Backend = checkpoint.BackendPostgres }, "checkpoint.dsn"},
		{"unknown backend", func(c *Config) { c.Checkpoint.Backend = "etcd" }, "backend"},
		{"short secret", func(c *Config) { c.Auth.Secret = "hunter2" }, "auth.secret"},
		{"coordinator shard count", func(c *Config) { c.Coordinator.Shards = []string{"http://a", "http://b"} }, "coordinator.shards"},
		{"log level", func(c *Config) { c.Logging.Level = "verbose" }, "level"},
		{"tls without certificate", func(c *Config) { c.HTTP.TLS.Enabled = true }, "http.tls"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %s", err, tt.want)
			}
		})
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"SHARDSYNC_SHARD_COUNT":    "3",
		"SHARDSYNC_SHARD_INSTANCE": "1",
		"SHARDSYNC_REPOSITORY_URL": "http://other:1",
		"SHARDSYNC_POLL_INTERVAL":  "250ms",
		"SHARDSYNC_LOG_LEVEL":      "",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	require.NoError(t, cfg.ApplyEnv(lookup))
	assert.Equal(t, 3, cfg.Shard.ShardCount)
	assert.Equal(t, 1, cfg.Shard.ShardInstance)
	assert.Equal(t, "http://other:1", cfg.Repository.BaseURL)
	assert.Equal(t, 250*time.Millisecond, cfg.Trackers.PollInterval)
	assert.Equal(t, "info", cfg.Logging.Level, "empty variables are ignored")

	env["SHARDSYNC_SHARD_COUNT"] = "many"
	err := Default().ApplyEnv(lookup)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SHARDSYNC_SHARD_COUNT")
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shard.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))
	t.Setenv("SHARDSYNC_HTTP_ADDR", "127.0.0.1:9999")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9999", cfg.HTTP.Addr)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestTrackerConfig(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	tc := cfg.TrackerConfig(routing.NewModuloRouter())
	assert.Equal(t, cfg.Shard, tc.Topology)
	assert.Equal(t, 50, tc.BatchSize)
	assert.Equal(t, 5, tc.Rollback.SuspectCycles)
	assert.NotNil(t, tc.Router)

	cc := cfg.ClientConfig(nil)
	assert.Equal(t, "http://repo:8090", cc.BaseURL)
	assert.Equal(t, 20.0, cc.RateLimit)
}
