// Package config loads a shard's configuration from YAML with SHARDSYNC_*
// environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dd0wney/cluso-shardsync/pkg/auth"
	"github.com/dd0wney/cluso-shardsync/pkg/checkpoint"
	"github.com/dd0wney/cluso-shardsync/pkg/repository"
	"github.com/dd0wney/cluso-shardsync/pkg/routing"
	shardtls "github.com/dd0wney/cluso-shardsync/pkg/tls"
	"github.com/dd0wney/cluso-shardsync/pkg/tracker"
	"github.com/dd0wney/cluso-shardsync/pkg/validation"
)

const envPrefix = "SHARDSYNC_"

// Config is everything one shard process needs.
type Config struct {
	Shard       routing.Topology  `yaml:"shard"`
	Routing     routing.Config    `yaml:"routing"`
	Trackers    TrackersConfig    `yaml:"trackers"`
	Repository  RepositoryConfig  `yaml:"repository"`
	Auth        AuthConfig        `yaml:"auth"`
	Index       IndexConfig       `yaml:"index"`
	Checkpoint  checkpoint.Config `yaml:"checkpoint"`
	Notify      NotifyConfig      `yaml:"notify"`
	HTTP        HTTPConfig        `yaml:"http"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Logging     LoggingConfig     `yaml:"logging"`
}

type TrackersConfig struct {
	BatchSize        int                    `yaml:"batch_size" validate:"min=1,max=10000"`
	PollInterval     time.Duration          `yaml:"poll_interval"`
	InitialBackoff   time.Duration          `yaml:"initial_backoff"`
	MaxBackoff       time.Duration          `yaml:"max_backoff"`
	Rollback         tracker.RollbackPolicy `yaml:"rollback"`
	ValidationSample int                    `yaml:"validation_sample" validate:"min=1"`
	PacerWindow      int                    `yaml:"pacer_window"`
	// LagThreshold is the tx_remaining above which health reports degraded.
	LagThreshold int64 `yaml:"lag_threshold"`
	// Content enables the content tracker.
	Content bool `yaml:"content"`
}

type RepositoryConfig struct {
	BaseURL   string          `yaml:"base_url" validate:"required,url"`
	Timeout   time.Duration   `yaml:"timeout"`
	RateLimit float64         `yaml:"rate_limit" validate:"gte=0"`
	Burst     int             `yaml:"burst" validate:"gte=0"`
	TLS       shardtls.Config `yaml:"tls"`
}

// AuthConfig holds the secret shared by the repository, the shards and the
// coordinator. An empty secret disables authentication.
type AuthConfig struct {
	Secret   string        `yaml:"secret"`
	TokenTTL time.Duration `yaml:"token_ttl"`
	Issuer   string        `yaml:"issuer"`
}

type IndexConfig struct {
	// DataDir holds the index journal; empty keeps the index in memory only.
	DataDir  string `yaml:"data_dir"`
	Compress bool   `yaml:"compress"`
}

type NotifyConfig struct {
	// Address of the repository's commit publisher, e.g. tcp://repo:7400.
	Address string `yaml:"address"`
}

type HTTPConfig struct {
	Addr            string          `yaml:"addr" validate:"required,hostname_port"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout"`
	TLS             shardtls.Config `yaml:"tls"`
}

type CoordinatorConfig struct {
	// Shards are the base URLs of every shard, in instance order.
	Shards  []string      `yaml:"shards" validate:"dive,url"`
	Timeout time.Duration `yaml:"timeout"`

	// TLS is the client side used to reach the shards.
	TLS shardtls.Config `yaml:"tls"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn warning error DEBUG INFO WARN WARNING ERROR"`
	Output string `yaml:"output"`
}

// Default returns a single-shard configuration against a local repository.
func Default() *Config {
	cfg := &Config{
		Shard:      routing.Topology{ShardCount: 1},
		Repository: RepositoryConfig{BaseURL: "http://localhost:8090"},
		Trackers:   TrackersConfig{Content: true},
	}
	cfg.ApplyDefaults()
	return cfg
}

// Load reads path (when not empty), applies environment overrides and
// defaults, then validates.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		if err := cfg.decode(f); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults without touching the environment.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := cfg.decode(bytes.NewReader(data)); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

func (c *Config) decode(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyDefaults fills every unset tunable.
func (c *Config) ApplyDefaults() {
	t := &c.Trackers
	t.BatchSize = validation.DefaultOrPositive(t.BatchSize, 100)
	t.PollInterval = validation.DefaultOrPositive(t.PollInterval, 2*time.Second)
	t.InitialBackoff = validation.DefaultOrPositive(t.InitialBackoff, 500*time.Millisecond)
	t.MaxBackoff = validation.DefaultOrPositive(t.MaxBackoff, 30*time.Second)
	t.Rollback.SuspectCycles = validation.DefaultOrPositive(t.Rollback.SuspectCycles, 3)
	t.ValidationSample = validation.DefaultOrPositive(t.ValidationSample, 256)
	t.PacerWindow = validation.DefaultOrPositive(t.PacerWindow, 10)

	c.Routing.Policy = validation.DefaultOr(c.Routing.Policy, routing.PolicyDBID)
	c.Repository.Timeout = validation.DefaultOrPositive(c.Repository.Timeout, 10*time.Second)
	c.Auth.TokenTTL = validation.DefaultOrPositive(c.Auth.TokenTTL, 15*time.Minute)
	c.Auth.Issuer = validation.DefaultOr(c.Auth.Issuer, "shardsync")
	c.Checkpoint.Backend = validation.DefaultOr(c.Checkpoint.Backend, checkpoint.BackendMemory)
	c.HTTP.Addr = validation.DefaultOr(c.HTTP.Addr, ":8080")
	c.HTTP.ShutdownTimeout = validation.DefaultOrPositive(c.HTTP.ShutdownTimeout, 30*time.Second)
	c.Coordinator.Timeout = validation.DefaultOrPositive(c.Coordinator.Timeout, 5*time.Second)
	c.Logging.Level = validation.DefaultOr(c.Logging.Level, "info")
	c.Logging.Output = validation.DefaultOr(c.Logging.Output, "stdout")
}

type envOverride struct {
	name  string
	apply func(c *Config, v string) error
}

func intVar(dst *int) func(*Config, string) error {
	return func(_ *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}

func (c *Config) overrides() []envOverride {
	str := func(dst *string) func(*Config, string) error {
		return func(_ *Config, v string) error { *dst = v; return nil }
	}
	return []envOverride{
		{"SHARD_COUNT", intVar(&c.Shard.ShardCount)},
		{"SHARD_INSTANCE", intVar(&c.Shard.ShardInstance)},
		{"ROUTING_POLICY", str(&c.Routing.Policy)},
		{"REPOSITORY_URL", str(&c.Repository.BaseURL)},
		{"AUTH_SECRET", str(&c.Auth.Secret)},
		{"INDEX_DIR", str(&c.Index.DataDir)},
		{"CHECKPOINT_BACKEND", str(&c.Checkpoint.Backend)},
		{"CHECKPOINT_PATH", str(&c.Checkpoint.Path)},
		{"CHECKPOINT_DSN", str(&c.Checkpoint.DSN)},
		{"NOTIFY_ADDR", str(&c.Notify.Address)},
		{"HTTP_ADDR", str(&c.HTTP.Addr)},
		{"LOG_LEVEL", str(&c.Logging.Level)},
		{"POLL_INTERVAL", func(c *Config, v string) error {
			d, err := time.ParseDuration(v)
			if err != nil {
				return err
			}
			c.Trackers.PollInterval = d
			return nil
		}},
	}
}

// ApplyEnv applies SHARDSYNC_* variables found through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	for _, o := range c.overrides() {
		v, ok := lookup(envPrefix + o.name)
		if !ok || v == "" {
			continue
		}
		if err := o.apply(c, v); err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, o.name, err))
		}
	}
	return errors.Join(errs...)
}

// Validate checks struct tags first, then the cross-field rules.
func (c *Config) Validate() error {
	if err := validation.Struct(c); err != nil {
		return err
	}

	cv := validation.NewConfigValidator("config")
	cv.Custom("shard", c.Shard.Validate).
		Custom("routing", func() error {
			_, err := routing.New(c.Routing)
			return err
		}).
		MinDuration("trackers.poll_interval", c.Trackers.PollInterval, 10*time.Millisecond).
		Ordered("trackers.initial_backoff", "trackers.max_backoff", c.Trackers.InitialBackoff, c.Trackers.MaxBackoff).
		RangeInt("trackers.rollback.suspect_cycles", c.Trackers.Rollback.SuspectCycles, 1, 1000).
		URL("repository.base_url", c.Repository.BaseURL).
		When(c.HTTP.TLS.Enabled, func(cv *validation.ConfigValidator) {
			cv.Custom("http.tls", func() error {
				if c.HTTP.TLS.AutoGenerate || (c.HTTP.TLS.CertFile != "" && c.HTTP.TLS.KeyFile != "") {
					return nil
				}
				return shardtls.ErrNoCertificate
			})
		}).
		When(c.Checkpoint.Backend == checkpoint.BackendBadger, func(cv *validation.ConfigValidator) {
			cv.Required("checkpoint.path", c.Checkpoint.Path)
		}).
		When(c.Checkpoint.Backend == checkpoint.BackendPostgres, func(cv *validation.ConfigValidator) {
			cv.Required("checkpoint.dsn", c.Checkpoint.DSN)
		}).
		When(c.Auth.Secret != "", func(cv *validation.ConfigValidator) {
			cv.Custom("auth.secret", func() error {
				if len(c.Auth.Secret) < auth.MinSecretLength {
					return auth.ErrShortSecret
				}
				return nil
			})
		}).
		When(len(c.Coordinator.Shards) > 0, func(cv *validation.ConfigValidator) {
			cv.Custom("coordinator.shards", func() error {
				if len(c.Coordinator.Shards) != c.Shard.ShardCount {
					return fmt.Errorf("%d shard urls for shard_count %d", len(c.Coordinator.Shards), c.Shard.ShardCount)
				}
				return nil
			})
		})
	return cv.Validate()
}

// TrackerConfig converts the trackers section for one shard.
func (c *Config) TrackerConfig(router routing.DocRouter) tracker.Config {
	return tracker.Config{
		Topology:         c.Shard,
		BatchSize:        c.Trackers.BatchSize,
		PollInterval:     c.Trackers.PollInterval,
		InitialBackoff:   c.Trackers.InitialBackoff,
		MaxBackoff:       c.Trackers.MaxBackoff,
		Rollback:         c.Trackers.Rollback,
		Router:           router,
		ValidationSample: c.Trackers.ValidationSample,
		PacerWindow:      c.Trackers.PacerWindow,
	}
}

// ClientConfig converts the repository section. signer may be nil.
func (c *Config) ClientConfig(signer auth.Signer) repository.ClientConfig {
	return repository.ClientConfig{
		BaseURL:   c.Repository.BaseURL,
		Timeout:   c.Repository.Timeout,
		RateLimit: c.Repository.RateLimit,
		Burst:     c.Repository.Burst,
		Signer:    signer,
	}
}
