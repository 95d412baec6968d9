// Package checkpoint persists tracker progress so a restarted shard resumes
// from its last indexed unit instead of rescanning the repository.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dd0wney/cluso-shardsync/pkg/logging"
)

var (
	ErrNotFound       = errors.New("checkpoint not found")
	ErrUnknownBackend = errors.New("unknown checkpoint backend")
)

// Key identifies one stream of one shard.
type Key struct {
	ShardCount    int    `json:"shardCount"`
	ShardInstance int    `json:"shardInstance"`
	Stream        string `json:"stream"`
}

func (k Key) String() string {
	return fmt.Sprintf("%d/%d/%s", k.ShardCount, k.ShardInstance, k.Stream)
}

// Record is the persisted form of a tracker's state.
type Record struct {
	Key                     Key       `json:"key"`
	LastIndexedTxID         int64     `json:"lastIndexedTxId"`
	LastIndexedTxCommitTime time.Time `json:"lastIndexedTxCommitTime"`
	LastTxIDOnServer        int64     `json:"lastTxIdOnServer"`
	UpdatedAt               time.Time `json:"updatedAt"`
}

// Store persists checkpoint records. Save is the commit point of a unit:
// once it returns nil the unit is never applied again after a restart.
type Store interface {
	Load(ctx context.Context, key Key) (Record, error)
	Save(ctx context.Context, rec Record) error
	Delete(ctx context.Context, key Key) error
	Ping(ctx context.Context) error
	Close() error
}

// Backend names accepted in configuration.
const (
	BackendMemory   = "memory"
	BackendBadger   = "badger"
	BackendPostgres = "postgres"
)

// Config selects a backend.
type Config struct {
	Backend string `yaml:"backend" validate:"oneof=memory badger postgres"`
	// Path is the badger directory.
	Path string `yaml:"path"`
	// DSN is the postgres connection string.
	DSN        string `yaml:"dsn"`
	SyncWrites bool   `yaml:"sync_writes"`
}

// Open creates the store named by cfg.Backend.
func Open(ctx context.Context, cfg Config, logger logging.Logger) (Store, error) {
	switch cfg.Backend {
	case "", BackendMemory:
		return NewMemoryStore(), nil
	case BackendBadger:
		return NewBadgerStore(BadgerConfig{Path: cfg.Path, SyncWrites: cfg.SyncWrites, Logger: logger})
	case BackendPostgres:
		return NewPGStore(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
}
