package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore keeps checkpoints in PostgreSQL, for deployments where shards are
// rescheduled across hosts and cannot rely on local disk.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore connects, verifies the connection and creates the table.
func NewPGStore(ctx context.Context, databaseURL string) (*PGStore, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	// one writer per stream, so a small pool is plenty
	config.MaxConns = 4
	config.MinConns = 1
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database unreachable: %w", err)
	}

	s := &PGStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}
	return s, nil
}

func (s *PGStore) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS shard_checkpoints (
		shard_count INTEGER NOT NULL,
		shard_instance INTEGER NOT NULL,
		stream TEXT NOT NULL,
		last_indexed_txid BIGINT NOT NULL,
		last_indexed_commit_time TIMESTAMPTZ,
		last_txid_on_server BIGINT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (shard_count, shard_instance, stream)
	);
	`)
	return err
}

func (s *PGStore) Load(ctx context.Context, key Key) (Record, error) {
	rec := Record{Key: key}
	var commitTime *time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT last_indexed_txid, last_indexed_commit_time, last_txid_on_server, updated_at
		FROM shard_checkpoints
		WHERE shard_count = $1 AND shard_instance = $2 AND stream = $3
	`, key.ShardCount, key.ShardInstance, key.Stream).Scan(
		&rec.LastIndexedTxID,
		&commitTime,
		&rec.LastTxIDOnServer,
		&rec.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("load checkpoint %s: %w", key, err)
	}
	if commitTime != nil {
		rec.LastIndexedTxCommitTime = commitTime.UTC()
	}
	return rec, nil
}

func (s *PGStore) Save(ctx context.Context, rec Record) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	var commitTime *time.Time
	if !rec.LastIndexedTxCommitTime.IsZero() {
		commitTime = &rec.LastIndexedTxCommitTime
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO shard_checkpoints
			(shard_count, shard_instance, stream, last_indexed_txid, last_indexed_commit_time, last_txid_on_server, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (shard_count, shard_instance, stream) DO UPDATE SET
			last_indexed_txid = EXCLUDED.last_indexed_txid,
			last_indexed_commit_time = EXCLUDED.last_indexed_commit_time,
			last_txid_on_server = EXCLUDED.last_txid_on_server,
			updated_at = EXCLUDED.updated_at
	`, rec.Key.ShardCount, rec.Key.ShardInstance, rec.Key.Stream,
		rec.LastIndexedTxID, commitTime, rec.LastTxIDOnServer, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", rec.Key, err)
	}
	return nil
}

func (s *PGStore) Delete(ctx context.Context, key Key) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM shard_checkpoints
		WHERE shard_count = $1 AND shard_instance = $2 AND stream = $3
	`, key.ShardCount, key.ShardInstance, key.Stream)
	return err
}

// Ping checks database connectivity
func (s *PGStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PGStore) Close() error {
	s.pool.Close()
	return nil
}
