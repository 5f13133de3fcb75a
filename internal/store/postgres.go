package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS job_responder_kv (
	key        TEXT PRIMARY KEY,
	version    BIGINT NOT NULL,
	value      BYTEA NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

type PostgresConfig struct {
	DSN      string
	MaxConns int32
}

// Postgres stores values in a single versioned table. CAS is an UPDATE guarded by the version.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func OpenPostgres(ctx context.Context, cfg PostgresConfig, logger *zap.Logger) (*Postgres, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("%w: postgres: %w", ErrUnavailable, err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: ping postgres: %w", ErrUnavailable, err)
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: migrate postgres: %w", ErrUnavailable, err)
	}

	logger.Debug("postgres store connected", zap.String("host", pcfg.ConnConfig.Host))
	return &Postgres{pool: pool, logger: logger}, nil
}

func (p *Postgres) Get(ctx context.Context, key string) (Item, error) {
	item := Item{Key: key}
	err := p.pool.QueryRow(ctx,
		`SELECT version, value FROM job_responder_kv WHERE key = $1`, key,
	).Scan(&item.Version, &item.Value)
	if errors.Is(err, pgx.ErrNoRows) {
		return Item{}, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	if err != nil {
		return Item{}, p.unavailable("get", key, err)
	}
	return item, nil
}

func (p *Postgres) Put(ctx context.Context, key string, value []byte) (int64, error) {
	var version int64
	err := p.pool.QueryRow(ctx,
		`INSERT INTO job_responder_kv (key, version, value)
		 VALUES ($1, 1, $2)
		 ON CONFLICT (key) DO UPDATE
		 SET value = EXCLUDED.value, version = job_responder_kv.version + 1, updated_at = NOW()
		 RETURNING version`,
		key, value,
	).Scan(&version)
	if err != nil {
		return 0, p.unavailable("put", key, err)
	}
	return version, nil
}

func (p *Postgres) CompareAndSwap(ctx context.Context, key string, version int64, value []byte) (int64, error) {
	var (
		next int64
		row  pgx.Row
	)
	if version == 0 {
		row = p.pool.QueryRow(ctx,
			`INSERT INTO job_responder_kv (key, version, value)
			 VALUES ($1, 1, $2)
			 ON CONFLICT (key) DO NOTHING
			 RETURNING version`,
			key, value,
		)
	} else {
		row = p.pool.QueryRow(ctx,
			`UPDATE job_responder_kv
			 SET value = $3, version = version + 1, updated_at = NOW()
			 WHERE key = $1 AND version = $2
			 RETURNING version`,
			key, version, value,
		)
	}

	err := row.Scan(&next)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("%s: %w (want %d)", key, ErrConflict, version)
	}
	if err != nil {
		return 0, p.unavailable("cas", key, err)
	}
	return next, nil
}

func (p *Postgres) Delete(ctx context.Context, key string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM job_responder_kv WHERE key = $1`, key); err != nil {
		return p.unavailable("delete", key, err)
	}
	return nil
}

func (p *Postgres) List(ctx context.Context, prefix string) ([]Item, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT key, version, value FROM job_responder_kv
		 WHERE left(key, length($1)) = $1
		 ORDER BY key`,
		prefix,
	)
	if err != nil {
		return nil, p.unavailable("list", prefix, err)
	}
	defer rows.Close()

	out := make([]Item, 0)
	for rows.Next() {
		var item Item
		if err := rows.Scan(&item.Key, &item.Version, &item.Value); err != nil {
			return nil, fmt.Errorf("scan %s: %w", prefix, err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, p.unavailable("list", prefix, err)
	}
	return out, nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func (p *Postgres) unavailable(op, key string, err error) error {
	p.logger.Warn("postgres store call failed", zap.String("op", op), zap.String("key", key), zap.Error(err))
	return fmt.Errorf("%w: postgres %s %s: %w", ErrUnavailable, op, key, err)
}
