package store

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

type Config struct {
	Backend  string `mapstructure:"backend"`
	Path     string `mapstructure:"path"`
	Redis    RedisConfig
	Postgres PostgresConfig
}

// Open builds the backend named by cfg.Backend. An empty backend means "file".
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	backend := strings.ToLower(strings.TrimSpace(cfg.Backend))
	if backend == "" {
		backend = BackendFile
	}
	logger.Debug("opening store", zap.String("backend", backend))

	switch backend {
	case BackendMemory:
		return NewMemory(), nil
	case BackendFile:
		return OpenFile(cfg.Path)
	case BackendRedis:
		return OpenRedis(ctx, cfg.Redis, logger)
	case BackendPostgres:
		return OpenPostgres(ctx, cfg.Postgres, logger)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
