package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	redisVersionField = "v"
	redisDataField    = "d"
)

type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	Namespace string
}

// Redis keeps every key as a hash {v: version, d: value}. CAS runs inside WATCH/MULTI.
type Redis struct {
	client    *redis.Client
	namespace string
	logger    *zap.Logger
}

func OpenRedis(ctx context.Context, cfg RedisConfig, logger *zap.Logger) (*Redis, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: redis %s: %w", ErrUnavailable, cfg.Addr, err)
	}

	ns := strings.TrimSpace(cfg.Namespace)
	if ns == "" {
		ns = "job-responder"
	}

	logger.Debug("redis store connected", zap.String("addr", cfg.Addr), zap.String("namespace", ns))
	return &Redis{client: client, namespace: ns + ":", logger: logger}, nil
}

// Client exposes the underlying connection, e.g. for the pub/sub notifier.
func (r *Redis) Client() *redis.Client {
	return r.client
}

func (r *Redis) Get(ctx context.Context, key string) (Item, error) {
	fields, err := r.client.HGetAll(ctx, r.namespace+key).Result()
	if err != nil {
		return Item{}, r.unavailable("get", key, err)
	}
	if len(fields) == 0 {
		return Item{}, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return decodeRedisItem(key, fields)
}

func (r *Redis) Put(ctx context.Context, key string, value []byte) (int64, error) {
	full := r.namespace + key
	var incr *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.HIncrBy(ctx, full, redisVersionField, 1)
		pipe.HSet(ctx, full, redisDataField, value)
		return nil
	})
	if err != nil {
		return 0, r.unavailable("put", key, err)
	}
	return incr.Val(), nil
}

func (r *Redis) CompareAndSwap(ctx context.Context, key string, version int64, value []byte) (int64, error) {
	full := r.namespace + key
	next := version + 1

	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.HGet(ctx, full, redisVersionField).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if current != version {
			return fmt.Errorf("%s: %w (have %d, want %d)", key, ErrConflict, current, version)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, full, redisVersionField, next, redisDataField, value)
			return nil
		})
		return err
	}, full)

	switch {
	case err == nil:
		return next, nil
	case errors.Is(err, ErrConflict):
		return 0, err
	case errors.Is(err, redis.TxFailedErr):
		return 0, fmt.Errorf("%s: %w (concurrent write)", key, ErrConflict)
	default:
		return 0, r.unavailable("cas", key, err)
	}
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.namespace+key).Err(); err != nil {
		return r.unavailable("delete", key, err)
	}
	return nil
}

func (r *Redis) List(ctx context.Context, prefix string) ([]Item, error) {
	iter := r.client.Scan(ctx, 0, r.namespace+escapeGlob(prefix)+"*", 200).Iterator()

	keys := make([]string, 0)
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), r.namespace))
	}
	if err := iter.Err(); err != nil {
		return nil, r.unavailable("list", prefix, err)
	}
	sort.Strings(keys)

	out := make([]Item, 0, len(keys))
	for _, k := range keys {
		item, err := r.Get(ctx, k)
		if errors.Is(err, ErrNotFound) {
			// deleted between SCAN and HGETALL
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) unavailable(op, key string, err error) error {
	r.logger.Warn("redis store call failed", zap.String("op", op), zap.String("key", key), zap.Error(err))
	return fmt.Errorf("%w: redis %s %s: %w", ErrUnavailable, op, key, err)
}

func decodeRedisItem(key string, fields map[string]string) (Item, error) {
	version, err := strconv.ParseInt(fields[redisVersionField], 10, 64)
	if err != nil {
		return Item{}, fmt.Errorf("redis key %s has malformed version %q: %w", key, fields[redisVersionField], err)
	}
	return Item{Key: key, Value: []byte(fields[redisDataField]), Version: version}, nil
}

var globReplacer = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func escapeGlob(s string) string {
	return globReplacer.Replace(s)
}
