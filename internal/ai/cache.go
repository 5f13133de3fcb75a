package ai

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const DefaultCacheSize = 1024

// CachedEmbedder memoizes vectors by the SHA-256 of the normalized text.
// Concurrent requests for the same text share one upstream call.
type CachedEmbedder struct {
	next   Embedder
	cache  *lru.Cache[string, []float32]
	group  singleflight.Group
	logger *zap.Logger
}

func NewCachedEmbedder(next Embedder, size int, logger *zap.Logger) (*CachedEmbedder, error) {
	if next == nil {
		return nil, fmt.Errorf("cached embedder needs an upstream embedder")
	}
	if size <= 0 {
		size = DefaultCacheSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	cache, err := lru.New[string, []float32](size)
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}

	return &CachedEmbedder{next: next, cache: cache, logger: logger}, nil
}

func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	normalized := NormalizeText(text)
	if normalized == "" {
		return nil, ErrEmptyText
	}

	key := cacheKey(normalized)
	if vec, ok := c.cache.Get(key); ok {
		return copyVector(vec), nil
	}

	v, err, shared := c.group.Do(key, func() (any, error) {
		vec, err := c.next.Embed(ctx, normalized)
		if err != nil {
			return nil, err
		}
		c.cache.Add(key, copyVector(vec))
		return vec, nil
	})
	if err != nil {
		return nil, err
	}

	if shared {
		c.logger.Debug("embedding request deduplicated", zap.String("key", key[:12]))
	}
	return copyVector(v.([]float32)), nil
}

// Len reports how many vectors are cached.
func (c *CachedEmbedder) Len() int {
	return c.cache.Len()
}

func cacheKey(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

func copyVector(v []float32) []float32 {
	return append([]float32(nil), v...)
}
