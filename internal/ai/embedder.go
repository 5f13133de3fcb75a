// Package ai holds the embedding provider boundary used by the scorer.
package ai

import (
	"context"
	"errors"
	"strings"
)

var ErrEmptyText = errors.New("text to embed is empty")

// Embedder turns text into a vector. Implementations must be deterministic for
// the same input so scores can be reproduced.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// EmbedderFunc adapts a function to Embedder.
type EmbedderFunc func(ctx context.Context, text string) ([]float32, error)

func (f EmbedderFunc) Embed(ctx context.Context, text string) ([]float32, error) {
	return f(ctx, text)
}

// NormalizeText collapses whitespace so cosmetic differences hit the same cache entry.
func NormalizeText(text string) string {
	return strings.Join(strings.Fields(text), " ")
}
