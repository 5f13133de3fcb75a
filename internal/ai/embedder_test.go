package ai

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCachedEmbedderReusesVectors(t *testing.T) {
	var calls atomic.Int32
	upstream := EmbedderFunc(func(_ context.Context, text string) ([]float32, error) {
		calls.Add(1)
		return []float32{float32(len(text)), 1}, nil
	})

	c, err := NewCachedEmbedder(upstream, 8, nil)
	require.NoError(t, err)

	a, err := c.Embed(context.Background(), "go  developer")
	require.NoError(t, err)
	b, err := c.Embed(context.Background(), " go developer\n")
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Equal(t, int32(1), calls.Load(), "whitespace variants share a cache entry")

	// callers may not corrupt the cache
	a[0] = -1
	again, err := c.Embed(context.Background(), "go developer")
	require.NoError(t, err)
	assert.Equal(t, float32(len("go developer")), again[0])
}

func TestCachedEmbedderEvicts(t *testing.T) {
	var calls atomic.Int32
	upstream := EmbedderFunc(func(context.Context, string) ([]float32, error) {
		calls.Add(1)
		return []float32{1}, nil
	})

	c, err := NewCachedEmbedder(upstream, 2, nil)
	require.NoError(t, err)

	for _, text := range []string{"a", "b", "c", "a"} {
		_, err := c.Embed(context.Background(), text)
		require.NoError(t, err)
	}

	assert.Equal(t, 2, c.Len())
	assert.Equal(t, int32(4), calls.Load(), "a was evicted by c")
}

func TestCachedEmbedderDoesNotCacheErrors(t *testing.T) {
	fail := true
	upstream := EmbedderFunc(func(context.Context, string) ([]float32, error) {
		if fail {
			return nil, errors.New("provider down")
		}
		return []float32{1}, nil
	})

	c, err := NewCachedEmbedder(upstream, 4, nil)
	require.NoError(t, err)

	_, err = c.Embed(context.Background(), "text")
	require.Error(t, err)

	fail = false
	_, err = c.Embed(context.Background(), "text")
	require.NoError(t, err)
}

func TestCachedEmbedderRejectsEmpty(t *testing.T) {
	c, err := NewCachedEmbedder(NewHashingEmbedder(16), 4, nil)
	require.NoError(t, err)

	_, err = c.Embed(context.Background(), "  \n ")
	require.ErrorIs(t, err, ErrEmptyText)
}

func TestCachedEmbedderConcurrentSameText(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	upstream := EmbedderFunc(func(context.Context, string) ([]float32, error) {
		calls.Add(1)
		<-release
		return []float32{1, 2}, nil
	})

	c, err := NewCachedEmbedder(upstream, 4, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			vec, err := c.Embed(context.Background(), "same")
			assert.NoError(t, err)
			assert.Equal(t, []float32{1, 2}, vec)
		}()
	}
	close(release)
	wg.Wait()

	assert.LessOrEqual(t, calls.Load(), int32(5))
	assert.Equal(t, 1, c.Len())
}

func TestHashingEmbedderDeterministic(t *testing.T) {
	h := NewHashingEmbedder(64)

	a, err := h.Embed(context.Background(), "Senior Go developer, Kubernetes")
	require.NoError(t, err)
	b, err := h.Embed(context.Background(), "senior go developer kubernetes")
	require.NoError(t, err)

	require.Len(t, a, 64)
	assert.Equal(t, a, b)

	var norm float32
	for _, v := range a {
		norm += v * v
	}
	assert.InDelta(t, 1.0, norm, 1e-5)

	_, err = h.Embed(context.Background(), "!!!")
	require.ErrorIs(t, err, ErrEmptyText)
}
