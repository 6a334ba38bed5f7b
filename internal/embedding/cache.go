package embedding

import (
	"context"

	"golang.org/x/sync/singleflight"

	"memscreen/internal/cache"
)

// CachingEngine wraps an Engine with a process-local LRU keyed by the exact
// input string. Concurrent misses for the same text collapse into one
// upstream call.
type CachingEngine struct {
	inner Engine
	lru   *cache.LRU
	group singleflight.Group
}

// WithCache decorates inner with an LRU of the given size.
func WithCache(inner Engine, size int) *CachingEngine {
	return &CachingEngine{inner: inner, lru: cache.NewLRU(size)}
}

func (c *CachingEngine) Embed(ctx context.Context, text string, action Action) ([]float32, error) {
	if v, ok := c.lru.Get(text); ok {
		return v.([]float32), nil
	}

	v, err, _ := c.group.Do(text, func() (any, error) {
		vec, err := c.inner.Embed(ctx, text, action)
		if err != nil {
			return nil, err
		}
		c.lru.Set(text, vec)
		return vec, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]float32), nil
}

// EmbedBatch serves cached items locally and embeds only the misses, in one
// upstream batch, preserving input order.
func (c *CachingEngine) EmbedBatch(ctx context.Context, texts []string, action Action) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	results := make([][]float32, len(texts))
	var missTexts []string
	var missIdx []int
	for i, text := range texts {
		if v, ok := c.lru.Get(text); ok {
			results[i] = v.([]float32)
			continue
		}
		missTexts = append(missTexts, text)
		missIdx = append(missIdx, i)
	}
	if len(missTexts) == 0 {
		return results, nil
	}

	vecs, err := c.inner.EmbedBatch(ctx, missTexts, action)
	if err != nil {
		return nil, err
	}
	for j, vec := range vecs {
		results[missIdx[j]] = vec
		c.lru.Set(missTexts[j], vec)
	}
	return results, nil
}

func (c *CachingEngine) Dimensions() int { return c.inner.Dimensions() }
func (c *CachingEngine) Name() string    { return c.inner.Name() }

// CacheLen reports the number of cached vectors.
func (c *CachingEngine) CacheLen() int { return c.lru.Len() }
