package embedding

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"

	"medrouter/internal/domain"
)

// CachedEmbedder wraps a domain.EmbeddingProvider with an LRU cache keyed by
// text. Agent descriptions are embedded once per process, and repeated
// messages skip the round trip.
type CachedEmbedder struct {
	inner domain.EmbeddingProvider
	cache *lru.Cache[string, []float32]
}

// NewCachedEmbedder wraps inner with a cache of maxSize vectors.
// If maxSize <= 0, inner is returned directly.
func NewCachedEmbedder(inner domain.EmbeddingProvider, maxSize int) domain.EmbeddingProvider {
	if maxSize <= 0 {
		return inner
	}
	cache, err := lru.New[string, []float32](maxSize)
	if err != nil {
		return inner
	}
	return &CachedEmbedder{inner: inner, cache: cache}
}

// Embed implements domain.EmbeddingProvider. Only texts missing from the
// cache are sent to the inner provider, in one batch.
func (c *CachedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missing []string
	var missingIdx []int
	for i, t := range texts {
		if vec, ok := c.cache.Get(t); ok {
			out[i] = vec
			continue
		}
		missing = append(missing, t)
		missingIdx = append(missingIdx, i)
	}
	if len(missing) == 0 {
		return out, nil
	}

	vecs, err := c.inner.Embed(ctx, missing)
	if err != nil {
		return nil, err
	}
	if err := checkCount(len(vecs), len(missing)); err != nil {
		return nil, err
	}
	for j, vec := range vecs {
		out[missingIdx[j]] = vec
		c.cache.Add(missing[j], vec)
	}
	return out, nil
}

// Len reports the number of cached vectors.
func (c *CachedEmbedder) Len() int { return c.cache.Len() }

// Name implements domain.EmbeddingProvider.
func (c *CachedEmbedder) Name() string { return c.inner.Name() }

var _ domain.EmbeddingProvider = (*CachedEmbedder)(nil)
