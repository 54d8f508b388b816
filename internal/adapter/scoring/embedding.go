package scoring

import (
	"context"
	"fmt"
	"math"
	"strings"

	"medrouter/internal/domain"
)

// EmbeddingScorer scores an agent by the cosine similarity between the
// message and the agent's profile (description plus keywords). Negative
// similarity is reported as 0. Wrap the embedder in an
// embedding.CachedEmbedder so profiles are embedded once.
type EmbeddingScorer struct {
	embedder domain.EmbeddingProvider
	catalog  Catalog
}

// NewEmbeddingScorer creates an embedding scorer.
func NewEmbeddingScorer(embedder domain.EmbeddingProvider, catalog Catalog) *EmbeddingScorer {
	return &EmbeddingScorer{embedder: embedder, catalog: catalog}
}

// Score implements domain.ScoringProvider.
func (s *EmbeddingScorer) Score(ctx context.Context, text, agentID string) (float64, error) {
	desc, err := s.catalog.Get(agentID)
	if err != nil {
		return 0, err
	}
	profile := Profile(desc)
	if profile == "" || strings.TrimSpace(text) == "" {
		return 0, nil
	}

	vecs, err := s.embedder.Embed(ctx, []string{text, profile})
	if err != nil {
		return 0, fmt.Errorf("embed via %s: %w", s.embedder.Name(), err)
	}
	if len(vecs) != 2 {
		return 0, fmt.Errorf("%w: got %d vectors, want 2", domain.ErrEmbeddingFailed, len(vecs))
	}
	return math.Max(0, Cosine(vecs[0], vecs[1])), nil
}

// Profile is the text an agent is matched against.
func Profile(desc domain.AgentDescriptor) string {
	parts := make([]string, 0, 2)
	if d := strings.TrimSpace(desc.Description); d != "" {
		parts = append(parts, d)
	}
	if len(desc.Keywords) > 0 {
		parts = append(parts, strings.Join(desc.Keywords, ", "))
	}
	return strings.Join(parts, ". ")
}

// Cosine returns the cosine similarity of a and b. Mismatched lengths and
// zero vectors yield 0.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

var _ domain.ScoringProvider = (*EmbeddingScorer)(nil)
