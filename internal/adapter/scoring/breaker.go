package scoring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sony/gobreaker/v2"

	"medrouter/internal/domain"
	"medrouter/internal/infra/breaker"
)

// BreakerScorer fails fast while the wrapped provider is unhealthy, so a
// down embedding service costs one rejected call per agent instead of one
// timeout per agent.
type BreakerScorer struct {
	inner domain.ScoringProvider
	cb    *gobreaker.CircuitBreaker[float64]
}

// NewBreakerScorer wraps inner. Caller cancellations do not count as failures.
func NewBreakerScorer(inner domain.ScoringProvider, s breaker.Settings, logger *slog.Logger) *BreakerScorer {
	s.IsSuccessful = func(err error) bool {
		return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, domain.ErrNotFound)
	}
	return &BreakerScorer{inner: inner, cb: breaker.New[float64]("scoring", s, logger)}
}

// Score implements domain.ScoringProvider.
func (b *BreakerScorer) Score(ctx context.Context, text, agentID string) (float64, error) {
	v, err := b.cb.Execute(func() (float64, error) {
		return b.inner.Score(ctx, text, agentID)
	})
	if breaker.IsOpen(err) {
		return 0, fmt.Errorf("scoring circuit open: %w", err)
	}
	return v, err
}

// State returns the breaker state for monitoring.
func (b *BreakerScorer) State() gobreaker.State { return b.cb.State() }

var _ domain.ScoringProvider = (*BreakerScorer)(nil)
