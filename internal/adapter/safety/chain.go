package safety

import (
	"context"
	"fmt"

	"medrouter/internal/domain"
)

// Chain runs gates in order. The first block wins; the first error aborts
// the chain, so a failing stage can never be skipped.
type Chain []domain.SafetyGate

// Check implements domain.SafetyGate.
func (c Chain) Check(ctx context.Context, prompt string) (domain.SafetyVerdict, error) {
	for i, g := range c {
		v, err := g.Check(ctx, prompt)
		if err != nil {
			return domain.SafetyVerdict{}, fmt.Errorf("safety stage %d: %w", i, err)
		}
		if !v.Allowed {
			return v, nil
		}
	}
	return domain.Allow(), nil
}

var _ domain.SafetyGate = Chain(nil)
