package safety

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sony/gobreaker/v2"

	"medrouter/internal/domain"
	"medrouter/internal/infra/breaker"
)

// BreakerGate fails fast while the wrapped gate keeps erroring. An open
// circuit is reported as an error, which the engine treats as a block-level
// failure: requests are refused, never let through unchecked.
type BreakerGate struct {
	inner domain.SafetyGate
	cb    *gobreaker.CircuitBreaker[domain.SafetyVerdict]
}

// NewBreakerGate wraps inner. Caller cancellations do not count as failures.
func NewBreakerGate(inner domain.SafetyGate, s breaker.Settings, logger *slog.Logger) *BreakerGate {
	s.IsSuccessful = func(err error) bool {
		return err == nil || errors.Is(err, context.Canceled)
	}
	return &BreakerGate{inner: inner, cb: breaker.New[domain.SafetyVerdict]("safety", s, logger)}
}

// Check implements domain.SafetyGate.
func (b *BreakerGate) Check(ctx context.Context, prompt string) (domain.SafetyVerdict, error) {
	v, err := b.cb.Execute(func() (domain.SafetyVerdict, error) {
		return b.inner.Check(ctx, prompt)
	})
	if breaker.IsOpen(err) {
		return domain.SafetyVerdict{}, fmt.Errorf("safety circuit open: %w", err)
	}
	return v, err
}

// State returns the breaker state for monitoring.
func (b *BreakerGate) State() gobreaker.State { return b.cb.State() }

var _ domain.SafetyGate = (*BreakerGate)(nil)
