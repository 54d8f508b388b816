package routing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"medrouter/internal/domain"
)

// DefaultTieEpsilon is the score distance under which candidates tie.
const DefaultTieEpsilon = 1e-6

// TieBreaker picks the winner among scored candidates. Equal top scores are
// resolved with a process-wide round-robin cursor over the tied subset, kept
// in registration order. The cursor only moves when a tie occurs.
type TieBreaker struct {
	epsilon float64
	cursor  atomic.Uint64
}

// NewTieBreaker creates a TieBreaker. A non-positive epsilon uses DefaultTieEpsilon.
func NewTieBreaker(epsilon float64) *TieBreaker {
	if epsilon <= 0 {
		epsilon = DefaultTieEpsilon
	}
	return &TieBreaker{epsilon: epsilon}
}

// Select returns the winning candidate and how many candidates tied for the
// top score. cands must be non-empty and in registration order.
func (t *TieBreaker) Select(cands []domain.ScoredCandidate) (domain.ScoredCandidate, int) {
	best := math.Inf(-1)
	for _, c := range cands {
		if c.Score > best {
			best = c.Score
		}
	}

	tied := make([]int, 0, len(cands))
	for i, c := range cands {
		if best-c.Score <= t.epsilon {
			tied = append(tied, i)
		}
	}
	if len(tied) == 1 {
		return cands[tied[0]], 1
	}

	n := t.cursor.Add(1) - 1
	return cands[tied[n%uint64(len(tied))]], len(tied)
}

// scoreAll scores every agent concurrently and waits for all calls. A failed
// or timed-out call yields a zero score with Err set. It returns
// ErrScoringUnavailable when no call succeeded, or the context error when the
// caller gave up.
func (e *Engine) scoreAll(ctx context.Context, text string, agents []domain.AgentDescriptor) ([]domain.ScoredCandidate, error) {
	cands := make([]domain.ScoredCandidate, len(agents))
	var wg sync.WaitGroup
	for i, a := range agents {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			score, err := e.scoreOne(ctx, text, id)
			cands[i] = domain.ScoredCandidate{AgentID: id, Score: score, Err: err}
		}(i, a.ID)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	failed := 0
	var lastErr error
	for _, c := range cands {
		if c.Err != nil {
			failed++
			lastErr = c.Err
		}
	}
	if failed == len(cands) {
		return nil, fmt.Errorf("%d of %d scoring calls failed, last: %w", failed, len(cands), lastErr)
	}
	return cands, nil
}

// scoreOne calls the provider with its own timeout, retrying timeouts up to
// cfg.ScoringRetries times.
func (e *Engine) scoreOne(ctx context.Context, text, agentID string) (float64, error) {
	var err error
	for attempt := 0; attempt <= e.cfg.ScoringRetries; attempt++ {
		var score float64
		score, err = callBounded(ctx, e.cfg.ScoringTimeout, func(cctx context.Context) (float64, error) {
			return e.scorer.Score(cctx, text, agentID)
		})
		if err == nil {
			if math.IsNaN(score) {
				return 0, fmt.Errorf("agent %s: score is NaN", agentID)
			}
			return clamp01(score), nil
		}
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		if !errors.Is(err, context.DeadlineExceeded) {
			break
		}
		e.logger.Debug("scoring timed out", "agent_id", agentID, "attempt", attempt+1)
	}
	return 0, err
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// callBounded runs fn under its own timeout and returns as soon as either fn
// finishes or the deadline passes, even if fn ignores its context.
func callBounded[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		v, err := fn(ctx)
		ch <- result{v: v, err: err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
