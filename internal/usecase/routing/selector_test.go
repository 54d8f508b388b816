package routing

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medrouter/internal/domain"
)

func cands(scores ...float64) []domain.ScoredCandidate {
	out := make([]domain.ScoredCandidate, len(scores))
	for i, s := range scores {
		out[i] = domain.ScoredCandidate{AgentID: string(rune('a' + i)), Score: s}
	}
	return out
}

func TestTieBreakerUniqueMax(t *testing.T) {
	tb := NewTieBreaker(0)
	winner, tied := tb.Select(cands(0.1, 0.9, 0.3))
	assert.Equal(t, "b", winner.AgentID)
	assert.Equal(t, 1, tied)
	assert.Equal(t, uint64(0), tb.cursor.Load())
}

func TestTieBreakerRotatesOverTiedSubset(t *testing.T) {
	tb := NewTieBreaker(0)
	c := cands(0.5, 0.1, 0.5, 0.5)

	var got []string
	for i := 0; i < 6; i++ {
		w, tied := tb.Select(c)
		assert.Equal(t, 3, tied)
		got = append(got, w.AgentID)
	}
	assert.Equal(t, []string{"a", "c", "d", "a", "c", "d"}, got)
}

func TestTieBreakerEpsilon(t *testing.T) {
	tb := NewTieBreaker(0.01)
	_, tied := tb.Select(cands(0.500, 0.505, 0.2))
	assert.Equal(t, 2, tied)

	strict := NewTieBreaker(1e-9)
	w, tied := strict.Select(cands(0.500, 0.505))
	assert.Equal(t, 1, tied)
	assert.Equal(t, "b", w.AgentID)
}

func TestTieBreakerAllZero(t *testing.T) {
	tb := NewTieBreaker(0)
	w, tied := tb.Select(cands(0, 0))
	assert.Equal(t, 2, tied)
	assert.Equal(t, "a", w.AgentID)
}

func TestClamp01(t *testing.T) {
	assert.Equal(t, 0.0, clamp01(-3))
	assert.Equal(t, 1.0, clamp01(7))
	assert.Equal(t, 0.25, clamp01(0.25))
}

func TestCallBoundedTimeout(t *testing.T) {
	_, err := callBounded(context.Background(), 10*time.Millisecond, func(context.Context) (int, error) {
		time.Sleep(time.Second)
		return 1, nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCallBoundedRecoversPanic(t *testing.T) {
	_, err := callBounded(context.Background(), time.Second, func(context.Context) (int, error) {
		panic("kaboom")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestCallBoundedPassesResult(t *testing.T) {
	v, err := callBounded(context.Background(), 0, func(context.Context) (string, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)

	sentinel := errors.New("nope")
	_, err = callBounded(context.Background(), 0, func(context.Context) (string, error) {
		return "", sentinel
	})
	assert.ErrorIs(t, err, sentinel)
}

func TestScoreOneRejectsNaN(t *testing.T) {
	e := NewEngine(staticAgents{}, scorerFunc(func(context.Context, string, string) (float64, error) {
		return math.NaN(), nil
	}), allowGate(), nil, testConfig(), nil)
	_, err := e.scoreOne(context.Background(), "x", "a")
	assert.Error(t, err)
}
