package breaker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cb := New[int]("test", Settings{MaxFailures: 3, Timeout: time.Minute}, nil)
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		_, err := cb.Execute(func() (int, error) { return 0, boom })
		require.ErrorIs(t, err, boom)
	}
	assert.Equal(t, gobreaker.StateOpen, cb.State())

	called := false
	_, err := cb.Execute(func() (int, error) {
		called = true
		return 1, nil
	})
	assert.True(t, IsOpen(err))
	assert.False(t, called)
}

func TestBreakerHalfOpenRecovers(t *testing.T) {
	cb := New[int]("test", Settings{MaxFailures: 1, Timeout: 20 * time.Millisecond}, nil)
	cb.Execute(func() (int, error) { return 0, errors.New("down") })
	require.Equal(t, gobreaker.StateOpen, cb.State())

	time.Sleep(40 * time.Millisecond)
	v, err := cb.Execute(func() (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, v)
	assert.Equal(t, gobreaker.StateClosed, cb.State())
}

func TestBreakerIsSuccessfulFilter(t *testing.T) {
	cb := New[int]("test", Settings{
		MaxFailures:  1,
		IsSuccessful: func(err error) bool { return err == nil || errors.Is(err, context.Canceled) },
	}, nil)

	for i := 0; i < 3; i++ {
		cb.Execute(func() (int, error) { return 0, context.Canceled })
	}
	assert.Equal(t, gobreaker.StateClosed, cb.State())
}

func TestBreakerDefaults(t *testing.T) {
	cb := New[string]("defaults", Settings{}, nil)
	for i := uint32(0); i < DefaultMaxFailures-1; i++ {
		cb.Execute(func() (string, error) { return "", errors.New("x") })
	}
	assert.Equal(t, gobreaker.StateClosed, cb.State())
	assert.Equal(t, "defaults", cb.Name())
}

func TestIsOpen(t *testing.T) {
	assert.True(t, IsOpen(fmt.Errorf("wrapped: %w", gobreaker.ErrOpenState)))
	assert.True(t, IsOpen(gobreaker.ErrTooManyRequests))
	assert.False(t, IsOpen(errors.New("other")))
	assert.False(t, IsOpen(nil))
}
