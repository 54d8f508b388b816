// Package breaker wraps gobreaker with the settings and logging shared by the
// remote scoring and safety adapters.
package breaker

import (
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"
)

// Default circuit breaker settings.
const (
	DefaultMaxFailures uint32        = 5
	DefaultTimeout     time.Duration = 30 * time.Second
	DefaultInterval    time.Duration = 60 * time.Second
)

// Settings configures a breaker. Zero fields take the defaults.
type Settings struct {
	// MaxFailures is the number of consecutive failures before the circuit opens.
	MaxFailures uint32
	// Timeout is how long the circuit stays open before half-opening.
	Timeout time.Duration
	// Interval clears failure counts periodically while closed.
	Interval time.Duration
	// IsSuccessful decides which errors count against the breaker.
	// Nil counts every non-nil error.
	IsSuccessful func(err error) bool
}

// New creates a named breaker that logs state changes.
func New[T any](name string, s Settings, logger *slog.Logger) *gobreaker.CircuitBreaker[T] {
	if s.MaxFailures == 0 {
		s.MaxFailures = DefaultMaxFailures
	}
	if s.Timeout == 0 {
		s.Timeout = DefaultTimeout
	}
	if s.Interval == 0 {
		s.Interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	isSuccessful := s.IsSuccessful
	if isSuccessful == nil {
		isSuccessful = func(err error) bool { return err == nil }
	}

	maxFailures := s.MaxFailures
	return gobreaker.NewCircuitBreaker[T](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1, // one probe while half-open
		Interval:    s.Interval,
		Timeout:     s.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: isSuccessful,
	})
}

// IsOpen reports whether err means the breaker rejected the call without
// reaching the wrapped service.
func IsOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
