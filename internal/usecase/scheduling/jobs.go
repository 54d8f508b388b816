package scheduling

import (
	"context"
	"fmt"
	"log/slog"

	"medrouter/internal/domain"
	"medrouter/internal/usecase/routing"
)

// StatsSource exposes the engine's counters.
type StatsSource interface {
	Stats() routing.Snapshot
}

// HealthSource reports the health of every registered agent.
type HealthSource interface {
	StatusAll(ctx context.Context) []domain.AgentStatus
}

// Pinger checks a backend.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RetentionEnforcer trims an audit log.
type RetentionEnforcer interface {
	EnforceRetention(ctx context.Context) (int, error)
}

// StatsReport logs a metrics snapshot.
func StatsReport(src StatsSource, logger *slog.Logger) func(context.Context) error {
	return func(ctx context.Context) error {
		s := src.Stats()
		logger.InfoContext(ctx, "routing stats",
			"requests", s.RequestCount,
			"errors", s.ErrorCount,
			"soft_errors", s.SoftErrorCount,
			"blocked", s.BlockedCount,
			"avg_latency_ms", s.AvgLatencyMS,
			"token_usage_total", s.TokenUsageTotal,
		)
		return nil
	}
}

// HealthProbe queries every agent and, when store is non-nil, the context
// store. Each unhealthy component is logged; the run fails if any was.
func HealthProbe(agents HealthSource, store Pinger, logger *slog.Logger) func(context.Context) error {
	return func(ctx context.Context) error {
		unhealthy := 0
		for _, st := range agents.StatusAll(ctx) {
			if !st.Healthy {
				unhealthy++
				logger.WarnContext(ctx, "agent unhealthy", "agent_id", st.ID, "last_error", st.LastError)
			}
		}
		if store != nil {
			if err := store.Ping(ctx); err != nil {
				unhealthy++
				logger.WarnContext(ctx, "context store unreachable", "error", err)
			}
		}
		if unhealthy > 0 {
			return fmt.Errorf("%d component(s) unhealthy", unhealthy)
		}
		return nil
	}
}

// AuditRetention applies the audit log's retention policy.
func AuditRetention(audit RetentionEnforcer, logger *slog.Logger) func(context.Context) error {
	return func(ctx context.Context) error {
		removed, err := audit.EnforceRetention(ctx)
		if err != nil {
			return fmt.Errorf("audit retention: %w", err)
		}
		if removed > 0 {
			logger.InfoContext(ctx, "audit log trimmed", "removed", removed)
		}
		return nil
	}
}
