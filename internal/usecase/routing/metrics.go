package routing

import (
	"sync"
	"sync/atomic"
	"time"

	"medrouter/internal/domain"
)

// Outcome describes one finished request for metrics purposes.
type Outcome struct {
	Latency    time.Duration
	TokenUsage int
	Blocked    bool
	Reason     domain.ReasonCode
	Err        error
}

// Snapshot is a point-in-time view of the process-wide counters.
type Snapshot struct {
	RequestCount        int64            `json:"request_count"`
	ErrorCount          int64            `json:"error_count"`
	SoftErrorCount      int64            `json:"soft_error_count"`
	BlockedCount        int64            `json:"blocked_count"`
	AvgLatencyMS        float64          `json:"avg_latency_ms"`
	CumulativeLatencyMS int64            `json:"cumulative_latency_ms"`
	TokenUsageTotal     int64            `json:"token_usage_total"`
	BlockedByReason     map[string]int64 `json:"blocked_by_reason,omitempty"`
	ErrorsByCode        map[string]int64 `json:"errors_by_code,omitempty"`
	SoftErrorsByCode    map[string]int64 `json:"soft_errors_by_code,omitempty"`
}

// Metrics aggregates request outcomes. All methods are lock-free on the
// counters and safe for concurrent use. The zero value is ready to use.
type Metrics struct {
	requests     atomic.Int64
	errors       atomic.Int64
	softErrors   atomic.Int64
	blocked      atomic.Int64
	latencyNanos atomic.Int64
	tokens       atomic.Int64

	blockedByReason  sync.Map // string -> *atomic.Int64
	errorsByCode     sync.Map
	softErrorsByCode sync.Map
}

// NewMetrics returns an empty Metrics.
func NewMetrics() *Metrics { return &Metrics{} }

// Record adds one completed request. An outcome with Err set counts as
// exactly one error.
func (m *Metrics) Record(o Outcome) {
	m.requests.Add(1)
	if o.Latency > 0 {
		m.latencyNanos.Add(int64(o.Latency))
	}
	if o.TokenUsage > 0 {
		m.tokens.Add(int64(o.TokenUsage))
	}
	if o.Blocked {
		m.blocked.Add(1)
		incr(&m.blockedByReason, string(o.Reason))
	}
	if o.Err != nil {
		m.errors.Add(1)
		incr(&m.errorsByCode, string(domain.ErrorCodeOf(o.Err)))
	}
}

// RecordSoftError counts a degraded, non-fatal failure.
func (m *Metrics) RecordSoftError(code domain.ErrorCode) {
	m.softErrors.Add(1)
	incr(&m.softErrorsByCode, string(code))
}

// Snapshot returns the current counters.
func (m *Metrics) Snapshot() Snapshot {
	s := Snapshot{
		RequestCount:        m.requests.Load(),
		ErrorCount:          m.errors.Load(),
		SoftErrorCount:      m.softErrors.Load(),
		BlockedCount:        m.blocked.Load(),
		CumulativeLatencyMS: time.Duration(m.latencyNanos.Load()).Milliseconds(),
		TokenUsageTotal:     m.tokens.Load(),
		BlockedByReason:     collect(&m.blockedByReason),
		ErrorsByCode:        collect(&m.errorsByCode),
		SoftErrorsByCode:    collect(&m.softErrorsByCode),
	}
	if s.RequestCount > 0 {
		s.AvgLatencyMS = float64(m.latencyNanos.Load()) / float64(time.Millisecond) / float64(s.RequestCount)
	}
	return s
}

func incr(m *sync.Map, key string) {
	if v, ok := m.Load(key); ok {
		v.(*atomic.Int64).Add(1)
		return
	}
	v, _ := m.LoadOrStore(key, new(atomic.Int64))
	v.(*atomic.Int64).Add(1)
}

func collect(m *sync.Map) map[string]int64 {
	var out map[string]int64
	m.Range(func(k, v any) bool {
		if out == nil {
			out = make(map[string]int64)
		}
		out[k.(string)] = v.(*atomic.Int64).Load()
		return true
	})
	return out
}
