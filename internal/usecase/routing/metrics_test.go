package routing

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"medrouter/internal/domain"
)

func TestMetricsRecord(t *testing.T) {
	m := NewMetrics()
	m.Record(Outcome{Latency: 10 * time.Millisecond, TokenUsage: 5})
	m.Record(Outcome{Latency: 30 * time.Millisecond, Blocked: true, Reason: domain.ReasonSelfHarm})
	m.Record(Outcome{Latency: 20 * time.Millisecond, Err: domain.NewDomainError("op", domain.ErrAgentExecution, "x")})

	s := m.Snapshot()
	assert.Equal(t, int64(3), s.RequestCount)
	assert.Equal(t, int64(1), s.ErrorCount)
	assert.Equal(t, int64(1), s.BlockedCount)
	assert.Equal(t, int64(5), s.TokenUsageTotal)
	assert.Equal(t, int64(60), s.CumulativeLatencyMS)
	assert.InDelta(t, 20.0, s.AvgLatencyMS, 0.001)
	assert.Equal(t, map[string]int64{"SELF_HARM": 1}, s.BlockedByReason)
	assert.Equal(t, map[string]int64{"AGENT_EXECUTION_ERROR": 1}, s.ErrorsByCode)
	assert.Nil(t, s.SoftErrorsByCode)
}

func TestMetricsEmptySnapshot(t *testing.T) {
	s := NewMetrics().Snapshot()
	assert.Zero(t, s.RequestCount)
	assert.Zero(t, s.AvgLatencyMS)
}

func TestMetricsConcurrent(t *testing.T) {
	m := NewMetrics()
	const workers, per = 16, 250

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < per; i++ {
				m.Record(Outcome{Latency: time.Millisecond, TokenUsage: 1, Blocked: i%2 == 0, Reason: domain.ReasonPromptInjection})
				m.RecordSoftError(domain.CodeContextStoreUnavailable)
			}
		}()
	}
	wg.Wait()

	s := m.Snapshot()
	assert.Equal(t, int64(workers*per), s.RequestCount)
	assert.Equal(t, int64(workers*per), s.TokenUsageTotal)
	assert.Equal(t, int64(workers*per/2), s.BlockedCount)
	assert.Equal(t, int64(workers*per/2), s.BlockedByReason["PROMPT_INJECTION"])
	assert.Equal(t, int64(workers*per), s.SoftErrorCount)
	assert.Equal(t, int64(workers*per), s.SoftErrorsByCode["CONTEXT_STORE_UNAVAILABLE"])
}
