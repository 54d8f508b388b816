package domain

// RoutingRequest is one inbound message to be routed.
type RoutingRequest struct {
	RequestID    string         `json:"request_id,omitempty"`
	UserID       string         `json:"user_id"`
	InputText    string         `json:"input_text"`
	ExtraContext map[string]any `json:"context,omitempty"`
}

// ScoredCandidate is the scoring outcome for one registered agent.
// Err is set when the provider failed or timed out; Score is then 0.
type ScoredCandidate struct {
	AgentID string
	Score   float64
	Err     error
}

// ReasonCode explains a safety verdict.
type ReasonCode string

const (
	ReasonAllowed           ReasonCode = "ALLOWED"
	ReasonDisallowedContent ReasonCode = "DISALLOWED_CONTENT"
	ReasonSelfHarm          ReasonCode = "SELF_HARM"
	ReasonPromptInjection   ReasonCode = "PROMPT_INJECTION"
	ReasonPIIExfiltration   ReasonCode = "PII_EXFILTRATION"
)

// SafetyVerdict is the Safety Gate's answer for one prompt.
type SafetyVerdict struct {
	Allowed bool       `json:"allowed"`
	Reason  ReasonCode `json:"reason_code"`
}

// Allow is the verdict for a prompt that passed every check.
func Allow() SafetyVerdict { return SafetyVerdict{Allowed: true, Reason: ReasonAllowed} }

// Block returns a blocking verdict with the given reason.
func Block(reason ReasonCode) SafetyVerdict { return SafetyVerdict{Allowed: false, Reason: reason} }

// RoutingResult is returned to the caller for a completed request.
type RoutingResult struct {
	RequestID    string     `json:"request_id,omitempty"`
	AgentID      string     `json:"agent_id"`
	ResponseText string     `json:"response_text"`
	LatencyMS    int64      `json:"latency_ms"`
	Blocked      bool       `json:"blocked"`
	Reason       ReasonCode `json:"reason_code,omitempty"`
	TokenUsage   int        `json:"-"`
}
