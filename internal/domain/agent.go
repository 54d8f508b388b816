package domain

import "context"

// Agent is the capability contract every downstream handler implements.
// Handle receives the stitched prompt plus the raw request it was built from.
type Agent interface {
	Handle(ctx context.Context, prompt string, req RoutingRequest) (*AgentResponse, error)
}

// AgentFunc adapts an ordinary function to the Agent interface.
type AgentFunc func(ctx context.Context, prompt string, req RoutingRequest) (*AgentResponse, error)

// Handle calls f(ctx, prompt, req).
func (f AgentFunc) Handle(ctx context.Context, prompt string, req RoutingRequest) (*AgentResponse, error) {
	return f(ctx, prompt, req)
}

// AgentResponse is what an agent returns for one dispatched request.
type AgentResponse struct {
	Text       string `json:"response_text"`
	TokenUsage int    `json:"token_usage,omitempty"`
}

// HealthChecker is implemented by agents that can report their own health.
type HealthChecker interface {
	Health(ctx context.Context) AgentHealth
}

// AgentHealth is the result of an agent health query.
type AgentHealth struct {
	Healthy   bool   `json:"healthy"`
	LastError string `json:"last_error,omitempty"`
}

// AgentDescriptor binds a stable identifier to an agent capability.
// Description and Keywords feed the scoring providers.
type AgentDescriptor struct {
	ID          string   `json:"id"`
	Description string   `json:"description,omitempty"`
	Keywords    []string `json:"keywords,omitempty"`
	Agent       Agent    `json:"-"`
}

// AgentStatus is a read-only health snapshot for one registered agent.
type AgentStatus struct {
	ID string `json:"id"`
	AgentHealth
}
