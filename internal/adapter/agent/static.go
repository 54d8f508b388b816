package agent

import (
	"context"
	"unicode/utf8"

	"medrouter/internal/domain"
)

// StaticAgent answers every request with a fixed reply. It is meant for
// local runs and for signposting agents ("call emergency services").
type StaticAgent struct {
	reply string
}

// NewStaticAgent creates a static agent.
func NewStaticAgent(reply string) *StaticAgent {
	return &StaticAgent{reply: reply}
}

// Handle implements domain.Agent. Token usage is reported as the rune count
// of prompt and reply.
func (s *StaticAgent) Handle(ctx context.Context, prompt string, _ domain.RoutingRequest) (*domain.AgentResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &domain.AgentResponse{
		Text:       s.reply,
		TokenUsage: utf8.RuneCountInString(prompt) + utf8.RuneCountInString(s.reply),
	}, nil
}

var _ domain.Agent = (*StaticAgent)(nil)
