package domain

import (
	"context"
	"time"
)

// ScoringProvider rates how well an agent fits a message.
type ScoringProvider interface {
	// Score returns a confidence in [0,1] for routing text to agentID.
	Score(ctx context.Context, text, agentID string) (float64, error)
}

// SafetyGate vets an outgoing prompt before any generation happens.
type SafetyGate interface {
	Check(ctx context.Context, prompt string) (SafetyVerdict, error)
}

// ContextStore is the short-term conversational memory service.
type ContextStore interface {
	// Get returns the stored context, or (nil, nil) when absent.
	Get(ctx context.Context, userID string) (*ConversationContext, error)
	// Set replaces the stored context and (re)starts its time-to-live.
	Set(ctx context.Context, userID string, cc *ConversationContext, ttl time.Duration) error
	// Delete removes the stored context. Deleting a missing key is not an error.
	Delete(ctx context.Context, userID string) error
}

// EmbeddingProvider is the interface for text embedding backends.
type EmbeddingProvider interface {
	// Embed generates embeddings for the given texts.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Name returns the provider's identifier (e.g., "openai", "ollama").
	Name() string
}

// TokenCounter measures text against a prompt budget.
type TokenCounter interface {
	Count(text string) int
}
