package domain

import "time"

// Turn roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one entry of short-term conversational memory.
type Turn struct {
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	AgentID   string    `json:"agent_id,omitempty"`
	Blocked   bool      `json:"blocked,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Expired reports whether the turn is older than ttl at now.
// A non-positive ttl never expires.
func (t Turn) Expired(now time.Time, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}
	return now.Sub(t.Timestamp) > ttl
}

// ConversationContext is the short-term memory for one user session.
// The context store owns the authoritative copy; callers work on copies.
type ConversationContext struct {
	UserID    string    `json:"user_id"`
	Entries   []Turn    `json:"entries"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the whole context is past its expiry at now.
// A zero ExpiresAt never expires.
func (c *ConversationContext) Expired(now time.Time) bool {
	if c == nil {
		return true
	}
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// Clone returns a deep copy of c. Clone of nil is nil.
func (c *ConversationContext) Clone() *ConversationContext {
	if c == nil {
		return nil
	}
	out := *c
	out.Entries = append([]Turn(nil), c.Entries...)
	return &out
}
