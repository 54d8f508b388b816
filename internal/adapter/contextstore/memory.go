package contextstore

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"medrouter/internal/domain"
)

type memEntry struct {
	cc        *domain.ConversationContext
	expiresAt time.Time // zero = no per-entry expiry
}

// MemoryStore is an in-process store for single-instance deployments and
// tests. Capacity is bounded; the least recently used user is evicted first.
// Entries also expire after maxTTL regardless of the ttl passed to Set.
type MemoryStore struct {
	lru *expirable.LRU[string, memEntry]
	now func() time.Time
}

// NewMemoryStore creates a store holding at most size users. maxTTL <= 0
// disables the global expiry.
func NewMemoryStore(size int, maxTTL time.Duration) *MemoryStore {
	if size <= 0 {
		size = 10000
	}
	if maxTTL < 0 {
		maxTTL = 0
	}
	return &MemoryStore{
		lru: expirable.NewLRU[string, memEntry](size, nil, maxTTL),
		now: time.Now,
	}
}

// Get implements domain.ContextStore. Callers receive a copy.
func (m *MemoryStore) Get(_ context.Context, userID string) (*domain.ConversationContext, error) {
	e, ok := m.lru.Get(userID)
	if !ok {
		return nil, nil
	}
	if !e.expiresAt.IsZero() && !m.now().Before(e.expiresAt) {
		m.lru.Remove(userID)
		return nil, nil
	}
	return e.cc.Clone(), nil
}

// Set implements domain.ContextStore. The store keeps its own copy.
func (m *MemoryStore) Set(_ context.Context, userID string, cc *domain.ConversationContext, ttl time.Duration) error {
	e := memEntry{cc: cc.Clone()}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.lru.Add(userID, e)
	return nil
}

// Delete implements domain.ContextStore.
func (m *MemoryStore) Delete(_ context.Context, userID string) error {
	m.lru.Remove(userID)
	return nil
}

// Len returns the number of stored users, including ones not yet purged.
func (m *MemoryStore) Len() int { return m.lru.Len() }

var _ domain.ContextStore = (*MemoryStore)(nil)
