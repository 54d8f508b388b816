package multiagent

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"medrouter/internal/domain"
)

// discardLogger returns a no-op logger for registries created without one.
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Registry holds the registered agents in registration order.
//
// Registration happens at startup under a mutex. Seal publishes an immutable
// snapshot, after which List and Get read it without locking.
type Registry struct {
	mu     sync.Mutex
	order  []domain.AgentDescriptor
	byID   map[string]int
	sealed atomic.Pointer[snapshot]
	logger *slog.Logger
}

type snapshot struct {
	order []domain.AgentDescriptor
	byID  map[string]int
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = discardLogger()
	}
	return &Registry{
		byID:   make(map[string]int),
		logger: logger,
	}
}

// Register adds an agent. Registering the same descriptor twice is a no-op;
// a different agent under an existing ID fails with ErrDuplicateAgentID.
func (r *Registry) Register(desc domain.AgentDescriptor) error {
	if desc.ID == "" {
		return domain.NewSubSystemError("agent", "Registry.Register", domain.ErrInvalidInput, "empty agent id")
	}
	if desc.Agent == nil {
		return domain.NewSubSystemError("agent", "Registry.Register", domain.ErrInvalidInput, "nil agent for "+desc.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed.Load() != nil {
		return domain.NewSubSystemError("agent", "Registry.Register", domain.ErrInvalidInput, "registry is sealed")
	}
	if idx, exists := r.byID[desc.ID]; exists {
		if sameDescriptor(r.order[idx], desc) {
			return nil
		}
		return domain.NewSubSystemError("agent", "Registry.Register", domain.ErrDuplicateAgentID, desc.ID)
	}
	desc.Keywords = append([]string(nil), desc.Keywords...)
	r.byID[desc.ID] = len(r.order)
	r.order = append(r.order, desc)
	r.logger.Info("agent registered", "agent_id", desc.ID, "position", len(r.order)-1)
	return nil
}

// Seal freezes the registry. Further Register calls fail.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed.Load() != nil {
		return
	}
	byID := make(map[string]int, len(r.byID))
	for k, v := range r.byID {
		byID[k] = v
	}
	r.sealed.Store(&snapshot{order: append([]domain.AgentDescriptor(nil), r.order...), byID: byID})
	r.logger.Info("agent registry sealed", "agents", len(r.order))
}

// List returns all agents in registration order. The slice must not be modified.
func (r *Registry) List() []domain.AgentDescriptor {
	if s := r.sealed.Load(); s != nil {
		return s.order
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.AgentDescriptor(nil), r.order...)
}

// Len returns the number of registered agents.
func (r *Registry) Len() int { return len(r.List()) }

// Get returns the agent registered under id.
func (r *Registry) Get(id string) (domain.AgentDescriptor, error) {
	if s := r.sealed.Load(); s != nil {
		return lookup(s.order, s.byID, id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return lookup(r.order, r.byID, id)
}

func lookup(order []domain.AgentDescriptor, byID map[string]int, id string) (domain.AgentDescriptor, error) {
	idx, ok := byID[id]
	if !ok {
		return domain.AgentDescriptor{}, domain.NewSubSystemError("agent", "Registry.Get", domain.ErrNotFound, id)
	}
	return order[idx], nil
}

// Status forwards a health query to the agent. Agents without a health
// check report healthy.
func (r *Registry) Status(ctx context.Context, id string) (domain.AgentStatus, error) {
	desc, err := r.Get(id)
	if err != nil {
		return domain.AgentStatus{}, err
	}
	return statusOf(ctx, desc), nil
}

// StatusAll queries every agent concurrently and returns results in
// registration order.
func (r *Registry) StatusAll(ctx context.Context) []domain.AgentStatus {
	agents := r.List()
	out := make([]domain.AgentStatus, len(agents))
	var wg sync.WaitGroup
	for i, desc := range agents {
		wg.Add(1)
		go func(i int, desc domain.AgentDescriptor) {
			defer wg.Done()
			out[i] = statusOf(ctx, desc)
		}(i, desc)
	}
	wg.Wait()
	return out
}

func statusOf(ctx context.Context, desc domain.AgentDescriptor) domain.AgentStatus {
	hc, ok := desc.Agent.(domain.HealthChecker)
	if !ok {
		return domain.AgentStatus{ID: desc.ID, AgentHealth: domain.AgentHealth{Healthy: true}}
	}
	return domain.AgentStatus{ID: desc.ID, AgentHealth: hc.Health(ctx)}
}

// sameDescriptor reports whether two descriptors are the same registration.
// Agents are compared by identity where the dynamic type allows it.
func sameDescriptor(a, b domain.AgentDescriptor) (same bool) {
	if a.ID != b.ID || a.Description != b.Description || len(a.Keywords) != len(b.Keywords) {
		return false
	}
	for i := range a.Keywords {
		if a.Keywords[i] != b.Keywords[i] {
			return false
		}
	}
	defer func() {
		// Non-comparable dynamic types (func adapters, slices) panic on ==.
		if recover() != nil {
			same = false
		}
	}()
	return a.Agent == b.Agent
}
