// ABOUTME: In-memory agent registry for the communication manager
// ABOUTME: Process-local and injected, so test instances never share state

package comms

import (
	"sync"
	"time"
)

// Registration records a locally registered agent. Entries are immutable
// once created.
type Registration struct {
	AgentID      string
	RegisteredAt time.Time
}

// Registry tracks which agents are registered with this manager instance.
// It is process-local mutable state: a restart requires every agent to
// re-register. Safe for concurrent use; operations are short map accesses,
// so unrelated agents never contend for long.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*Registration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]*Registration)}
}

// Add registers an agent id. Returns false when the id was already
// registered, in which case the existing entry is kept untouched.
func (r *Registry) Add(agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[agentID]; exists {
		return false
	}
	r.agents[agentID] = &Registration{
		AgentID:      agentID,
		RegisteredAt: time.Now().UTC(),
	}
	return true
}

// Remove unregisters an agent id. Returns false when it was not registered.
func (r *Registry) Remove(agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[agentID]; !exists {
		return false
	}
	delete(r.agents, agentID)
	return true
}

// Contains reports whether the agent id is registered.
func (r *Registry) Contains(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[agentID]
	return ok
}

// Get returns the registration for an agent id.
func (r *Registry) Get(agentID string) (*Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.agents[agentID]
	return reg, ok
}

// Count returns the number of registered agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// List returns all registrations in no particular order.
func (r *Registry) List() []*Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	regs := make([]*Registration, 0, len(r.agents))
	for _, reg := range r.agents {
		regs = append(regs, reg)
	}
	return regs
}
