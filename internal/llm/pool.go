package llm

import (
	"sync"
)

// Pool holds one round-robin pointer per family. A slot is advanced only
// after it has exhausted its local retry budget.
type Pool struct {
	registry *Registry

	mu  sync.Mutex
	ptr map[FamilyID]int
}

// NewPool creates a pool with every pointer at slot 0.
func NewPool(registry *Registry) *Pool {
	return &Pool{
		registry: registry,
		ptr:      make(map[FamilyID]int),
	}
}

// Current returns the slot under the family's pointer and its index.
func (p *Pool) Current(id FamilyID) (CredentialSlot, int, error) {
	fam, err := p.registry.Get(id)
	if err != nil {
		return CredentialSlot{}, 0, err
	}

	p.mu.Lock()
	idx := p.ptr[id]
	p.mu.Unlock()

	slot := fam.Slots[idx]
	if slot.APIKey == "" {
		return slot, idx, &ConfigurationError{Family: id, Slot: idx, Env: envOr(slot.APIKeyEnv, "api key")}
	}
	if slot.Endpoint == "" {
		return slot, idx, &ConfigurationError{Family: id, Slot: idx, Env: envOr(slot.EndpointEnv, "endpoint")}
	}
	return slot, idx, nil
}

// Advance moves the family's pointer to the next slot, wrapping around.
func (p *Pool) Advance(id FamilyID) {
	fam, err := p.registry.Get(id)
	if err != nil {
		return
	}
	p.mu.Lock()
	p.ptr[id] = (p.ptr[id] + 1) % len(fam.Slots)
	p.mu.Unlock()
}

// Pointer returns the current slot index for a family.
func (p *Pool) Pointer(id FamilyID) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ptr[id]
}

func envOr(env, fallback string) string {
	if env != "" {
		return env
	}
	return fallback
}
