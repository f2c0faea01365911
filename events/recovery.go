package events

import "sync"

// RecoveryRegistry tracks the persistence registration active for each
// recovery queue address. At most one is active per address.
type RecoveryRegistry struct {
	mu     sync.Mutex
	active map[string]*Registration
}

// NewRecoveryRegistry creates an empty registry.
func NewRecoveryRegistry() *RecoveryRegistry {
	return &RecoveryRegistry{active: make(map[string]*Registration)}
}

// TryActivate installs r for address unless another registration is already
// active there. It reports whether r was installed.
func (g *RecoveryRegistry) TryActivate(address string, r *Registration) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.active[address]; ok {
		return false
	}
	g.active[address] = r
	return true
}

// TryRetire removes and returns the registration active for address.
func (g *RecoveryRegistry) TryRetire(address string) (*Registration, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.active[address]
	if ok {
		delete(g.active, address)
	}
	return r, ok
}

// Active returns the registration active for address without removing it.
func (g *RecoveryRegistry) Active(address string) (*Registration, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.active[address]
	return r, ok
}

// Len returns the number of active addresses.
func (g *RecoveryRegistry) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.active)
}
