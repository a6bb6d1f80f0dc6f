package eventbus

import (
	"sync"

	"github.com/ocx/execcore/pkg/execapi"
)

// Registry hands out ref-counted plugin-scope buses: the first Acquire for
// a pluginID creates the Bus, later Acquires reuse it, and the Bus is
// closed only once every acquirer has Released it. No process-wide
// singleton is kept; callers own the registry instance.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*registryEntry
	cfg     Config
}

type registryEntry struct {
	bus      *Bus
	refCount int
}

func NewRegistry(cfg Config) *Registry {
	return &Registry{entries: make(map[string]*registryEntry), cfg: cfg}
}

// Acquire returns the shared plugin-scope Bus for pluginID, creating it on
// first use with perms. Later acquisitions ignore perms and reuse the
// existing bus's permission set.
func (r *Registry) Acquire(pluginID string, perms execapi.EventPermissions) *Bus {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[pluginID]
	if !ok {
		e = &registryEntry{bus: New(r.cfg, perms)}
		r.entries[pluginID] = e
	}
	e.refCount++
	return e.bus
}

// Release drops one reference to pluginID's bus, shutting it down and
// removing it from the registry once the count reaches zero.
func (r *Registry) Release(pluginID string) {
	r.mu.Lock()
	e, ok := r.entries[pluginID]
	if !ok {
		r.mu.Unlock()
		return
	}
	e.refCount--
	shouldClose := e.refCount <= 0
	if shouldClose {
		delete(r.entries, pluginID)
	}
	r.mu.Unlock()

	if shouldClose {
		_ = e.bus.Shutdown(0)
	}
}

// RefCount reports the live reference count for pluginID, for tests and
// diagnostics.
func (r *Registry) RefCount(pluginID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[pluginID]; ok {
		return e.refCount
	}
	return 0
}
