package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ocx/execcore/internal/optrack"
	"github.com/ocx/execcore/internal/runtime"
	"github.com/ocx/execcore/pkg/execapi"
)

// HandlerFunc is the signature every plugin-exported function implements.
// input is the decoded request payload; ctx carries the per-execution
// facade, tracker, and deadline.
type HandlerFunc func(input any, ctx *ExecContext) (any, error)

// Invoker lets a handler recursively submit a child plugin execution
// through the same dispatch path used for the original request, charged
// against the running execution's chain budget. Only an in-process backend
// wires a non-nil Invoker into Dependencies; a subprocess or pooled worker
// runs in a separate binary with no reference to the host dispatcher.
type Invoker interface {
	Invoke(ctx context.Context, parentChain *execapi.ChainState, limits execapi.ChainLimits, child execapi.ExecutionRequest) (any, error)
}

// ExecContext is handed to a handler invocation.
type ExecContext struct {
	*optrack.Context
	Runtime *runtime.Facade
	Request execapi.ExecutionRequest
	Ctx     context.Context
	Invoker Invoker
}

// Invoke recursively submits child as a new plugin execution, charged
// against this handler's own chain depth/fan-out budget. It reports
// ErrNotImplemented when the current backend has no wired Invoker.
func (c *ExecContext) Invoke(child execapi.ExecutionRequest) (any, error) {
	if c.Invoker == nil {
		return nil, &execapi.ErrorEnvelope{
			Code:    execapi.ErrNotImplemented,
			Message: "recursive plugin invocation is not available for this execution backend",
		}
	}
	return c.Invoker.Invoke(c.Ctx, c.Chain, c.Request.ChainLimits, child)
}

// HandlerKey identifies one exported function within a plugin root.
type HandlerKey struct {
	File   string
	Export string
}

// Registry resolves (file, export) pairs to HandlerFunc implementations.
// A real dynamic module loader is out of scope for a compiled worker
// binary: handlers are registered ahead of time, the way the host process
// wires its own connectors.
type Registry struct {
	mu       sync.RWMutex
	handlers map[HandlerKey]HandlerFunc
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[HandlerKey]HandlerFunc)}
}

func (r *Registry) Register(file, export string, fn HandlerFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := HandlerKey{File: file, Export: export}
	if _, exists := r.handlers[key]; exists {
		return fmt.Errorf("worker: handler %s#%s already registered", file, export)
	}
	r.handlers[key] = fn
	return nil
}

// Lookup resolves ref to a HandlerFunc, reporting HandlerNotFound if
// absent.
func (r *Registry) Lookup(ref execapi.HandlerRef) (HandlerFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.handlers[HandlerKey{File: ref.File, Export: ref.Export}]
	if !ok {
		return nil, &execapi.ErrorEnvelope{
			Code:    execapi.ErrHandlerNotFound,
			Message: fmt.Sprintf("handler %s#%s not found", ref.File, ref.Export),
		}
	}
	return fn, nil
}

// List returns every registered handler key, sorted for stable output.
func (r *Registry) List() []HandlerKey {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]HandlerKey, 0, len(r.handlers))
	for k := range r.handlers {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].File != keys[j].File {
			return keys[i].File < keys[j].File
		}
		return keys[i].Export < keys[j].Export
	})
	return keys
}
