package dispatch

import (
	"context"
	"time"

	"github.com/ocx/execcore/pkg/execapi"
)

// checkChainLimits enforces req.ChainLimits against req.Chain before a
// request reaches a backend, initialising Visited/StartedAt on first entry
// into a chain. It returns the (possibly updated) chain state to carry
// forward, with req.PluginID added to a copy of its visited set, or a
// non-nil error envelope if a limit is already exceeded.
func checkChainLimits(req execapi.ExecutionRequest) (execapi.ChainState, error) {
	state := req.Chain
	if state.Visited == nil {
		state.Visited = make(map[string]bool)
	}
	if state.StartedAt.IsZero() {
		state.StartedAt = time.Now()
	}

	limits := req.ChainLimits
	if limits.MaxDepth > 0 && state.Depth > limits.MaxDepth {
		return state, &execapi.ErrorEnvelope{
			Code:    execapi.ErrQuotaExceeded,
			Message: "chain depth limit exceeded",
			Details: map[string]any{"maxDepth": limits.MaxDepth, "depth": state.Depth},
		}
	}
	if limits.MaxFanOut > 0 && state.FanOut > limits.MaxFanOut {
		return state, &execapi.ErrorEnvelope{
			Code:    execapi.ErrQuotaExceeded,
			Message: "chain fan-out limit exceeded",
			Details: map[string]any{"maxFanOut": limits.MaxFanOut, "fanOut": state.FanOut},
		}
	}
	if limits.MaxChainTime > 0 && time.Since(state.StartedAt) > limits.MaxChainTime {
		return state, &execapi.ErrorEnvelope{
			Code:    execapi.ErrTimeout,
			Message: "chain time budget exceeded",
			Details: map[string]any{"maxChainTime": limits.MaxChainTime.String()},
		}
	}
	if req.PluginID != "" && state.Visited[req.PluginID] {
		return state, &execapi.ErrorEnvelope{
			Code:    execapi.ErrConflict,
			Message: "plugin " + req.PluginID + " already appears earlier in this chain",
		}
	}
	if req.PluginID != "" {
		visited := make(map[string]bool, len(state.Visited)+1)
		for k, v := range state.Visited {
			visited[k] = v
		}
		visited[req.PluginID] = true
		state.Visited = visited
	}
	return state, nil
}

// InvokeBroker lets a handler running under an in-process backend
// recursively submit a child plugin execution through the same dispatcher,
// charging the child against the calling handler's chain budget instead of
// starting a fresh one. Only InProcessBackend wires a non-nil broker into
// its handlers: a subprocess or pooled worker runs in a separate binary
// with no reference to the host's Dispatcher, so recursive invocation is
// unavailable there in this pass.
type InvokeBroker struct {
	Dispatcher *Dispatcher
	Mode       Mode
}

// Invoke runs child as a new execution, charged against parentChain.
// parentChain is mutated in place (FanOut, Visited) so repeated calls from
// the same handler share one fan-out budget and one visited-plugin set.
// No HandlerManifest is available for a recursively invoked plugin, so the
// call skips capability/schema checks the top-level dispatch path applies;
// permission checks inside the child's own runtime facade still apply.
func (b *InvokeBroker) Invoke(ctx context.Context, parentChain *execapi.ChainState, limits execapi.ChainLimits, child execapi.ExecutionRequest) (any, error) {
	if parentChain.Visited == nil {
		parentChain.Visited = make(map[string]bool)
	}
	if parentChain.StartedAt.IsZero() {
		parentChain.StartedAt = time.Now()
	}

	if limits.MaxDepth > 0 && parentChain.Depth+1 > limits.MaxDepth {
		return nil, &execapi.ErrorEnvelope{
			Code:    execapi.ErrQuotaExceeded,
			Message: "chain depth limit exceeded",
			Details: map[string]any{"maxDepth": limits.MaxDepth, "depth": parentChain.Depth + 1},
		}
	}
	if limits.MaxFanOut > 0 && parentChain.FanOut+1 > limits.MaxFanOut {
		return nil, &execapi.ErrorEnvelope{
			Code:    execapi.ErrQuotaExceeded,
			Message: "chain fan-out limit exceeded",
			Details: map[string]any{"maxFanOut": limits.MaxFanOut, "fanOut": parentChain.FanOut + 1},
		}
	}
	if limits.MaxChainTime > 0 && time.Since(parentChain.StartedAt) > limits.MaxChainTime {
		return nil, &execapi.ErrorEnvelope{Code: execapi.ErrTimeout, Message: "chain time budget exceeded"}
	}
	if parentChain.Visited[child.PluginID] {
		return nil, &execapi.ErrorEnvelope{
			Code:    execapi.ErrConflict,
			Message: "plugin " + child.PluginID + " already appears earlier in this chain",
		}
	}

	visited := make(map[string]bool, len(parentChain.Visited)+1)
	for k, v := range parentChain.Visited {
		visited[k] = v
	}
	visited[child.PluginID] = true

	child.ChainLimits = limits
	child.Chain = execapi.ChainState{
		Depth:     parentChain.Depth + 1,
		FanOut:    0,
		Visited:   parentChain.Visited,
		StartedAt: parentChain.StartedAt,
	}

	parentChain.FanOut++
	parentChain.Visited = visited

	env := b.Dispatcher.Execute(ctx, child, HandlerManifest{}, b.Mode)
	if !env.OK {
		return nil, env.Error
	}
	return env.Data, nil
}
