// Package handlers registers the plugin handlers compiled into a worker
// binary. Go has no equivalent of loading an arbitrary handler file by
// path at runtime, so a worker's available handlers are whatever this
// package registers at startup rather than whatever a plugin manifest
// happens to name; deploying a new handler means adding it here and
// rebuilding execworker.
package handlers

import (
	"fmt"

	"github.com/ocx/execcore/internal/worker"
)

// RegisterAll wires every built-in handler into reg. Real deployments
// add their own handler packages and call their Register functions
// alongside this one.
func RegisterAll(reg *worker.Registry) {
	_ = reg.Register("builtin/echo.go", "Echo", echoHandler)
	_ = reg.Register("builtin/health.go", "Ping", pingHandler)
}

func echoHandler(input any, ctx *worker.ExecContext) (any, error) {
	return map[string]any{"echo": input}, nil
}

func pingHandler(input any, ctx *worker.ExecContext) (any, error) {
	if ctx == nil || ctx.Request.PluginID == "" {
		return nil, fmt.Errorf("handlers: missing execution context")
	}
	return map[string]any{"pong": true, "pluginId": ctx.Request.PluginID}, nil
}
