package worker

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ocx/execcore/internal/wire"
	"github.com/ocx/execcore/pkg/execapi"
)

func TestRegistry_LookupNotFound(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Lookup(execapi.HandlerRef{File: "missing.go", Export: "Run"})
	require.Error(t, err)
	var env *execapi.ErrorEnvelope
	require.ErrorAs(t, err, &env)
	require.Equal(t, execapi.ErrHandlerNotFound, env.Code)
}

func TestRegistry_RegisterAndLookup(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("pack.go", "Run", func(input any, ctx *ExecContext) (any, error) {
		return "ok", nil
	}))

	fn, err := reg.Lookup(execapi.HandlerRef{File: "pack.go", Export: "Run"})
	require.NoError(t, err)
	out, err := fn(nil, nil)
	require.NoError(t, err)
	require.Equal(t, "ok", out)

	err = reg.Register("pack.go", "Run", func(any, *ExecContext) (any, error) { return nil, nil })
	require.Error(t, err)
}

func TestProcess_HandshakeSendsReady(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("pack.go", "Run", func(input any, ctx *ExecContext) (any, error) {
		return map[string]any{"greeting": "hi"}, nil
	}))

	var toWorker bytes.Buffer
	var fromWorker bytes.Buffer
	conn := wire.NewConn(&fromWorker, &toWorker)

	proc := New(conn, Dependencies{Handlers: reg, WorkDir: t.TempDir(), OutDir: t.TempDir()})

	req := execapi.ExecutionRequest{
		ExecutionID:    "exec-1",
		PluginID:       "mind",
		PluginRoot:     "/plugins/mind",
		Handler:        execapi.HandlerRef{File: "pack.go", Export: "Run"},
		DeadlineUnixMs: time.Now().Add(time.Second).UnixMilli(),
	}
	frame := wire.Frame{Type: wire.TypeExecute, Execute: &wire.ExecutePayload{RequestID: "req-1", Request: req}}
	data, err := frame.Marshal()
	require.NoError(t, err)
	toWorker.Write(append(data, '\n'))

	shutdownFrame := wire.Frame{Type: wire.TypeShutdown, Shutdown: &wire.ShutdownPayload{GraceMs: 200}}
	shData, err := shutdownFrame.Marshal()
	require.NoError(t, err)
	toWorker.Write(append(shData, '\n'))

	err = proc.Run()
	require.NoError(t, err)

	out := fromWorker.String()
	require.Contains(t, out, `"type":"ready"`)
	require.Contains(t, out, `"type":"result"`)
}
