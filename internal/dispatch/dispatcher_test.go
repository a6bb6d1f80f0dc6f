package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ocx/execcore/internal/artifact"
	"github.com/ocx/execcore/pkg/execapi"
)

type fakeBackend struct {
	data any
	err  error
}

func (b *fakeBackend) Execute(ctx context.Context, req execapi.ExecutionRequest, timeout time.Duration) (any, error) {
	return b.data, b.err
}

func baseRequest() execapi.ExecutionRequest {
	return execapi.ExecutionRequest{
		ExecutionID: "exec-1",
		PluginID:    "mind",
		RequestID:   "req-1",
		Input:       map[string]any{"name": "ada"},
		Permissions: execapi.Permissions{Capabilities: []string{"net.fetch"}},
	}
}

func TestDispatcher_CapabilityMissing(t *testing.T) {
	d := New(map[Mode]Backend{ModeInProcess: &fakeBackend{data: "ok"}}, nil, nil)
	manifest := HandlerManifest{RequiredCapabilities: []string{"fs.write"}}

	env := d.Execute(context.Background(), baseRequest(), manifest, ModeInProcess)
	require.False(t, env.OK)
	require.Equal(t, execapi.ErrCapabilityMissing, env.Error.Code)
}

func TestDispatcher_InputSchemaRejected(t *testing.T) {
	d := New(map[Mode]Backend{ModeInProcess: &fakeBackend{data: "ok"}}, nil, nil)
	manifest := HandlerManifest{
		InputSchema: map[string]any{
			"type":     "object",
			"required": []any{"age"},
		},
	}

	env := d.Execute(context.Background(), baseRequest(), manifest, ModeInProcess)
	require.False(t, env.OK)
	require.Equal(t, execapi.ErrSchemaValidation, env.Error.Code)
}

func TestDispatcher_SuccessAndPublishesArtifact(t *testing.T) {
	dir := t.TempDir()
	broker := artifact.New(dir)
	backend := &fakeBackend{data: map[string]any{"summaryReport": map[string]any{"total": 3}}}
	d := New(map[Mode]Backend{ModeInProcess: backend}, broker, nil)

	req := baseRequest()
	req.Permissions.ArtifactsW = []execapi.ArtifactWriteGrant{{To: "self", Paths: []string{"*"}}}
	manifest := HandlerManifest{DeclaredArtifacts: []string{"summary-report"}}

	env := d.Execute(context.Background(), req, manifest, ModeInProcess)
	require.True(t, env.OK)

	uri := artifact.URI{PluginID: "mind", Logical: "summary-report"}
	meta, err := broker.ReadMeta(uri)
	require.NoError(t, err)
	require.Equal(t, artifact.StatusReady, meta.Status)
}

func TestDispatcher_UnknownMode(t *testing.T) {
	d := New(map[Mode]Backend{}, nil, nil)
	env := d.Execute(context.Background(), baseRequest(), HandlerManifest{}, ModeWorkerPool)
	require.False(t, env.OK)
	require.Equal(t, execapi.ErrUnknownMode, env.Error.Code)
}

func TestDispatcher_BackendErrorPassthrough(t *testing.T) {
	d := New(map[Mode]Backend{ModeInProcess: &fakeBackend{err: &execapi.ErrorEnvelope{Code: execapi.ErrTimeout, Message: "too slow"}}}, nil, nil)
	env := d.Execute(context.Background(), baseRequest(), HandlerManifest{}, ModeInProcess)
	require.False(t, env.OK)
	require.Equal(t, execapi.ErrTimeout, env.Error.Code)
}

func TestDispatcher_ChainDepthExceeded(t *testing.T) {
	d := New(map[Mode]Backend{ModeInProcess: &fakeBackend{data: "ok"}}, nil, nil)
	req := baseRequest()
	req.ChainLimits = execapi.ChainLimits{MaxDepth: 2}
	req.Chain = execapi.ChainState{Depth: 3}

	env := d.Execute(context.Background(), req, HandlerManifest{}, ModeInProcess)
	require.False(t, env.OK)
	require.Equal(t, execapi.ErrQuotaExceeded, env.Error.Code)
}

func TestDispatcher_ChainCycleRejected(t *testing.T) {
	d := New(map[Mode]Backend{ModeInProcess: &fakeBackend{data: "ok"}}, nil, nil)
	req := baseRequest()
	req.Chain = execapi.ChainState{Visited: map[string]bool{"mind": true}}

	env := d.Execute(context.Background(), req, HandlerManifest{}, ModeInProcess)
	require.False(t, env.OK)
	require.Equal(t, execapi.ErrConflict, env.Error.Code)
}

func TestResolveMode_DevModeOverridesEverything(t *testing.T) {
	t.Setenv("KB_PLUGIN_DEV_MODE", "true")
	t.Setenv("EXECUTOR_SERVICE_ENDPOINT", "https://example.test")

	mode, err := ResolveMode(ModeWorkerPool, true)
	require.NoError(t, err)
	require.Equal(t, ModeInProcess, mode)
}

func TestResolveMode_AutoPrefersRemoteEndpoint(t *testing.T) {
	t.Setenv("EXECUTOR_SERVICE_ENDPOINT", "https://example.test")
	mode, err := ResolveMode(ModeAuto, false)
	require.NoError(t, err)
	require.Equal(t, ModeRemote, mode)
}

func TestResolveMode_UnknownExplicitMode(t *testing.T) {
	_, err := ResolveMode(Mode("bogus"), false)
	require.Error(t, err)
	var env *execapi.ErrorEnvelope
	require.ErrorAs(t, err, &env)
	require.Equal(t, execapi.ErrUnknownMode, env.Code)
}
