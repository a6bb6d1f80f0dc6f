package dispatch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ocx/execcore/pkg/execapi"
)

func TestInvokeBroker_EnforcesMaxDepth(t *testing.T) {
	d := New(map[Mode]Backend{ModeInProcess: &fakeBackend{data: "ok"}}, nil, nil)
	broker := &InvokeBroker{Dispatcher: d, Mode: ModeInProcess}

	chain := &execapi.ChainState{Depth: 1}
	limits := execapi.ChainLimits{MaxDepth: 1}

	_, err := broker.Invoke(context.Background(), chain, limits, baseRequest())
	require.Error(t, err)
	var env *execapi.ErrorEnvelope
	require.ErrorAs(t, err, &env)
	require.Equal(t, execapi.ErrQuotaExceeded, env.Code)
}

func TestInvokeBroker_EnforcesMaxFanOut(t *testing.T) {
	d := New(map[Mode]Backend{ModeInProcess: &fakeBackend{data: "ok"}}, nil, nil)
	broker := &InvokeBroker{Dispatcher: d, Mode: ModeInProcess}

	chain := &execapi.ChainState{FanOut: 2}
	limits := execapi.ChainLimits{MaxFanOut: 2}

	child := baseRequest()
	child.PluginID = "reflex"
	_, err := broker.Invoke(context.Background(), chain, limits, child)
	require.Error(t, err)
	var env *execapi.ErrorEnvelope
	require.ErrorAs(t, err, &env)
	require.Equal(t, execapi.ErrQuotaExceeded, env.Code)
}

func TestInvokeBroker_SharesFanOutAcrossCalls(t *testing.T) {
	d := New(map[Mode]Backend{ModeInProcess: &fakeBackend{data: "ok"}}, nil, nil)
	broker := &InvokeBroker{Dispatcher: d, Mode: ModeInProcess}

	chain := &execapi.ChainState{}
	limits := execapi.ChainLimits{MaxFanOut: 1}

	first := baseRequest()
	first.PluginID = "a"
	_, err := broker.Invoke(context.Background(), chain, limits, first)
	require.NoError(t, err)
	require.Equal(t, 1, chain.FanOut)

	second := baseRequest()
	second.PluginID = "b"
	_, err = broker.Invoke(context.Background(), chain, limits, second)
	require.Error(t, err)
	var env *execapi.ErrorEnvelope
	require.ErrorAs(t, err, &env)
	require.Equal(t, execapi.ErrQuotaExceeded, env.Code)
}

func TestInvokeBroker_RejectsCycle(t *testing.T) {
	d := New(map[Mode]Backend{ModeInProcess: &fakeBackend{data: "ok"}}, nil, nil)
	broker := &InvokeBroker{Dispatcher: d, Mode: ModeInProcess}

	chain := &execapi.ChainState{Visited: map[string]bool{"mind": true}}
	_, err := broker.Invoke(context.Background(), chain, execapi.ChainLimits{}, baseRequest())
	require.Error(t, err)
	var env *execapi.ErrorEnvelope
	require.ErrorAs(t, err, &env)
	require.Equal(t, execapi.ErrConflict, env.Code)
}
