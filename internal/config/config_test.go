package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestApplyDefaults_FillsZeroValues(t *testing.T) {
	var c Config
	c.applyDefaults()

	require.Equal(t, "8080", c.Server.Port)
	require.Equal(t, "subprocess", c.Pool.Backend)
	require.Equal(t, c.Pool.Max, c.Pool.MaxConcurrentPerPlugin)
	require.Equal(t, "lazy", c.Pool.WarmupMode)
	require.Equal(t, int64(30_000), c.Quotas.TimeMs)
	require.Equal(t, "./data/artifacts", c.Artifacts.BaseDir)
	require.Equal(t, "drop-oldest", c.EventBus.DropPolicy)
	require.Equal(t, "auto", c.Dispatch.Mode)
}

func TestApplyEnvOverrides_RespectsEnvironment(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("POOL_MAX", "12")
	t.Setenv("EXECUTION_MODE", "worker-pool")
	t.Setenv("EXECCORE_DEBUG", "true")

	var c Config
	c.applyEnvOverrides()

	require.Equal(t, "9090", c.Server.Port)
	require.Equal(t, 12, c.Pool.Max)
	require.Equal(t, "worker-pool", c.Dispatch.Mode)
	require.True(t, c.Dispatch.Debug)
}

func TestManager_Get_AppliesTenantOverride(t *testing.T) {
	global := Config{}
	global.applyDefaults()

	m := &Manager{
		globalConfig: &global,
		tenantConfigs: map[string]Config{
			"acme": {Pool: PoolConfig{MaxConcurrentPerPlugin: 2}},
		},
	}

	effective := m.Get("acme")
	require.Equal(t, 2, effective.Pool.MaxConcurrentPerPlugin)
	require.Equal(t, global.Pool.Max, effective.Pool.Max)

	require.Equal(t, &global, m.Get("unknown-tenant"))
}
