package permgate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/execcore/pkg/execapi"
)

func TestCheckFs_GlobAllow(t *testing.T) {
	perm := execapi.FSPermissions{
		Mode:  execapi.FSModeRead,
		Allow: []string{"src/**/*.tsx"},
	}

	r := CheckFs(perm, "src/components/Button.tsx", false)
	require.True(t, r.Granted)

	r = CheckFs(perm, "config/app.json", false)
	require.False(t, r.Granted)
}

func TestCheckFs_HardDenyOverridesAllow(t *testing.T) {
	perm := execapi.FSPermissions{
		Mode:  execapi.FSModeRead,
		Allow: []string{"**/*"},
	}

	r := CheckFs(perm, ".env", false)
	require.False(t, r.Granted)

	r = CheckFs(perm, "id_rsa.key", false)
	require.False(t, r.Granted)
}

func TestCheckFs_WriteRequiresReadWrite(t *testing.T) {
	perm := execapi.FSPermissions{Mode: execapi.FSModeRead, Allow: []string{"**/*"}}
	r := CheckFs(perm, "out.txt", true)
	require.False(t, r.Granted)

	perm.Mode = execapi.FSModeReadWrite
	r = CheckFs(perm, "out.txt", true)
	require.True(t, r.Granted)
}

func TestCheckFs_DenyPrecedesAllow(t *testing.T) {
	perm := execapi.FSPermissions{
		Mode:  execapi.FSModeRead,
		Allow: []string{"src/**"},
		Deny:  []string{"src/secrets/**"},
	}
	r := CheckFs(perm, "src/secrets/token.txt", false)
	require.False(t, r.Granted)
}

func TestCheckNet(t *testing.T) {
	perm := execapi.NetPermissions{AllowHosts: []string{"*.example.com"}}
	require.True(t, CheckNet(perm, "https://api.example.com/v1").Granted)
	require.False(t, CheckNet(perm, "https://evil.org").Granted)

	noneGate := execapi.NetPermissions{None: true}
	require.False(t, CheckNet(noneGate, "example.com").Granted)
}

func TestCheckNet_CIDR(t *testing.T) {
	perm := execapi.NetPermissions{AllowCIDRs: []string{"10.0.0.0/8"}}
	require.True(t, CheckNet(perm, "10.1.2.3").Granted)
	require.False(t, CheckNet(perm, "11.1.2.3").Granted)
}

func TestCheckEnv(t *testing.T) {
	wl := []string{"API_KEY", "KB_*"}
	require.True(t, CheckEnv(wl, "API_KEY").Granted)
	require.True(t, CheckEnv(wl, "KB_WORKER_ID").Granted)
	require.False(t, CheckEnv(wl, "SECRET").Granted)
}

func TestOwnNamespace(t *testing.T) {
	assert.Equal(t, "mind", OwnNamespace("@kb-labs/mind-plugin"))
	assert.Equal(t, "mind", OwnNamespace("mind-plugin"))
	assert.Equal(t, "mind", OwnNamespace("mind"))
}

func TestCheckState_Own(t *testing.T) {
	perm := execapi.StatePermissions{OwnRead: true}
	r := CheckState(perm, "mind", "@kb-labs/mind-plugin", StateRead)
	require.True(t, r.Granted)

	r = CheckState(perm, "mind", "@kb-labs/mind-plugin", StateWrite)
	require.False(t, r.Granted)
}

func TestCheckState_ExternalRequiresReason(t *testing.T) {
	perm := execapi.StatePermissions{
		External: []execapi.ExternalStateGrant{
			{Namespace: "other", Write: true, Reason: ""},
		},
	}
	r := CheckState(perm, "other", "self-plugin", StateWrite)
	require.False(t, r.Granted)

	perm.External[0].Reason = "sync cache"
	r = CheckState(perm, "other", "self-plugin", StateWrite)
	require.True(t, r.Granted)
}

func TestCheckAll(t *testing.T) {
	perms := execapi.Permissions{
		FS: execapi.FSPermissions{Mode: execapi.FSModeRead, Allow: []string{"**/*"}},
	}
	res := CheckAll(perms, []Target{
		{Kind: "fs", Path: "a.txt"},
		{Kind: "fs", Path: ".env"},
	})
	require.False(t, res.AllGranted)
	require.True(t, res.PerComponent["fs:0"].Granted)
	require.False(t, res.PerComponent["fs:1"].Granted)
}
