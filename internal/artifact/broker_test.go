package artifact

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ocx/execcore/pkg/execapi"
)

func TestParseURI(t *testing.T) {
	u, err := ParseURI("artifact://@kb-labs/mind/.kb/mind/pack/default/r-0c7zkle.md")
	require.NoError(t, err)
	require.Equal(t, "@kb-labs/mind", u.PluginID)
	require.Equal(t, ".kb/mind/pack/default/r-0c7zkle.md", u.Logical)
	require.Equal(t, "artifact://@kb-labs/mind/.kb/mind/pack/default/r-0c7zkle.md", u.String())
}

func TestParseURI_Unscoped(t *testing.T) {
	u, err := ParseURI("artifact://mind/out.txt")
	require.NoError(t, err)
	require.Equal(t, "mind", u.PluginID)
	require.Equal(t, "out.txt", u.Logical)
}

func TestParseURI_Invalid(t *testing.T) {
	_, err := ParseURI("not-a-uri")
	require.Error(t, err)

	_, err = ParseURI("artifact://mind/")
	require.Error(t, err)
}

func TestBroker_WriteThenRead(t *testing.T) {
	b := New(t.TempDir())
	u := URI{PluginID: "mind", Logical: "report.md"}

	meta, err := b.Write(u, []byte("# hi"), "", "mind", nil, ModeOverwrite)
	require.NoError(t, err)
	require.Equal(t, StatusReady, meta.Status)
	require.NotEmpty(t, meta.SHA256)

	perm := execapi.Permissions{ArtifactsR: []execapi.ArtifactReadGrant{{From: "self", Paths: []string{"*.md"}}}}
	data, readMeta, err := b.Read(perm, u)
	require.NoError(t, err)
	require.Equal(t, "# hi", string(data))
	require.Equal(t, StatusReady, readMeta.Status)
}

func TestBroker_ReadDeniedWithoutGrant(t *testing.T) {
	b := New(t.TempDir())
	u := URI{PluginID: "mind", Logical: "secret.md"}
	_, err := b.Write(u, []byte("x"), "", "mind", nil, ModeOverwrite)
	require.NoError(t, err)

	_, _, err = b.Read(execapi.Permissions{}, u)
	require.Error(t, err)
}

func TestBroker_ReadMissingIsNotFound(t *testing.T) {
	b := New(t.TempDir())
	perm := execapi.Permissions{ArtifactsR: []execapi.ArtifactReadGrant{{From: "self", Paths: []string{"**/*"}}}}
	_, _, err := b.Read(perm, URI{PluginID: "mind", Logical: "missing.md"})
	require.Error(t, err)
	var env *execapi.ErrorEnvelope
	require.ErrorAs(t, err, &env)
	require.Equal(t, execapi.ErrNotFound, env.Code)
}

func TestBroker_List(t *testing.T) {
	b := New(t.TempDir())
	_, err := b.Write(URI{PluginID: "mind", Logical: "a/one.md"}, []byte("1"), "", "mind", nil, ModeOverwrite)
	require.NoError(t, err)
	_, err = b.Write(URI{PluginID: "mind", Logical: "a/two.txt"}, []byte("2"), "", "mind", nil, ModeOverwrite)
	require.NoError(t, err)

	all, err := b.List("mind", "")
	require.NoError(t, err)
	require.Len(t, all, 2)

	mdOnly, err := b.List("mind", "**/*.md")
	require.NoError(t, err)
	require.Len(t, mdOnly, 1)
}

func TestBroker_DeleteHidesArtifact(t *testing.T) {
	b := New(t.TempDir())
	u := URI{PluginID: "mind", Logical: "x.md"}
	_, err := b.Write(u, []byte("x"), "", "mind", nil, ModeOverwrite)
	require.NoError(t, err)
	require.NoError(t, b.Delete(u))

	_, err = b.ReadMeta(u)
	require.Error(t, err)
}

func TestBroker_WaitForArtifact_AlreadyReady(t *testing.T) {
	b := New(t.TempDir())
	u := URI{PluginID: "mind", Logical: "x.md"}
	_, err := b.Write(u, []byte("x"), "", "mind", nil, ModeOverwrite)
	require.NoError(t, err)

	meta, err := b.WaitForArtifact(context.Background(), u, time.Second)
	require.NoError(t, err)
	require.Equal(t, StatusReady, meta.Status)
}

func TestBroker_WriteFailIfExistsConflicts(t *testing.T) {
	b := New(t.TempDir())
	u := URI{PluginID: "mind", Logical: "report.md"}

	_, err := b.Write(u, []byte("first"), "", "mind", nil, ModeFailIfExists)
	require.NoError(t, err)

	_, err = b.Write(u, []byte("second"), "", "mind", nil, ModeFailIfExists)
	require.Error(t, err)
	var env *execapi.ErrorEnvelope
	require.ErrorAs(t, err, &env)
	require.Equal(t, execapi.ErrConflict, env.Code)
}

func TestBroker_WaitForArtifact_TimesOut(t *testing.T) {
	b := New(t.TempDir())
	u := URI{PluginID: "mind", Logical: "never.md"}

	_, err := b.WaitForArtifact(context.Background(), u, 600*time.Millisecond)
	require.Error(t, err)
	var env *execapi.ErrorEnvelope
	require.ErrorAs(t, err, &env)
	require.Equal(t, execapi.ErrTimeout, env.Code)
}
