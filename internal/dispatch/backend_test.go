package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ocx/execcore/pkg/execapi"
)

func TestRemoteBackend_NotImplementedWithoutAddr(t *testing.T) {
	b := &RemoteBackend{}
	_, err := b.Execute(context.Background(), baseRequest(), time.Second)

	envErr, ok := err.(*execapi.ErrorEnvelope)
	require.True(t, ok)
	require.Equal(t, execapi.ErrNotImplemented, envErr.Code)
}

func TestRemoteBackend_NotImplementedAfterDial(t *testing.T) {
	b := &RemoteBackend{Addr: "127.0.0.1:0"}
	_, err := b.Execute(context.Background(), baseRequest(), time.Second)

	envErr, ok := err.(*execapi.ErrorEnvelope)
	require.True(t, ok)
	require.Equal(t, execapi.ErrNotImplemented, envErr.Code)
	require.NoError(t, b.Close())
}
