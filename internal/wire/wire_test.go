package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ocx/execcore/pkg/execapi"
)

func TestFrame_MarshalUnmarshalRoundTrip(t *testing.T) {
	f := Frame{
		Type: TypeExecute,
		Execute: &ExecutePayload{
			RequestID: "req-1",
			Request:   execapi.ExecutionRequest{ExecutionID: "exec-1", PluginID: "mind"},
			TimeoutMs: 5000,
		},
	}

	data, err := f.Marshal()
	require.NoError(t, err)

	got, err := Unmarshal(data)
	require.NoError(t, err)
	require.Equal(t, TypeExecute, got.Type)
	require.Equal(t, "req-1", got.Execute.RequestID)
	require.Equal(t, "mind", got.Execute.Request.PluginID)
}

func TestFrame_Validate_RejectsUnknownType(t *testing.T) {
	_, err := Unmarshal([]byte(`{"type":"bogus"}`))
	require.Error(t, err)
}

func TestFrame_Validate_RejectsMissingPayload(t *testing.T) {
	_, err := Unmarshal([]byte(`{"type":"execute"}`))
	require.Error(t, err)
}

func TestConn_SendRecvRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	conn := NewConn(&buf, &buf)

	require.NoError(t, conn.Send(Frame{Type: TypeReady, Ready: &ReadyPayload{PID: 123}}))
	require.NoError(t, conn.Send(Frame{Type: TypeHealthOk, HealthOk: &HealthOkPayload{PID: 123, UptimeMs: 10}}))

	f1, err := conn.Recv()
	require.NoError(t, err)
	require.Equal(t, TypeReady, f1.Type)
	require.Equal(t, 123, f1.Ready.PID)

	f2, err := conn.Recv()
	require.NoError(t, err)
	require.Equal(t, TypeHealthOk, f2.Type)
	require.Equal(t, int64(10), f2.HealthOk.UptimeMs)
}

func TestConn_RecvEOF(t *testing.T) {
	var buf bytes.Buffer
	conn := NewConn(&buf, &buf)
	_, err := conn.Recv()
	require.Error(t, err)
}
