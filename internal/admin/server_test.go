package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ocx/execcore/internal/dispatch"
	"github.com/ocx/execcore/pkg/execapi"
)

type fakeBackend struct {
	data any
	err  error
}

func (b *fakeBackend) Execute(ctx context.Context, req execapi.ExecutionRequest, timeout time.Duration) (any, error) {
	return b.data, b.err
}

func TestServer_Healthz(t *testing.T) {
	d := dispatch.New(map[dispatch.Mode]dispatch.Backend{dispatch.ModeInProcess: &fakeBackend{data: "ok"}}, nil, nil)
	s := NewServer(d, nil, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_Execute_Success(t *testing.T) {
	d := dispatch.New(map[dispatch.Mode]dispatch.Backend{
		dispatch.ModeInProcess: &fakeBackend{data: map[string]any{"echo": "hi"}},
	}, nil, nil)
	s := NewServer(d, nil, nil, nil)

	body, _ := json.Marshal(executeRequest{
		PluginID: "demo",
		Handler:  execapi.HandlerRef{File: "builtin/echo.go", Export: "Echo"},
		Input:    map[string]any{"name": "ada"},
		Mode:     string(dispatch.ModeInProcess),
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/execute", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var env execapi.Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.True(t, env.OK)
}

func TestServer_Execute_BackendError(t *testing.T) {
	d := dispatch.New(map[dispatch.Mode]dispatch.Backend{
		dispatch.ModeInProcess: &fakeBackend{err: &execapi.ErrorEnvelope{Code: execapi.ErrTimeout, Message: "deadline exceeded"}},
	}, nil, nil)
	s := NewServer(d, nil, nil, nil)

	body, _ := json.Marshal(executeRequest{
		PluginID: "demo",
		Mode:     string(dispatch.ModeInProcess),
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/execute", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusGatewayTimeout, rec.Code)
}

func TestServer_PoolStatus_Disabled(t *testing.T) {
	d := dispatch.New(map[dispatch.Mode]dispatch.Backend{}, nil, nil)
	s := NewServer(d, nil, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/pool/status", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, false, body["enabled"])
}
