// Package admin implements the execution core host daemon's HTTP control
// surface: submitting executions, inspecting pool health, and streaming
// live admin events, built on gorilla/mux the way the rest of the
// codebase's HTTP services are.
package admin

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ocx/execcore/internal/dispatch"
	"github.com/ocx/execcore/internal/errenvelope"
	"github.com/ocx/execcore/internal/pool"
	"github.com/ocx/execcore/pkg/execapi"
)

// Server wires the dispatcher, pool manager, and event stream behind an
// HTTP router.
type Server struct {
	Dispatcher  *dispatch.Dispatcher
	Pool        *pool.Manager
	Stream      *Streamer
	RateLimiter *RateLimiter
	Logger      *slog.Logger

	router *mux.Router
}

// NewServer builds the router. pool may be nil when the dispatcher isn't
// configured for worker-pool mode. limiter may be nil to disable
// throttling of /v1/execute.
func NewServer(d *dispatch.Dispatcher, p *pool.Manager, stream *Streamer, logger *slog.Logger, limiter ...*RateLimiter) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{Dispatcher: d, Pool: p, Stream: stream, Logger: logger}
	if len(limiter) > 0 {
		s.RateLimiter = limiter[0]
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	var executeHandler http.Handler = http.HandlerFunc(s.handleExecute)
	if s.RateLimiter != nil {
		executeHandler = s.RateLimiter.Middleware(executeHandler)
	}
	r.Handle("/v1/execute", executeHandler).Methods(http.MethodPost)
	r.HandleFunc("/v1/pool/status", s.handlePoolStatus).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	if stream != nil {
		r.HandleFunc("/v1/admin/stream", stream.HandleWebSocket)
	}
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	if s.Pool != nil {
		body["poolLiveWorkers"] = s.Pool.LiveWorkers()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handlePoolStatus(w http.ResponseWriter, r *http.Request) {
	if s.Pool == nil {
		writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled":     true,
		"liveWorkers": s.Pool.LiveWorkers(),
	})
}

// executeRequest is the admin API's wire shape for submitting one
// execution: a thin envelope around execapi.ExecutionRequest plus the
// handler's declared contract, since plugin manifests aren't otherwise
// available to the host daemon.
type executeRequest struct {
	PluginID      string                 `json:"pluginId"`
	PluginVersion string                 `json:"pluginVersion"`
	Handler       execapi.HandlerRef     `json:"handler"`
	Input         any                    `json:"input"`
	Permissions   execapi.Permissions    `json:"permissions"`
	Quotas        execapi.Quotas         `json:"quotas"`
	TenantID      string                 `json:"tenantId,omitempty"`
	Mode          string                 `json:"mode,omitempty"`
	TimeoutMs     int64                  `json:"timeoutMs,omitempty"`
	Manifest      dispatch.HandlerManifest `json:"manifest,omitempty"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var body executeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeEnvelope(w, execapi.Envelope{
			OK:    false,
			Error: errenvelope.New(execapi.ErrInternal, "malformed request body", false).Build(),
		})
		return
	}

	executionID := uuid.NewString()
	deadline := int64(0)
	if body.TimeoutMs > 0 {
		deadline = time.Now().Add(time.Duration(body.TimeoutMs) * time.Millisecond).UnixMilli()
	}

	req := execapi.ExecutionRequest{
		ExecutionID:    executionID,
		PluginID:       body.PluginID,
		PluginVersion:  body.PluginVersion,
		Handler:        body.Handler,
		Input:          body.Input,
		Permissions:    body.Permissions,
		Quotas:         body.Quotas,
		Host: execapi.HostContext{
			Kind: execapi.HostContextREST,
			REST: &execapi.RESTContext{Method: r.Method, Path: r.URL.Path},
		},
		TenantID:       body.TenantID,
		RequestID:      uuid.NewString(),
		TraceID:        uuid.NewString(),
		DeadlineUnixMs: deadline,
	}

	mode := dispatch.Mode(body.Mode)
	if mode == "" {
		resolved, err := dispatch.ResolveMode(dispatch.ModeAuto, s.Pool != nil)
		if err != nil {
			writeEnvelope(w, execapi.Envelope{OK: false, Error: errenvelope.FromError(err, false)})
			return
		}
		mode = resolved
	}

	envelope := s.Dispatcher.Execute(r.Context(), req, body.Manifest, mode)

	if s.Stream != nil {
		outcome := "ok"
		if !envelope.OK {
			outcome = "error"
		}
		s.Stream.Broadcast(Event{
			Type:        "dispatch",
			PluginID:    body.PluginID,
			ExecutionID: executionID,
			Data:        map[string]any{"mode": string(mode), "outcome": outcome},
		})
	}

	writeEnvelope(w, envelope)
}

func writeEnvelope(w http.ResponseWriter, env execapi.Envelope) {
	status := http.StatusOK
	if !env.OK && env.Error != nil {
		status = env.Error.HTTPStatus
		if status == 0 {
			status = errenvelope.StatusFor(env.Error.Code)
		}
	}
	writeJSON(w, status, env)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
