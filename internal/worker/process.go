// Package worker implements the plugin execution core's worker process: a
// long-lived child that handshakes with its parent, looks up a handler,
// builds the operation-tracker context and runtime facade for one
// execution, and reports results or errors over the wire protocol.
package worker

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ocx/execcore/internal/artifact"
	"github.com/ocx/execcore/internal/errenvelope"
	"github.com/ocx/execcore/internal/eventbus"
	"github.com/ocx/execcore/internal/optrack"
	execruntime "github.com/ocx/execcore/internal/runtime"
	"github.com/ocx/execcore/internal/wire"
	"github.com/ocx/execcore/pkg/execapi"
)

// Dependencies wires the host-provided infrastructure a worker needs to
// build per-execution facades.
type Dependencies struct {
	Handlers      *Registry
	Artifacts     *artifact.Broker
	EventRegistry *eventbus.Registry
	ArtifactBase  string
	WorkDir       string
	OutDir        string
	WorkerID      string
	Invoker       Invoker
	Logger        *slog.Logger
}

// Process is a running worker: one OS process, one connection, one
// in-flight execution at a time.
type Process struct {
	conn   *wire.Conn
	deps   Dependencies
	logger *slog.Logger

	startedAt    time.Time
	requestCount int64

	mu       sync.Mutex
	cancel   context.CancelFunc
	current  string
}

// New builds a worker process reading frames from stdin and writing to
// stdout.
func New(conn *wire.Conn, deps Dependencies) *Process {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Process{conn: conn, deps: deps, logger: logger, startedAt: time.Now()}
}

// Run performs the ready handshake then serves frames until stdin closes
// or a shutdown is processed.
func (p *Process) Run() error {
	if err := p.conn.Send(wire.Frame{Type: wire.TypeReady, Ready: &wire.ReadyPayload{
		WorkerID: p.deps.WorkerID,
		PID:      os.Getpid(),
	}}); err != nil {
		return err
	}

	for {
		frame, err := p.conn.Recv()
		if err != nil {
			return err
		}

		switch frame.Type {
		case wire.TypeExecute:
			p.handleExecute(*frame.Execute)
		case wire.TypeAbort:
			p.handleAbort(*frame.Abort)
		case wire.TypeHealth:
			p.handleHealth()
		case wire.TypeShutdown:
			shutdown := wire.ShutdownPayload{}
			if frame.Shutdown != nil {
				shutdown = *frame.Shutdown
			}
			p.handleShutdown(shutdown)
			return nil
		default:
			p.logger.Warn("worker: unexpected frame from parent", "type", frame.Type)
		}
	}
}

func (p *Process) handleHealth() {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	_ = p.conn.Send(wire.Frame{Type: wire.TypeHealthOk, HealthOk: &wire.HealthOkPayload{
		PID:          os.Getpid(),
		UptimeMs:     time.Since(p.startedAt).Milliseconds(),
		HeapUsed:     int64(mem.HeapAlloc),
		HeapTotal:    int64(mem.HeapSys),
		MemoryRSS:    int64(mem.Sys),
		RequestCount: atomic.LoadInt64(&p.requestCount),
	}})
}

func (p *Process) handleAbort(payload wire.AbortPayload) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == payload.RequestID && p.cancel != nil {
		p.cancel()
	}
}

func (p *Process) handleShutdown(payload wire.ShutdownPayload) {
	grace := time.Duration(payload.GraceMs) * time.Millisecond
	if grace <= 0 {
		grace = 30 * time.Second
	}
	deadline := time.Now().Add(grace)
	for {
		p.mu.Lock()
		busy := p.current != ""
		p.mu.Unlock()
		if !busy || time.Now().After(deadline) {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func (p *Process) handleExecute(payload wire.ExecutePayload) {
	atomic.AddInt64(&p.requestCount, 1)
	ctx, cancel := context.WithDeadline(context.Background(), time.UnixMilli(payload.Request.DeadlineUnixMs))

	p.mu.Lock()
	p.current = payload.RequestID
	p.cancel = cancel
	p.mu.Unlock()

	defer func() {
		cancel()
		p.mu.Lock()
		p.current = ""
		p.cancel = nil
		p.mu.Unlock()
	}()

	start := time.Now()
	data, err := p.invoke(ctx, payload.Request)
	elapsed := time.Since(start).Milliseconds()

	if err != nil {
		env := errenvelope.FromError(err, false)
		_ = p.conn.Send(wire.Frame{Type: wire.TypeError, Error: &wire.ErrorPayload{
			RequestID: payload.RequestID,
			Error: wire.HandlerError{
				Message: env.Message,
				Code:    string(env.Code),
				Details: env.Details,
			},
		}})
		return
	}

	_ = p.conn.Send(wire.Frame{Type: wire.TypeResult, Result: &wire.ResultPayload{
		RequestID: payload.RequestID,
		Result:    wire.Result{OK: true, Data: data, ExecutionTimeMs: elapsed},
	}})
}

func (p *Process) invoke(ctx context.Context, req execapi.ExecutionRequest) (any, error) {
	return Invoke(ctx, p.deps.Handlers, p.deps.WorkDir, p.deps.OutDir, p.logger, req, p.deps.Invoker)
}

// Invoke looks up req's handler, builds its per-execution context and
// runtime facade, and runs it to completion or ctx's deadline, whichever
// comes first. It is shared by the worker process loop and by an
// in-process dispatch backend that skips the subprocess boundary
// entirely. invoker is nil unless the caller runs in the same process as
// the host dispatcher.
func Invoke(ctx context.Context, handlers *Registry, workDir, outDir string, logger *slog.Logger, req execapi.ExecutionRequest, invoker Invoker) (any, error) {
	fn, err := handlers.Lookup(req.Handler)
	if err != nil {
		return nil, err
	}

	chain := req.Chain
	if chain.StartedAt.IsZero() {
		chain.StartedAt = time.Now()
	}
	if chain.Visited == nil {
		chain.Visited = make(map[string]bool)
	}

	opCtx, err := optrack.NewContext(req, &chain, nil)
	if err != nil {
		return nil, err
	}

	if logger == nil {
		logger = slog.Default()
	}
	facade := execruntime.New(execruntime.Config{
		WorkDir: workDir,
		OutDir:  outDir,
		Perms:   req.Permissions,
		DryRun:  req.DryRun,
		Tracker: opCtx.Tracker,
		Logger:  logger.With("executionId", req.ExecutionID, "pluginId", req.PluginID),
	})

	execCtx := &ExecContext{Context: opCtx, Runtime: facade, Request: req, Ctx: ctx, Invoker: invoker}

	result := make(chan struct {
		data any
		err  error
	}, 1)
	go func() {
		data, err := fn(req.Input, execCtx)
		result <- struct {
			data any
			err  error
		}{data, err}
	}()

	select {
	case r := <-result:
		return r.data, r.err
	case <-ctx.Done():
		return nil, &execapi.ErrorEnvelope{Code: execapi.ErrTimeout, Message: "execution deadline exceeded"}
	}
}
