package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ocx/execcore/internal/pool"
	"github.com/ocx/execcore/internal/wire"
	"github.com/ocx/execcore/internal/worker"
	"github.com/ocx/execcore/pkg/execapi"
)

// Backend hands one execution request to wherever it actually runs:
// in-process, a bare subprocess, a pooled worker, or (unimplemented) a
// remote execution service.
type Backend interface {
	Execute(ctx context.Context, req execapi.ExecutionRequest, timeout time.Duration) (any, error)
}

// InProcessBackend runs the handler on the host's own goroutines, for
// local development and the KB_PLUGIN_DEV_MODE override. It gives up all
// process isolation between plugin code and the host.
type InProcessBackend struct {
	Handlers *worker.Registry
	WorkDir  string
	OutDir   string
	Logger   *slog.Logger
	Invoker  worker.Invoker
}

func (b *InProcessBackend) Execute(ctx context.Context, req execapi.ExecutionRequest, timeout time.Duration) (any, error) {
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return worker.Invoke(execCtx, b.Handlers, b.WorkDir, b.OutDir, b.Logger, req, b.Invoker)
}

// SubprocessBackend spawns one dedicated worker process per execution and
// tears it down afterward, trading startup latency for full isolation
// without the bookkeeping of a pool.
type SubprocessBackend struct {
	BinaryPath string
	Args       []string
	Logger     *slog.Logger
}

func (b *SubprocessBackend) Execute(ctx context.Context, req execapi.ExecutionRequest, timeout time.Duration) (any, error) {
	client, err := wire.Spawn(ctx, b.Logger, b.BinaryPath, b.Args...)
	if err != nil {
		return nil, err
	}
	defer client.Kill()

	readyCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := client.WaitReady(readyCtx); err != nil {
		return nil, err
	}

	execCtx, execCancel := context.WithTimeout(ctx, timeout)
	defer execCancel()

	result, errPayload, err := client.Execute(execCtx, wire.ExecutePayload{
		RequestID: req.ExecutionID,
		Request:   req,
		TimeoutMs: timeout.Milliseconds(),
	})
	if err != nil {
		_ = client.Abort(req.ExecutionID, "deadline exceeded")
		return nil, &execapi.ErrorEnvelope{Code: execapi.ErrTimeout, Message: "execution timed out"}
	}
	if errPayload != nil {
		return nil, &execapi.ErrorEnvelope{Code: execapi.ErrorCode(errPayload.Error.Code), Message: errPayload.Error.Message, Details: errPayload.Error.Details}
	}

	_ = client.Shutdown(2 * time.Second)
	return result.Result.Data, nil
}

// PoolBackend hands executions to a live pool.Manager.
type PoolBackend struct {
	Manager *pool.Manager
}

func (b *PoolBackend) Execute(ctx context.Context, req execapi.ExecutionRequest, timeout time.Duration) (any, error) {
	result, err := b.Manager.Execute(ctx, req, timeout)
	if err != nil {
		return nil, err
	}
	return result.Result.Data, nil
}

// RemoteExecClient is the shape a compiled .proto client for an
// out-of-process execution service would have. No .proto is defined for
// this wire format, so RemoteBackend never has a real implementation to
// dial into; the interface exists so the stub is a typed unimplemented
// gRPC client rather than a bare error.
type RemoteExecClient interface {
	Execute(ctx context.Context, req execapi.ExecutionRequest) (any, error)
}

// RemoteBackend dials a remote execution service over gRPC. The dial is
// lazy and the call always fails typed: no RemoteExecClient implementation
// exists because the wire protocol for an out-of-process execution service
// is out of scope.
type RemoteBackend struct {
	Addr   string
	Logger *slog.Logger

	conn *grpc.ClientConn
}

func (b *RemoteBackend) dial() error {
	if b.conn != nil || b.Addr == "" {
		return nil
	}
	conn, err := grpc.NewClient(b.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("dispatch: dial remote execution service: %w", err)
	}
	b.conn = conn
	return nil
}

func (b *RemoteBackend) Execute(ctx context.Context, req execapi.ExecutionRequest, timeout time.Duration) (any, error) {
	if err := b.dial(); err != nil {
		if b.Logger != nil {
			b.Logger.Warn("dispatch: remote backend dial failed", "error", err)
		}
		return nil, &execapi.ErrorEnvelope{Code: execapi.ErrNotImplemented, Message: "remote execution backend is not implemented"}
	}
	return nil, &execapi.ErrorEnvelope{Code: execapi.ErrNotImplemented, Message: "remote execution backend is not implemented"}
}

func (b *RemoteBackend) Close() error {
	if b.conn == nil {
		return nil
	}
	return b.conn.Close()
}
