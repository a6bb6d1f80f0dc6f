package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"

	"github.com/ocx/execcore/internal/circuitbreaker"
	"github.com/ocx/execcore/internal/wire"
)

// Backend knows how to spawn one worker's underlying process, subprocess
// or container. The pool manager drives the rest of the worker state
// machine on top of whatever Backend returns.
type Backend interface {
	Spawn(ctx context.Context) (*wire.Client, error)
}

// SubprocessBackend spawns the compiled worker binary directly as a child
// process of the host.
type SubprocessBackend struct {
	BinaryPath string
	Args       []string
	Logger     *slog.Logger
}

func (b *SubprocessBackend) Spawn(ctx context.Context) (*wire.Client, error) {
	if _, err := exec.LookPath(b.BinaryPath); err != nil {
		return nil, fmt.Errorf("pool: worker binary %q not found: %w", b.BinaryPath, err)
	}
	return wire.Spawn(ctx, b.Logger, b.BinaryPath, b.Args...)
}

// DockerBackend runs each worker inside its own short-lived container,
// attaching to its stdio to carry the wire protocol, the way the
// teacher's ghostpool provisions a sandbox container before handing it to
// a caller.
type DockerBackend struct {
	Image  string
	Cmd    []string
	Logger *slog.Logger
}

// containerProcess adapts a running container to wire.ProcessHandle.
type containerProcess struct {
	cli         *client.Client
	containerID string
}

func (p *containerProcess) Wait() error {
	statusCh, errCh := p.cli.ContainerWait(context.Background(), p.containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return err
	case <-statusCh:
		return nil
	}
}

func (p *containerProcess) Kill() error {
	timeout := 0
	return p.cli.ContainerStop(context.Background(), p.containerID, container.StopOptions{Timeout: &timeout})
}

func (p *containerProcess) PID() int { return 0 }

func (b *DockerBackend) Spawn(ctx context.Context) (*wire.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("pool: docker client: %w", err)
	}

	resp, err := cli.ContainerCreate(ctx, &container.Config{
		Image:        b.Image,
		Cmd:          b.Cmd,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		OpenStdin:    true,
		Tty:          false,
	}, nil, nil, nil, "")
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("pool: container create: %w", err)
	}

	attach, err := cli.ContainerAttach(ctx, resp.ID, types.ContainerAttachOptions{
		Stream: true, Stdin: true, Stdout: true, Stderr: false,
	})
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("pool: container attach: %w", err)
	}

	if err := cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		attach.Close()
		cli.Close()
		return nil, fmt.Errorf("pool: container start: %w", err)
	}

	conn := wire.NewConn(attach.Conn, attach.Reader)
	proc := &containerProcess{cli: cli, containerID: resp.ID}

	return wire.NewClient(proc, conn, nil, b.Logger), nil
}

// BreakerBackend wraps a Backend and trips a circuit breaker after
// repeated spawn failures, so a crashed container runtime or a missing
// worker binary doesn't get hammered by every acquireWorker call while
// the pool is trying to climb back to its minimum.
type BreakerBackend struct {
	Inner   Backend
	Kind    string
	Breaker *circuitbreaker.BackendBreakers
}

func (b *BreakerBackend) Spawn(ctx context.Context) (*wire.Client, error) {
	cb := b.Breaker.Spawn(b.Kind)
	result, err := cb.Execute(func() (interface{}, error) {
		return b.Inner.Spawn(ctx)
	})
	if err != nil {
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
			return nil, fmt.Errorf("pool: %s backend circuit open, not spawning: %w", b.Kind, err)
		}
		return nil, err
	}
	return result.(*wire.Client), nil
}
