package pool

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ocx/execcore/internal/wire"
	"github.com/ocx/execcore/pkg/execapi"
)

// fakeProc is a no-op wire.ProcessHandle standing in for a real subprocess
// or container in tests.
type fakeProc struct {
	exited chan struct{}
	once   sync.Once
}

func newFakeProc() *fakeProc { return &fakeProc{exited: make(chan struct{})} }

func (p *fakeProc) Wait() error { <-p.exited; return nil }
func (p *fakeProc) Kill() error { p.once.Do(func() { close(p.exited) }); return nil }
func (p *fakeProc) PID() int    { return 1 }

// workerBehavior drives the simulated worker side of the wire protocol.
type workerBehavior func(conn *wire.Conn, proc *fakeProc)

// fakeBackend spawns an in-memory worker pair for each Spawn call, wiring
// the parent's *wire.Client to a goroutine playing the worker side so the
// pool manager can be exercised without a real subprocess or container.
type fakeBackend struct {
	behavior workerBehavior
}

func (b *fakeBackend) Spawn(ctx context.Context) (*wire.Client, error) {
	parentR, workerW := io.Pipe()
	workerR, parentW := io.Pipe()

	parentConn := wire.NewConn(parentW, parentR)
	workerConn := wire.NewConn(workerW, workerR)
	proc := newFakeProc()

	behavior := b.behavior
	if behavior == nil {
		behavior = echoBehavior
	}
	go behavior(workerConn, proc)

	return wire.NewClient(proc, parentConn, nil, slog.Default()), nil
}

// echoBehavior answers ready, then healthOk/result for every request until
// it receives shutdown.
func echoBehavior(conn *wire.Conn, proc *fakeProc) {
	_ = conn.Send(wire.Frame{Type: wire.TypeReady, Ready: &wire.ReadyPayload{PID: 1}})
	defer proc.Kill()
	for {
		frame, err := conn.Recv()
		if err != nil {
			return
		}
		switch frame.Type {
		case wire.TypeExecute:
			_ = conn.Send(wire.Frame{Type: wire.TypeResult, Result: &wire.ResultPayload{
				RequestID: frame.Execute.RequestID,
				Result:    wire.Result{OK: true, Data: "done"},
			}})
		case wire.TypeHealth:
			_ = conn.Send(wire.Frame{Type: wire.TypeHealthOk, HealthOk: &wire.HealthOkPayload{PID: 1}})
		case wire.TypeShutdown:
			return
		case wire.TypeAbort:
			// ignore
		}
	}
}

// silentHealthBehavior answers ready and execute but never responds to
// health pings, to exercise the unhealthy-recycle path.
func silentHealthBehavior(conn *wire.Conn, proc *fakeProc) {
	_ = conn.Send(wire.Frame{Type: wire.TypeReady, Ready: &wire.ReadyPayload{PID: 1}})
	defer proc.Kill()
	for {
		frame, err := conn.Recv()
		if err != nil {
			return
		}
		switch frame.Type {
		case wire.TypeExecute:
			_ = conn.Send(wire.Frame{Type: wire.TypeResult, Result: &wire.ResultPayload{
				RequestID: frame.Execute.RequestID,
				Result:    wire.Result{OK: true, Data: "done"},
			}})
		case wire.TypeShutdown:
			return
		case wire.TypeHealth:
			// deliberately silent
		}
	}
}

func testRequest(pluginID string) execapi.ExecutionRequest {
	return execapi.ExecutionRequest{
		ExecutionID:    pluginID + "-exec",
		PluginID:       pluginID,
		DeadlineUnixMs: time.Now().Add(5 * time.Second).UnixMilli(),
	}
}

func TestManager_ExecuteSuccess(t *testing.T) {
	m := NewManager(Config{Max: 2}, &fakeBackend{}, slog.Default())

	result, err := m.Execute(context.Background(), testRequest("p1"), time.Second)
	require.NoError(t, err)
	require.True(t, result.Result.OK)
	require.Equal(t, "done", result.Result.Data)
}

func TestManager_MaxConcurrentPerPluginQueues(t *testing.T) {
	var concurrent int32
	var maxSeen int32
	blockBehavior := func(conn *wire.Conn, proc *fakeProc) {
		_ = conn.Send(wire.Frame{Type: wire.TypeReady, Ready: &wire.ReadyPayload{PID: 1}})
		defer proc.Kill()
		for {
			frame, err := conn.Recv()
			if err != nil {
				return
			}
			if frame.Type == wire.TypeExecute {
				n := atomic.AddInt32(&concurrent, 1)
				for {
					old := atomic.LoadInt32(&maxSeen)
					if n <= old || atomic.CompareAndSwapInt32(&maxSeen, old, n) {
						break
					}
				}
				time.Sleep(50 * time.Millisecond)
				atomic.AddInt32(&concurrent, -1)
				_ = conn.Send(wire.Frame{Type: wire.TypeResult, Result: &wire.ResultPayload{
					RequestID: frame.Execute.RequestID,
					Result:    wire.Result{OK: true},
				}})
			}
			if frame.Type == wire.TypeShutdown {
				return
			}
		}
	}

	m := NewManager(Config{Max: 8, MaxConcurrentPerPlugin: 1}, &fakeBackend{behavior: blockBehavior}, slog.Default())

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Execute(context.Background(), testRequest("shared"), 2*time.Second)
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	require.LessOrEqual(t, atomic.LoadInt32(&maxSeen), int32(1))
}

func TestManager_RecycleAfterMaxRequests(t *testing.T) {
	m := NewManager(Config{Max: 1, MaxRequestsPerWorker: 2}, &fakeBackend{}, slog.Default())

	for i := 0; i < 2; i++ {
		_, err := m.Execute(context.Background(), testRequest("p1"), time.Second)
		require.NoError(t, err)
	}

	// The worker should have been recycled after its second request; a
	// third admits into a freshly spawned worker rather than erroring.
	_, err := m.Execute(context.Background(), testRequest("p1"), time.Second)
	require.NoError(t, err)
	require.LessOrEqual(t, m.LiveWorkers(), 1)
}

func TestManager_DrainRejectsNewWork(t *testing.T) {
	m := NewManager(Config{Max: 2}, &fakeBackend{}, slog.Default())

	_, err := m.Execute(context.Background(), testRequest("p1"), time.Second)
	require.NoError(t, err)

	m.Drain(time.Second)

	_, err = m.Execute(context.Background(), testRequest("p1"), time.Second)
	require.Error(t, err)
	var env *execapi.ErrorEnvelope
	require.ErrorAs(t, err, &env)
	require.Equal(t, execapi.ErrNotAvailable, env.Code)
}

func TestManager_HealthCheckRecyclesUnresponsive(t *testing.T) {
	m := NewManager(Config{Max: 1, HealthCheckTimeout: 50 * time.Millisecond}, &fakeBackend{behavior: silentHealthBehavior}, slog.Default())

	_, err := m.Execute(context.Background(), testRequest("p1"), time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, m.LiveWorkers())

	m.HealthCheckAll()
	require.Eventually(t, func() bool { return m.LiveWorkers() == 0 }, time.Second, 10*time.Millisecond)
}
