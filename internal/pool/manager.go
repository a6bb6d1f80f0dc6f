// Package pool implements the plugin execution core's pooled worker
// backend: a fixed-capacity set of long-lived worker processes with
// admission control, per-plugin concurrency caps, health checks, and
// recycling.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ocx/execcore/internal/wire"
	"github.com/ocx/execcore/pkg/execapi"
)

// State is a worker's position in the lifecycle state machine.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateIdle     State = "idle"
	StateBusy     State = "busy"
	StateDraining State = "draining"
)

// WarmupMode selects whether the pool eagerly spawns its minimum worker
// count on creation.
type WarmupMode string

const (
	WarmupEager WarmupMode = "eager"
	WarmupLazy  WarmupMode = "lazy"
)

// Config bounds one pool's size and lifecycle policy.
type Config struct {
	Min                    int
	Max                    int
	MaxRequestsPerWorker   int64
	MaxUptimePerWorker     time.Duration
	MaxConcurrentPerPlugin int
	StartupTimeout         time.Duration
	HealthCheckTimeout     time.Duration
	ShutdownTimeout        time.Duration
	Warmup                 WarmupMode
}

func (c *Config) applyDefaults() {
	if c.Max == 0 {
		c.Max = 4
	}
	if c.StartupTimeout == 0 {
		c.StartupTimeout = 10 * time.Second
	}
	if c.HealthCheckTimeout == 0 {
		c.HealthCheckTimeout = 2 * time.Second
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	if c.MaxConcurrentPerPlugin == 0 {
		c.MaxConcurrentPerPlugin = c.Max
	}
}

type worker struct {
	id           string
	state        State
	client       *wire.Client
	pluginID     string
	requestCount int64
	spawnedAt    time.Time
	healthy      bool
}

// Manager is the live pool of workers for one backend.
type Manager struct {
	cfg     Config
	backend Backend
	logger  *slog.Logger

	mu       sync.Mutex
	workers  map[string]*worker
	seq      int64
	draining bool

	pluginInUse map[string]int
	waitQueues  map[string][]chan struct{}

	idleSignal chan struct{}
}

func NewManager(cfg Config, backend Backend, logger *slog.Logger) *Manager {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		cfg:         cfg,
		backend:     backend,
		logger:      logger,
		workers:     make(map[string]*worker),
		pluginInUse: make(map[string]int),
		waitQueues:  make(map[string][]chan struct{}),
		idleSignal:  make(chan struct{}, 1),
	}
	if cfg.Warmup == WarmupEager {
		go m.warmup()
	}
	return m
}

func (m *Manager) warmup() {
	for i := 0; i < m.cfg.Min; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.StartupTimeout)
		if _, err := m.spawnWorker(ctx); err != nil {
			m.logger.Warn("pool: warmup spawn failed", "error", err)
		}
		cancel()
	}
}

func (m *Manager) spawnWorker(ctx context.Context) (*worker, error) {
	m.mu.Lock()
	m.seq++
	id := fmt.Sprintf("w-%d", m.seq)
	m.mu.Unlock()

	client, err := m.backend.Spawn(ctx)
	if err != nil {
		return nil, err
	}

	startupCtx, cancel := context.WithTimeout(ctx, m.cfg.StartupTimeout)
	defer cancel()
	if _, err := client.WaitReady(startupCtx); err != nil {
		_ = client.Kill()
		return nil, fmt.Errorf("pool: worker %s failed to reach ready: %w", id, err)
	}

	w := &worker{id: id, state: StateIdle, client: client, spawnedAt: time.Now(), healthy: true}

	m.mu.Lock()
	m.workers[id] = w
	m.mu.Unlock()

	return w, nil
}

func (m *Manager) notifyIdle() {
	select {
	case m.idleSignal <- struct{}{}:
	default:
	}
}

// pickIdle returns an idle worker or nil under lock.
func (m *Manager) pickIdle() *worker {
	for _, w := range m.workers {
		if w.state == StateIdle {
			return w
		}
	}
	return nil
}

func (m *Manager) countLive() int {
	return len(m.workers)
}

// Execute admits req, dispatches it to an idle or freshly spawned worker,
// and returns the handler's result or a typed error.
func (m *Manager) Execute(ctx context.Context, req execapi.ExecutionRequest, timeout time.Duration) (*wire.ResultPayload, error) {
	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		return nil, &execapi.ErrorEnvelope{Code: execapi.ErrNotAvailable, Message: "pool is draining"}
	}
	m.mu.Unlock()

	if err := m.admitPlugin(ctx, req.PluginID); err != nil {
		return nil, err
	}
	defer m.releasePlugin(req.PluginID)

	w, err := m.acquireWorker(ctx)
	if err != nil {
		return nil, err
	}
	w.pluginID = req.PluginID

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, errPayload, err := w.client.Execute(execCtx, wire.ExecutePayload{
		RequestID: req.ExecutionID,
		Request:   req,
		TimeoutMs: timeout.Milliseconds(),
	})

	if err != nil {
		_ = w.client.Abort(req.ExecutionID, "deadline exceeded")
		graceCtx, graceCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer graceCancel()
		if _, abortErr := w.client.Health(graceCtx); abortErr != nil {
			m.discardWorker(w)
		} else {
			m.releaseWorker(w)
		}
		return nil, &execapi.ErrorEnvelope{Code: execapi.ErrTimeout, Message: "execution timed out"}
	}

	if errPayload != nil {
		m.finishWorker(w)
		return nil, &execapi.ErrorEnvelope{Code: execapi.ErrorCode(orDefault(errPayload.Error.Code, "Internal")), Message: errPayload.Error.Message, Details: errPayload.Error.Details}
	}

	m.finishWorker(w)
	return result, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func (m *Manager) admitPlugin(ctx context.Context, pluginID string) error {
	for {
		m.mu.Lock()
		if m.pluginInUse[pluginID] < m.cfg.MaxConcurrentPerPlugin {
			m.pluginInUse[pluginID]++
			m.mu.Unlock()
			return nil
		}
		wait := make(chan struct{})
		m.waitQueues[pluginID] = append(m.waitQueues[pluginID], wait)
		m.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *Manager) releasePlugin(pluginID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pluginInUse[pluginID]--
	queue := m.waitQueues[pluginID]
	if len(queue) > 0 {
		next := queue[0]
		m.waitQueues[pluginID] = queue[1:]
		close(next)
	}
}

func (m *Manager) acquireWorker(ctx context.Context) (*worker, error) {
	for {
		m.mu.Lock()
		if w := m.pickIdle(); w != nil {
			w.state = StateBusy
			m.mu.Unlock()
			return w, nil
		}
		canSpawn := m.countLive() < m.cfg.Max
		m.mu.Unlock()

		if canSpawn {
			w, err := m.spawnWorker(ctx)
			if err != nil {
				return nil, err
			}
			m.mu.Lock()
			w.state = StateBusy
			m.mu.Unlock()
			return w, nil
		}

		select {
		case <-m.idleSignal:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// finishWorker returns a worker to idle after a successful or
// handler-reported-error exchange, evaluating recycle policy.
func (m *Manager) finishWorker(w *worker) {
	m.mu.Lock()
	w.requestCount++
	w.state = StateIdle
	recycle := m.shouldRecycle(w)
	m.mu.Unlock()

	if recycle {
		m.recycleWorker(w)
		return
	}
	m.notifyIdle()
}

func (m *Manager) shouldRecycle(w *worker) bool {
	if m.cfg.MaxRequestsPerWorker > 0 && w.requestCount >= m.cfg.MaxRequestsPerWorker {
		return true
	}
	if m.cfg.MaxUptimePerWorker > 0 && time.Since(w.spawnedAt) >= m.cfg.MaxUptimePerWorker {
		return true
	}
	return !w.healthy
}

func (m *Manager) recycleWorker(w *worker) {
	m.mu.Lock()
	w.state = StateDraining
	m.mu.Unlock()

	_ = w.client.Shutdown(m.cfg.ShutdownTimeout)

	m.mu.Lock()
	delete(m.workers, w.id)
	below := m.countLive() < m.cfg.Min
	m.mu.Unlock()

	if below && !m.isDraining() {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.StartupTimeout)
		defer cancel()
		if _, err := m.spawnWorker(ctx); err != nil {
			m.logger.Warn("pool: recycle replacement spawn failed", "error", err)
		}
	}
	m.notifyIdle()
}

func (m *Manager) discardWorker(w *worker) {
	_ = w.client.Kill()
	m.mu.Lock()
	delete(m.workers, w.id)
	below := m.countLive() < m.cfg.Min
	m.mu.Unlock()

	if below && !m.isDraining() {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.StartupTimeout)
		defer cancel()
		if _, err := m.spawnWorker(ctx); err != nil {
			m.logger.Warn("pool: discard replacement spawn failed", "error", err)
		}
	}
	m.notifyIdle()
}

func (m *Manager) releaseWorker(w *worker) {
	m.mu.Lock()
	w.state = StateIdle
	m.mu.Unlock()
	m.notifyIdle()
}

func (m *Manager) isDraining() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.draining
}

// HealthCheckAll pings every idle worker and recycles those that fail to
// answer within the configured timeout.
func (m *Manager) HealthCheckAll() {
	m.mu.Lock()
	candidates := make([]*worker, 0, len(m.workers))
	for _, w := range m.workers {
		if w.state == StateIdle {
			candidates = append(candidates, w)
		}
	}
	m.mu.Unlock()

	for _, w := range candidates {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.HealthCheckTimeout)
		_, err := w.client.Health(ctx)
		cancel()
		if err != nil {
			m.mu.Lock()
			w.healthy = false
			m.mu.Unlock()
			m.recycleWorker(w)
		}
	}
}

// Drain stops admitting new work and shuts every worker down gracefully.
func (m *Manager) Drain(timeout time.Duration) {
	m.mu.Lock()
	m.draining = true
	workers := make([]*worker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *worker) {
			defer wg.Done()
			_ = w.client.Shutdown(timeout)
		}(w)
	}
	wg.Wait()

	m.mu.Lock()
	m.workers = make(map[string]*worker)
	m.mu.Unlock()
}

// LiveWorkers reports the current pool size, for tests and diagnostics.
func (m *Manager) LiveWorkers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.workers)
}
