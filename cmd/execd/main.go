// Command execd is the plugin execution core's host daemon: it loads
// configuration, brings up the dispatcher and (optionally) a pooled
// worker backend, and serves the admin HTTP API until a shutdown signal
// arrives.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/ocx/execcore/internal/admin"
	"github.com/ocx/execcore/internal/artifact"
	"github.com/ocx/execcore/internal/circuitbreaker"
	"github.com/ocx/execcore/internal/config"
	"github.com/ocx/execcore/internal/dispatch"
	"github.com/ocx/execcore/internal/identity"
	"github.com/ocx/execcore/internal/metrics"
	"github.com/ocx/execcore/internal/pool"
	"github.com/ocx/execcore/internal/relay"
	"github.com/ocx/execcore/internal/worker"
	"github.com/ocx/execcore/internal/worker/handlers"
	"github.com/ocx/execcore/pkg/execapi"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "run" {
		runCLI(os.Args[2:])
		return
	}
	runDaemon()
}

// runCLI handles `execd run --plugin ... --handler-file ... --handler-export
// ...`, submitting a single in-process execution and printing its envelope
// to stdout. It exercises the execapi.HostContextCLI variant end-to-end,
// unlike the daemon's /v1/execute route, which submits as HostContextREST.
func runCLI(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	pluginID := fs.String("plugin", "", "plugin id")
	pluginVersion := fs.String("plugin-version", "", "plugin version")
	handlerFile := fs.String("handler-file", "", "handler file path, relative to the plugin root")
	handlerExport := fs.String("handler-export", "", "handler export name")
	tenantID := fs.String("tenant", "", "tenant id")
	inputJSON := fs.String("input", "{}", "JSON-encoded handler input")
	timeoutMs := fs.Int64("timeout-ms", 30000, "execution deadline in milliseconds")
	_ = fs.Parse(args)

	if *pluginID == "" || *handlerFile == "" || *handlerExport == "" {
		fmt.Fprintln(os.Stderr, "execd run: --plugin, --handler-file, and --handler-export are required")
		os.Exit(2)
	}

	var input any
	if err := json.Unmarshal([]byte(*inputJSON), &input); err != nil {
		fmt.Fprintf(os.Stderr, "execd run: invalid --input JSON: %v\n", err)
		os.Exit(2)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cfg := config.Get()

	registry := worker.NewRegistry()
	handlers.RegisterAll(registry)
	broker := artifact.New(cfg.Artifacts.BaseDir)

	inprocBackend := &dispatch.InProcessBackend{
		Handlers: registry,
		WorkDir:  ".",
		OutDir:   cfg.Artifacts.BaseDir,
		Logger:   logger,
	}
	backends := map[dispatch.Mode]dispatch.Backend{
		dispatch.ModeInProcess: inprocBackend,
	}
	dispatcher := dispatch.New(backends, broker, logger)
	inprocBackend.Invoker = &dispatch.InvokeBroker{Dispatcher: dispatcher, Mode: dispatch.ModeInProcess}

	req := execapi.ExecutionRequest{
		ExecutionID:   uuid.NewString(),
		PluginID:      *pluginID,
		PluginVersion: *pluginVersion,
		Handler:       execapi.HandlerRef{File: *handlerFile, Export: *handlerExport},
		Input:         input,
		TenantID:      *tenantID,
		RequestID:     uuid.NewString(),
		TraceID:       uuid.NewString(),
		Host: execapi.HostContext{
			Kind: execapi.HostContextCLI,
			CLI:  &execapi.CLIContext{Command: "run", Args: args},
		},
		DeadlineUnixMs: time.Now().Add(time.Duration(*timeoutMs) * time.Millisecond).UnixMilli(),
	}

	env := dispatcher.Execute(context.Background(), req, dispatch.HandlerManifest{}, dispatch.ModeInProcess)

	out, _ := json.MarshalIndent(env, "", "  ")
	fmt.Println(string(out))
	if !env.OK {
		os.Exit(1)
	}
}

func runDaemon() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := config.Get()
	logger.Info("execd: starting", "env", cfg.Server.Env, "dispatchMode", cfg.Dispatch.Mode)

	metricsReg := metrics.New()
	broker := artifact.New(cfg.Artifacts.BaseDir)

	registry := worker.NewRegistry()
	handlers.RegisterAll(registry)

	inprocBackend := &dispatch.InProcessBackend{
		Handlers: registry,
		WorkDir:  ".",
		OutDir:   cfg.Artifacts.BaseDir,
		Logger:   logger,
	}
	backends := map[dispatch.Mode]dispatch.Backend{
		dispatch.ModeInProcess: inprocBackend,
		dispatch.ModeSubprocess: &dispatch.SubprocessBackend{
			BinaryPath: cfg.Pool.WorkerBinary,
			Logger:     logger,
		},
		dispatch.ModeRemote: &dispatch.RemoteBackend{Addr: cfg.Dispatch.RemoteAddr, Logger: logger},
	}

	var poolManager *pool.Manager
	if cfg.Pool.Backend != "" && cfg.Pool.WorkerBinary != "" || cfg.Pool.DockerImage != "" {
		breakers := circuitbreaker.NewBackendBreakers()
		var backend pool.Backend
		switch cfg.Pool.Backend {
		case "docker":
			backend = &pool.BreakerBackend{
				Inner:   &pool.DockerBackend{Image: cfg.Pool.DockerImage, Logger: logger},
				Kind:    "docker",
				Breaker: breakers,
			}
		default:
			backend = &pool.BreakerBackend{
				Inner:   &pool.SubprocessBackend{BinaryPath: cfg.Pool.WorkerBinary, Logger: logger},
				Kind:    "subprocess",
				Breaker: breakers,
			}
		}

		warmup := pool.WarmupLazy
		if cfg.Pool.WarmupMode == "eager" {
			warmup = pool.WarmupEager
		}
		poolManager = pool.NewManager(pool.Config{
			Min:                    cfg.Pool.Min,
			Max:                    cfg.Pool.Max,
			MaxRequestsPerWorker:   cfg.Pool.MaxRequestsPerWorker,
			MaxUptimePerWorker:     time.Duration(cfg.Pool.MaxUptimeSec) * time.Second,
			MaxConcurrentPerPlugin: cfg.Pool.MaxConcurrentPerPlugin,
			StartupTimeout:         time.Duration(cfg.Pool.StartupTimeoutSec) * time.Second,
			HealthCheckTimeout:     time.Duration(cfg.Pool.HealthCheckTimeoutSec) * time.Second,
			ShutdownTimeout:        time.Duration(cfg.Pool.ShutdownTimeoutSec) * time.Second,
			Warmup:                 warmup,
		}, backend, logger)
		backends[dispatch.ModeWorkerPool] = &dispatch.PoolBackend{Manager: poolManager}

		go func() {
			interval := time.Duration(cfg.Pool.HealthCheckIntervalSec) * time.Second
			for range time.Tick(interval) {
				poolManager.HealthCheckAll()
				metricsReg.ObservePoolOccupancy(cfg.Pool.Backend, poolManager.LiveWorkers())
			}
		}()
	}

	dispatcher := dispatch.New(backends, broker, logger)
	dispatcher.Debug = cfg.Dispatch.Debug
	if cfg.Dispatch.DefaultTimeoutSec > 0 {
		dispatcher.DefaultTimeout = time.Duration(cfg.Dispatch.DefaultTimeoutSec) * time.Second
	}
	inprocBackend.Invoker = &dispatch.InvokeBroker{Dispatcher: dispatcher, Mode: dispatch.ModeInProcess}

	stream := admin.NewStreamer(logger)
	streamStop := make(chan struct{})
	go stream.Run(streamStop)

	if cfg.PubSub.Enabled {
		if r, err := relay.NewPubSubRelay(cfg.PubSub.ProjectID, cfg.PubSub.TopicID, logger); err != nil {
			logger.Warn("execd: pubsub relay disabled", "error", err)
		} else {
			defer r.Close()
			logger.Info("execd: pubsub relay enabled", "topic", cfg.PubSub.TopicID)
		}
	}
	if cfg.Redis.Enabled {
		if r, err := relay.NewRedisRelay(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger); err != nil {
			logger.Warn("execd: redis relay disabled", "error", err)
		} else {
			defer r.Close()
			logger.Info("execd: redis relay enabled", "addr", cfg.Redis.Addr)
		}
	}

	if cfg.Postgres.Enabled {
		db, err := sql.Open("postgres", cfg.Postgres.DSN)
		if err != nil {
			logger.Warn("execd: operation tracker postgres sink disabled", "error", err)
		} else {
			defer db.Close()
			if err := db.Ping(); err != nil {
				logger.Warn("execd: operation tracker postgres sink unreachable", "error", err)
			} else {
				logger.Info("execd: operation tracker postgres sink enabled")
			}
		}
	}

	var workloadIdentity *identity.WorkloadIdentity
	if cfg.Security.MTLSEnabled {
		wi, err := identity.NewWorkloadIdentity(cfg.Security.SpiffeSocket)
		if err != nil {
			logger.Warn("execd: mTLS disabled, SPIRE agent unreachable", "error", err)
		} else {
			workloadIdentity = wi
			defer workloadIdentity.Close()
			logger.Info("execd: workload identity established", "trustDomain", cfg.Security.TrustDomain)
		}
	}

	limiter := admin.NewRateLimiter(admin.RateLimitConfig{}, logger)
	server := admin.NewServer(dispatcher, poolManager, stream, logger, limiter)

	addr := cfg.Server.Interface + ":" + cfg.Server.Port
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      server,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSec) * time.Second,
	}

	if workloadIdentity != nil {
		tlsConfig, err := workloadIdentity.ServerTLSConfig(cfg.Security.TrustDomain)
		if err != nil {
			logger.Warn("execd: falling back to plaintext, mTLS config failed", "error", err)
		} else {
			httpServer.TLSConfig = tlsConfig
		}
	}

	go func() {
		var err error
		if httpServer.TLSConfig != nil {
			err = httpServer.ListenAndServeTLS("", "")
		} else {
			err = httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Error("execd: server failed", "error", err)
			os.Exit(1)
		}
	}()
	logger.Info("execd: listening", "addr", addr)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	logger.Info("execd: shutdown signal received, draining")

	close(streamStop)
	if poolManager != nil {
		poolManager.Drain(time.Duration(cfg.Pool.ShutdownTimeoutSec) * time.Second)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("execd: http shutdown error", "error", err)
	}
	logger.Info("execd: stopped")
}
