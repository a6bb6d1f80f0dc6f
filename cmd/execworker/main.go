// Command execworker is the plugin execution core's worker process: a
// long-lived child spawned by the pool backend that speaks the wire
// protocol over stdin/stdout and runs one handler at a time.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/ocx/execcore/internal/artifact"
	"github.com/ocx/execcore/internal/eventbus"
	"github.com/ocx/execcore/internal/wire"
	"github.com/ocx/execcore/internal/worker"
	"github.com/ocx/execcore/internal/worker/handlers"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	workerID := os.Getenv("KB_WORKER_ID")
	logger = logger.With("workerId", workerID, "pid", os.Getpid())

	artifactBase := getEnv("ARTIFACT_BASE_DIR", "./data/artifacts")
	workDir := getEnv("EXECCORE_WORKDIR", ".")
	outDir := getEnv("EXECCORE_OUTDIR", "")

	registry := worker.NewRegistry()
	handlers.RegisterAll(registry)

	conn := wire.NewConn(os.Stdout, os.Stdin)
	proc := worker.New(conn, worker.Dependencies{
		Handlers:      registry,
		Artifacts:     artifact.New(artifactBase),
		EventRegistry: eventbus.NewRegistry(eventbus.Config{}),
		ArtifactBase:  artifactBase,
		WorkDir:       workDir,
		OutDir:        outDir,
		WorkerID:      workerID,
		Logger:        logger,
	})

	if err := proc.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "execworker: %v\n", err)
		os.Exit(1)
	}
	os.Exit(0)
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
