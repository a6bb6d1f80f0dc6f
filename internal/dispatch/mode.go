package dispatch

import (
	"os"

	"github.com/ocx/execcore/pkg/execapi"
)

// Mode selects which backend a dispatcher hands an execution to.
type Mode string

const (
	ModeInProcess  Mode = "in-process"
	ModeSubprocess Mode = "subprocess"
	ModeWorkerPool Mode = "worker-pool"
	ModeRemote     Mode = "remote"
	ModeAuto       Mode = "auto"
)

// ResolveMode honours an explicit mode, or derives one from the
// environment under "auto" the way the executor service does: a
// configured remote endpoint wins, then a Kubernetes or worker-pool
// indicator, defaulting to in-process. KB_PLUGIN_DEV_MODE always forces
// in-process regardless of everything else.
func ResolveMode(explicit Mode, workerPoolConfigured bool) (Mode, error) {
	if os.Getenv("KB_PLUGIN_DEV_MODE") == "true" {
		return ModeInProcess, nil
	}

	mode := explicit
	if env := os.Getenv("EXECUTION_MODE"); env != "" {
		mode = Mode(env)
	}
	if mode == "" {
		mode = ModeAuto
	}

	if mode != ModeAuto {
		switch mode {
		case ModeInProcess, ModeSubprocess, ModeWorkerPool, ModeRemote:
			return mode, nil
		default:
			return "", &execapi.ErrorEnvelope{Code: execapi.ErrUnknownMode, Message: "unknown execution mode: " + string(mode)}
		}
	}

	if os.Getenv("EXECUTOR_SERVICE_ENDPOINT") != "" {
		return ModeRemote, nil
	}
	if workerPoolConfigured || os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return ModeWorkerPool, nil
	}
	return ModeInProcess, nil
}
