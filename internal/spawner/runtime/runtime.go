// Package runtime abstracts the backend that actually executes a worker
// process, keeping the spawn lifecycle unaware of
// internal/ruriko/runtime: a narrow interface plus a spec/handle pair, so
// the spawner doesn't know whether a worker ran as a local subprocess or
// inside a container.
//
// Workers here are one-shot: a backend's Run blocks until the process
// exits (or ctx is cancelled) and returns its captured output, unlike an
// earlier Runtime interface, which managed long-lived agent containers
// across Spawn/Stop/Start/Restart. This worker model is "ephemeral
// subprocess per trigger", so only the run-to-completion shape survives.
package runtime

import (
	"context"
	"time"
)

// Spec describes one worker invocation.
type Spec struct {
	WorkerID string            // session ID, used for process/container naming
	Command  []string          // argv; Command[0] is the documented worker entrypoint
	Env      map[string]string // composed credentials + control-plane environment
	Stdin    []byte            // the composed system prompt + identity preamble + trigger payload
	Timeout  time.Duration      // 0 means Backend's own default
}

// Result is what a completed (or killed) worker run produced.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Killed   bool // true if Timeout or ctx cancellation forced termination
}

// Backend runs one worker to completion. Implementations must respect ctx
// cancellation: a worker process receives a cancellation signal on daemon
// shutdown with a bounded grace period before a hard kill.
type Backend interface {
	Run(ctx context.Context, spec Spec) (Result, error)
}

// DefaultTimeout bounds a worker run when Spec.Timeout is zero.
const DefaultTimeout = 5 * time.Minute

// GracePeriod is how long a backend waits after sending a graceful
// termination signal before escalating to a hard kill.
const GracePeriod = 10 * time.Second
