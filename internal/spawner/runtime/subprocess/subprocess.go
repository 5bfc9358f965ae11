// Package subprocess is the default worker runtime backend: it launches the
// worker as a local OS process via os/exec, a black-box subprocess invoked
// via a documented environment contract. Process
// lifecycle (graceful signal then kill) is adapted from the same
// cancel-then-grace-period-then-kill shape the Docker backend
// uses for container Stop, translated to os/exec + syscall signals.
package subprocess

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"syscall"

	"github.com/opsbutler/butler/internal/spawner/runtime"
)

// Backend runs workers as local subprocesses.
type Backend struct{}

// New creates a subprocess Backend.
func New() *Backend {
	return &Backend{}
}

// Run launches spec.Command, writes spec.Stdin, and waits for completion or
// cancellation. On ctx cancellation or timeout it sends SIGTERM and waits
// runtime.GracePeriod before SIGKILL.
func (b *Backend) Run(ctx context.Context, spec runtime.Spec) (runtime.Result, error) {
	if len(spec.Command) == 0 {
		return runtime.Result{}, fmt.Errorf("subprocess: empty command")
	}
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = runtime.DefaultTimeout
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, spec.Command[0], spec.Command[1:]...)
	cmd.Env = envSlice(spec.Env)
	cmd.Stdin = bytes.NewReader(spec.Stdin)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = runtime.GracePeriod

	err := cmd.Run()
	res := runtime.Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}

	if exitErr, ok := err.(*exec.ExitError); ok {
		res.ExitCode = exitErr.ExitCode()
		if runCtx.Err() != nil {
			res.Killed = true
		}
		return res, nil
	}
	if err != nil {
		if runCtx.Err() != nil {
			res.Killed = true
			return res, nil
		}
		return res, fmt.Errorf("subprocess: run worker %s: %w", spec.WorkerID, err)
	}
	return res, nil
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
