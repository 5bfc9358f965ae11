// Package docker is the alternate worker runtime backend: it runs a worker
// inside a throwaway Docker container instead of a local subprocess, for
// butlers that need stronger sandboxing than the OS-process boundary gives
// them. Runs a worker as a throwaway container,
// which manages long-lived agent containers (Spawn/Stop/Start/Restart); this
// backend keeps the same client setup and labeling scheme but collapses the
// lifecycle to a single run-to-completion container per worker invocation,
// removed once it exits.
package docker

import (
	"bytes"
	"context"
	"fmt"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
	dockerclient "github.com/docker/docker/client"

	"github.com/opsbutler/butler/internal/spawner/runtime"
)

const (
	labelManagedBy = "butler.managed-by"
	labelWorkerID  = "butler.worker-id"
	managedByValue = "butler"
)

// Backend runs workers as ephemeral Docker containers.
type Backend struct {
	client *dockerclient.Client
	image  string
}

// New creates a Backend using the DOCKER_HOST env var or the default
// socket, running workers from the given image.
func New(image string) (*Backend, error) {
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Backend{client: cli, image: image}, nil
}

// Run creates, starts, waits on, and removes one container per worker
// invocation. spec.Stdin is attached to the container's stdin; stdout and
// stderr are demultiplexed from the same attach stream.
func (b *Backend) Run(ctx context.Context, spec runtime.Spec) (runtime.Result, error) {
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = runtime.DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	name := "butler-worker-" + spec.WorkerID
	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	resp, err := b.client.ContainerCreate(runCtx, &container.Config{
		Image:        b.image,
		Cmd:          spec.Command,
		Env:          env,
		OpenStdin:    true,
		StdinOnce:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Labels: map[string]string{
			labelManagedBy: managedByValue,
			labelWorkerID:  spec.WorkerID,
		},
	}, &container.HostConfig{AutoRemove: false}, nil, nil, name)
	if err != nil {
		return runtime.Result{}, fmt.Errorf("docker: create worker container: %w", err)
	}
	defer b.client.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true})

	attach, err := b.client.ContainerAttach(runCtx, resp.ID, container.AttachOptions{
		Stream: true, Stdin: true, Stdout: true, Stderr: true,
	})
	if err != nil {
		return runtime.Result{}, fmt.Errorf("docker: attach worker container: %w", err)
	}

	if err := b.client.ContainerStart(runCtx, resp.ID, container.StartOptions{}); err != nil {
		attach.Close()
		return runtime.Result{}, fmt.Errorf("docker: start worker container: %w", err)
	}

	if _, err := attach.Conn.Write(spec.Stdin); err != nil {
		attach.Close()
		return runtime.Result{}, fmt.Errorf("docker: write worker stdin: %w", err)
	}
	attach.CloseWrite()

	var stdout, stderr bytes.Buffer
	copyDone := make(chan error, 1)
	go func() {
		_, copyErr := stdcopy.StdCopy(&stdout, &stderr, attach.Reader)
		copyDone <- copyErr
	}()

	statusCh, errCh := b.client.ContainerWait(runCtx, resp.ID, container.WaitConditionNotRunning)
	var exitCode int
	var killed bool
	select {
	case err := <-errCh:
		if err != nil && runCtx.Err() == nil {
			attach.Close()
			return runtime.Result{}, fmt.Errorf("docker: wait worker container: %w", err)
		}
		killed = runCtx.Err() != nil
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	case <-runCtx.Done():
		killed = true
		timeoutCtx, cancelStop := context.WithTimeout(context.Background(), runtime.GracePeriod)
		defer cancelStop()
		_ = b.client.ContainerStop(timeoutCtx, resp.ID, container.StopOptions{})
	}
	attach.Close()
	<-copyDone

	return runtime.Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), ExitCode: exitCode, Killed: killed}, nil
}
