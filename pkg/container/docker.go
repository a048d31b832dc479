package container

import (
	"bytes"
	"context"
	"fmt"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-units"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// dockerRuntime implements Runtime on the Docker Engine API.
type dockerRuntime struct {
	log     logrus.FieldLogger
	client  *client.Client
	limiter *rate.Limiter
}

// Ensure interface compliance.
var _ Runtime = (*dockerRuntime)(nil)

// NewDockerRuntime creates a Runtime backed by the local Docker daemon.
func NewDockerRuntime(log logrus.FieldLogger) (Runtime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}

	return &dockerRuntime{
		log:     log.WithField("component", "docker"),
		client:  cli,
		limiter: newExecLimiter(),
	}, nil
}

// Start verifies connectivity to the Docker daemon.
func (d *dockerRuntime) Start(ctx context.Context) error {
	if _, err := d.client.Ping(ctx); err != nil {
		return fmt.Errorf("connecting to docker daemon: %w", err)
	}

	d.log.Debug("Connected to Docker daemon")

	return nil
}

// Stop closes the Docker client.
func (d *dockerRuntime) Stop() error {
	if err := d.client.Close(); err != nil {
		return fmt.Errorf("closing docker client: %w", err)
	}

	return nil
}

// Exec runs a command inside a running container and captures its output.
func (d *dockerRuntime) Exec(
	ctx context.Context,
	containerName string,
	cmd []string,
) (*ExecResult, error) {
	if err := d.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting for exec slot: %w", err)
	}

	created, err := d.client.ContainerExecCreate(ctx, containerName, dockercontainer.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating exec in container %s: %w", containerName, err)
	}

	attach, err := d.client.ContainerExecAttach(ctx, created.ID, dockercontainer.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("attaching to exec: %w", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer

	// Demultiplex the combined stream; respect context cancellation by
	// copying in a goroutine and racing it against ctx.
	copyDone := make(chan error, 1)

	go func() {
		_, copyErr := stdcopy.StdCopy(&stdout, &stderr, attach.Reader)
		copyDone <- copyErr
	}()

	select {
	case err := <-copyDone:
		if err != nil {
			return nil, fmt.Errorf("reading exec output: %w", err)
		}
	case <-ctx.Done():
		return nil, fmt.Errorf("exec in container %s: %w", containerName, ctx.Err())
	}

	inspect, err := d.client.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return nil, fmt.Errorf("inspecting exec: %w", err)
	}

	d.log.WithFields(logrus.Fields{
		"container": containerName,
		"exit_code": inspect.ExitCode,
		"stdout":    units.HumanSize(float64(stdout.Len())),
		"stderr":    units.HumanSize(float64(stderr.Len())),
	}).Debug("Exec completed")

	return &ExecResult{
		Success:  inspect.ExitCode == 0,
		ExitCode: inspect.ExitCode,
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
	}, nil
}

// IsRunning reports whether the named container is running.
func (d *dockerRuntime) IsRunning(ctx context.Context, containerName string) bool {
	inspect, err := d.client.ContainerInspect(ctx, containerName)
	if err != nil {
		return false
	}

	return inspect.State != nil && inspect.State.Running
}

// CopyFrom copies a single file out of the container to dstPath.
func (d *dockerRuntime) CopyFrom(
	ctx context.Context,
	containerName, srcPath, dstPath string,
) error {
	reader, stat, err := d.client.CopyFromContainer(ctx, containerName, srcPath)
	if err != nil {
		return fmt.Errorf("copying %s from container %s: %w", srcPath, containerName, err)
	}
	defer func() { _ = reader.Close() }()

	if err := extractFileFromTar(reader, dstPath); err != nil {
		return fmt.Errorf("extracting %s: %w", srcPath, err)
	}

	d.log.WithFields(logrus.Fields{
		"container": containerName,
		"src":       srcPath,
		"dst":       dstPath,
		"size":      units.HumanSize(float64(stat.Size)),
	}).Debug("Copied file from container")

	return nil
}
