package container

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/containers/podman/v5/pkg/api/handlers"
	"github.com/containers/podman/v5/pkg/bindings"
	"github.com/containers/podman/v5/pkg/bindings/containers"
	"github.com/containers/podman/v5/pkg/bindings/system"
	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// DefaultPodmanSocket is the default rootful Podman socket path.
const DefaultPodmanSocket = "unix:///run/podman/podman.sock"

// podmanRuntime implements Runtime using the Podman Go bindings.
type podmanRuntime struct {
	log     logrus.FieldLogger
	socket  string
	conn    context.Context // Podman connection context.
	limiter *rate.Limiter
}

// Ensure interface compliance.
var _ Runtime = (*podmanRuntime)(nil)

// NewPodmanRuntime creates a Runtime backed by the Podman service. An empty
// socket selects the default rootful socket.
func NewPodmanRuntime(log logrus.FieldLogger, socket string) (Runtime, error) {
	if socket == "" {
		socket = DefaultPodmanSocket
	}

	return &podmanRuntime{
		log:     log.WithField("component", "podman"),
		socket:  socket,
		limiter: newExecLimiter(),
	}, nil
}

// Start initializes the Podman connection.
func (p *podmanRuntime) Start(ctx context.Context) error {
	conn, err := bindings.NewConnection(ctx, p.socket)
	if err != nil {
		return fmt.Errorf(
			"connecting to podman socket (%s): %w\n"+
				"Ensure the Podman service is running: systemctl start podman.socket",
			p.socket, err,
		)
	}

	p.conn = conn

	info, err := system.Info(p.conn, nil)
	if err != nil {
		return fmt.Errorf("querying podman info: %w", err)
	}

	p.log.WithFields(logrus.Fields{
		"version": info.Version.Version,
		"runtime": info.Host.OCIRuntime.Name,
	}).Debug("Connected to Podman daemon")

	return nil
}

// Stop cleans up the Podman runtime.
func (p *podmanRuntime) Stop() error {
	return nil
}

// callCtx derives a per-call context from the connection context so
// deadlines propagate while the binding's client value is preserved.
func (p *podmanRuntime) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if deadline, ok := ctx.Deadline(); ok {
		return context.WithDeadline(p.conn, deadline)
	}

	return context.WithCancel(p.conn)
}

// Exec runs a command inside a running container and captures its output.
func (p *podmanRuntime) Exec(
	ctx context.Context,
	containerName string,
	cmd []string,
) (*ExecResult, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting for exec slot: %w", err)
	}

	conn, cancel := p.callCtx(ctx)
	defer cancel()

	sessionID, err := containers.ExecCreate(conn, containerName, &handlers.ExecCreateConfig{
		ExecOptions: dockercontainer.ExecOptions{
			Cmd:          cmd,
			AttachStdout: true,
			AttachStderr: true,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("creating exec in container %s: %w", containerName, err)
	}

	var stdout, stderr bytes.Buffer

	attachOpts := new(containers.ExecStartAndAttachOptions).
		WithOutputStream(io.Writer(&stdout)).
		WithErrorStream(io.Writer(&stderr)).
		WithAttachOutput(true).
		WithAttachError(true)

	if err := containers.ExecStartAndAttach(conn, sessionID, attachOpts); err != nil {
		return nil, fmt.Errorf("starting exec: %w", err)
	}

	inspect, err := containers.ExecInspect(conn, sessionID, nil)
	if err != nil {
		return nil, fmt.Errorf("inspecting exec: %w", err)
	}

	p.log.WithFields(logrus.Fields{
		"container": containerName,
		"exit_code": inspect.ExitCode,
	}).Debug("Exec completed")

	return &ExecResult{
		Success:  inspect.ExitCode == 0,
		ExitCode: inspect.ExitCode,
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
	}, nil
}

// IsRunning reports whether the named container is running.
func (p *podmanRuntime) IsRunning(ctx context.Context, containerName string) bool {
	conn, cancel := p.callCtx(ctx)
	defer cancel()

	inspect, err := containers.Inspect(conn, containerName, nil)
	if err != nil {
		return false
	}

	return inspect.State != nil && inspect.State.Running
}

// CopyFrom copies a single file out of the container to dstPath.
func (p *podmanRuntime) CopyFrom(
	ctx context.Context,
	containerName, srcPath, dstPath string,
) error {
	conn, cancel := p.callCtx(ctx)
	defer cancel()

	var buf bytes.Buffer

	copyFunc, err := containers.CopyToArchive(conn, containerName, srcPath, &buf)
	if err != nil {
		return fmt.Errorf("copying %s from container %s: %w", srcPath, containerName, err)
	}

	if err := copyFunc(); err != nil {
		return fmt.Errorf("copying %s from container %s: %w", srcPath, containerName, err)
	}

	if err := extractFileFromTar(&buf, dstPath); err != nil {
		return fmt.Errorf("extracting %s: %w", srcPath, err)
	}

	return nil
}
