package container

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/time/rate"
)

// Runtime abstracts the container runtime operations the test subsystem
// needs: executing a command inside a running container, checking container
// liveness, and copying a file out of a container's filesystem.
type Runtime interface {
	Start(ctx context.Context) error
	Stop() error

	// Exec runs a command inside a named running container. Non-zero exits
	// are a normal outcome captured in the result; an error is returned only
	// for daemon-level failures (runtime unreachable, exec setup failed).
	Exec(ctx context.Context, containerName string, cmd []string) (*ExecResult, error)

	// IsRunning reports whether the named container is currently running.
	// Any inspection failure, including "no such container", yields false.
	IsRunning(ctx context.Context, containerName string) bool

	// CopyFrom copies a single file from the container's filesystem to a
	// local destination path.
	CopyFrom(ctx context.Context, containerName, srcPath, dstPath string) error
}

// ExecResult captures the outcome of a single in-container command.
type ExecResult struct {
	Success  bool
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

const (
	// execRateLimit caps exec spawns per second against the runtime daemon.
	execRateLimit = rate.Limit(5)

	// execRateBurst is the exec spawn burst allowance.
	execRateBurst = 10
)

// newExecLimiter builds the shared spawn limiter used by both runtimes.
func newExecLimiter() *rate.Limiter {
	return rate.NewLimiter(execRateLimit, execRateBurst)
}

// extractFileFromTar extracts the first regular file from a tar stream to
// dstPath. Container copy endpoints return single-file copies wrapped in a
// tar archive.
func extractFileFromTar(r io.Reader, dstPath string) error {
	tr := tar.NewReader(r)

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return fmt.Errorf("no regular file in archive")
		}

		if err != nil {
			return fmt.Errorf("reading archive: %w", err)
		}

		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		if err := os.MkdirAll(filepath.Dir(dstPath), 0755); err != nil {
			return fmt.Errorf("creating destination directory: %w", err)
		}

		f, err := os.Create(dstPath)
		if err != nil {
			return fmt.Errorf("creating destination file: %w", err)
		}

		if _, err := io.Copy(f, tr); err != nil {
			_ = f.Close()

			return fmt.Errorf("writing destination file: %w", err)
		}

		return f.Close()
	}
}
