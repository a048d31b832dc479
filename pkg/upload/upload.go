// Package upload archives completed run directories to S3-compatible
// storage.
package upload

import "context"

// Uploader uploads a local run directory to remote storage.
type Uploader interface {
	// Preflight verifies that the remote storage is reachable and writable.
	// Writes a small test object to the bucket to fail fast on misconfiguration.
	Preflight(ctx context.Context) error

	// UploadRun uploads all files in a run directory. Keys are laid out as
	// prefix/<projectID>/<runID>/<relative path>.
	UploadRun(ctx context.Context, projectID, runID, localDir string) error
}
