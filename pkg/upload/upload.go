package upload

import "context"

// Uploader archives run artifacts (console log, run snapshot) to remote
// storage after a run reaches a terminal state.
type Uploader interface {
	// Preflight verifies that the remote storage is reachable and writable.
	// Writes a small test object to the bucket to fail fast on
	// misconfiguration.
	Preflight(ctx context.Context) error

	// UploadRunDir uploads all files in the run's artifact directory. The
	// directory basename (the run ID) is used as a sub-prefix under the
	// configured remote prefix.
	UploadRunDir(ctx context.Context, runDir string) error
}
