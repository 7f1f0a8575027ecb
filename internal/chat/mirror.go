package chat

import "context"

// Mirror manages the local checkout of the remote history repository.
// A Mirror owns exactly one working tree; callers must not run two sync
// passes against the same Mirror at once.
type Mirror interface {
	// EnsureRepository clones the remote if no checkout exists yet.
	// Returns true when a clone was performed. Failures are *RemoteError.
	EnsureRepository(ctx context.Context) (bool, error)

	// WriteArtifact writes data under the artifact directory of the checkout
	// and returns the path to pass to CommitAndPush. Failures are *StorageError.
	WriteArtifact(name string, data []byte) (string, error)

	// CommitAndPush stages paths, commits them with message, pushes the branch
	// and returns the resulting commit hash. Failures are *MirrorError.
	CommitAndPush(ctx context.Context, paths []string, message string) (string, error)

	// ReadHistory decodes every committed artifact, ordered by creation time.
	// Unreadable artifacts are skipped.
	ReadHistory(ctx context.Context) ([]*Artifact, error)
}
