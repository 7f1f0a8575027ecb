package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrSyncInProgress is returned by RunSync when another pass holds the checkout.
	ErrSyncInProgress = errors.New("sync pass already in progress")

	// ErrEmptyMessage is returned when content or sender is blank.
	ErrEmptyMessage = errors.New("message content and sender are required")

	// ErrInvalidEncoding is returned when content or sender is not valid UTF-8.
	ErrInvalidEncoding = errors.New("message content and sender must be valid UTF-8")
)

// Mirror stages, in the order a sync pass runs them.
const (
	StageWrite   = "write"
	StageStage   = "stage"
	StageCommit  = "commit"
	StagePush    = "push"
	StageResolve = "resolve"
)

// StorageError reports that the local store (or the checkout filesystem)
// could not be read or written.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// RemoteError reports that cloning or authenticating to the remote failed.
// It needs operator intervention before the next pass can succeed.
type RemoteError struct {
	Op  string
	Err error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote: %s: %v", e.Op, e.Err)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// MirrorError reports which stage of a commit sequence failed for a message.
type MirrorError struct {
	Stage  string
	Detail string
	Err    error
}

func (e *MirrorError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("mirror %s failed: %v: %s", e.Stage, e.Err, e.Detail)
	}
	return fmt.Sprintf("mirror %s failed: %v", e.Stage, e.Err)
}

func (e *MirrorError) Unwrap() error { return e.Err }
