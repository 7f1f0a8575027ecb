package chat

import "context"

// MessageStore is the local record of every message and its sync state.
// Implementations acquire and release their own connection or transaction
// per call and report every failure as a *StorageError.
type MessageStore interface {
	// AddMessage inserts a Pending message and returns its ID.
	AddMessage(ctx context.Context, content, sender string) (int64, error)

	// GetMessage returns the message with the given ID, or nil if absent.
	GetMessage(ctx context.Context, id int64) (*Message, error)

	// ListMessages returns up to limit messages, newest first.
	ListMessages(ctx context.Context, limit int) ([]*Message, error)

	// ListUnsynced returns all Pending messages, oldest first.
	ListUnsynced(ctx context.Context) ([]*Message, error)

	// MarkSynced records commitHash for id if the message is still Pending.
	// Returns false when no row changed (unknown id or already synced).
	MarkSynced(ctx context.Context, id int64, commitHash string) (bool, error)

	// Sync pass history

	CreateSyncPass(ctx context.Context, pass *SyncPass) error
	FinishSyncPass(ctx context.Context, pass *SyncPass) error
	ListSyncPasses(ctx context.Context, limit int) ([]*SyncPass, error)

	// Close closes the underlying database.
	Close() error
}
