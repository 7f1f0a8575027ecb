package chat

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"
)

// Failure identifies the message at which a sync pass stopped.
type Failure struct {
	Index     int // position in the pass snapshot
	MessageID int64
	Err       error
}

// Summary is the outcome of one sync pass.
type Summary struct {
	PassID       string
	Attempted    int
	Succeeded    int
	FirstFailure *Failure
}

// Coordinator runs sync passes: it mirrors every Pending message, oldest
// first, one commit per message, and records each commit hash locally.
// At most one pass runs at a time per Coordinator.
type Coordinator struct {
	store  MessageStore
	mirror Mirror
	logger Logger
	clock  Clock
	idgen  IDGenerator
	guard  *semaphore.Weighted
}

// NewCoordinator creates a Coordinator over the given store and mirror.
func NewCoordinator(store MessageStore, mirror Mirror, logger Logger, clock Clock, idgen IDGenerator) *Coordinator {
	return &Coordinator{
		store:  store,
		mirror: mirror,
		logger: logger,
		clock:  clock,
		idgen:  idgen,
		guard:  semaphore.NewWeighted(1),
	}
}

// RunSync executes one sync pass.
//
// The returned error is nil only when every Pending message was mirrored and
// marked Synced. A failure on message i leaves messages before i Synced and
// i onward Pending; the next pass resumes at i. Cancelling ctx stops the pass
// between messages, never in the middle of a commit and push.
func (c *Coordinator) RunSync(ctx context.Context) (*Summary, error) {
	if !c.guard.TryAcquire(1) {
		return nil, ErrSyncInProgress
	}
	defer c.guard.Release(1)

	pass := &SyncPass{
		ID:        c.idgen.New(),
		StartedAt: c.clock.Now(),
		Status:    "running",
	}
	summary := &Summary{PassID: pass.ID}

	if err := c.store.CreateSyncPass(ctx, pass); err != nil {
		c.logger.Warn("recording sync pass failed", "pass", pass.ID, "error", err)
	}

	err := c.run(ctx, summary)
	c.finish(ctx, pass, summary, err)
	return summary, err
}

func (c *Coordinator) run(ctx context.Context, summary *Summary) error {
	// In-flight git work always runs to completion; cancellation is only
	// honoured between messages.
	mctx := context.WithoutCancel(ctx)

	cloned, err := c.mirror.EnsureRepository(mctx)
	if err != nil {
		return fmt.Errorf("preparing checkout: %w", err)
	}
	if cloned {
		c.logger.Info("cloned mirror repository", "pass", summary.PassID)
	}

	pending, err := c.store.ListUnsynced(ctx)
	if err != nil {
		return fmt.Errorf("listing unsynced messages: %w", err)
	}
	if len(pending) == 0 {
		c.logger.Debug("nothing to sync", "pass", summary.PassID)
		return nil
	}

	for i, msg := range pending {
		if err := ctx.Err(); err != nil {
			c.logger.Info("sync pass cancelled", "pass", summary.PassID, "remaining", len(pending)-i)
			return fmt.Errorf("sync pass cancelled: %w", err)
		}

		summary.Attempted++
		if err := c.syncMessage(mctx, msg); err != nil {
			summary.FirstFailure = &Failure{Index: i, MessageID: msg.ID, Err: err}
			c.logger.Error("sync stopped", "pass", summary.PassID, "message", msg.ID, "index", i, "error", err)
			return fmt.Errorf("syncing message %d: %w", msg.ID, err)
		}
		summary.Succeeded++
	}

	c.logger.Info("sync complete", "pass", summary.PassID, "count", summary.Succeeded)
	return nil
}

// syncMessage mirrors a single message and records its commit hash.
//
// If MarkSynced fails after a successful push the message stays Pending with
// its commit already on the remote. The artifact name is deterministic, so
// the next pass rewrites identical bytes and reuses that commit.
func (c *Coordinator) syncMessage(ctx context.Context, msg *Message) error {
	name, data, err := Serialize(msg)
	if err != nil {
		return &MirrorError{Stage: StageWrite, Err: err}
	}

	path, err := c.mirror.WriteArtifact(name, data)
	if err != nil {
		return err
	}

	hash, err := c.mirror.CommitAndPush(ctx, []string{path}, "Add message: "+name)
	if err != nil {
		return err
	}

	changed, err := c.store.MarkSynced(ctx, msg.ID, hash)
	if err != nil {
		c.logger.Warn("commit pushed but not recorded", "message", msg.ID, "commit", hash)
		return err
	}
	if !changed {
		c.logger.Warn("message was already synced", "message", msg.ID, "commit", hash)
		return nil
	}

	c.logger.Info("message synced", "message", msg.ID, "artifact", name, "commit", hash)
	return nil
}

func (c *Coordinator) finish(ctx context.Context, pass *SyncPass, summary *Summary, runErr error) {
	pass.Attempted = summary.Attempted
	pass.Succeeded = summary.Succeeded
	pass.Status = "success"
	if runErr != nil {
		pass.Status = "error"
		pass.Error = runErr.Error()
	}
	pass.FinishedAt.Time = c.clock.Now()
	pass.FinishedAt.Valid = true

	if err := c.store.FinishSyncPass(context.WithoutCancel(ctx), pass); err != nil {
		c.logger.Warn("recording sync pass result failed", "pass", pass.ID, "error", err)
	}
}
