package chat

import (
	"context"
	"fmt"
)

// Service is the entry point used by the CLI. Sending and listing never
// depend on the state of a sync pass.
type Service struct {
	store       MessageStore
	mirror      Mirror
	coordinator *Coordinator
	logger      Logger
}

// NewService creates a Service and its Coordinator.
func NewService(store MessageStore, mirror Mirror, logger Logger, clock Clock, idgen IDGenerator) *Service {
	return &Service{
		store:       store,
		mirror:      mirror,
		coordinator: NewCoordinator(store, mirror, logger, clock, idgen),
		logger:      logger,
	}
}

// Coordinator returns the coordinator driving sync passes.
func (s *Service) Coordinator() *Coordinator {
	return s.coordinator
}

// Send stores a new Pending message and returns its ID.
func (s *Service) Send(ctx context.Context, content, sender string) (int64, error) {
	id, err := s.store.AddMessage(ctx, content, sender)
	if err != nil {
		return 0, fmt.Errorf("adding message: %w", err)
	}
	s.logger.Debug("message stored", "id", id, "sender", sender)
	return id, nil
}

// Recent returns up to limit messages, newest first.
func (s *Service) Recent(ctx context.Context, limit int) ([]*Message, error) {
	msgs, err := s.store.ListMessages(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	return msgs, nil
}

// Sync runs one sync pass.
func (s *Service) Sync(ctx context.Context) (*Summary, error) {
	return s.coordinator.RunSync(ctx)
}

// History returns the mirrored history in creation order. With dedup set,
// repeated content+sender+timestamp entries are collapsed.
func (s *Service) History(ctx context.Context, dedup bool) ([]*Artifact, error) {
	if _, err := s.mirror.EnsureRepository(ctx); err != nil {
		return nil, fmt.Errorf("preparing checkout: %w", err)
	}
	artifacts, err := s.mirror.ReadHistory(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading history: %w", err)
	}
	if dedup {
		artifacts = DedupArtifacts(artifacts)
	}
	return artifacts, nil
}

// Passes returns the most recent sync passes, newest first.
func (s *Service) Passes(ctx context.Context, limit int) ([]*SyncPass, error) {
	passes, err := s.store.ListSyncPasses(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("listing sync passes: %w", err)
	}
	return passes, nil
}
