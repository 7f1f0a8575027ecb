package chat

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Syncer runs one sync pass. *Coordinator implements it.
type Syncer interface {
	RunSync(ctx context.Context) (*Summary, error)
}

// Scheduler triggers sync passes on a fixed interval and on demand.
// Failed passes are logged and retried on the next tick.
type Scheduler struct {
	syncer   Syncer
	interval time.Duration
	logger   Logger

	trigger chan struct{}
	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewScheduler creates a Scheduler. interval must be positive.
func NewScheduler(syncer Syncer, interval time.Duration, logger Logger) *Scheduler {
	return &Scheduler{
		syncer:   syncer,
		interval: interval,
		logger:   logger,
		trigger:  make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the background loop. A pass runs immediately, then on
// every tick. Calling Start on a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ctx)

	s.logger.Info("sync scheduler started", "interval", s.interval.String())
}

// Stop signals the loop to exit and waits for an in-flight pass to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()

	s.logger.Info("sync scheduler stopped")
}

// Trigger requests a pass as soon as the loop is idle. Requests made while
// one is already queued are coalesced.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.runOnce(ctx)
		case <-s.trigger:
			s.runOnce(ctx)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	summary, err := s.syncer.RunSync(ctx)
	switch {
	case errors.Is(err, ErrSyncInProgress):
		s.logger.Debug("skipping tick, sync already running")
	case err != nil:
		attrs := []any{"error", err}
		if summary != nil {
			attrs = append(attrs, "pass", summary.PassID, "attempted", summary.Attempted, "succeeded", summary.Succeeded)
		}
		s.logger.Error("scheduled sync failed", attrs...)
	case summary.Attempted > 0:
		s.logger.Info("scheduled sync finished", "pass", summary.PassID, "succeeded", summary.Succeeded)
	}
}
