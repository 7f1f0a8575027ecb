package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/wpinney/testchat/internal/chat"
	"github.com/wpinney/testchat/internal/config"
	"github.com/wpinney/testchat/internal/database"
	"github.com/wpinney/testchat/internal/database/migrations"
	"github.com/wpinney/testchat/internal/mirror"
)

// ChatApp is the application layer between the CLI and chat.Service.
// It constructs all dependencies from config, exposes high-level operations,
// and releases the store and log file on Close.
type ChatApp struct {
	cfg     *config.Config
	store   *database.SQLiteStore
	mirror  chat.Mirror
	service *chat.Service
	logger  *slogAdapter
	op      *Operation
	logFile *os.File
}

// NewChatApp creates a fully wired ChatApp from the given config.
// operation identifies the CLI command being run (e.g. "Send", "Sync").
// Records at or above stderrLevel are echoed to stderr; everything goes to
// the log file. The caller must call Close when done.
func NewChatApp(cfg *config.Config, operation string, stderrLevel slog.Level) (*ChatApp, error) {
	ApplyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	clock := chat.RealClock{}
	op := NewOperation(operation, clock.Now())

	logger, logFile, err := newLogger(cfg.LogDir, op.ID, stderrLevel)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	adapter := &slogAdapter{l: logger}

	store, err := database.NewStoreFromConfig(cfg.Database, clock)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("creating store: %w", err)
	}

	if err := store.CheckMigrations(); err != nil {
		store.Close()
		logFile.Close()
		return nil, fmt.Errorf("database schema out of date (run 'testchat db migrate'): %w", err)
	}

	m, err := mirror.NewMirrorFromConfig(cfg.Mirror, adapter)
	if err != nil {
		store.Close()
		logFile.Close()
		return nil, fmt.Errorf("creating mirror: %w", err)
	}

	svc := chat.NewService(store, m, adapter, clock, chat.UUIDGenerator{})
	adapter.Debug("operation started", "operation", op.Name)

	return &ChatApp{
		cfg:     cfg,
		store:   store,
		mirror:  m,
		service: svc,
		logger:  adapter,
		op:      op,
		logFile: logFile,
	}, nil
}

// Send stores a new message. It never touches the mirror.
func (a *ChatApp) Send(ctx context.Context, content, sender string) (int64, error) {
	id, err := a.service.Send(ctx, content, sender)
	return id, a.op.Record(err)
}

// Recent returns up to limit messages, newest first.
func (a *ChatApp) Recent(ctx context.Context, limit int) ([]*chat.Message, error) {
	msgs, err := a.service.Recent(ctx, limit)
	return msgs, a.op.Record(err)
}

// Sync runs a single sync pass.
func (a *ChatApp) Sync(ctx context.Context) (*chat.Summary, error) {
	summary, err := a.service.Sync(ctx)
	return summary, a.op.Record(err)
}

// Watch runs sync passes every interval until ctx is cancelled. A zero
// interval uses the configured one. Failed passes are logged, not returned.
func (a *ChatApp) Watch(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = a.cfg.Sync.Interval.Duration
	}
	if interval <= 0 {
		interval = config.DefaultSyncInterval
	}

	s := chat.NewScheduler(a.service.Coordinator(), interval, a.logger)
	s.Start(ctx)
	<-ctx.Done()
	s.Stop()
	return nil
}

// History returns the mirrored message history in creation order. Entries
// are deduplicated when dedup is set or the config enables it.
func (a *ChatApp) History(ctx context.Context, dedup bool) ([]*chat.Artifact, error) {
	artifacts, err := a.service.History(ctx, dedup || a.cfg.Sync.DedupHistory)
	return artifacts, a.op.Record(err)
}

// Passes returns the most recent sync passes, newest first.
func (a *ChatApp) Passes(ctx context.Context, limit int) ([]*chat.SyncPass, error) {
	passes, err := a.service.Passes(ctx, limit)
	return passes, a.op.Record(err)
}

// Close logs the operation outcome and closes all resources.
func (a *ChatApp) Close() error {
	var firstErr error

	a.logger.Debug("operation finished",
		"operation", a.op.Name,
		"status", a.op.Status,
		"duration", time.Since(a.op.StartedAt).Truncate(time.Millisecond).String(),
	)

	if err := a.store.Close(); err != nil {
		firstErr = fmt.Errorf("closing database: %w", err)
	}

	if a.logFile != nil {
		a.logFile.Close()
	}

	return firstErr
}

// MigrateDatabase applies pending schema migrations to the configured store
// and reports the schema status before and after.
func MigrateDatabase(cfg *config.Config) (before, after migrations.Status, err error) {
	store, err := database.NewStoreFromConfig(cfg.Database, chat.RealClock{})
	if err != nil {
		return before, after, fmt.Errorf("creating store: %w", err)
	}
	defer store.Close()

	if before, err = store.MigrationStatus(); err != nil {
		return before, after, err
	}
	if err = store.MigrateUp(); err != nil {
		return before, after, err
	}
	after, err = store.MigrationStatus()
	return before, after, err
}

// DatabaseStatus reports the schema status of the configured store.
func DatabaseStatus(cfg *config.Config) (migrations.Status, error) {
	store, err := database.NewStoreFromConfig(cfg.Database, chat.RealClock{})
	if err != nil {
		return migrations.Status{}, fmt.Errorf("creating store: %w", err)
	}
	defer store.Close()

	return store.MigrationStatus()
}

// MaskSecret hides all but the last four characters of s.
func MaskSecret(s string) string {
	if s == "" {
		return "(not set)"
	}
	if len(s) <= 4 {
		return strings.Repeat("*", len(s))
	}
	return strings.Repeat("*", len(s)-4) + s[len(s)-4:]
}
