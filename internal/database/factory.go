package database

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/wpinney/testchat/internal/chat"
	"github.com/wpinney/testchat/internal/config"
)

// DBFileName is the name of the sqlite file inside data_dir.
const DBFileName = "testchat.db"

// NewStoreFromConfig creates a message store based on the database config type.
// In-memory stores are migrated on open since nothing else could have done it.
func NewStoreFromConfig(cfg config.DatabaseConfig, clock chat.Clock) (*SQLiteStore, error) {
	switch cfg.Type {
	case "sqlite":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite database")
		}
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		return NewSQLiteStore(filepath.Join(cfg.DataDir, DBFileName), clock)
	case "memory":
		s, err := NewSQLiteStore(MemoryPath, clock)
		if err != nil {
			return nil, err
		}
		if err := s.MigrateUp(); err != nil {
			s.Close()
			return nil, fmt.Errorf("migrating in-memory database: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown database type: %s", cfg.Type)
	}
}
