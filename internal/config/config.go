package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Default values filled in by NewConfig.
const (
	DefaultBranch       = "master"
	DefaultArtifactDir  = "messages"
	DefaultStageTimeout = 30 * time.Second
	DefaultSyncInterval = 5 * time.Minute
)

// Config represents the main configuration for testchat.
type Config struct {
	BaseDir  string         `toml:"base_dir"`
	LogDir   string         `toml:"log_dir"`
	Database DatabaseConfig `toml:"database"`
	Mirror   MirrorConfig   `toml:"mirror"`
	Sync     SyncConfig     `toml:"sync"`
}

// DatabaseConfig represents configuration for the local message store.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// MirrorConfig represents configuration for the history mirror.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type MirrorConfig struct {
	Type string `toml:"type"` // "git" or "memory"

	// git-specific fields (only used when Type == "git")
	RemoteURL    string   `toml:"remote_url,omitempty"`
	Token        string   `toml:"token,omitempty"`
	CheckoutDir  string   `toml:"checkout_dir,omitempty"`
	Branch       string   `toml:"branch,omitempty"`
	ArtifactDir  string   `toml:"artifact_dir,omitempty"`
	AuthorName   string   `toml:"author_name,omitempty"`
	AuthorEmail  string   `toml:"author_email,omitempty"`
	StageTimeout Duration `toml:"stage_timeout,omitempty"`
}

// SyncConfig controls when sync passes run and how history is read back.
type SyncConfig struct {
	Interval     Duration `toml:"interval"`
	DedupHistory bool     `toml:"dedup_history"`
}

// Duration is a time.Duration written as a string ("30s", "5m") in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// NewConfig creates a new Config rooted at baseDir with a sqlite store and a
// git mirror. The remote URL and token still have to be filled in.
func NewConfig(baseDir string) *Config {
	return &Config{
		BaseDir: baseDir,
		LogDir:  filepath.Join(baseDir, "log"),
		Database: DatabaseConfig{
			Type:    "sqlite",
			DataDir: filepath.Join(baseDir, "db"),
		},
		Mirror: MirrorConfig{
			Type:         "git",
			CheckoutDir:  filepath.Join(baseDir, "checkout"),
			Branch:       DefaultBranch,
			ArtifactDir:  DefaultArtifactDir,
			AuthorName:   "testchat",
			AuthorEmail:  "testchat@localhost",
			StageTimeout: Duration{DefaultStageTimeout},
		},
		Sync: SyncConfig{
			Interval: Duration{DefaultSyncInterval},
		},
	}
}

// Validate checks the settings every command needs. A git mirror without a
// credential is a fatal configuration error, not something to retry.
func (c *Config) Validate() error {
	if c.Mirror.Type == "git" {
		if c.Mirror.RemoteURL == "" {
			return errors.New("mirror.remote_url is required for git mirror")
		}
		if c.Mirror.Token == "" {
			return errors.New("mirror.token is required for git mirror")
		}
		if c.Mirror.CheckoutDir == "" {
			return errors.New("mirror.checkout_dir is required for git mirror")
		}
	}
	if c.Sync.Interval.Duration < 0 {
		return fmt.Errorf("sync.interval must not be negative, got %s", c.Sync.Interval.Duration)
	}
	return nil
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// writeToFile writes a Config to the specified file path.
// The file holds the mirror token, so it is only readable by the owner.
func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
