package app

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/wpinney/testchat/internal/config"
)

// Environment variables read by the app layer.
const (
	EnvConfigPath = "TESTCHAT_CONFIG_PATH"
	EnvHome       = "TESTCHAT_HOME"
	EnvToken      = "TESTCHAT_TOKEN"
)

// GetDefaults returns application default paths, checking environment variables first.
// Environment variables:
//   - TESTCHAT_CONFIG_PATH: config file location (default: ~/.config/testchat.toml)
//   - TESTCHAT_HOME: base directory for testchat data (default: ~/.local/share/testchat)
func GetDefaults() (map[string]string, error) {
	configPath, err := getConfigPath()
	if err != nil {
		return nil, err
	}

	baseDir, err := getBaseDir()
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"config_path": configPath,
		"base_dir":    baseDir,
		"log_dir":     filepath.Join(baseDir, "log"),
	}, nil
}

// ApplyEnvOverrides replaces config values with those set in the environment.
// Only the mirror token can be overridden, so it never has to be written to
// the config file.
func ApplyEnvOverrides(cfg *config.Config) {
	if token := os.Getenv(EnvToken); token != "" {
		cfg.Mirror.Token = token
	}
}

// getConfigPath returns the config file path, checking TESTCHAT_CONFIG_PATH env var first,
// then falling back to the default ~/.config/testchat.toml.
func getConfigPath() (string, error) {
	if path := os.Getenv(EnvConfigPath); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "testchat.toml"), nil
}

// getBaseDir returns the base directory for testchat data, checking TESTCHAT_HOME env var first,
// then falling back to the XDG default ~/.local/share/testchat.
func getBaseDir() (string, error) {
	if path := os.Getenv(EnvHome); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "testchat"), nil
}
