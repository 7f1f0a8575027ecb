package mirror

import (
	"fmt"

	"github.com/wpinney/testchat/internal/chat"
	"github.com/wpinney/testchat/internal/config"
)

// NewMirrorFromConfig creates a Mirror implementation based on the mirror config type.
func NewMirrorFromConfig(cfg config.MirrorConfig, logger chat.Logger) (chat.Mirror, error) {
	switch cfg.Type {
	case "memory":
		dir := cfg.ArtifactDir
		if dir == "" {
			dir = config.DefaultArtifactDir
		}
		return NewMemoryMirror(dir), nil
	case "git":
		g, err := NewGitMirror(cfg, logger)
		if err != nil {
			return nil, err
		}
		return g, nil
	default:
		return nil, fmt.Errorf("unknown mirror type: %s", cfg.Type)
	}
}
