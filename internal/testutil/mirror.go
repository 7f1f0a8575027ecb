package testutil

import (
	"github.com/wpinney/testchat/internal/mirror"
)

// NewTestMirror creates a new in-memory mirror for testing.
func NewTestMirror() *mirror.MemoryMirror {
	return mirror.NewMemoryMirror("messages")
}
