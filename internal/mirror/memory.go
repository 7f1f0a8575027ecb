package mirror

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/wpinney/testchat/internal/chat"
)

// Failure-injection keys for operations that are not commit stages.
const (
	StageClone   = "clone"
	StageHistory = "history"
)

// Commit is one commit recorded by a MemoryMirror.
type Commit struct {
	Hash    string
	Message string
	Paths   []string
}

// MemoryMirror is an in-memory implementation of the Mirror interface that
// behaves like a git checkout: a worktree, a committed tree, a local commit
// log and a pushed prefix of it. Failures can be injected per stage.
// This implementation is safe for concurrent use.
type MemoryMirror struct {
	dir string

	mu        sync.Mutex
	cloned    bool
	worktree  map[string][]byte // path -> bytes on disk
	committed map[string][]byte // path -> bytes at HEAD
	touched   map[string]string // path -> hash of last commit that changed it
	commits   []Commit
	pushed    int
	calls     map[string]int
	failures  map[string]map[int]error // stage -> call number (0 = every call) -> error
}

// NewMemoryMirror creates an empty in-memory mirror that stores artifacts
// under dir.
func NewMemoryMirror(dir string) *MemoryMirror {
	return &MemoryMirror{
		dir:       dir,
		worktree:  make(map[string][]byte),
		committed: make(map[string][]byte),
		touched:   make(map[string]string),
		calls:     make(map[string]int),
		failures:  make(map[string]map[int]error),
	}
}

// FailOn makes the call-th invocation of stage fail with err. call counts
// from 1; call 0 fails every invocation. A nil err uses a generic error.
func (m *MemoryMirror) FailOn(stage string, call int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		err = fmt.Errorf("injected %s failure", stage)
	}
	if m.failures[stage] == nil {
		m.failures[stage] = make(map[int]error)
	}
	m.failures[stage][call] = err
}

// ClearFailures removes every injected failure.
func (m *MemoryMirror) ClearFailures() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = make(map[string]map[int]error)
}

// Calls returns how many times stage has run.
func (m *MemoryMirror) Calls(stage string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[stage]
}

// Commits returns every local commit, oldest first.
func (m *MemoryMirror) Commits() []Commit {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Commit(nil), m.commits...)
}

// PushedCommits returns the commits the remote has received, oldest first.
func (m *MemoryMirror) PushedCommits() []Commit {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Commit(nil), m.commits[:m.pushed]...)
}

// File returns the worktree bytes at path.
func (m *MemoryMirror) File(p string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.worktree[p]
	return data, ok
}

// enter counts a call to stage and returns the injected failure, if any.
// Must be called with m.mu held.
func (m *MemoryMirror) enter(stage string) error {
	m.calls[stage]++
	f := m.failures[stage]
	if f == nil {
		return nil
	}
	if err, ok := f[m.calls[stage]]; ok {
		return err
	}
	return f[0]
}

func (m *MemoryMirror) EnsureRepository(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cloned {
		return false, nil
	}
	if err := m.enter(StageClone); err != nil {
		return false, &chat.RemoteError{Op: "clone", Err: err}
	}
	m.cloned = true
	return true, nil
}

func (m *MemoryMirror) WriteArtifact(name string, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.enter(chat.StageWrite); err != nil {
		return "", &chat.StorageError{Op: "write artifact", Err: err}
	}
	if name == "" || strings.ContainsAny(name, `/\`) {
		return "", &chat.StorageError{Op: "write artifact", Err: fmt.Errorf("invalid artifact name %q", name)}
	}

	p := path.Join(m.dir, name)
	m.worktree[p] = append([]byte(nil), data...)
	return p, nil
}

func (m *MemoryMirror) CommitAndPush(ctx context.Context, paths []string, message string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.enter(chat.StageStage); err != nil {
		return "", &chat.MirrorError{Stage: chat.StageStage, Err: err}
	}
	var changed []string
	for _, p := range paths {
		data, ok := m.worktree[p]
		if !ok {
			return "", &chat.MirrorError{Stage: chat.StageStage, Err: fmt.Errorf("pathspec %q did not match any files", p)}
		}
		if prev, ok := m.committed[p]; !ok || !bytes.Equal(prev, data) {
			changed = append(changed, p)
		}
	}

	var hash string
	if len(changed) > 0 {
		if err := m.enter(chat.StageCommit); err != nil {
			return "", &chat.MirrorError{Stage: chat.StageCommit, Err: err}
		}
		hash = m.commitLocked(message, changed)
	}

	if err := m.enter(chat.StagePush); err != nil {
		return "", &chat.MirrorError{Stage: chat.StagePush, Err: err}
	}
	m.pushed = len(m.commits)

	if err := m.enter(chat.StageResolve); err != nil {
		return "", &chat.MirrorError{Stage: chat.StageResolve, Err: err}
	}
	if hash == "" {
		hash = m.touched[paths[len(paths)-1]]
	}
	if hash == "" {
		return "", &chat.MirrorError{Stage: chat.StageResolve, Err: errors.New("no commit contains the staged paths")}
	}
	return hash, nil
}

func (m *MemoryMirror) commitLocked(message string, paths []string) string {
	parent := ""
	if n := len(m.commits); n > 0 {
		parent = m.commits[n-1].Hash
	}

	h := sha1.New()
	h.Write([]byte(parent))
	h.Write([]byte(message))
	for _, p := range paths {
		h.Write([]byte(p))
		h.Write(m.worktree[p])
	}
	hash := hex.EncodeToString(h.Sum(nil))

	for _, p := range paths {
		m.committed[p] = m.worktree[p]
		m.touched[p] = hash
	}
	m.commits = append(m.commits, Commit{Hash: hash, Message: message, Paths: append([]string(nil), paths...)})
	return hash
}

func (m *MemoryMirror) ReadHistory(ctx context.Context) ([]*chat.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.enter(StageHistory); err != nil {
		return nil, &chat.StorageError{Op: "list history", Err: err}
	}

	paths := make([]string, 0, len(m.committed))
	for p := range m.committed {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	artifacts := []*chat.Artifact{}
	for _, p := range paths {
		if path.Dir(p) != path.Clean(m.dir) {
			continue
		}
		name := path.Base(p)
		if !chat.IsArtifactName(name) {
			continue
		}
		a, err := chat.Deserialize(m.committed[p])
		if err != nil {
			continue
		}
		a.Name = name
		artifacts = append(artifacts, a)
	}

	chat.SortArtifacts(artifacts)
	return artifacts, nil
}

// Compile-time check that MemoryMirror implements chat.Mirror interface
var _ chat.Mirror = (*MemoryMirror)(nil)
