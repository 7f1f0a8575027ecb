package mirror

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wpinney/testchat/internal/chat"
	"github.com/wpinney/testchat/internal/config"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
}

// git runs a git command for test setup and returns trimmed stdout.
func git(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		var stderr string
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			stderr = string(exitErr.Stderr)
		}
		t.Fatalf("git %v failed: %v: %s", args, err, stderr)
	}
	return strings.TrimSpace(string(out))
}

// newBareRemote creates an empty bare repository whose pre-receive hook
// rejects every push while a file named "reject" exists in it.
func newBareRemote(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "remote.git")
	git(t, t.TempDir(), "-c", "init.defaultBranch=master", "init", "--quiet", "--bare", dir)

	hook := "#!/bin/sh\nif [ -f \"$GIT_DIR/reject\" ]; then\n  echo \"push rejected by policy\" >&2\n  exit 1\nfi\nexit 0\n"
	if err := os.WriteFile(filepath.Join(dir, "hooks", "pre-receive"), []byte(hook), 0755); err != nil {
		t.Fatalf("failed to write hook: %v", err)
	}
	return dir
}

func setRejecting(t *testing.T, remote string, reject bool) {
	t.Helper()
	marker := filepath.Join(remote, "reject")
	if reject {
		if err := os.WriteFile(marker, nil, 0644); err != nil {
			t.Fatalf("failed to create reject marker: %v", err)
		}
		return
	}
	if err := os.Remove(marker); err != nil {
		t.Fatalf("failed to remove reject marker: %v", err)
	}
}

func newTestGitMirror(t *testing.T, remote string) *GitMirror {
	t.Helper()
	g, err := NewGitMirror(config.MirrorConfig{
		Type:         "git",
		RemoteURL:    remote,
		Token:        "test-token",
		CheckoutDir:  filepath.Join(t.TempDir(), "checkout"),
		Branch:       "master",
		ArtifactDir:  "messages",
		StageTimeout: config.Duration{Duration: 30 * time.Second},
	}, chat.NewNopLogger())
	if err != nil {
		t.Fatalf("NewGitMirror() error = %v", err)
	}
	return g
}

func testMessage(id int64, content string, at time.Time) *chat.Message {
	return &chat.Message{ID: id, Content: content, Sender: "alice", CreatedAt: at}
}

func writeAndPush(t *testing.T, g *GitMirror, m *chat.Message) string {
	t.Helper()
	ctx := context.Background()
	name, data, err := chat.Serialize(m)
	if err != nil {
		t.Fatalf("Serialize() error = %v", err)
	}
	p, err := g.WriteArtifact(name, data)
	if err != nil {
		t.Fatalf("WriteArtifact() error = %v", err)
	}
	hash, err := g.CommitAndPush(ctx, []string{p}, "Add message: "+name)
	if err != nil {
		t.Fatalf("CommitAndPush() error = %v", err)
	}
	return hash
}

func TestNewGitMirror_Validation(t *testing.T) {
	base := config.MirrorConfig{
		Type:        "git",
		RemoteURL:   "https://github.com/example/history.git",
		Token:       "tok",
		CheckoutDir: "/tmp/checkout",
	}

	tests := []struct {
		name   string
		mutate func(*config.MirrorConfig)
	}{
		{name: "missing token", mutate: func(c *config.MirrorConfig) { c.Token = "" }},
		{name: "missing remote", mutate: func(c *config.MirrorConfig) { c.RemoteURL = "" }},
		{name: "missing checkout", mutate: func(c *config.MirrorConfig) { c.CheckoutDir = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			if _, err := NewGitMirror(cfg, chat.NewNopLogger()); err == nil {
				t.Error("NewGitMirror() expected error")
			}
		})
	}

	t.Run("fills defaults", func(t *testing.T) {
		g, err := NewGitMirror(base, chat.NewNopLogger())
		if err != nil {
			t.Fatalf("NewGitMirror() error = %v", err)
		}
		if g.branch != config.DefaultBranch || g.artifactDir != config.DefaultArtifactDir {
			t.Errorf("branch/artifactDir = %q/%q, want defaults", g.branch, g.artifactDir)
		}
		if g.stageTimeout != config.DefaultStageTimeout {
			t.Errorf("stageTimeout = %v, want %v", g.stageTimeout, config.DefaultStageTimeout)
		}
	})
}

func TestGitMirror_AuthURL(t *testing.T) {
	tests := []struct {
		remote string
		want   string
	}{
		{remote: "https://github.com/example/history.git", want: "https://s3cret@github.com/example/history.git"},
		{remote: "http://git.local/history.git", want: "http://s3cret@git.local/history.git"},
		{remote: "/srv/git/history.git", want: "/srv/git/history.git"},
		{remote: "git@github.com:example/history.git", want: "git@github.com:example/history.git"},
	}

	for _, tt := range tests {
		t.Run(tt.remote, func(t *testing.T) {
			g := &GitMirror{remoteURL: tt.remote, token: "s3cret"}
			if got := g.authURL(); got != tt.want {
				t.Errorf("authURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestGitMirror_Redact(t *testing.T) {
	g := &GitMirror{token: "s3cret"}
	got := g.redact("fatal: could not read from https://s3cret@github.com/x.git")
	if strings.Contains(got, "s3cret") {
		t.Errorf("redact() leaked token: %q", got)
	}
}

func TestSubcommand(t *testing.T) {
	got := subcommand([]string{"-c", "user.name=x", "-c", "user.email=y", "commit", "-m", "msg"})
	if got != "commit" {
		t.Errorf("subcommand() = %q, want commit", got)
	}
}

func TestGitMirror_EnsureRepository(t *testing.T) {
	requireGit(t)
	ctx := context.Background()
	remote := newBareRemote(t)
	g := newTestGitMirror(t, remote)

	cloned, err := g.EnsureRepository(ctx)
	if err != nil {
		t.Fatalf("EnsureRepository() error = %v", err)
	}
	if !cloned {
		t.Error("first EnsureRepository() = false, want true")
	}

	cloned, err = g.EnsureRepository(ctx)
	if err != nil {
		t.Fatalf("second EnsureRepository() error = %v", err)
	}
	if cloned {
		t.Error("second EnsureRepository() = true, want false")
	}

	if got := git(t, g.CheckoutDir(), "remote", "get-url", "origin"); got != remote {
		t.Errorf("origin = %q, want %q", got, remote)
	}
}

func TestGitMirror_EnsureRepository_Failures(t *testing.T) {
	requireGit(t)
	ctx := context.Background()

	t.Run("unreachable remote is a remote error without the token", func(t *testing.T) {
		g, err := NewGitMirror(config.MirrorConfig{
			Type:         "git",
			RemoteURL:    "https://git.invalid/example/history.git",
			Token:        "s3cret-token",
			CheckoutDir:  filepath.Join(t.TempDir(), "checkout"),
			StageTimeout: config.Duration{Duration: 20 * time.Second},
		}, chat.NewNopLogger())
		if err != nil {
			t.Fatalf("NewGitMirror() error = %v", err)
		}

		_, err = g.EnsureRepository(ctx)
		var remoteErr *chat.RemoteError
		if !errors.As(err, &remoteErr) {
			t.Fatalf("EnsureRepository() error = %v, want *RemoteError", err)
		}
		if strings.Contains(err.Error(), "s3cret-token") {
			t.Errorf("error leaks token: %v", err)
		}
	})

	t.Run("non-empty directory that is not a clone", func(t *testing.T) {
		g := newTestGitMirror(t, newBareRemote(t))
		if err := os.MkdirAll(g.CheckoutDir(), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(g.CheckoutDir(), "stray.txt"), []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}

		_, err := g.EnsureRepository(ctx)
		var remoteErr *chat.RemoteError
		if !errors.As(err, &remoteErr) {
			t.Errorf("EnsureRepository() error = %v, want *RemoteError", err)
		}
	})
}

func TestGitMirror_WriteArtifact(t *testing.T) {
	requireGit(t)
	g := newTestGitMirror(t, newBareRemote(t))
	if _, err := g.EnsureRepository(context.Background()); err != nil {
		t.Fatalf("EnsureRepository() error = %v", err)
	}

	p, err := g.WriteArtifact("message_20240115_103000_0000000001.json", []byte(`{"a":1}`))
	if err != nil {
		t.Fatalf("WriteArtifact() error = %v", err)
	}
	if p != "messages/message_20240115_103000_0000000001.json" {
		t.Errorf("WriteArtifact() path = %q", p)
	}
	data, err := os.ReadFile(filepath.Join(g.CheckoutDir(), filepath.FromSlash(p)))
	if err != nil {
		t.Fatalf("reading artifact: %v", err)
	}
	if string(data) != `{"a":1}` {
		t.Errorf("artifact content = %q", data)
	}

	for _, bad := range []string{"", "../escape.json", "sub/dir.json"} {
		_, err := g.WriteArtifact(bad, []byte("x"))
		var storageErr *chat.StorageError
		if !errors.As(err, &storageErr) {
			t.Errorf("WriteArtifact(%q) error = %v, want *StorageError", bad, err)
		}
	}
}

func TestGitMirror_CommitAndPush(t *testing.T) {
	requireGit(t)
	ctx := context.Background()
	remote := newBareRemote(t)
	g := newTestGitMirror(t, remote)
	if _, err := g.EnsureRepository(ctx); err != nil {
		t.Fatalf("EnsureRepository() error = %v", err)
	}

	at := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	m := testMessage(1, "hello", at)
	hash := writeAndPush(t, g, m)

	if len(hash) != 40 {
		t.Errorf("hash = %q, want 40 hex chars", hash)
	}
	if got := git(t, remote, "rev-parse", "refs/heads/master"); got != hash {
		t.Errorf("remote master = %q, want %q", got, hash)
	}

	name, data, _ := chat.Serialize(m)
	if got := git(t, remote, "show", "master:messages/"+name); got != string(data) {
		t.Errorf("remote artifact = %q, want %q", got, data)
	}
	if got := git(t, remote, "log", "-1", "--format=%s", "master"); got != "Add message: "+name {
		t.Errorf("commit subject = %q", got)
	}

	t.Run("same bytes again reuse the commit", func(t *testing.T) {
		again := writeAndPush(t, g, m)
		if again != hash {
			t.Errorf("hash = %q, want existing %q", again, hash)
		}
		if got := git(t, remote, "rev-list", "--count", "master"); got != "1" {
			t.Errorf("remote commit count = %s, want 1", got)
		}
	})

	t.Run("each message gets its own commit", func(t *testing.T) {
		second := writeAndPush(t, g, testMessage(2, "world", at.Add(time.Second)))
		if second == hash {
			t.Error("second message reused first commit")
		}
		if got := git(t, remote, "rev-list", "--count", "master"); got != "2" {
			t.Errorf("remote commit count = %s, want 2", got)
		}
	})

	t.Run("other staged files stay out of the commit", func(t *testing.T) {
		stray := filepath.Join(g.CheckoutDir(), "notes.txt")
		if err := os.WriteFile(stray, []byte("scratch"), 0644); err != nil {
			t.Fatalf("failed to write stray file: %v", err)
		}
		git(t, g.CheckoutDir(), "add", "notes.txt")

		m3 := testMessage(3, "only me", at.Add(2*time.Second))
		third := writeAndPush(t, g, m3)

		name3, _, _ := chat.Serialize(m3)
		files := git(t, remote, "show", "--name-only", "--format=", third)
		if files != "messages/"+name3 {
			t.Errorf("commit %s touched %q, want only messages/%s", third, files, name3)
		}
		if got := git(t, g.CheckoutDir(), "diff", "--cached", "--name-only"); got != "notes.txt" {
			t.Errorf("staged after commit = %q, want notes.txt still staged", got)
		}
	})
}

// recordingLogger keeps warning messages for assertions.
type recordingLogger struct {
	chat.NopLogger
	mu    sync.Mutex
	warns []string
}

func (l *recordingLogger) Warn(msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warns = append(l.warns, msg)
}

func (l *recordingLogger) Warnings() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.warns...)
}

func TestGitMirror_PushBehindRemote(t *testing.T) {
	requireGit(t)
	ctx := context.Background()
	remote := newBareRemote(t)

	logger := &recordingLogger{}
	g, err := NewGitMirror(config.MirrorConfig{
		Type:        "git",
		RemoteURL:   remote,
		Token:       "test-token",
		CheckoutDir: filepath.Join(t.TempDir(), "checkout"),
		Branch:      "master",
	}, logger)
	if err != nil {
		t.Fatalf("NewGitMirror() error = %v", err)
	}
	if _, err := g.EnsureRepository(ctx); err != nil {
		t.Fatalf("EnsureRepository() error = %v", err)
	}

	at := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	writeAndPush(t, g, testMessage(1, "first", at))

	// Another writer advances the branch behind the mirror's back.
	other := filepath.Join(t.TempDir(), "other")
	git(t, t.TempDir(), "clone", "--quiet", remote, other)
	if err := os.WriteFile(filepath.Join(other, "README.md"), []byte("hi"), 0644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
	git(t, other, "add", "README.md")
	git(t, other, "-c", "user.name=Other", "-c", "user.email=other@example.com", "-c", "commit.gpgsign=false",
		"commit", "--quiet", "-m", "outside change")
	git(t, other, "push", "--quiet", "origin", "HEAD:refs/heads/master")

	m := testMessage(2, "second", at.Add(time.Second))
	name, data, _ := chat.Serialize(m)
	p, err := g.WriteArtifact(name, data)
	if err != nil {
		t.Fatalf("WriteArtifact() error = %v", err)
	}
	_, err = g.CommitAndPush(ctx, []string{p}, "Add message: "+name)

	var mirrorErr *chat.MirrorError
	if !errors.As(err, &mirrorErr) || mirrorErr.Stage != chat.StagePush {
		t.Fatalf("CommitAndPush() error = %v, want push MirrorError", err)
	}
	warns := logger.Warnings()
	if len(warns) != 1 || !strings.Contains(warns[0], "remote branch moved ahead") {
		t.Errorf("warnings = %q, want one reconcile hint", warns)
	}
}

func TestIsNonFastForward(t *testing.T) {
	tests := []struct {
		stderr string
		want   bool
	}{
		{stderr: " ! [rejected]        HEAD -> master (fetch first)", want: true},
		{stderr: " ! [rejected]        HEAD -> master (non-fast-forward)", want: true},
		{stderr: "remote: push rejected by policy", want: false},
		{stderr: "", want: false},
	}
	for _, tt := range tests {
		if got := isNonFastForward(tt.stderr); got != tt.want {
			t.Errorf("isNonFastForward(%q) = %v, want %v", tt.stderr, got, tt.want)
		}
	}
}

func TestGitMirror_PushRejected(t *testing.T) {
	requireGit(t)
	ctx := context.Background()
	remote := newBareRemote(t)
	g := newTestGitMirror(t, remote)
	if _, err := g.EnsureRepository(ctx); err != nil {
		t.Fatalf("EnsureRepository() error = %v", err)
	}

	m := testMessage(7, "rejected at first", time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC))
	name, data, _ := chat.Serialize(m)
	p, err := g.WriteArtifact(name, data)
	if err != nil {
		t.Fatalf("WriteArtifact() error = %v", err)
	}

	setRejecting(t, remote, true)
	_, err = g.CommitAndPush(ctx, []string{p}, "Add message: "+name)
	var mirrorErr *chat.MirrorError
	if !errors.As(err, &mirrorErr) {
		t.Fatalf("CommitAndPush() error = %v, want *MirrorError", err)
	}
	if mirrorErr.Stage != chat.StagePush {
		t.Errorf("Stage = %q, want %q", mirrorErr.Stage, chat.StagePush)
	}
	if !strings.Contains(mirrorErr.Detail, "push rejected by policy") {
		t.Errorf("Detail = %q, want hook output", mirrorErr.Detail)
	}

	// Retry the same artifact once the remote accepts pushes again.
	setRejecting(t, remote, false)
	if _, err := g.WriteArtifact(name, data); err != nil {
		t.Fatalf("WriteArtifact() retry error = %v", err)
	}
	hash, err := g.CommitAndPush(ctx, []string{p}, "Add message: "+name)
	if err != nil {
		t.Fatalf("CommitAndPush() retry error = %v", err)
	}

	local := git(t, g.CheckoutDir(), "rev-parse", "HEAD")
	if hash != local {
		t.Errorf("hash = %q, want local HEAD %q", hash, local)
	}
	if got := git(t, remote, "rev-list", "--count", "master"); got != "1" {
		t.Errorf("remote commit count = %s, want 1", got)
	}
}

func TestGitMirror_ReadHistory(t *testing.T) {
	requireGit(t)
	ctx := context.Background()
	remote := newBareRemote(t)
	g := newTestGitMirror(t, remote)
	if _, err := g.EnsureRepository(ctx); err != nil {
		t.Fatalf("EnsureRepository() error = %v", err)
	}

	t.Run("empty repository", func(t *testing.T) {
		got, err := g.ReadHistory(ctx)
		if err != nil {
			t.Fatalf("ReadHistory() error = %v", err)
		}
		if len(got) != 0 {
			t.Errorf("ReadHistory() returned %d artifacts, want 0", len(got))
		}
	})

	at := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	writeAndPush(t, g, testMessage(2, "second", at.Add(time.Minute)))
	writeAndPush(t, g, testMessage(1, "first", at))

	// A corrupt artifact is committed but skipped on read.
	p, err := g.WriteArtifact("message_20240115_110000_0000000099.json", []byte("not json"))
	if err != nil {
		t.Fatalf("WriteArtifact() error = %v", err)
	}
	if _, err := g.CommitAndPush(ctx, []string{p}, "Add corrupt"); err != nil {
		t.Fatalf("CommitAndPush() error = %v", err)
	}

	// Written but never committed: not part of history.
	if _, err := g.WriteArtifact("message_20240115_120000_0000000100.json", []byte(`{"content":"x","sender":"y","timestamp":"2024-01-15T12:00:00Z"}`)); err != nil {
		t.Fatalf("WriteArtifact() error = %v", err)
	}

	got, err := g.ReadHistory(ctx)
	if err != nil {
		t.Fatalf("ReadHistory() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ReadHistory() returned %d artifacts, want 2", len(got))
	}
	if got[0].Content != "first" || got[1].Content != "second" {
		t.Errorf("ReadHistory() order = %q, %q; want first, second", got[0].Content, got[1].Content)
	}
	if !got[0].CreatedAt.Equal(at) {
		t.Errorf("CreatedAt = %v, want %v", got[0].CreatedAt, at)
	}
	if !chat.IsArtifactName(got[0].Name) {
		t.Errorf("Name = %q, want artifact name", got[0].Name)
	}

	t.Run("fresh clone sees pushed history", func(t *testing.T) {
		other := newTestGitMirror(t, remote)
		if _, err := other.EnsureRepository(ctx); err != nil {
			t.Fatalf("EnsureRepository() error = %v", err)
		}
		history, err := other.ReadHistory(ctx)
		if err != nil {
			t.Fatalf("ReadHistory() error = %v", err)
		}
		if len(history) != 2 {
			t.Errorf("ReadHistory() on fresh clone returned %d artifacts, want 2", len(history))
		}
	})
}
