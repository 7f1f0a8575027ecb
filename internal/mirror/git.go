package mirror

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/wpinney/testchat/internal/chat"
	"github.com/wpinney/testchat/internal/config"
)

// GitMirror keeps a local clone of the history repository and drives it with
// the git binary, one process per stage.
//
// The token is only ever passed on the command line of clone and push; the
// checkout's origin is reset to the plain remote URL after cloning so the
// credential is never written to .git/config.
type GitMirror struct {
	remoteURL    string
	token        string
	checkoutDir  string
	branch       string
	artifactDir  string
	authorName   string
	authorEmail  string
	stageTimeout time.Duration
	logger       chat.Logger
}

// NewGitMirror creates a GitMirror from cfg. It does not touch the network;
// the clone happens on the first EnsureRepository call.
func NewGitMirror(cfg config.MirrorConfig, logger chat.Logger) (*GitMirror, error) {
	if cfg.RemoteURL == "" {
		return nil, fmt.Errorf("git mirror requires remote_url to be set")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("git mirror requires a token")
	}
	if cfg.CheckoutDir == "" {
		return nil, fmt.Errorf("git mirror requires checkout_dir to be set")
	}

	checkoutDir, err := filepath.Abs(cfg.CheckoutDir)
	if err != nil {
		return nil, fmt.Errorf("resolving checkout_dir: %w", err)
	}

	g := &GitMirror{
		remoteURL:    cfg.RemoteURL,
		token:        cfg.Token,
		checkoutDir:  checkoutDir,
		branch:       cfg.Branch,
		artifactDir:  cfg.ArtifactDir,
		authorName:   cfg.AuthorName,
		authorEmail:  cfg.AuthorEmail,
		stageTimeout: cfg.StageTimeout.Duration,
		logger:       logger,
	}
	if g.branch == "" {
		g.branch = config.DefaultBranch
	}
	if g.artifactDir == "" {
		g.artifactDir = config.DefaultArtifactDir
	}
	if g.authorName == "" {
		g.authorName = "testchat"
	}
	if g.authorEmail == "" {
		g.authorEmail = "testchat@localhost"
	}
	if g.stageTimeout <= 0 {
		g.stageTimeout = config.DefaultStageTimeout
	}
	return g, nil
}

// CheckoutDir returns the path of the local clone.
func (g *GitMirror) CheckoutDir() string {
	return g.checkoutDir
}

// commandError describes a failed git invocation. Stderr has the token
// removed.
type commandError struct {
	Subcommand string
	Stderr     string
	Err        error
}

func (e *commandError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("git %s: %v: %s", e.Subcommand, e.Err, e.Stderr)
	}
	return fmt.Sprintf("git %s: %v", e.Subcommand, e.Err)
}

func (e *commandError) Unwrap() error { return e.Err }

// exitCode returns the exit status of a failed git process, or -1 when the
// process never ran to completion.
func exitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// run executes git in dir under its own stage deadline and returns trimmed
// stdout.
func (g *GitMirror) run(ctx context.Context, dir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.stageTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "LC_ALL=C")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	sub := subcommand(args)
	g.logger.Debug("git", "cmd", sub, "duration", time.Since(start).String())

	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("timed out after %s: %w", g.stageTimeout, ctx.Err())
		}
		return "", &commandError{
			Subcommand: sub,
			Stderr:     g.redact(strings.TrimSpace(stderr.String())),
			Err:        err,
		}
	}
	return strings.TrimSpace(stdout.String()), nil
}

// subcommand skips leading -c options so logs name the actual git command.
func subcommand(args []string) string {
	for i := 0; i < len(args); i++ {
		if args[i] == "-c" {
			i++
			continue
		}
		return args[i]
	}
	return ""
}

func (g *GitMirror) redact(s string) string {
	if g.token == "" {
		return s
	}
	return strings.ReplaceAll(s, g.token, "***")
}

// authURL returns the remote URL with the token as userinfo for http(s)
// remotes. Other remotes (ssh, local paths) are returned unchanged.
func (g *GitMirror) authURL() string {
	u, err := url.Parse(g.remoteURL)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") {
		return g.remoteURL
	}
	u.User = url.User(g.token)
	return u.String()
}

func mirrorErr(stage string, err error) error {
	var cmdErr *commandError
	if errors.As(err, &cmdErr) {
		return &chat.MirrorError{Stage: stage, Detail: cmdErr.Stderr, Err: cmdErr.Err}
	}
	return &chat.MirrorError{Stage: stage, Err: err}
}

// EnsureRepository clones the remote into the checkout directory unless a
// clone is already there.
func (g *GitMirror) EnsureRepository(ctx context.Context) (bool, error) {
	info, err := os.Stat(filepath.Join(g.checkoutDir, ".git"))
	if err == nil && info.IsDir() {
		return false, nil
	}
	if err != nil && !os.IsNotExist(err) {
		return false, &chat.StorageError{Op: "inspect checkout", Err: err}
	}

	if entries, err := os.ReadDir(g.checkoutDir); err == nil && len(entries) > 0 {
		return false, &chat.RemoteError{
			Op:  "clone",
			Err: fmt.Errorf("checkout directory %s exists and is not a git repository", g.checkoutDir),
		}
	}

	parent := filepath.Dir(g.checkoutDir)
	if err := os.MkdirAll(parent, 0755); err != nil {
		return false, &chat.StorageError{Op: "create checkout parent", Err: err}
	}

	g.logger.Info("cloning mirror repository", "remote", g.remoteURL, "dir", g.checkoutDir)
	if _, err := g.run(ctx, parent, "clone", "--quiet", g.authURL(), g.checkoutDir); err != nil {
		return false, &chat.RemoteError{Op: "clone", Err: err}
	}
	if _, err := g.run(ctx, g.checkoutDir, "remote", "set-url", "origin", g.remoteURL); err != nil {
		return false, &chat.RemoteError{Op: "clone", Err: err}
	}
	if err := g.checkoutBranch(ctx); err != nil {
		return false, &chat.RemoteError{Op: "checkout branch", Err: err}
	}
	return true, nil
}

// checkoutBranch points HEAD at the configured branch. An empty remote
// leaves HEAD unborn, so the first commit starts the branch.
func (g *GitMirror) checkoutBranch(ctx context.Context) error {
	remoteRef := "refs/remotes/origin/" + g.branch
	if _, err := g.run(ctx, g.checkoutDir, "rev-parse", "--verify", "--quiet", remoteRef); err == nil {
		_, err := g.run(ctx, g.checkoutDir, "checkout", "--quiet", "-B", g.branch, remoteRef)
		return err
	}

	if !g.hasHead(ctx) {
		_, err := g.run(ctx, g.checkoutDir, "symbolic-ref", "HEAD", "refs/heads/"+g.branch)
		return err
	}
	// The remote has history but not this branch; the first push creates it.
	return nil
}

func (g *GitMirror) hasHead(ctx context.Context) bool {
	_, err := g.run(ctx, g.checkoutDir, "rev-parse", "--verify", "--quiet", "HEAD")
	return err == nil
}

// WriteArtifact writes data to <checkout>/<artifact_dir>/<name> atomically
// and returns the path relative to the checkout.
func (g *GitMirror) WriteArtifact(name string, data []byte) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", &chat.StorageError{Op: "write artifact", Err: fmt.Errorf("invalid artifact name %q", name)}
	}

	dir := filepath.Join(g.checkoutDir, g.artifactDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", &chat.StorageError{Op: "write artifact", Err: err}
	}
	if err := writeFileAtomic(filepath.Join(dir, name), data); err != nil {
		return "", &chat.StorageError{Op: "write artifact", Err: err}
	}

	return filepath.ToSlash(filepath.Join(g.artifactDir, name)), nil
}

// writeFileAtomic writes data to destPath using a temp file and rename, so a
// crash never leaves a half-written artifact in the worktree.
func writeFileAtomic(destPath string, data []byte) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(destPath), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0644); err != nil {
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}

// CommitAndPush stages paths, commits only those paths, pushes HEAD to the configured
// branch and returns the hash of the commit that holds them.
//
// When staging finds nothing new (an earlier pass already committed the same
// bytes but did not finish) no commit is made; the push still runs and the
// hash of the commit that last touched paths is returned.
func (g *GitMirror) CommitAndPush(ctx context.Context, paths []string, message string) (string, error) {
	if len(paths) == 0 {
		return "", &chat.MirrorError{Stage: chat.StageStage, Err: errors.New("no paths to commit")}
	}

	addArgs := append([]string{"add", "--"}, paths...)
	if _, err := g.run(ctx, g.checkoutDir, addArgs...); err != nil {
		return "", mirrorErr(chat.StageStage, err)
	}

	diffArgs := append([]string{"diff", "--cached", "--quiet", "--"}, paths...)
	_, err := g.run(ctx, g.checkoutDir, diffArgs...)
	staged := false
	switch {
	case err == nil:
	case exitCode(err) == 1:
		staged = true
	default:
		return "", mirrorErr(chat.StageStage, err)
	}

	if staged {
		commitArgs := append([]string{
			"-c", "user.name=" + g.authorName,
			"-c", "user.email=" + g.authorEmail,
			"-c", "commit.gpgsign=false",
			"commit", "--quiet", "--no-verify", "-m", message, "--",
		}, paths...)
		if _, err := g.run(ctx, g.checkoutDir, commitArgs...); err != nil {
			return "", mirrorErr(chat.StageCommit, err)
		}
	} else {
		g.logger.Info("artifact already committed, pushing existing commit", "paths", strings.Join(paths, ","))
	}

	if _, err := g.run(ctx, g.checkoutDir, "push", "--quiet", g.authURL(), "HEAD:refs/heads/"+g.branch); err != nil {
		var cmdErr *commandError
		if errors.As(err, &cmdErr) && isNonFastForward(cmdErr.Stderr) {
			g.logger.Warn("remote branch moved ahead of the mirror checkout; pushes will keep failing until it is reconciled",
				"branch", g.branch,
				"checkout", g.checkoutDir,
				"hint", "fetch and rebase the checkout onto origin/"+g.branch+", or remove the checkout to re-clone",
			)
		}
		return "", mirrorErr(chat.StagePush, err)
	}

	var hash string
	if staged {
		hash, err = g.run(ctx, g.checkoutDir, "rev-parse", "HEAD")
	} else {
		logArgs := append([]string{"log", "-n", "1", "--format=%H", "--"}, paths...)
		hash, err = g.run(ctx, g.checkoutDir, logArgs...)
	}
	if err != nil {
		return "", mirrorErr(chat.StageResolve, err)
	}
	if hash == "" {
		return "", &chat.MirrorError{Stage: chat.StageResolve, Err: errors.New("no commit contains the staged paths")}
	}
	return hash, nil
}

// isNonFastForward reports whether push stderr says the remote branch has
// commits the local branch does not.
func isNonFastForward(stderr string) bool {
	return strings.Contains(stderr, "non-fast-forward") || strings.Contains(stderr, "fetch first")
}

// ReadHistory decodes every artifact tracked at HEAD. Files that cannot be
// read or decoded are logged and skipped.
func (g *GitMirror) ReadHistory(ctx context.Context) ([]*chat.Artifact, error) {
	if !g.hasHead(ctx) {
		return []*chat.Artifact{}, nil
	}

	out, err := g.run(ctx, g.checkoutDir, "ls-tree", "-r", "-z", "--name-only", "HEAD", "--", g.artifactDir)
	if err != nil {
		return nil, &chat.StorageError{Op: "list history", Err: err}
	}

	artifacts := []*chat.Artifact{}
	for _, rel := range strings.Split(out, "\x00") {
		if rel == "" {
			continue
		}
		name := filepath.Base(filepath.FromSlash(rel))
		if !chat.IsArtifactName(name) {
			continue
		}

		data, err := os.ReadFile(filepath.Join(g.checkoutDir, filepath.FromSlash(rel)))
		if err != nil {
			g.logger.Warn("skipping unreadable artifact", "path", rel, "error", err)
			continue
		}
		a, err := chat.Deserialize(data)
		if err != nil {
			g.logger.Warn("skipping corrupt artifact", "path", rel, "error", err)
			continue
		}
		a.Name = name
		artifacts = append(artifacts, a)
	}

	chat.SortArtifacts(artifacts)
	return artifacts, nil
}

// Compile-time check that GitMirror implements chat.Mirror interface
var _ chat.Mirror = (*GitMirror)(nil)
