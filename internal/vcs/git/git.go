// Package git provides a Git implementation of the vcs.Store interface.
//
// This package wraps git commands to provide the operations the shard sync
// needs: staging shard files, relocating or deleting legacy copies, batch
// commits and rebase-then-push delivery.
package git

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/regro/repodata-tools/internal/vcs"
)

// DefaultTimeout bounds a single local git invocation.
const DefaultTimeout = 2 * time.Minute

// DefaultNetworkTimeout bounds a single pull or push.
const DefaultNetworkTimeout = 10 * time.Minute

// Git implements the vcs.Store interface for a git worktree.
type Git struct {
	// repoRoot is the repository root directory path
	repoRoot string

	// timeout bounds local commands (add, rm, mv, commit)
	timeout time.Duration

	// networkTimeout bounds pull and push
	networkTimeout time.Duration
}

var _ vcs.Store = (*Git)(nil)

// Option configures a Git instance.
type Option func(*Git)

// WithTimeout sets the timeout for local git commands.
func WithTimeout(d time.Duration) Option {
	return func(g *Git) {
		g.timeout = d
	}
}

// WithNetworkTimeout sets the timeout for pull and push.
func WithNetworkTimeout(d time.Duration) Option {
	return func(g *Git) {
		g.networkTimeout = d
	}
}

// New creates a new Git store for the repository containing path.
func New(path string, opts ...Option) (*Git, error) {
	g := &Git{
		timeout:        DefaultTimeout,
		networkTimeout: DefaultNetworkTimeout,
	}
	for _, opt := range opts {
		opt(g)
	}

	if err := g.detect(path); err != nil {
		return nil, err
	}

	return g, nil
}

// detect resolves the repository root for path.
func (g *Git) detect(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	output, err := vcs.ExecContext(context.Background(), g.timeout, absPath, "git", "rev-parse", "--show-toplevel")
	if err != nil {
		if vcs.IsFatal(err) {
			return err
		}
		return vcs.ErrNotInVCS
	}

	root := vcs.TrimOutput(output)
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}
	g.repoRoot = filepath.FromSlash(root)

	return nil
}

// Name returns the VCS type (git)
func (g *Git) Name() vcs.Type {
	return vcs.TypeGit
}

// RepoRoot returns the repository root directory path
func (g *Git) RepoRoot() string {
	return g.repoRoot
}

// run executes git with the local timeout.
func (g *Git) run(ctx context.Context, args ...string) ([]byte, error) {
	return vcs.ExecContext(ctx, g.timeout, g.repoRoot, "git", args...)
}

// runNetwork executes git with the network timeout.
func (g *Git) runNetwork(ctx context.Context, args ...string) ([]byte, error) {
	return vcs.ExecContext(ctx, g.networkTimeout, g.repoRoot, "git", args...)
}
