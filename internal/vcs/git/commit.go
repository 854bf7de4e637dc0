package git

import (
	"context"
	"fmt"
	"strings"

	"github.com/regro/repodata-tools/internal/vcs"
)

// Add stages files for commit
func (g *Git) Add(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}

	args := append([]string{"add", "--"}, paths...)
	if _, err := g.run(ctx, args...); err != nil {
		return fmt.Errorf("git add failed: %w", err)
	}

	return nil
}

// Remove deletes a tracked file and stages the deletion
func (g *Git) Remove(ctx context.Context, path string) error {
	if _, err := g.run(ctx, "rm", "-f", "--", path); err != nil {
		if strings.Contains(vcs.OutputOf(err), "did not match any files") {
			return fmt.Errorf("%w: %s", vcs.ErrPathNotFound, path)
		}
		return fmt.Errorf("git rm failed: %w", err)
	}

	return nil
}

// Move renames a tracked file and stages the rename
func (g *Git) Move(ctx context.Context, src, dst string) error {
	if _, err := g.run(ctx, "mv", "--", src, dst); err != nil {
		out := vcs.OutputOf(err)
		if strings.Contains(out, "bad source") || strings.Contains(out, "not under version control") {
			return fmt.Errorf("%w: %s", vcs.ErrPathNotFound, src)
		}
		return fmt.Errorf("git mv failed: %w", err)
	}

	return nil
}

// Commit creates a commit of everything staged
func (g *Git) Commit(ctx context.Context, opts vcs.CommitOptions) error {
	if opts.Message == "" {
		return fmt.Errorf("commit message is required")
	}

	args := []string{"commit", "-m", opts.Message}

	if opts.Author != "" {
		args = append(args, "--author", opts.Author)
	}

	if opts.NoVerify {
		args = append(args, "--no-verify")
	}

	if opts.AllowEmpty {
		args = append(args, "--allow-empty")
	}

	if _, err := g.run(ctx, args...); err != nil {
		out := vcs.OutputOf(err)
		if strings.Contains(out, "nothing to commit") || strings.Contains(out, "nothing added to commit") {
			return vcs.ErrNothingToCommit
		}
		return fmt.Errorf("git commit failed: %w", err)
	}

	return nil
}
