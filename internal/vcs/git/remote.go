package git

import (
	"context"
	"fmt"
	"strings"

	"github.com/regro/repodata-tools/internal/vcs"
)

// HasRemote returns true if any remote is configured
func (g *Git) HasRemote(ctx context.Context) bool {
	output, err := g.run(ctx, "remote")
	if err != nil {
		return false
	}

	return len(vcs.ParseLines(output)) > 0
}

// CurrentRef returns the current branch name.
// Returns empty string if in detached HEAD state.
func (g *Git) CurrentRef(ctx context.Context) (string, error) {
	output, err := g.run(ctx, "symbolic-ref", "--short", "HEAD")
	if err != nil {
		if strings.Contains(vcs.OutputOf(err), "not a symbolic ref") {
			return "", nil
		}
		return "", fmt.Errorf("failed to get current branch: %w", err)
	}

	return vcs.TrimOutput(output), nil
}

// resolveRemoteRef fills in the remote and ref defaults: the branch's
// configured remote (or origin) and the current branch.
func (g *Git) resolveRemoteRef(ctx context.Context, remote, ref string) (string, string, error) {
	if ref == "" {
		branch, err := g.CurrentRef(ctx)
		if err != nil {
			return "", "", err
		}
		if branch == "" {
			return "", "", vcs.ErrDetached
		}
		ref = branch
	}

	if remote == "" {
		output, err := g.run(ctx, "config", "--get", fmt.Sprintf("branch.%s.remote", ref))
		if err == nil {
			remote = vcs.TrimOutput(output)
		}
		if remote == "" {
			remote = "origin"
		}
	}

	return remote, ref, nil
}

// Pull pulls changes from the remote
func (g *Git) Pull(ctx context.Context, opts vcs.PullOptions) error {
	if !g.HasRemote(ctx) {
		return vcs.ErrNoRemote
	}

	remote, ref, err := g.resolveRemoteRef(ctx, opts.Remote, opts.Ref)
	if err != nil {
		return err
	}

	args := []string{"pull"}

	if opts.Rebase {
		args = append(args, "--rebase")
	}

	if opts.NoEdit {
		args = append(args, "--no-edit")
	}

	args = append(args, remote, ref)

	if _, err := g.runNetwork(ctx, args...); err != nil {
		out := vcs.OutputOf(err)

		if strings.Contains(out, "CONFLICT") || strings.Contains(out, "conflicts") {
			// leave the worktree usable for the next attempt
			_, _ = g.run(ctx, "rebase", "--abort")
			return fmt.Errorf("%w: %v", vcs.ErrConflicts, err)
		}
		if strings.Contains(out, "non-fast-forward") || strings.Contains(out, "divergent") {
			return fmt.Errorf("%w: %v", vcs.ErrMergeRequired, err)
		}

		return fmt.Errorf("git pull failed: %w", err)
	}

	return nil
}

// Push pushes changes to the remote
func (g *Git) Push(ctx context.Context, opts vcs.PushOptions) error {
	if !g.HasRemote(ctx) {
		return vcs.ErrNoRemote
	}

	remote, ref, err := g.resolveRemoteRef(ctx, opts.Remote, opts.Ref)
	if err != nil {
		return err
	}

	if _, err := g.runNetwork(ctx, "push", remote, ref); err != nil {
		out := vcs.OutputOf(err)

		if strings.Contains(out, "rejected") || strings.Contains(out, "non-fast-forward") {
			return fmt.Errorf("%w: %v", vcs.ErrPushRejected, err)
		}

		return fmt.Errorf("git push failed: %w", err)
	}

	return nil
}
