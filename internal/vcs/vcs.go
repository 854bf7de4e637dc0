// Package vcs defines the version control surface consumed by the shard sync.
//
// The sync never needs a general-purpose VCS client. It stages shard files,
// moves or removes legacy copies, records one commit per batch and delivers
// the result with a rebase-then-push. Keeping the contract this narrow lets
// the reconciliation engine run against an in-memory fake in tests.
//
// # Implementations
//
//   - internal/vcs/git: shells out to the git binary inside a worktree
//   - internal/vcs/memvcs: in-memory fake operating on an afero.Fs
//
// All paths passed to a Store are relative to the repository root.
package vcs

import (
	"context"
)

// Type represents the VCS backend type
type Type string

const (
	// TypeGit indicates a git worktree
	TypeGit Type = "git"

	// TypeMemory indicates the in-memory fake used by tests
	TypeMemory Type = "memory"
)

// String returns the string representation of the VCS type
func (t Type) String() string {
	return string(t)
}

// Store is the version-controlled store that holds the shard tree.
type Store interface {
	// Name returns the backend type.
	Name() Type

	// Add stages files for the next commit.
	Add(ctx context.Context, paths []string) error

	// Remove deletes a tracked file from the worktree and stages the deletion.
	Remove(ctx context.Context, path string) error

	// Move renames a tracked file and stages the rename.
	// The parent directory of dst must already exist.
	Move(ctx context.Context, src, dst string) error

	// Commit records all staged changes as a single commit.
	Commit(ctx context.Context, opts CommitOptions) error

	// Pull integrates remote changes into the current branch.
	Pull(ctx context.Context, opts PullOptions) error

	// Push delivers local commits to the remote.
	Push(ctx context.Context, opts PushOptions) error
}

// CommitOptions configures a commit operation
type CommitOptions struct {
	// Message is the commit message (required)
	Message string

	// Author overrides the commit author (optional, format: "Name <email>")
	Author string

	// NoVerify skips pre-commit hooks
	NoVerify bool

	// AllowEmpty allows creating an empty commit
	AllowEmpty bool
}

// PullOptions configures a pull operation
type PullOptions struct {
	// Remote is the remote name. Empty uses the branch's configured remote.
	Remote string

	// Ref is the reference to pull. Empty uses the current branch.
	Ref string

	// Rebase replays local commits on top of the fetched ref
	Rebase bool

	// NoEdit accepts the default message for any merge commit
	NoEdit bool
}

// PushOptions configures a push operation
type PushOptions struct {
	// Remote is the remote name. Empty uses the branch's configured remote.
	Remote string

	// Ref is the reference to push. Empty uses the current branch.
	Ref string
}

// SkipCITag is appended to every automated commit message so downstream
// automation ignores the sync's own commits.
const SkipCITag = "[ci skip] [cf admin skip] ***NO_CI***"
