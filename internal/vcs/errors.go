package vcs

import "errors"

// Common errors returned by VCS operations.
//
// These errors can be checked using errors.Is() for proper error handling:
//
//	if errors.Is(err, vcs.ErrNothingToCommit) {
//	    // the batch produced no file changes
//	}
var (
	// ErrNotInVCS is returned when the store path is not inside a repository.
	ErrNotInVCS = errors.New("not in a VCS repository")

	// ErrVCSNotAvailable is returned when the git binary is not in PATH.
	ErrVCSNotAvailable = errors.New("VCS binary not available")

	// ErrNoRemote is returned when an operation requires a remote
	// but none is configured.
	ErrNoRemote = errors.New("no remote configured")

	// ErrConflicts is returned when a rebase stops on conflicting changes.
	ErrConflicts = errors.New("unresolved conflicts")

	// ErrDetached is returned when an operation requires being on
	// a branch but HEAD is detached.
	ErrDetached = errors.New("not on a branch")

	// ErrPushRejected is returned when a push is rejected by the remote,
	// typically because another rank pushed first.
	ErrPushRejected = errors.New("push rejected by remote")

	// ErrMergeRequired is returned when a pull results in divergent
	// histories that require a merge.
	ErrMergeRequired = errors.New("merge required")

	// ErrNothingToCommit is returned by Commit when nothing is staged.
	ErrNothingToCommit = errors.New("nothing to commit")

	// ErrPathNotFound is returned when moving or removing a path that
	// does not exist.
	ErrPathNotFound = errors.New("path not found")

	// ErrTimeout is returned when a VCS operation exceeds its timeout.
	ErrTimeout = errors.New("operation timed out")
)

// IsRetryable returns true if the error is likely to succeed on retry.
// Push rejections and divergent pulls are the ordering races between ranks
// that a later rebase resolves.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrTimeout) {
		return true
	}

	if errors.Is(err, ErrPushRejected) {
		return true
	}

	if errors.Is(err, ErrMergeRequired) {
		return true
	}

	return false
}

// IsFatal returns true if the error indicates a non-recoverable state
// that requires manual intervention or re-initialization.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrNotInVCS) {
		return true
	}

	if errors.Is(err, ErrVCSNotAvailable) {
		return true
	}

	return false
}
