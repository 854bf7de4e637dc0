// Package memvcs provides an in-memory vcs.Store backed by an afero.Fs.
//
// It records staged paths and commits instead of writing history, and lets
// tests inject pull/push failures to exercise the deferred-push path. Like a
// git subprocess started with a done context, every mutating call fails with
// ctx.Err() once ctx is done.
package memvcs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/spf13/afero"

	"github.com/regro/repodata-tools/internal/vcs"
)

// Commit is one recorded commit.
type Commit struct {
	Message string
	Paths   []string
}

// Store is the in-memory fake. It is safe for concurrent use.
type Store struct {
	fs afero.Fs

	mu        sync.Mutex
	staged    map[string]struct{}
	commits   []Commit
	pulls     int
	pushes    int
	delivered int
	pullErr   func(attempt int) error
	pushErr   func(attempt int) error
}

var _ vcs.Store = (*Store)(nil)

// New creates a fake store operating on fs.
func New(fs afero.Fs) *Store {
	return &Store{
		fs:     fs,
		staged: make(map[string]struct{}),
	}
}

// FailPush makes Push return the error produced by fn for each attempt
// (1-based). A nil return lets the attempt succeed.
func (s *Store) FailPush(fn func(attempt int) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushErr = fn
}

// FailPull makes Pull return the error produced by fn for each attempt.
func (s *Store) FailPull(fn func(attempt int) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pullErr = fn
}

// Name returns vcs.TypeMemory.
func (s *Store) Name() vcs.Type {
	return vcs.TypeMemory
}

// Add stages paths. Every path must exist on the filesystem.
func (s *Store) Add(ctx context.Context, paths []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range paths {
		if _, err := s.fs.Stat(p); err != nil {
			return fmt.Errorf("add %s: %w", p, vcs.ErrPathNotFound)
		}
		s.staged[p] = struct{}{}
	}
	return nil
}

// Remove deletes path and stages the deletion.
func (s *Store) Remove(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fs.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("rm %s: %w", path, vcs.ErrPathNotFound)
		}
		return err
	}
	s.staged[path] = struct{}{}
	return nil
}

// Move renames src to dst and stages both sides.
func (s *Store) Move(ctx context.Context, src, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.fs.Stat(src); err != nil {
		return fmt.Errorf("mv %s: %w", src, vcs.ErrPathNotFound)
	}
	if err := s.fs.Rename(src, dst); err != nil {
		return fmt.Errorf("mv %s %s: %w", src, dst, err)
	}
	s.staged[src] = struct{}{}
	s.staged[dst] = struct{}{}
	return nil
}

// Commit records the staged paths under opts.Message.
func (s *Store) Commit(ctx context.Context, opts vcs.CommitOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if opts.Message == "" {
		return fmt.Errorf("commit message is required")
	}
	if len(s.staged) == 0 && !opts.AllowEmpty {
		return vcs.ErrNothingToCommit
	}

	paths := make([]string, 0, len(s.staged))
	for p := range s.staged {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	s.commits = append(s.commits, Commit{Message: opts.Message, Paths: paths})
	s.staged = make(map[string]struct{})
	return nil
}

// Pull counts the attempt and returns any injected failure.
func (s *Store) Pull(ctx context.Context, _ vcs.PullOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pulls++
	if s.pullErr != nil {
		return s.pullErr(s.pulls)
	}
	return nil
}

// Push counts the attempt and returns any injected failure.
func (s *Store) Push(ctx context.Context, _ vcs.PushOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pushes++
	if s.pushErr != nil {
		if err := s.pushErr(s.pushes); err != nil {
			return err
		}
	}
	s.delivered = len(s.commits)
	return nil
}

// Commits returns a copy of the recorded commits.
func (s *Store) Commits() []Commit {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Commit, len(s.commits))
	copy(out, s.commits)
	return out
}

// Staged returns the currently staged paths, sorted.
func (s *Store) Staged() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.staged))
	for p := range s.staged {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// PushAttempts returns how many times Push was called.
func (s *Store) PushAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pushes
}

// Undelivered returns the number of commits not yet pushed successfully.
func (s *Store) Undelivered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.commits) - s.delivered
}
