// Package store persists shards on a filesystem tracked by version control.
//
// Reads and writes go through an afero.Fs rooted at the repository, and
// every mutation is staged through a vcs.Store. The store never commits;
// grouping staged changes into commits is the batcher's job.
package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/regro/repodata-tools/internal/shard"
	"github.com/regro/repodata-tools/internal/vcs"
)

// Action is the outcome of migrating one legacy path.
type Action string

const (
	// Moved means the legacy file was relocated to the current path.
	Moved Action = "moved"

	// Removed means the current path already existed and the legacy file
	// was deleted as redundant.
	Removed Action = "removed"
)

// Migration records what happened to one legacy path.
type Migration struct {
	From   string
	To     string
	Action Action
}

// Store reads and writes shard files.
type Store struct {
	fs     afero.Fs
	vcs    vcs.Store
	logger *zap.Logger
}

// Opt configures a Store.
type Opt func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Opt {
	return func(s *Store) {
		s.logger = logger
	}
}

// New creates a store over fsys, staging changes through v. Paths are
// relative to the repository root, which must also be fsys's root.
func New(fsys afero.Fs, v vcs.Store, opts ...Opt) *Store {
	s := &Store{
		fs:     fsys,
		vcs:    v,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ReadAll loads every shard file under subdir into set and returns how
// many records were loaded. A record at the current path wins over any
// legacy copy of the same key. A missing subdir directory is not an error.
func (s *Store) ReadAll(set *shard.Set, subdir string) (int, error) {
	root := shard.SubdirDir(subdir)
	if ok, err := afero.DirExists(s.fs, root); err != nil {
		return 0, fmt.Errorf("failed to stat %s: %w", root, err)
	} else if !ok {
		return 0, nil
	}

	current := make(map[shard.Key]bool)
	loaded := 0

	err := afero.Walk(s.fs, root, func(p string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		pkg, ok := shard.PackageFromFile(p)
		if !ok {
			return nil
		}

		sh, err := s.readFile(p)
		if err != nil {
			return err
		}
		if sh.Subdir == "" {
			sh.Subdir = subdir
		}
		if sh.Package == "" {
			sh.Package = pkg
		}

		key := sh.Key()
		isCurrent := shard.IsCurrentPath(key, p)
		if current[key] || (!isCurrent && set.Has(key)) {
			return nil
		}

		if !set.Has(key) {
			loaded++
		}
		set.Put(sh)
		current[key] = isCurrent
		return nil
	})
	if err != nil {
		return loaded, fmt.Errorf("failed to read shards for %s: %w", subdir, err)
	}

	s.logger.Debug("read shards", zap.String("subdir", subdir), zap.Int("count", loaded))
	return loaded, nil
}

// Load reads the shard at key's current path.
func (s *Store) Load(key shard.Key) (*shard.Shard, error) {
	return s.readFile(shard.Path(key))
}

// Exists reports whether key has a file at its current path.
func (s *Store) Exists(key shard.Key) (bool, error) {
	return afero.Exists(s.fs, shard.Path(key))
}

// Migrate resolves every legacy copy of key. Legacy paths are visited in
// fixed order; each one that exists is moved to the current path if that
// path is still free, and removed otherwise. A moved record is reloaded
// into set from its new location.
func (s *Store) Migrate(ctx context.Context, set *shard.Set, key shard.Key) ([]Migration, error) {
	dst := shard.Path(key)
	var migrations []Migration

	for _, src := range shard.LegacyPaths(key) {
		ok, err := afero.Exists(s.fs, src)
		if err != nil {
			return migrations, fmt.Errorf("failed to stat %s: %w", src, err)
		}
		if !ok {
			continue
		}

		dstExists, err := afero.Exists(s.fs, dst)
		if err != nil {
			return migrations, fmt.Errorf("failed to stat %s: %w", dst, err)
		}

		if dstExists {
			if err := s.vcs.Remove(ctx, src); err != nil {
				return migrations, fmt.Errorf("failed to remove legacy shard %s: %w", src, err)
			}
			migrations = append(migrations, Migration{From: src, To: dst, Action: Removed})
			s.logger.Debug("removed legacy shard", zap.String("path", src))
			continue
		}

		if err := s.fs.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return migrations, fmt.Errorf("failed to create %s: %w", filepath.Dir(dst), err)
		}
		if err := s.vcs.Move(ctx, src, dst); err != nil {
			return migrations, fmt.Errorf("failed to move legacy shard %s: %w", src, err)
		}
		migrations = append(migrations, Migration{From: src, To: dst, Action: Moved})
		s.logger.Debug("moved legacy shard", zap.String("from", src), zap.String("to", dst))

		sh, err := s.readFile(dst)
		if err != nil {
			return migrations, err
		}
		if sh.Subdir == "" {
			sh.Subdir = key.Subdir
		}
		if sh.Package == "" {
			sh.Package = key.Package
		}
		set.Put(sh)
	}

	return migrations, nil
}

// Write serializes each shard to its current path and stages all of them
// in one call. It does not commit.
func (s *Store) Write(ctx context.Context, shards ...*shard.Shard) ([]string, error) {
	paths := make([]string, 0, len(shards))

	for _, sh := range shards {
		data, err := shard.Encode(sh)
		if err != nil {
			return nil, err
		}

		p := shard.Path(sh.Key())
		if err := s.fs.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", filepath.Dir(p), err)
		}
		if err := afero.WriteFile(s.fs, p, data, 0o644); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", p, err)
		}
		paths = append(paths, p)
	}

	if len(paths) == 0 {
		return paths, nil
	}
	if err := s.vcs.Add(ctx, paths); err != nil {
		return nil, fmt.Errorf("failed to stage %d shards: %w", len(paths), err)
	}
	return paths, nil
}

func (s *Store) readFile(p string) (*shard.Shard, error) {
	data, err := afero.ReadFile(s.fs, p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("shard %s: %w", p, os.ErrNotExist)
		}
		return nil, fmt.Errorf("failed to read %s: %w", p, err)
	}

	sh, err := shard.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("shard %s: %w", p, err)
	}
	return sh, nil
}
