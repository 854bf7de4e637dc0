// Package batcher turns accumulated shard changes into commits and
// delivers them upstream.
//
// A flush writes and stages every dirty shard and records them in exactly
// one commit. A push rebases onto the remote and pushes; when retries run
// out the push is reported as deferred and the commits go out with the
// next successful push.
package batcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/regro/repodata-tools/internal/retry"
	"github.com/regro/repodata-tools/internal/shard"
	"github.com/regro/repodata-tools/internal/store"
	"github.com/regro/repodata-tools/internal/vcs"
)

// PushStatus is the outcome of a push.
type PushStatus int

const (
	// PushDelivered means local commits reached the remote.
	PushDelivered PushStatus = iota

	// PushDeferred means retries were exhausted; the commits stay local
	// until a later push succeeds.
	PushDeferred
)

func (s PushStatus) String() string {
	switch s {
	case PushDelivered:
		return "delivered"
	case PushDeferred:
		return "deferred"
	default:
		return fmt.Sprintf("PushStatus(%d)", int(s))
	}
}

// PushResult reports a push attempt. Err is set only when deferred.
type PushResult struct {
	Status PushStatus
	Err    error
}

// Batch identifies the chunk a flush is attributed to.
type Batch struct {
	ChunkIndex  int
	TotalChunks int
	Label       string
	Subdir      string
}

// Message returns the commit message for the batch.
func (b Batch) Message() string {
	return fmt.Sprintf("chunk %d of %d %s/%s %s", b.ChunkIndex+1, b.TotalChunks, b.Label, b.Subdir, vcs.SkipCITag)
}

// ReleaseMessage returns the commit message for a re-hosted shard.
func ReleaseMessage(key shard.Key) string {
	return fmt.Sprintf("release update %s %s", key, vcs.SkipCITag)
}

// Batcher writes, commits and pushes.
type Batcher struct {
	store  *store.Store
	vcs    vcs.Store
	retry  retry.Policy
	logger *zap.Logger
}

// Opt configures a Batcher.
type Opt func(*Batcher)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Opt {
	return func(b *Batcher) {
		b.logger = logger
	}
}

// WithRetryPolicy overrides the push retry policy.
func WithRetryPolicy(policy retry.Policy) Opt {
	return func(b *Batcher) {
		b.retry = policy
	}
}

// New creates a batcher.
func New(st *store.Store, v vcs.Store, opts ...Opt) *Batcher {
	b := &Batcher{
		store:  st,
		vcs:    v,
		retry:  retry.DefaultPolicy(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Flush writes and stages the shards for keys in sorted order and creates
// one commit for all of them. It reports whether a commit was created; an
// empty key set creates none. Keys absent from set are skipped.
func (b *Batcher) Flush(ctx context.Context, set *shard.Set, keys []shard.Key, batch Batch) (bool, error) {
	sorted := append([]shard.Key(nil), keys...)
	shard.SortKeys(sorted)

	shards := make([]*shard.Shard, 0, len(sorted))
	for _, key := range sorted {
		sh, ok := set.Get(key)
		if !ok {
			b.logger.Warn("dirty key missing from shard set", zap.Stringer("key", key))
			continue
		}
		shards = append(shards, sh)
	}

	return b.commit(ctx, batch.Message(), shards)
}

// CommitShard writes one shard and commits it with a release message.
func (b *Batcher) CommitShard(ctx context.Context, sh *shard.Shard) (bool, error) {
	return b.commit(ctx, ReleaseMessage(sh.Key()), []*shard.Shard{sh})
}

func (b *Batcher) commit(ctx context.Context, message string, shards []*shard.Shard) (bool, error) {
	if len(shards) == 0 {
		return false, nil
	}

	if _, err := b.store.Write(ctx, shards...); err != nil {
		return false, err
	}

	err := b.vcs.Commit(ctx, vcs.CommitOptions{Message: message})
	if errors.Is(err, vcs.ErrNothingToCommit) {
		b.logger.Debug("flush produced no changes", zap.String("message", message))
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to commit %d shards: %w", len(shards), err)
	}

	b.logger.Info("committed", zap.String("message", message), zap.Int("shards", len(shards)))
	return true, nil
}

// Push rebases onto the remote and pushes, retrying with the backoff
// policy. Failures are returned as a deferred result, never as an error.
func (b *Batcher) Push(ctx context.Context) PushResult {
	err := b.retry.Do(ctx, func() error {
		if err := b.vcs.Pull(ctx, vcs.PullOptions{Rebase: true, NoEdit: true}); err != nil {
			return classify(fmt.Errorf("pull: %w", err))
		}
		if err := b.vcs.Push(ctx, vcs.PushOptions{}); err != nil {
			return classify(fmt.Errorf("push: %w", err))
		}
		return nil
	}, func(err error, wait time.Duration) {
		b.logger.Debug("retrying push", zap.Duration("wait", wait), zap.Error(err))
	})

	if err != nil {
		b.logger.Warn("push deferred", zap.Error(err))
		return PushResult{Status: PushDeferred, Err: err}
	}

	b.logger.Debug("push delivered")
	return PushResult{Status: PushDelivered}
}

// classify stops retrying errors that another attempt cannot fix. Errors
// of unknown kind keep being retried.
func classify(err error) error {
	switch {
	case vcs.IsRetryable(err):
		return err
	case vcs.IsFatal(err), errors.Is(err, vcs.ErrNoRemote), errors.Is(err, vcs.ErrDetached):
		return retry.Permanent(err)
	}
	return err
}
