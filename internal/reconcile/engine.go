// Package reconcile drives one rank's pass over the upstream channel.
//
// For every label (busiest first) and every subdir the rank owns, the
// engine diffs the upstream index against the shard set: legacy copies are
// migrated, existing shards gain the label and, for the main label, a
// canonical URL, and missing shards are built. Changes accumulate as dirty
// keys and are committed at chunk checkpoints. The time budget is checked
// only at those checkpoints.
package reconcile

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/regro/repodata-tools/internal/batcher"
	"github.com/regro/repodata-tools/internal/budget"
	"github.com/regro/repodata-tools/internal/builder"
	"github.com/regro/repodata-tools/internal/partition"
	"github.com/regro/repodata-tools/internal/shard"
	"github.com/regro/repodata-tools/internal/store"
	"github.com/regro/repodata-tools/internal/upstream"
)

// FlushThreshold is the dirty-key count above which a checkpoint flushes.
const FlushThreshold = 64

// Outcome is how a run ended.
type Outcome int

const (
	// Completed means every owned (label, subdir) was visited.
	Completed Outcome = iota

	// BudgetExceeded means the run stopped early at a checkpoint after
	// flushing. It is a normal termination; the next run resumes.
	BudgetExceeded
)

func (o Outcome) String() string {
	switch o {
	case Completed:
		return "completed"
	case BudgetExceeded:
		return "budget exceeded"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// BuildFailure records a package whose build failed after retries.
type BuildFailure struct {
	Key   shard.Key
	Label string
	Err   error
}

// Report summarizes a run.
type Report struct {
	Outcome Outcome

	Labels  int
	Subdirs int
	Chunks  int

	Built    int
	Migrated int
	Removed  int
	Patched  int
	Written  int

	Commits        int
	Pushes         int
	DeferredPushes int

	Failures []BuildFailure
}

// IndexSource fetches upstream index documents.
type IndexSource interface {
	Index(ctx context.Context, label, subdir string) (*upstream.Index, error)
}

// Config selects the rank's share of the work.
type Config struct {
	Rank   int
	NRanks int
}

// Deps are the collaborators an Engine drives.
type Deps struct {
	Store    *store.Store
	Index    IndexSource
	Channel  upstream.Channel
	Pool     *builder.Pool
	Batcher  *batcher.Batcher
	Governor *budget.Governor
}

// Engine runs reconciliation passes.
type Engine struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
}

// Opt configures an Engine.
type Opt func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Opt {
	return func(e *Engine) {
		e.logger = logger
	}
}

// New creates an engine.
func New(cfg Config, deps Deps, opts ...Opt) (*Engine, error) {
	if err := partition.Validate(cfg.Rank, cfg.NRanks); err != nil {
		return nil, err
	}
	if deps.Store == nil || deps.Index == nil || deps.Pool == nil || deps.Batcher == nil || deps.Governor == nil {
		return nil, errors.New("reconcile: missing dependency")
	}

	e := &Engine{
		cfg:    cfg,
		deps:   deps,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// run is the state of one pass. It is confined to the calling goroutine.
type run struct {
	*Engine

	set         *shard.Set
	dirty       map[shard.Key]struct{}
	report      *Report
	lastBatch   *batcher.Batch
	pushPending bool
}

// Run reconciles set against the upstream index for every label. Labels
// are processed by descending count regardless of the order given. The
// returned report is valid even when an error is returned.
func (e *Engine) Run(ctx context.Context, set *shard.Set, labels []upstream.Label) (*Report, error) {
	ordered := append([]upstream.Label(nil), labels...)
	upstream.SortLabels(ordered)

	r := &run{
		Engine: e,
		set:    set,
		dirty:  make(map[shard.Key]struct{}),
		report: &Report{Outcome: Completed},
	}
	subdirs := partition.OwnedSubdirs(e.cfg.Rank, e.cfg.NRanks)

	for _, label := range ordered {
		r.report.Labels++
		for _, subdir := range subdirs {
			stop, err := r.syncSubdir(ctx, label.Name, subdir)
			if err != nil {
				return r.report, err
			}
			if stop {
				return r.report, nil
			}
		}
	}

	// nothing was attributed to a chunk, so there is nothing to flush
	if r.lastBatch == nil {
		return r.report, nil
	}
	if err := r.checkpoint(ctx, *r.lastBatch); err != nil {
		return r.report, err
	}
	return r.report, nil
}

// syncSubdir processes one (label, subdir). It reports stop=true when the
// budget expired at a checkpoint.
func (r *run) syncSubdir(ctx context.Context, label, subdir string) (bool, error) {
	logger := r.logger.With(zap.String("label", label), zap.String("subdir", subdir))

	ix, err := r.deps.Index.Index(ctx, label, subdir)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			r.flushOnCancel(ctx)
			return false, ctxErr
		}
		if errors.Is(err, upstream.ErrIndexNotFound) {
			logger.Debug("no index", zap.Error(err))
		} else {
			logger.Warn("index unavailable, skipping", zap.Error(err))
		}
		return false, nil
	}
	r.report.Subdirs++

	chunks := Chunk(ix.Filenames(), ChunkSize)
	logger.Info("reconciling",
		zap.Int("packages", len(ix.Packages)),
		zap.Int("chunks", len(chunks)),
		zap.Duration("remaining", r.deps.Governor.Remaining()),
	)

	for i, pkgs := range chunks {
		if err := ctx.Err(); err != nil {
			r.flushOnCancel(ctx)
			return false, err
		}

		batch := batcher.Batch{ChunkIndex: i, TotalChunks: len(chunks), Label: label, Subdir: subdir}
		r.lastBatch = &batch

		if err := r.processChunk(ctx, ix, label, subdir, pkgs); err != nil {
			if ctx.Err() != nil {
				r.flushOnCancel(ctx)
			}
			return false, err
		}
		// builds cut short by cancellation are retried by the next run
		if err := ctx.Err(); err != nil {
			r.flushOnCancel(ctx)
			return false, err
		}
		r.report.Chunks++

		expired := r.deps.Governor.Expired()
		if len(r.dirty) > FlushThreshold || expired {
			if err := r.checkpoint(ctx, batch); err != nil {
				return false, err
			}
		}
		if expired {
			logger.Info("time budget exceeded",
				zap.Int("chunk", i+1),
				zap.Duration("elapsed", r.deps.Governor.Elapsed()),
			)
			r.report.Outcome = BudgetExceeded
			return true, nil
		}
	}
	return false, nil
}

func (r *run) processChunk(ctx context.Context, ix *upstream.Index, label, subdir string, pkgs []string) error {
	var reqs []builder.Request

	for _, pkg := range pkgs {
		key := shard.Key{Subdir: subdir, Package: pkg}

		migrations, err := r.deps.Store.Migrate(ctx, r.set, key)
		for _, m := range migrations {
			switch m.Action {
			case store.Moved:
				r.report.Migrated++
			case store.Removed:
				r.report.Removed++
			}
			r.markDirty(key)
		}
		if err != nil {
			return err
		}

		sh, ok := r.set.Get(key)
		if !ok {
			reqs = append(reqs, builder.Request{
				Key:   key,
				Label: label,
				Size:  ix.Size(pkg),
				Entry: ix.Packages[pkg],
			})
			continue
		}
		if r.patch(sh, label) {
			r.report.Patched++
			r.markDirty(key)
		}
	}

	for _, res := range r.deps.Pool.Run(ctx, reqs) {
		if res.Err != nil {
			if ctx.Err() != nil && errors.Is(res.Err, ctx.Err()) {
				continue
			}
			r.logger.Warn("build failed",
				zap.Stringer("key", res.Request.Key),
				zap.String("label", res.Request.Label),
				zap.Error(res.Err),
			)
			r.report.Failures = append(r.report.Failures, BuildFailure{
				Key:   res.Request.Key,
				Label: res.Request.Label,
				Err:   res.Err,
			})
			continue
		}
		r.set.Put(res.Shard)
		r.markDirty(res.Shard.Key())
		r.report.Built++
	}
	return nil
}

// patch adds label to sh and, for the main label, replaces a mirror URL
// that is not the canonical one. It reports whether sh changed.
func (r *run) patch(sh *shard.Shard, label string) bool {
	changed := sh.AddLabel(label)
	if label == upstream.MainLabel && r.deps.Channel.IsMirrorURL(sh.URL) {
		changed = sh.SetURL(r.deps.Channel.CanonicalURL(sh.Subdir, sh.Package)) || changed
	}
	return changed
}

func (r *run) markDirty(key shard.Key) {
	r.dirty[key] = struct{}{}
}

func (r *run) dirtyKeys() []shard.Key {
	keys := make([]shard.Key, 0, len(r.dirty))
	for k := range r.dirty {
		keys = append(keys, k)
	}
	return keys
}

// checkpoint flushes the dirty keys attributed to batch and pushes when
// there is anything undelivered. The flush always runs to completion so
// written shards are never left uncommitted; only the push observes ctx.
func (r *run) checkpoint(ctx context.Context, batch batcher.Batch) error {
	keys := r.dirtyKeys()
	committed, err := r.deps.Batcher.Flush(context.WithoutCancel(ctx), r.set, keys, batch)
	if err != nil {
		return err
	}
	r.report.Written += len(keys)
	clear(r.dirty)

	if committed {
		r.report.Commits++
		r.pushPending = true
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if !r.pushPending {
		return nil
	}

	res := r.deps.Batcher.Push(ctx)
	r.report.Pushes++
	if res.Status == batcher.PushDeferred {
		r.report.DeferredPushes++
		return nil
	}
	r.pushPending = false
	return nil
}

// flushOnCancel commits pending work locally when the run is cancelled so
// the next run does not redo it. Pushing is left to the next run.
func (r *run) flushOnCancel(ctx context.Context) {
	if len(r.dirty) == 0 || r.lastBatch == nil {
		return
	}
	keys := r.dirtyKeys()
	committed, err := r.deps.Batcher.Flush(context.WithoutCancel(ctx), r.set, keys, *r.lastBatch)
	if err != nil {
		r.logger.Warn("flush on cancel failed", zap.Error(err))
		return
	}
	r.report.Written += len(keys)
	clear(r.dirty)
	if committed {
		r.report.Commits++
	}
}
