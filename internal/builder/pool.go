package builder

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/regro/repodata-tools/internal/retry"
	"github.com/regro/repodata-tools/internal/shard"
)

// MaxParallelism caps concurrent builds.
const MaxParallelism = 16

// ParallelismPolicy picks the worker count for a chunk whose largest
// artifact is maxBytes.
type ParallelismPolicy func(maxBytes int64) int

// DefaultParallelism assumes each build buffers about one artifact and
// allows roughly 1 GB in flight: clamp(floor(1/maxGB), 1, 16).
func DefaultParallelism(maxBytes int64) int {
	if maxBytes <= 0 {
		return MaxParallelism
	}
	n := int(1e9 / float64(maxBytes))
	return min(max(n, 1), MaxParallelism)
}

// URLFunc resolves the download URL of a package under a label.
type URLFunc func(label, subdir, pkg string) string

// Result is the outcome of one request. Exactly one of Shard and Err is
// set.
type Result struct {
	Request Request
	Shard   *shard.Shard
	Err     error
}

// Pool runs builds with bounded parallelism.
type Pool struct {
	builder     Builder
	url         URLFunc
	retry       retry.Policy
	parallelism ParallelismPolicy
	logger      *zap.Logger
}

// PoolOpt configures a Pool.
type PoolOpt func(*Pool)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) PoolOpt {
	return func(p *Pool) {
		p.logger = logger
	}
}

// WithRetryPolicy overrides the per-build retry policy.
func WithRetryPolicy(policy retry.Policy) PoolOpt {
	return func(p *Pool) {
		p.retry = policy
	}
}

// WithParallelism overrides the parallelism policy.
func WithParallelism(policy ParallelismPolicy) PoolOpt {
	return func(p *Pool) {
		p.parallelism = policy
	}
}

// NewPool creates a pool building through b, resolving URLs with url.
func NewPool(b Builder, url URLFunc, opts ...PoolOpt) *Pool {
	p := &Pool{
		builder:     b,
		url:         url,
		retry:       retry.DefaultPolicy(),
		parallelism: DefaultParallelism,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run builds every request and blocks until all have finished. Results are
// returned in request order. A failed build yields a Result with Err set
// and never a shard.
func (p *Pool) Run(ctx context.Context, reqs []Request) []Result {
	results := make([]Result, len(reqs))
	if len(reqs) == 0 {
		return results
	}

	var maxBytes int64
	for _, req := range reqs {
		maxBytes = max(maxBytes, req.Size)
	}
	workers := p.parallelism(maxBytes)
	if workers < 1 {
		workers = 1
	}

	p.logger.Info("building shards",
		zap.Int("workers", workers),
		zap.Int("builds", len(reqs)),
		zap.Float64("max_gb", float64(maxBytes)/1e9),
	)

	var g errgroup.Group
	g.SetLimit(workers)

	for i, req := range reqs {
		g.Go(func() error {
			results[i] = p.build(ctx, req)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (p *Pool) build(ctx context.Context, req Request) Result {
	url := p.url(req.Label, req.Key.Subdir, req.Key.Package)

	sh, err := retry.DoValue(ctx, p.retry, func() (*shard.Shard, error) {
		return p.builder.Build(ctx, req, url)
	}, func(err error, wait time.Duration) {
		p.logger.Debug("retrying build",
			zap.Stringer("key", req.Key),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	})
	if err != nil {
		return Result{Request: req, Err: err}
	}
	return Result{Request: req, Shard: sh}
}
