package release

import (
	"context"
	"crypto/md5"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/regro/repodata-tools/internal/batcher"
	"github.com/regro/repodata-tools/internal/builder"
	"github.com/regro/repodata-tools/internal/partition"
	"github.com/regro/repodata-tools/internal/retry"
	"github.com/regro/repodata-tools/internal/shard"
	"github.com/regro/repodata-tools/internal/upstream"
)

// DefaultMaxUploads bounds the uploads of one run.
const DefaultMaxUploads = 200

// CompanionName is the file name of the shard asset uploaded next to the
// artifact.
const CompanionName = "repodata_shard.json"

var (
	// ErrChecksumMismatch means a downloaded artifact does not match the
	// shard's recorded md5. Re-hosting it would publish unverified
	// content, so it aborts the run.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrMissingDigest means the shard has no md5 to verify against.
	ErrMissingDigest = errors.New("shard has no md5")
)

// ContentType returns the media type of an artifact.
func ContentType(pkg string) string {
	switch {
	case strings.HasSuffix(pkg, ".tar.bz2"):
		return "application/x-bzip2"
	default:
		return "application/octet-stream"
	}
}

// Config selects the rank's share of the uploads.
type Config struct {
	Rank       int
	NRanks     int
	MaxUploads int
}

// Failure records a shard whose upload was abandoned.
type Failure struct {
	Key shard.Key
	Err error
}

// Report summarizes an upload run.
type Report struct {
	Considered     int
	Uploaded       int
	Commits        int
	DeferredPushes int
	Failures       []Failure
}

// Uploader re-hosts shards that still point at the mirror.
type Uploader struct {
	cfg      Config
	releases Store
	dl       builder.Downloader
	channel  upstream.Channel
	batcher  *batcher.Batcher
	retry    retry.Policy
	scratch  string
	logger   *zap.Logger
}

// Opt configures an Uploader.
type Opt func(*Uploader)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Opt {
	return func(u *Uploader) {
		u.logger = logger
	}
}

// WithRetryPolicy overrides the download retry policy.
func WithRetryPolicy(policy retry.Policy) Opt {
	return func(u *Uploader) {
		u.retry = policy
	}
}

// WithScratchDir sets the parent directory for downloaded artifacts.
func WithScratchDir(dir string) Opt {
	return func(u *Uploader) {
		u.scratch = dir
	}
}

// NewUploader creates an uploader.
func NewUploader(cfg Config, releases Store, dl builder.Downloader, ch upstream.Channel, b *batcher.Batcher, opts ...Opt) (*Uploader, error) {
	if err := partition.Validate(cfg.Rank, cfg.NRanks); err != nil {
		return nil, err
	}
	if cfg.MaxUploads <= 0 {
		cfg.MaxUploads = DefaultMaxUploads
	}

	u := &Uploader{
		cfg:      cfg,
		releases: releases,
		dl:       dl,
		channel:  ch,
		batcher:  b,
		retry:    retry.DefaultPolicy(),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(u)
	}
	return u, nil
}

// Run walks set in key order and re-hosts every owned shard whose URL
// still points at the mirror, up to MaxUploads. Each upload is committed
// on its own and pushed best-effort. A checksum mismatch stops the run
// with an error; other per-shard failures are recorded and skipped.
func (u *Uploader) Run(ctx context.Context, set *shard.Set) (*Report, error) {
	report := &Report{}

	for _, key := range set.Keys() {
		if report.Uploaded >= u.cfg.MaxUploads {
			u.logger.Info("upload limit reached", zap.Int("max", u.cfg.MaxUploads))
			break
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if partition.ReleaseOwner(key.String(), u.cfg.NRanks) != u.cfg.Rank {
			continue
		}
		sh, _ := set.Get(key)
		if !u.channel.IsMirrorURL(sh.URL) {
			continue
		}
		report.Considered++

		updated, err := u.rehost(ctx, sh)
		if errors.Is(err, ErrChecksumMismatch) {
			return report, err
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return report, ctxErr
			}
			u.logger.Warn("upload failed", zap.Stringer("key", key), zap.Error(err))
			report.Failures = append(report.Failures, Failure{Key: key, Err: err})
			continue
		}

		set.Put(updated)
		// the asset is already published, so record it even when cancelled
		committed, err := u.batcher.CommitShard(context.WithoutCancel(ctx), updated)
		if err != nil {
			return report, err
		}
		if committed {
			report.Commits++
		}
		if res := u.batcher.Push(ctx); res.Status == batcher.PushDeferred {
			report.DeferredPushes++
		}
		report.Uploaded++

		u.logger.Info("re-hosted", zap.Stringer("key", key), zap.String("url", updated.URL))
	}

	return report, nil
}

// rehost downloads and verifies the artifact, uploads it with its updated
// shard and returns that shard. sh itself is not modified.
func (u *Uploader) rehost(ctx context.Context, sh *shard.Shard) (*shard.Shard, error) {
	want := sh.MD5()
	if want == "" {
		return nil, fmt.Errorf("%w: %s", ErrMissingDigest, sh.Key())
	}

	dir, err := os.MkdirTemp(u.scratch, "upload-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)

	artifact := filepath.Join(dir, sh.Package)
	err = u.retry.Do(ctx, func() error {
		return u.download(ctx, sh.URL, artifact, want)
	}, func(err error, wait time.Duration) {
		u.logger.Debug("retrying download", zap.Stringer("key", sh.Key()), zap.Duration("wait", wait), zap.Error(err))
	})
	if err != nil {
		return nil, err
	}

	rel, err := u.releases.GetOrCreateRelease(ctx, sh.Subdir, sh.Package)
	if err != nil {
		return nil, err
	}
	asset, err := u.releases.UploadAsset(ctx, rel, artifact, ContentType(sh.Package))
	if err != nil {
		return nil, err
	}

	updated := sh.Clone()
	updated.URL = asset.URL

	data, err := shard.Encode(updated)
	if err != nil {
		return nil, err
	}
	companion := filepath.Join(dir, CompanionName)
	if err := os.WriteFile(companion, data, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", companion, err)
	}
	if _, err := u.releases.UploadAsset(ctx, rel, companion, "application/json"); err != nil {
		return nil, err
	}

	return updated, nil
}

// download fetches url into path and verifies its md5 in constant time.
// A mismatch is permanent.
func (u *Uploader) download(ctx context.Context, url, path, want string) error {
	f, err := os.Create(path)
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to create %s: %w", path, err))
	}
	defer f.Close()

	h := md5.New()
	if _, err := u.dl.Download(ctx, url, io.MultiWriter(f, h)); err != nil {
		return err
	}

	got := hex.EncodeToString(h.Sum(nil))
	if subtle.ConstantTimeCompare([]byte(got), []byte(strings.ToLower(want))) != 1 {
		return retry.Permanent(fmt.Errorf("%w: %s has md5 %s, shard records %s", ErrChecksumMismatch, url, got, want))
	}
	return f.Close()
}
