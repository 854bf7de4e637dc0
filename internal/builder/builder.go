// Package builder constructs shards for packages that have none yet.
//
// A Builder turns one package identity into a Shard. The Pool runs the
// builds of one chunk with bounded parallelism and retries, and returns a
// result per request; it never touches the caller's shard set.
package builder

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/regro/repodata-tools/internal/shard"
)

var (
	// ErrSizeMismatch means the downloaded artifact size differs from the
	// index entry.
	ErrSizeMismatch = errors.New("artifact size mismatch")

	// ErrDigestMismatch means the downloaded artifact md5 differs from the
	// index entry.
	ErrDigestMismatch = errors.New("artifact digest mismatch")
)

// Request asks for one shard.
type Request struct {
	Key   shard.Key
	Label string

	// Size is the artifact size in bytes from the index, 0 if unknown.
	Size int64

	// Entry is the package's index entry.
	Entry map[string]any
}

// Builder produces a shard for req from the artifact at url.
type Builder interface {
	Build(ctx context.Context, req Request, url string) (*shard.Shard, error)
}

// Downloader streams a URL into a writer.
type Downloader interface {
	Download(ctx context.Context, url string, w io.Writer) (int64, error)
}

// HTTPBuilder downloads the artifact, digests it and records the digests
// next to the index entry.
type HTTPBuilder struct {
	dl     Downloader
	logger *zap.Logger
}

// NewHTTPBuilder returns a builder fetching artifacts through dl.
func NewHTTPBuilder(dl Downloader, logger *zap.Logger) *HTTPBuilder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPBuilder{dl: dl, logger: logger}
}

// Build implements Builder.
func (b *HTTPBuilder) Build(ctx context.Context, req Request, url string) (*shard.Shard, error) {
	md5h := md5.New()
	sha := sha256.New()

	n, err := b.dl.Download(ctx, url, io.MultiWriter(md5h, sha))
	if err != nil {
		return nil, err
	}
	if req.Size > 0 && n != req.Size {
		return nil, fmt.Errorf("%w: %s got %d bytes, index says %d", ErrSizeMismatch, req.Key, n, req.Size)
	}

	sum := hex.EncodeToString(md5h.Sum(nil))
	if want, ok := req.Entry["md5"].(string); ok && want != "" && want != sum {
		return nil, fmt.Errorf("%w: %s got %s, index says %s", ErrDigestMismatch, req.Key, sum, want)
	}

	repodata := make(map[string]any, len(req.Entry)+3)
	for k, v := range req.Entry {
		repodata[k] = v
	}
	repodata["md5"] = sum
	repodata["sha256"] = hex.EncodeToString(sha.Sum(nil))
	repodata["size"] = n

	b.logger.Debug("built shard", zap.Stringer("key", req.Key), zap.Int64("bytes", n))

	return &shard.Shard{
		Subdir:   req.Key.Subdir,
		Package:  req.Key.Package,
		Labels:   []string{req.Label},
		URL:      url,
		Repodata: repodata,
	}, nil
}
