// Package release re-hosts package artifacts as release assets and
// repoints their shards at the stable download URLs.
package release

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/go-github/v66/github"
	"go.uber.org/zap"
)

var (
	// ErrMissingToken is returned when no release store token is set.
	ErrMissingToken = errors.New("missing release store token")

	// ErrInvalidRepo is returned for a repository not in owner/name form.
	ErrInvalidRepo = errors.New("invalid release repository")
)

// Release is a handle to one release.
type Release struct {
	ID  int64
	Tag string
}

// Asset is an uploaded release asset.
type Asset struct {
	Name string
	URL  string
}

// Store hosts release assets.
type Store interface {
	// GetOrCreateRelease returns the release for (subdir, pkg), creating
	// it if needed.
	GetOrCreateRelease(ctx context.Context, subdir, pkg string) (*Release, error)

	// UploadAsset uploads the file at path and returns its stable URL.
	UploadAsset(ctx context.Context, rel *Release, path, contentType string) (*Asset, error)
}

// Tag returns the release tag for (subdir, pkg).
func Tag(subdir, pkg string) string {
	return subdir + "/" + pkg
}

// GitHub is a Store backed by GitHub releases.
type GitHub struct {
	client *github.Client
	owner  string
	repo   string
	logger *zap.Logger
}

var _ Store = (*GitHub)(nil)

// GitHubOpt configures a GitHub store.
type GitHubOpt func(*GitHub) error

// WithGitHubLogger sets the logger.
func WithGitHubLogger(logger *zap.Logger) GitHubOpt {
	return func(g *GitHub) error {
		g.logger = logger
		return nil
	}
}

// WithBaseURL points the API and upload endpoints at base, for GitHub
// Enterprise or tests.
func WithBaseURL(base string) GitHubOpt {
	return func(g *GitHub) error {
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		u, err := url.Parse(base)
		if err != nil {
			return fmt.Errorf("invalid base url %q: %w", base, err)
		}
		g.client.BaseURL = u
		g.client.UploadURL = u
		return nil
	}
}

// NewGitHub returns a store for repo ("owner/name") authenticated with
// token. hc may be nil.
func NewGitHub(hc *http.Client, token, repo string, opts ...GitHubOpt) (*GitHub, error) {
	if token == "" {
		return nil, ErrMissingToken
	}
	owner, name, ok := strings.Cut(repo, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRepo, repo)
	}

	g := &GitHub{
		client: github.NewClient(hc).WithAuthToken(token),
		owner:  owner,
		repo:   name,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		if err := opt(g); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// GetOrCreateRelease implements Store.
func (g *GitHub) GetOrCreateRelease(ctx context.Context, subdir, pkg string) (*Release, error) {
	tag := Tag(subdir, pkg)

	rel, resp, err := g.client.Repositories.GetReleaseByTag(ctx, g.owner, g.repo, tag)
	if err == nil {
		return &Release{ID: rel.GetID(), Tag: tag}, nil
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		return nil, fmt.Errorf("failed to get release %s: %w", tag, err)
	}

	rel, _, err = g.client.Repositories.CreateRelease(ctx, g.owner, g.repo, &github.RepositoryRelease{
		TagName: github.String(tag),
		Name:    github.String(tag),
		Body:    github.String(fmt.Sprintf("re-hosted %s", tag)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create release %s: %w", tag, err)
	}

	g.logger.Debug("created release", zap.String("tag", tag), zap.Int64("id", rel.GetID()))
	return &Release{ID: rel.GetID(), Tag: tag}, nil
}

// UploadAsset implements Store. An asset of the same name already on the
// release is reused, so an interrupted upload can be resumed.
func (g *GitHub) UploadAsset(ctx context.Context, rel *Release, path, contentType string) (*Asset, error) {
	name := filepath.Base(path)

	existing, err := g.findAsset(ctx, rel, name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		g.logger.Debug("asset already uploaded", zap.String("tag", rel.Tag), zap.String("name", name))
		return existing, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	asset, _, err := g.client.Repositories.UploadReleaseAsset(ctx, g.owner, g.repo, rel.ID, &github.UploadOptions{
		Name:      name,
		MediaType: contentType,
	}, f)
	if err != nil {
		return nil, fmt.Errorf("failed to upload %s to %s: %w", name, rel.Tag, err)
	}

	return &Asset{Name: asset.GetName(), URL: asset.GetBrowserDownloadURL()}, nil
}

func (g *GitHub) findAsset(ctx context.Context, rel *Release, name string) (*Asset, error) {
	opts := &github.ListOptions{PerPage: 100}
	for {
		assets, resp, err := g.client.Repositories.ListReleaseAssets(ctx, g.owner, g.repo, rel.ID, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to list assets of %s: %w", rel.Tag, err)
		}
		for _, a := range assets {
			if a.GetName() == name {
				return &Asset{Name: a.GetName(), URL: a.GetBrowserDownloadURL()}, nil
			}
		}
		if resp.NextPage == 0 {
			return nil, nil
		}
		opts.Page = resp.NextPage
	}
}
