// Package upstream talks to the package channel: the labels API, the
// per-(label, subdir) index documents and artifact downloads.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/regro/repodata-tools/internal/logging"
	"github.com/regro/repodata-tools/internal/shard"
)

var (
	// ErrIndexNotFound means the index fetch returned a non-success
	// status. Callers treat it as "no packages".
	ErrIndexNotFound = errors.New("index not found")

	// ErrMissingToken is returned when the labels API token is empty.
	ErrMissingToken = errors.New("missing channel API token")

	// ErrUnexpectedStatus wraps any other non-success response.
	ErrUnexpectedStatus = errors.New("unexpected status")
)

// Config configures a Client.
type Config struct {
	// ChannelURL is the channel base, e.g. https://conda.anaconda.org/conda-forge.
	ChannelURL string

	// APIURL is the metadata API base, e.g. https://api.anaconda.org.
	APIURL string

	// Channel is the channel name used with the API.
	Channel string

	// Token authenticates the labels API.
	Token string

	// RetryMax, RetryWaitMin and RetryWaitMax tune the HTTP retry loop.
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
}

// DefaultConfig returns the conda-forge defaults.
func DefaultConfig() Config {
	return Config{
		ChannelURL:   "https://conda.anaconda.org/conda-forge",
		APIURL:       "https://api.anaconda.org",
		Channel:      "conda-forge",
		RetryMax:     3,
		RetryWaitMin: time.Second,
		RetryWaitMax: 30 * time.Second,
	}
}

// Label is a channel label with its package count.
type Label struct {
	Name  string
	Count int64
}

// Index is one (label, subdir) index document.
type Index struct {
	// Packages maps package filename to its index entry. .tar.bz2 and
	// .conda sections are merged.
	Packages map[string]map[string]any
}

// Filenames returns all package filenames in sorted order.
func (ix *Index) Filenames() []string {
	names := make([]string, 0, len(ix.Packages))
	for name := range ix.Packages {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Size returns the recorded size of pkg, or 0.
func (ix *Index) Size(pkg string) int64 {
	return shard.SizeOf(ix.Packages[pkg])
}

// Client fetches upstream documents.
type Client struct {
	Channel

	cfg    Config
	http   *retryablehttp.Client
	logger *zap.Logger
}

// Opt configures a Client.
type Opt func(*Client)

// WithLogger sets the logger used by the client and its retry loop.
func WithLogger(logger *zap.Logger) Opt {
	return func(c *Client) {
		c.logger = logger
		c.http.Logger = logging.RetryableHTTP(logger)
	}
}

// WithHTTPClient replaces the underlying transport client.
func WithHTTPClient(hc *http.Client) Opt {
	return func(c *Client) {
		c.http.HTTPClient = hc
	}
}

// NewHTTPClient returns a retrying client that hands back the final
// response instead of an error once retries are exhausted, so callers can
// inspect the status.
func NewHTTPClient(retryMax int, waitMin, waitMax time.Duration, logger *zap.Logger) *retryablehttp.Client {
	client := retryablehttp.NewClient()
	client.RetryMax = retryMax
	client.RetryWaitMin = waitMin
	client.RetryWaitMax = waitMax
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	client.Logger = logging.RetryableHTTP(logger)
	return client
}

// New creates a client.
func New(cfg Config, opts ...Opt) (*Client, error) {
	ch, err := NewChannel(cfg.ChannelURL)
	if err != nil {
		return nil, err
	}

	c := &Client{
		Channel: ch,
		cfg:     cfg,
		http:    NewHTTPClient(cfg.RetryMax, cfg.RetryWaitMin, cfg.RetryWaitMax, zap.NewNop()),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Labels returns the channel's labels ordered by descending package count,
// ties broken by name. Labels containing "/" are skipped.
func (c *Client) Labels(ctx context.Context) ([]Label, error) {
	if c.cfg.Token == "" {
		return nil, ErrMissingToken
	}

	u := fmt.Sprintf("%s/channels/%s", strings.TrimRight(c.cfg.APIURL, "/"), c.cfg.Channel)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "token "+c.cfg.Token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch labels: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: labels api returned %d", ErrUnexpectedStatus, resp.StatusCode)
	}

	var doc map[string]struct {
		Count int64 `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode labels: %w", err)
	}

	labels := make([]Label, 0, len(doc))
	for name, info := range doc {
		if strings.Contains(name, "/") {
			continue
		}
		labels = append(labels, Label{Name: name, Count: info.Count})
	}
	SortLabels(labels)

	c.logger.Debug("fetched labels", zap.Int("count", len(labels)))
	return labels, nil
}

// SortLabels orders labels by descending count, then by name.
func SortLabels(labels []Label) {
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].Count != labels[j].Count {
			return labels[i].Count > labels[j].Count
		}
		return labels[i].Name < labels[j].Name
	})
}

// Index fetches the index document for (label, subdir). A non-success
// status yields ErrIndexNotFound.
func (c *Client) Index(ctx context.Context, label, subdir string) (*Index, error) {
	u := c.IndexURL(label, subdir)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %s returned %d", ErrIndexNotFound, u, resp.StatusCode)
	}

	ix, err := decodeIndex(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", u, err)
	}
	return ix, nil
}

func decodeIndex(r io.Reader) (*Index, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var doc struct {
		Packages      map[string]map[string]any `json:"packages"`
		PackagesConda map[string]map[string]any `json:"packages.conda"`
	}
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}

	ix := &Index{Packages: make(map[string]map[string]any, len(doc.Packages)+len(doc.PackagesConda))}
	for name, entry := range doc.Packages {
		ix.Packages[name] = entry
	}
	for name, entry := range doc.PackagesConda {
		ix.Packages[name] = entry
	}
	return ix, nil
}

// Download streams the body at u into w and returns the byte count.
func (c *Client) Download(ctx context.Context, u string, w io.Writer) (int64, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to download %s: %w", u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, fmt.Errorf("%w: %s returned %d: %s", ErrUnexpectedStatus, u, resp.StatusCode, bytes.TrimSpace(body))
	}

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("failed to read %s: %w", u, err)
	}
	return n, nil
}
