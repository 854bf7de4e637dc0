package upstream

import (
	"fmt"
	"net/url"
	"strings"
)

// MainLabel is the primary label. Its index lives at the channel root and
// its packages have the canonical per-subdir URL.
const MainLabel = "main"

// Channel derives every upstream URL from the channel base URL.
type Channel struct {
	base string
	host string
}

// NewChannel parses a channel base URL such as
// https://conda.anaconda.org/conda-forge.
func NewChannel(base string) (Channel, error) {
	u, err := url.Parse(base)
	if err != nil {
		return Channel{}, fmt.Errorf("invalid channel url %q: %w", base, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return Channel{}, fmt.Errorf("invalid channel url %q: missing scheme or host", base)
	}
	return Channel{base: strings.TrimRight(base, "/"), host: u.Host}, nil
}

// Base returns the channel base URL without a trailing slash.
func (c Channel) Base() string {
	return c.base
}

// Host returns the mirror host.
func (c Channel) Host() string {
	return c.host
}

// IndexURL returns the index document URL for (label, subdir).
func (c Channel) IndexURL(label, subdir string) string {
	if label == MainLabel {
		return fmt.Sprintf("%s/%s/repodata_from_packages.json", c.base, subdir)
	}
	return fmt.Sprintf("%s/label/%s/%s/repodata.json", c.base, label, subdir)
}

// CanonicalURL returns <channel>/<subdir>/<package>.
func (c Channel) CanonicalURL(subdir, pkg string) string {
	return fmt.Sprintf("%s/%s/%s", c.base, subdir, pkg)
}

// PackageURL returns the download URL of pkg as published under label.
func (c Channel) PackageURL(label, subdir, pkg string) string {
	if label == MainLabel {
		return c.CanonicalURL(subdir, pkg)
	}
	return fmt.Sprintf("%s/label/%s/%s/%s", c.base, label, subdir, pkg)
}

// IsMirrorURL reports whether u still points at the upstream mirror rather
// than a re-hosted location.
func (c Channel) IsMirrorURL(u string) bool {
	return strings.Contains(u, c.host)
}
