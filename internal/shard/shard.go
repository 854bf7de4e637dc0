// Package shard models the per-package repodata records kept in the store.
//
// A Shard is identified by its Key (subdir, package filename). Its label
// list only ever grows and its URL only changes through canonicalization or
// re-hosting; the helpers here make those two mutations explicit so the
// reconciliation engine can tell whether a record became dirty.
package shard

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strconv"
)

// ErrInvalidShard is returned when a record lacks its identity fields.
var ErrInvalidShard = errors.New("invalid shard")

// Key identifies a shard.
type Key struct {
	Subdir  string
	Package string
}

// String returns "<subdir>/<package>", the form used for hashing and in
// commit messages.
func (k Key) String() string {
	return k.Subdir + "/" + k.Package
}

// Shard is one package's persisted metadata record.
type Shard struct {
	Subdir   string
	Package  string
	Labels   []string
	URL      string
	Repodata map[string]any

	// Extra holds top-level fields this version does not interpret; they
	// are written back unchanged.
	Extra map[string]any
}

// Key returns the shard's identity.
func (s *Shard) Key() Key {
	return Key{Subdir: s.Subdir, Package: s.Package}
}

// Validate checks the identity fields and label invariant.
func (s *Shard) Validate() error {
	if s.Subdir == "" || s.Package == "" {
		return fmt.Errorf("%w: missing subdir or package", ErrInvalidShard)
	}
	if len(s.Labels) == 0 {
		return fmt.Errorf("%w: %s has no labels", ErrInvalidShard, s.Key())
	}
	return nil
}

// HasLabel reports whether label is already recorded.
func (s *Shard) HasLabel(label string) bool {
	return slices.Contains(s.Labels, label)
}

// AddLabel appends label if absent and reports whether the shard changed.
func (s *Shard) AddLabel(label string) bool {
	if s.HasLabel(label) {
		return false
	}
	s.Labels = append(s.Labels, label)
	return true
}

// SetURL replaces the URL and reports whether it changed.
func (s *Shard) SetURL(url string) bool {
	if s.URL == url {
		return false
	}
	s.URL = url
	return true
}

// MD5 returns the recorded md5 content digest, or "".
func (s *Shard) MD5() string {
	v, _ := s.Repodata["md5"].(string)
	return v
}

// Size returns the recorded artifact size in bytes, or 0.
func (s *Shard) Size() int64 {
	return SizeOf(s.Repodata)
}

// SizeOf extracts the "size" field of an index entry regardless of how the
// JSON number was decoded.
func SizeOf(entry map[string]any) int64 {
	switch v := entry["size"].(type) {
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n
		}
		if f, err := v.Float64(); err == nil {
			return int64(f)
		}
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	case string:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return 0
}

// Clone returns a copy whose label list and top-level maps are independent.
func (s *Shard) Clone() *Shard {
	c := *s
	c.Labels = slices.Clone(s.Labels)
	if s.Repodata != nil {
		c.Repodata = make(map[string]any, len(s.Repodata))
		for k, v := range s.Repodata {
			c.Repodata[k] = v
		}
	}
	if s.Extra != nil {
		c.Extra = make(map[string]any, len(s.Extra))
		for k, v := range s.Extra {
			c.Extra[k] = v
		}
	}
	return &c
}

// Set is the run-scoped collection of known shards. It is owned by a
// single goroutine and does no locking.
type Set struct {
	shards map[Key]*Shard
}

// NewSet returns an empty set.
func NewSet() *Set {
	return &Set{shards: make(map[Key]*Shard)}
}

// Get returns the shard for key.
func (s *Set) Get(key Key) (*Shard, bool) {
	sh, ok := s.shards[key]
	return sh, ok
}

// Has reports whether key is present.
func (s *Set) Has(key Key) bool {
	_, ok := s.shards[key]
	return ok
}

// Put stores sh under its own key, replacing any previous record.
func (s *Set) Put(sh *Shard) {
	s.shards[sh.Key()] = sh
}

// Len returns the number of shards.
func (s *Set) Len() int {
	return len(s.shards)
}

// Keys returns all keys sorted by subdir then package.
func (s *Set) Keys() []Key {
	keys := make([]Key, 0, len(s.shards))
	for k := range s.shards {
		keys = append(keys, k)
	}
	SortKeys(keys)
	return keys
}

// SortKeys sorts keys by subdir then package.
func SortKeys(keys []Key) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Subdir != keys[j].Subdir {
			return keys[i].Subdir < keys[j].Subdir
		}
		return keys[i].Package < keys[j].Package
	})
}
