package shard

import (
	"path/filepath"
	"strings"
)

// Root is the store directory holding all shards, relative to the repo.
const Root = "shards"

const (
	// currentDepth is the directory nesting of the current layout.
	currentDepth = 12

	// legacyDepth is the nesting of the superseded nested layout.
	legacyDepth = 4

	// padChar fills the directory chain for short package names.
	padChar = 'z'
)

// SubdirDir returns the directory holding every shard of subdir.
func SubdirDir(subdir string) string {
	return filepath.Join(Root, subdir)
}

// Path returns the current-layout path of key:
// shards/<subdir>/<c1>/.../<c12>/<package>.json, where the c are the first
// twelve ASCII alphanumeric characters of the package name padded with 'z'.
func Path(key Key) string {
	return nestedPath(key, currentDepth)
}

// LegacyPaths returns the superseded paths of key in migration order:
// the flat layout first, then the four-level nested layout.
func LegacyPaths(key Key) []string {
	return []string{
		filepath.Join(Root, key.Subdir, fileName(key.Package)),
		nestedPath(key, legacyDepth),
	}
}

// IsCurrentPath reports whether p is the current-layout path of key.
func IsCurrentPath(key Key, p string) bool {
	return filepath.Clean(p) == Path(key)
}

// PackageFromFile recovers the package filename from a shard file name.
func PackageFromFile(name string) (string, bool) {
	return strings.CutSuffix(filepath.Base(name), ".json")
}

func nestedPath(key Key, depth int) string {
	parts := make([]string, 0, depth+3)
	parts = append(parts, Root, key.Subdir)
	parts = append(parts, dirChars(key.Package, depth)...)
	parts = append(parts, fileName(key.Package))
	return filepath.Join(parts...)
}

func dirChars(pkg string, depth int) []string {
	chars := make([]string, 0, depth)
	for i := 0; i < len(pkg) && len(chars) < depth; i++ {
		if isAlnum(pkg[i]) {
			chars = append(chars, string(pkg[i]))
		}
	}
	for len(chars) < depth {
		chars = append(chars, string(padChar))
	}
	return chars
}

func isAlnum(c byte) bool {
	return ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') || ('0' <= c && c <= '9')
}

func fileName(pkg string) string {
	return pkg + ".json"
}
