// Package partition assigns work units to ranks.
//
// Every function here is pure: cooperating processes agree on ownership
// without talking to each other, so the mapping must be identical across
// processes, runs and reimplementations. Package ownership therefore uses
// SHA-1 rather than a runtime hash.
package partition

import (
	"crypto/sha1"
	"errors"
	"fmt"
)

// ErrInvalidRank is returned by Validate for a bad rank/rank-count pair.
var ErrInvalidRank = errors.New("invalid rank")

// Subdirs is the fixed, identically ordered subdir list shared by all ranks.
// SubdirOwner indexes into it, so the order must never change.
var Subdirs = []string{
	"linux-64",
	"osx-64",
	"win-64",
	"noarch",
	"linux-aarch64",
	"linux-ppc64le",
	"osx-arm64",
}

// releaseBuckets is the first level of the release partition.
const releaseBuckets = 4

// Validate checks that n >= 1 and 0 <= rank < n.
func Validate(rank, n int) error {
	if n < 1 {
		return fmt.Errorf("%w: rank count %d must be at least 1", ErrInvalidRank, n)
	}
	if rank < 0 || rank >= n {
		return fmt.Errorf("%w: rank %d outside [0, %d)", ErrInvalidRank, rank, n)
	}
	return nil
}

// SubdirOwner returns the rank owning the subdir at index.
func SubdirOwner(index, n int) int {
	return index % n
}

// OwnedSubdirs returns the subdirs owned by rank, in Subdirs order.
func OwnedSubdirs(rank, n int) []string {
	var owned []string
	for i, subdir := range Subdirs {
		if SubdirOwner(i, n) == rank {
			owned = append(owned, subdir)
		}
	}
	return owned
}

// PackageOwner maps key to a rank by the first SHA-1 byte mod n. No pass
// partitions work by it: sync splits by subdir and upload by ReleaseOwner.
// It is the reference assignment the completeness tests check against.
func PackageOwner(key string, n int) int {
	return int(firstByte(key)) % n
}

// ReleaseOwner returns the rank owning key for the release pass. The
// digest is first folded into four buckets and the bucket is then spread
// over n ranks, matching the assignment earlier upload runs used. With
// n > 4 ranks 4 and above own nothing.
func ReleaseOwner(key string, n int) int {
	return (int(firstByte(key)) % releaseBuckets) % n
}

func firstByte(key string) byte {
	sum := sha1.Sum([]byte(key))
	return sum[0]
}
