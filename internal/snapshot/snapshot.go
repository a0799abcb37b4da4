// Package snapshot converts between a mounted directory tree and a flat
// Snapshot of its files.
//
// Push materializes a snapshot into the tree before a sandbox session starts.
// Pull drains the tree after the session ends: every file is read, removed
// and returned. Directories survive a pull and are never reported, so a
// directory marker pushed on its own does not come back.
package snapshot

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/xfeldman/statebridge/internal/vfs"
)

// ErrUnsafeKey is returned for snapshot keys that could escape the base
// directory.
var ErrUnsafeKey = errors.New("unsafe snapshot key")

// Snapshot maps slash-separated paths, relative to a base directory, to file
// content. A key ending in "/" is a directory marker and carries no content.
type Snapshot map[string][]byte

// IsMarker reports whether key is a directory marker. Push creates the
// marker's own directory, Join(base, key), not Join(base, Dirname(key)).
func IsMarker(key string) bool {
	return strings.HasSuffix(key, "/")
}

// Paths returns the keys in lexical order.
func (s Snapshot) Paths() []string {
	paths := make([]string, 0, len(s))
	for p := range s {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// FileCount returns the number of file entries, excluding markers.
func (s Snapshot) FileCount() int {
	n := 0
	for p := range s {
		if !IsMarker(p) {
			n++
		}
	}
	return n
}

// Size returns the total number of content bytes.
func (s Snapshot) Size() int64 {
	var n int64
	for p, data := range s {
		if !IsMarker(p) {
			n += int64(len(data))
		}
	}
	return n
}

// ValidateKey rejects keys that are absolute, empty, or contain a ".."
// segment.
func ValidateKey(key string) error {
	c := vfs.Canonical(key)
	if strings.HasPrefix(c, "/") {
		return fmt.Errorf("%w: %q is absolute", ErrUnsafeKey, key)
	}
	if strings.Trim(c, "/") == "" {
		return fmt.Errorf("%w: %q is empty", ErrUnsafeKey, key)
	}
	for _, seg := range strings.Split(c, "/") {
		if seg == ".." {
			return fmt.Errorf("%w: %q escapes the base directory", ErrUnsafeKey, key)
		}
	}
	return nil
}
